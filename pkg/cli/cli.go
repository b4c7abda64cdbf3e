// Package cli is the interactive shell offered while the network runs.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"golang.org/x/term"
	"io"
	"os"
	"os/exec"
	"sdnnet/api"
	"sdnnet/pkg/controller"
	"sort"
	"strings"
	"sync/atomic"
)

const Prompt = "sdnnet> "

// Network is what the shell inspects; pkg.Manager implements it.
type Network interface {
	NodeList() []*api.Node
	LinkList() []*api.Link
	Get(name string) (*api.Node, error)
	Controllers() []controller.Controller
	DumpFlows(sw string) ([]string, error)
	Command(ctx context.Context, n *api.Node, name string, arg ...string) *exec.Cmd
}

// Daemons lists the hosts whose SSH daemon is alive; sshd.Manager
// implements it.
type Daemons interface {
	Running() []string
}

type CLI struct {
	net     Network
	daemons Daemons
	in      io.Reader
	out     io.Writer

	// set while stdin is a terminal in raw mode
	tty    *os.File
	cooked *term.State

	busy atomic.Bool
}

func New(net Network, in io.Reader, out io.Writer) *CLI {
	return &CLI{net: net, in: in, out: out}
}

// WithDaemons enables the sshd command.
func (c *CLI) WithDaemons(d Daemons) *CLI {
	c.daemons = d
	return c
}

// Busy reports whether a node command holds the terminal. An interrupt
// typed meanwhile belongs to that command, not to the shell.
func (c *CLI) Busy() bool {
	return c.busy.Load()
}

// ctrlCReader turns Ctrl-C into Ctrl-U so that at the prompt it clears the
// line instead of ending the shell.
type ctrlCReader struct {
	r io.Reader
}

func (r ctrlCReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	for i := range p[:n] {
		if p[i] == 0x03 {
			p[i] = 0x15
		}
	}
	return n, err
}

// Run reads commands until exit, quit, end of input or ctx is done. A
// terminal on stdin gets line editing and history.
func (c *CLI) Run(ctx context.Context) error {
	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return err
		}
		defer term.Restore(int(f.Fd()), state)
		c.tty, c.cooked = f, state
		defer func() { c.tty, c.cooked = nil, nil }()

		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{ctrlCReader{f}, c.out}, Prompt)
		out := c.out
		c.out = t
		defer func() { c.out = out }()
		return c.loop(ctx, t.ReadLine, false)
	}

	scanner := bufio.NewScanner(c.in)
	return c.loop(ctx, func() (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return scanner.Text(), nil
	}, true)
}

type readResult struct {
	line string
	err  error
}

// loop feeds lines from readLine to Execute. Reads happen on their own
// goroutine so a cancelled ctx ends the shell even while input blocks.
func (c *CLI) loop(ctx context.Context, readLine func() (string, error), prompt bool) error {
	done := make(chan struct{})
	defer close(done)
	results := make(chan readResult)
	next := make(chan struct{}, 1)

	go func() {
		for {
			select {
			case <-next:
			case <-done:
				return
			}
			line, err := readLine()
			select {
			case results <- readResult{line, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		if prompt {
			fmt.Fprint(c.out, Prompt)
		}
		next <- struct{}{}
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return ctx.Err()
		case r := <-results:
			if r.err == io.EOF {
				fmt.Fprintln(c.out)
				return nil
			}
			if r.err != nil {
				return r.err
			}
			if c.Execute(ctx, r.line) {
				return nil
			}
		}
	}
}

// Execute runs one command line and reports whether the shell should exit.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "exit", "quit":
		return true
	case "help", "?":
		c.help()
	case "nodes":
		c.ShowNodes()
	case "links", "net":
		c.ShowLinks()
	case "dump":
		c.dump()
	case "controllers":
		c.controllers(ctx)
	case "sshd":
		c.sshd()
	case "flows":
		if len(fields) != 2 {
			fmt.Fprintln(c.out, "usage: flows <switch>")
			return false
		}
		c.flows(fields[1])
	default:
		c.runOnNode(ctx, fields)
	}
	return false
}

func (c *CLI) help() {
	fmt.Fprint(c.out, `Commands:
  nodes                  list nodes
  links                  list links
  dump                   show nodes with interfaces and addresses
  controllers            probe the controllers
  sshd                   list hosts with a running sshd
  flows <switch>         dump the flow table of a switch
  <node> <cmd> [args]    run a command on a node
  exit | quit            leave the shell and stop the network
`)
}

func (c *CLI) ShowNodes() {
	for _, node := range c.net.NodeList() {
		intf, ip := "", ""
		if di := node.DefaultIntf(); di != nil {
			intf, ip = di.Name, di.Ipv4
		}
		fmt.Fprintf(c.out, "Node: %s, Uid: %d, Kind: %s, Interface: %s, IPv4: %s\n", node.Name, node.Uid, node.Kind, intf, ip)
	}
}

func (c *CLI) ShowLinks() {
	for _, link := range c.net.LinkList() {
		fmt.Fprintf(c.out, "Link: %s<->%s", link.SrcIntf.Name, link.DstIntf.Name)
		if !link.Properties.IsZero() {
			fmt.Fprintf(c.out, ", Bw: %dMbps, Delay: %dms, Loss: %.2f", link.Properties.Rate, link.Properties.Latency, link.Properties.Loss)
		}
		fmt.Fprintln(c.out)
	}
}

func (c *CLI) dump() {
	for _, node := range c.net.NodeList() {
		fmt.Fprintf(c.out, "<%s %s", node.Kind, node.Name)
		if node.Dpid != "" {
			fmt.Fprintf(c.out, " dpid=%s", node.Dpid)
		}
		if node.NetNs != "" {
			fmt.Fprintf(c.out, " netns=%s", node.NetNs)
		}
		var intfs []string
		for _, i := range node.Interfaces {
			s := i.Name
			if i.Ipv4 != "" {
				s += ":" + i.Ipv4
			}
			intfs = append(intfs, s)
		}
		fmt.Fprintf(c.out, ": %s>\n", strings.Join(intfs, ","))
	}
}

func (c *CLI) controllers(ctx context.Context) {
	for _, ctl := range c.net.Controllers() {
		status := "unreachable"
		if ctl.CheckListening(ctx) {
			status = "listening"
		}
		spec := ctl.Spec()
		fmt.Fprintf(c.out, "%s %s %s %s", ctl.Name(), spec.Kind, spec.Address(), status)
		if p, ok := ctl.(interface{ Running() bool }); ok {
			if p.Running() {
				fmt.Fprint(c.out, ", process running")
			} else {
				fmt.Fprint(c.out, ", process exited")
			}
		}
		fmt.Fprintln(c.out)
	}
}

func (c *CLI) sshd() {
	if c.daemons == nil {
		fmt.Fprintln(c.out, "sshd is disabled")
		return
	}
	running := c.daemons.Running()
	sort.Strings(running)
	fmt.Fprintf(c.out, "sshd running on %d hosts: %s\n", len(running), strings.Join(running, " "))
}

func (c *CLI) flows(sw string) {
	flows, err := c.net.DumpFlows(sw)
	if err != nil {
		fmt.Fprintln(c.out, "*** Error:", err)
		return
	}
	sort.Strings(flows)
	for _, f := range flows {
		fmt.Fprintln(c.out, f)
	}
}

func (c *CLI) runOnNode(ctx context.Context, fields []string) {
	node, err := c.net.Get(fields[0])
	if err != nil {
		fmt.Fprintf(c.out, "*** Unknown command: %s\n", strings.Join(fields, " "))
		return
	}
	if len(fields) < 2 {
		fmt.Fprintf(c.out, "usage: %s <cmd> [args]\n", node.Name)
		return
	}
	cmd := c.net.Command(ctx, node, fields[1], fields[2:]...)
	cmd.Stdout = c.out
	cmd.Stderr = c.out

	c.busy.Store(true)
	defer c.busy.Store(false)
	if c.tty != nil {
		// give the command a cooked terminal so Ctrl-C reaches it
		fd := int(c.tty.Fd())
		if err := term.Restore(fd, c.cooked); err == nil {
			defer term.MakeRaw(fd)
		}
		cmd.Stdin = c.tty
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		fmt.Fprintln(c.out, "***", err)
	}
}
