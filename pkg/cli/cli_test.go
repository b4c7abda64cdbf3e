package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sdnnet/api"
	"sdnnet/pkg/controller"
	"sdnnet/pkg/util"
	"strings"
	"testing"
	"time"
)

type fakeNetwork struct {
	nodes []*api.Node
	links []*api.Link
}

func newFakeNetwork() *fakeNetwork {
	h := &api.Node{Uid: 1, Name: "host0", Kind: api.KindHost, NetNs: "/var/run/netns/host0"}
	sw := &api.Node{Uid: 2, Name: "sw01.00", Kind: api.KindSwitch, Dpid: "0000000000000100"}
	l := &api.Link{SrcNode: "host0", DstNode: "sw01.00", SrcIntf: h.NewInterface(), DstIntf: sw.NewInterface()}
	l.SrcIntf.Ipv4 = "192.168.1.0/16"
	return &fakeNetwork{nodes: []*api.Node{h, sw}, links: []*api.Link{l}}
}

func (f *fakeNetwork) NodeList() []*api.Node { return f.nodes }
func (f *fakeNetwork) LinkList() []*api.Link { return f.links }

func (f *fakeNetwork) Get(name string) (*api.Node, error) {
	for _, n := range f.nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, util.ErrNodeNotFound
}

func (f *fakeNetwork) Controllers() []controller.Controller {
	c, _ := controller.New(api.ControllerSpec{Name: "c0", Kind: api.ControllerRemote, IP: "127.0.0.1", Port: 1}, 0)
	return []controller.Controller{c}
}

func (f *fakeNetwork) DumpFlows(sw string) ([]string, error) {
	if sw != "sw01.00" {
		return nil, errors.New("no such bridge")
	}
	return []string{"priority=0 actions=CONTROLLER:65535"}, nil
}

func (f *fakeNetwork) Command(ctx context.Context, n *api.Node, name string, arg ...string) *exec.Cmd {
	if name == "sleep" {
		return exec.CommandContext(ctx, "sleep", arg...)
	}
	return exec.CommandContext(ctx, "echo", append([]string{"[" + n.Name + "]", name}, arg...)...)
}

func run(t *testing.T, input string) string {
	t.Helper()
	var out bytes.Buffer
	c := New(newFakeNetwork(), strings.NewReader(input), &out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	return out.String()
}

func TestNodesAndLinks(t *testing.T) {
	out := run(t, "nodes\nlinks\nexit\n")
	for _, want := range []string{
		"Node: host0, Uid: 1, Kind: host, Interface: host0-eth0, IPv4: 192.168.1.0/16",
		"Node: sw01.00, Uid: 2, Kind: switch, Interface: sw01.00-eth1",
		"Link: host0-eth0<->sw01.00-eth1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDump(t *testing.T) {
	out := run(t, "dump\n")
	if !strings.Contains(out, "<switch sw01.00 dpid=0000000000000100: sw01.00-eth1>") {
		t.Errorf("dump output:\n%s", out)
	}
	if !strings.Contains(out, "<host host0 netns=/var/run/netns/host0: host0-eth0:192.168.1.0/16>") {
		t.Errorf("dump output:\n%s", out)
	}
}

func TestRunOnNode(t *testing.T) {
	out := run(t, "host0 ping -c1 192.168.1.1\nhost9 ls\nhost0\nquit\n")
	if !strings.Contains(out, "[host0] ping -c1 192.168.1.1") {
		t.Errorf("command not run on node:\n%s", out)
	}
	if !strings.Contains(out, "*** Unknown command: host9 ls") {
		t.Errorf("unknown node not reported:\n%s", out)
	}
	if !strings.Contains(out, "usage: host0 <cmd> [args]") {
		t.Errorf("missing usage:\n%s", out)
	}
}

func TestFlowsAndControllers(t *testing.T) {
	out := run(t, "flows sw01.00\nflows sw09.00\nflows\ncontrollers\n")
	for _, want := range []string{
		"priority=0 actions=CONTROLLER:65535",
		"*** Error: no such bridge",
		"usage: flows <switch>",
		"c0 remote 127.0.0.1:1 unreachable",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExecuteExit(t *testing.T) {
	c := New(newFakeNetwork(), strings.NewReader(""), &bytes.Buffer{})
	for _, line := range []string{"exit", "  quit  "} {
		if !c.Execute(context.Background(), line) {
			t.Errorf("%q should exit", line)
		}
	}
	for _, line := range []string{"", "help", "nodes"} {
		if c.Execute(context.Background(), line) {
			t.Errorf("%q should not exit", line)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	c := New(newFakeNetwork(), r, &bytes.Buffer{})

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCtrlCClearsLine(t *testing.T) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, ctrlCReader{strings.NewReader("ping\x03nodes\r")}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "ping\x15nodes\r" {
		t.Errorf("read %q", buf.String())
	}
}

func TestBusyWhileNodeCommandRuns(t *testing.T) {
	c := New(newFakeNetwork(), strings.NewReader(""), &bytes.Buffer{})
	if c.Busy() {
		t.Fatal("busy before any command")
	}

	done := make(chan struct{})
	go func() {
		c.Execute(context.Background(), "host0 sleep 1")
		close(done)
	}()

	deadline := time.Now().Add(900 * time.Millisecond)
	for !c.Busy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !c.Busy() {
		t.Error("not busy while the command runs")
	}
	<-done
	if c.Busy() {
		t.Error("still busy after the command")
	}
}

type fakeDaemons []string

func (d fakeDaemons) Running() []string { return d }

func TestSshdCommand(t *testing.T) {
	var out bytes.Buffer
	c := New(newFakeNetwork(), strings.NewReader("sshd\n"), &out).WithDaemons(fakeDaemons{"host1", "host0"})
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "sshd running on 2 hosts: host0 host1") {
		t.Errorf("output:\n%s", out.String())
	}

	if out := run(t, "sshd\n"); !strings.Contains(out, "sshd is disabled") {
		t.Errorf("output:\n%s", out)
	}
}
