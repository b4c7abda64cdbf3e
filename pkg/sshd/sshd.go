// Package sshd runs one SSH daemon per emulated host.
//
// Daemons run in the foreground (-D) so the manager keeps their process
// handles and stops exactly the processes it started. Each daemon also
// writes a pid file next to its banner; a later run uses it to reap
// daemons left behind by a session that was not stopped, after checking
// that the process still refers to the same banner.
package sshd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"golang.org/x/sys/unix"
	"os"
	"os/exec"
	"path/filepath"
	"sdnnet/api"
	"sdnnet/pkg/util"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	stopGrace    = 3 * time.Second
	startTimeout = 5 * time.Second
)

// Commander prepares a command to run inside a node.
type Commander interface {
	Command(ctx context.Context, n *api.Node, name string, arg ...string) *exec.Cmd
}

type daemon struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stderr bytes.Buffer
}

type Manager struct {
	binary  string
	dir     string
	hostKey string
	run     Commander
	// startTimeout bounds the wait for a new daemon's pid file.
	startTimeout time.Duration

	mu      sync.Mutex
	daemons map[string]*daemon
}

func NewManager(binary, dir string, run Commander) *Manager {
	return &Manager{
		binary:       binary,
		dir:          dir,
		run:          run,
		startTimeout: startTimeout,
		daemons:      make(map[string]*daemon),
	}
}

// SetHostKey makes every daemon use the given private key file.
func (m *Manager) SetHostKey(path string) {
	m.hostKey = path
}

func (m *Manager) BannerPath(host string) string {
	return filepath.Join(m.dir, host+".banner")
}

func (m *Manager) PidPath(host string) string {
	return filepath.Join(m.dir, host+".sshd.pid")
}

// Args is the sshd argv for host, without the binary.
func (m *Manager) Args(host string) []string {
	args := []string{
		"-D",
		"-o", "Banner " + m.BannerPath(host),
		"-o", "UseDNS no",
		"-o", "PidFile " + m.PidPath(host),
	}
	if m.hostKey != "" {
		args = append(args, "-h", m.hostKey)
	}
	return args
}

// Start writes the banner of n and launches its daemon.
func (m *Manager) Start(n *api.Node, ip string) error {
	log := util.WithNode(n.Name)
	log.Info("*** Starting sshd")

	banner := fmt.Sprintf("Welcome to %s at %s\n", n.Name, ip)
	if err := os.WriteFile(m.BannerPath(n.Name), []byte(banner), 0o644); err != nil {
		return fmt.Errorf("failed to write banner for %s: %w", n.Name, err)
	}

	pidPath := m.PidPath(n.Name)
	_ = os.Remove(pidPath)

	// The daemon outlives the setup call, it is stopped through its handle.
	cmd := m.run.Command(context.Background(), n, m.binary, m.Args(n.Name)...)
	d := &daemon{cmd: cmd, done: make(chan struct{})}
	cmd.Stderr = &d.stderr
	// sessions forked by sshd inherit stderr, do not wait for them
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start sshd on %s: %w", n.Name, err)
	}
	go func() {
		d.err = cmd.Wait()
		close(d.done)
	}()

	// The command may be a wrapper entering the node, so a successful
	// Start proves little. sshd writes its pid file once it listens.
	if err := m.waitReady(d, pidPath); err != nil {
		return fmt.Errorf("failed to start sshd on %s: %w", n.Name, err)
	}

	m.mu.Lock()
	m.daemons[n.Name] = d
	m.mu.Unlock()

	intf := ""
	if di := n.DefaultIntf(); di != nil {
		intf = di.Name
	}
	log.Infof("*** %s is running sshd on %s at %s", n.Name, intf, ip)
	return nil
}

func (m *Manager) waitReady(d *daemon, pidPath string) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	timeout := time.After(m.startTimeout)
	for {
		if _, err := os.Stat(pidPath); err == nil {
			return nil
		}
		select {
		case <-d.done:
			return fmt.Errorf("exited during startup: %v: %s", d.err, strings.TrimSpace(d.stderr.String()))
		case <-timeout:
			_ = d.cmd.Process.Kill()
			<-d.done
			return fmt.Errorf("no pid file %s after %s", pidPath, m.startTimeout)
		case <-tick.C:
		}
	}
}

// Running lists the hosts whose daemon is still alive.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, d := range m.daemons {
		select {
		case <-d.done:
		default:
			names = append(names, name)
		}
	}
	return names
}

// StopAll terminates the daemons started by this manager, killing those
// that ignore SIGTERM past the grace period.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	daemons := m.daemons
	m.daemons = make(map[string]*daemon)
	m.mu.Unlock()

	var errs []error
	for name, d := range daemons {
		select {
		case <-d.done:
			continue
		default:
		}
		if err := d.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("failed to stop sshd on %s: %w", name, err))
			continue
		}
		select {
		case <-d.done:
		case <-time.After(stopGrace):
			_ = d.cmd.Process.Kill()
			<-d.done
		}
		_ = os.Remove(m.PidPath(name))
		util.WithNode(name).Debug("sshd stopped")
	}
	return errors.Join(errs...)
}

// StopStale kills daemons left running by an earlier session for the given
// hosts. A recorded pid is only killed while its command line still names
// the host's banner file.
func (m *Manager) StopStale(hosts []*api.Node) error {
	var errs []error
	killed := 0
	for _, h := range hosts {
		pidPath := m.PidPath(h.Name)
		data, err := os.ReadFile(pidPath)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || pid <= 0 {
			_ = os.Remove(pidPath)
			continue
		}
		if ownsBanner(pid, m.BannerPath(h.Name)) {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				errs = append(errs, fmt.Errorf("failed to kill stale sshd %d of %s: %w", pid, h.Name, err))
				continue
			}
			killed++
		}
		_ = os.Remove(pidPath)
	}
	util.WithOperation("sshd").Infof("*** Shutting down stale sshd/Banner processes: %d", killed)
	return errors.Join(errs...)
}

// ownsBanner reports whether process pid was started with banner.
func ownsBanner(pid int, banner string) bool {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	return bytes.Contains(cmdline, []byte(banner))
}
