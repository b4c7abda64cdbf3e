// Package controller describes the OpenFlow controllers the switches are
// attached to.
package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/sirupsen/logrus"
	"net"
	"os"
	"os/exec"
	"sdnnet/api"
	"sdnnet/pkg/util"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	DefaultProbeTimeout = 2 * time.Second
	probeInterval       = 100 * time.Millisecond
)

type Controller interface {
	Name() string
	Spec() api.ControllerSpec
	Start(ctx context.Context) error
	Stop() error
	// CheckListening probes the controller and warns when it cannot be
	// reached. The result is advisory only.
	CheckListening(ctx context.Context) bool
}

// New returns the controller variant matching spec.Kind.
func New(spec api.ControllerSpec, timeout time.Duration) (Controller, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	switch spec.Kind {
	case api.ControllerRemote, "":
		return &RemoteController{spec: spec, timeout: timeout}, nil
	case api.ControllerManaged:
		return &ManagedController{RemoteController: RemoteController{spec: spec, timeout: timeout}}, nil
	}
	return nil, fmt.Errorf("%w: unknown controller kind %q", util.ErrInvalidConfig, spec.Kind)
}

// RemoteController is a control plane that already runs outside the
// emulated network. Start and Stop do nothing.
type RemoteController struct {
	spec    api.ControllerSpec
	timeout time.Duration
}

func (c *RemoteController) Name() string             { return c.spec.Name }
func (c *RemoteController) Spec() api.ControllerSpec { return c.spec }

func (c *RemoteController) Start(context.Context) error { return nil }
func (c *RemoteController) Stop() error                 { return nil }

func (c *RemoteController) CheckListening(ctx context.Context) bool {
	if err := c.dial(ctx); err != nil {
		c.log().WithError(err).Warnf("Unable to contact the remote controller at %s:%d", c.spec.IP, c.spec.Port)
		return false
	}
	c.log().Debugf("controller listening at %s:%d", c.spec.IP, c.spec.Port)
	return true
}

func (c *RemoteController) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.spec.IP, strconv.Itoa(c.spec.Port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *RemoteController) log() *logrus.Entry {
	return util.Logger.WithField("controller", c.spec.Name)
}

// ManagedController owns its process: Start spawns it and Stop terminates
// exactly that process.
//
// With a pid file set, the pid of the process is recorded there so that a
// later run can reap a controller left behind by a session that was not
// stopped.
type ManagedController struct {
	RemoteController
	pidFile string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// SetPidFile records the pid of the started process in path.
func (c *ManagedController) SetPidFile(path string) {
	c.pidFile = path
}

// Command is the argv of the controller process, ovs-testcontroller
// listening on the configured port unless overridden.
func (c *ManagedController) Command() []string {
	if len(c.spec.Command) > 0 {
		return c.spec.Command
	}
	return []string{"ovs-testcontroller", fmt.Sprintf("ptcp:%d", c.spec.Port)}
}

func (c *ManagedController) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return nil
	}

	if err := c.StopStale(); err != nil {
		return err
	}
	argv := c.Command()
	// not bound to ctx, the process outlives the setup call
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start controller %s: %w", c.spec.Name, err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	c.cmd, c.done = cmd, done
	if c.pidFile != "" {
		if err := os.WriteFile(c.pidFile, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644); err != nil {
			c.log().WithError(err).Warn("failed to write controller pid file")
		}
	}
	c.log().Infof("started controller pid %d: %v", cmd.Process.Pid, argv)
	return nil
}

// CheckListening gives a freshly spawned controller until the probe
// timeout to open its port before warning.
func (c *ManagedController) CheckListening(ctx context.Context) bool {
	deadline := time.Now().Add(c.timeout)
	for {
		err := c.dial(ctx)
		if err == nil {
			c.log().Debugf("controller listening at %s:%d", c.spec.IP, c.spec.Port)
			return true
		}
		if !time.Now().Before(deadline) || ctx.Err() != nil {
			c.log().WithError(err).Warnf("Unable to contact the managed controller at %s:%d", c.spec.IP, c.spec.Port)
			return false
		}
		select {
		case <-ctx.Done():
		case <-time.After(probeInterval):
		}
	}
}

// StopStale terminates the process recorded in the pid file when its
// command line is still this controller's command, then removes the file.
func (c *ManagedController) StopStale() error {
	if c.pidFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer os.Remove(c.pidFile)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return nil
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil || !bytes.Equal(cmdline, []byte(strings.Join(c.Command(), "\x00")+"\x00")) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to stop stale controller %s pid %d: %w", c.spec.Name, pid, err)
	}
	c.log().Infof("*** Stopped stale controller pid %d", pid)
	return nil
}

func (c *ManagedController) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return nil
	}
	defer func() { c.cmd, c.done = nil, nil }()
	if c.pidFile != "" {
		defer os.Remove(c.pidFile)
	}

	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop controller %s: %w", c.spec.Name, err)
	}
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		_ = c.cmd.Process.Kill()
		<-c.done
	}
	return nil
}

// Running reports whether the managed process is alive.
func (c *ManagedController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
