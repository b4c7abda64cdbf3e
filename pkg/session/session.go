// Package session sequences the setup of the test network: topology,
// controllers, build, start, addressing and SSH daemons.
package session

import (
	"context"
	"errors"
	"fmt"
	"sdnnet/api"
	"sdnnet/pkg/config"
	"sdnnet/pkg/controller"
	"sdnnet/pkg/topo"
	"sdnnet/pkg/util"
	"time"
)

type State int

const (
	Idle State = iota
	TopologyBuilt
	ControllersAttached
	SessionStarted
	HostsConfigured
	SSHReady
	InteractiveCLI
	Terminated
)

var stateNames = [...]string{
	"Idle", "TopologyBuilt", "ControllersAttached", "SessionStarted",
	"HostsConfigured", "SSHReady", "InteractiveCLI", "Terminated",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Network is the emulation session the orchestrator drives; pkg.Manager
// implements it.
type Network interface {
	SetControllers(cs []controller.Controller)
	Build(ctx context.Context, t *api.Topology) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Get(name string) (*api.Node, error)
	SetIP(node, intf, cidr string) error
	Attach(sw, intf string) error
}

// Daemons runs the per host SSH servers; sshd.Manager implements it.
type Daemons interface {
	StopStale(hosts []*api.Node) error
	Start(n *api.Node, ip string) error
	StopAll() error
}

// ControllerFactory turns a controller reference into a controller.
type ControllerFactory func(spec api.ControllerSpec, timeout time.Duration) (controller.Controller, error)

type Session struct {
	cfg           *config.Config
	net           Network
	sshd          Daemons
	newController ControllerFactory

	state       State
	topology    *api.Topology
	controllers []controller.Controller
	hosts       []*api.Node
}

func New(cfg *config.Config, net Network, sshd Daemons, factory ControllerFactory) *Session {
	if factory == nil {
		factory = controller.New
	}
	return &Session{
		cfg:           cfg,
		net:           net,
		sshd:          sshd,
		newController: factory,
		state:         Idle,
	}
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) Topology() *api.Topology {
	return s.topology
}

// Setup runs every step up to SSHReady. The first failing step aborts
// the run; its error names the step.
func (s *Session) Setup(ctx context.Context) error {
	if s.state != Idle {
		return fmt.Errorf("%w: setup from %s", util.ErrWrongState, s.state)
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
		next State
	}{
		{"topology", s.buildTopology, TopologyBuilt},
		{"controllers", s.attachControllers, ControllersAttached},
		{"start", s.startNetwork, SessionStarted},
		{"configure hosts", s.configureHosts, HostsConfigured},
		{"sshd", s.startDaemons, SSHReady},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		s.state = step.next
		util.WithOperation(step.name).Debugf("session is %s", s.state)
	}
	return nil
}

func (s *Session) buildTopology(context.Context) error {
	s.topology = topo.Generate(s.cfg.NetworkID, s.cfg.Nodes)
	util.WithOperation("topology").Info("*** Creating network")
	return nil
}

func (s *Session) attachControllers(context.Context) error {
	s.controllers = s.controllers[:0]
	for i, spec := range s.cfg.Controllers {
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("c%d", i)
		}
		c, err := s.newController(spec, s.cfg.ProbeTimeout)
		if err != nil {
			return err
		}
		util.WithOperation("controllers").Infof("controller ip %s port %d", spec.IP, spec.Port)
		s.controllers = append(s.controllers, c)
	}
	s.net.SetControllers(s.controllers)
	return nil
}

func (s *Session) startNetwork(ctx context.Context) error {
	if err := s.net.Build(ctx, s.topology); err != nil {
		return err
	}

	s.hosts = s.hosts[:0]
	for _, h := range s.topology.Hosts {
		n, err := s.net.Get(h.Name)
		if err != nil {
			return err
		}
		s.hosts = append(s.hosts, n)
	}

	if err := s.net.Start(ctx); err != nil {
		return err
	}
	for _, c := range s.controllers {
		c.CheckListening(ctx)
	}
	return nil
}

func (s *Session) configureHosts(context.Context) error {
	log := util.WithOperation("configure hosts")

	if s.cfg.Tap.Name != "" {
		sw := s.cfg.Tap.Switch
		if sw == "" {
			sw = s.topology.Hub().Name
		}
		log.Infof("center sw %s", sw)
		if err := s.net.Attach(sw, s.cfg.Tap.Name); err != nil {
			return err
		}
	}

	for i, h := range s.hosts {
		cidr, err := util.HostAddr(s.cfg.HostNet, s.cfg.NetworkID, i)
		if err != nil {
			return err
		}
		intf := h.DefaultIntf()
		if intf == nil {
			return fmt.Errorf("%w: %s has no interface", util.ErrInterfaceNotFound, h.Name)
		}
		if err := s.net.SetIP(h.Name, intf.Name, cidr); err != nil {
			return err
		}
	}

	for i, h := range s.hosts {
		hostSide, rootSide, err := util.PtpAddrs(s.cfg.PtpNet, i)
		if err != nil {
			return err
		}
		if err := s.net.SetIP(h.Name, fmt.Sprintf("%s-eth1", h.Name), hostSide); err != nil {
			return err
		}
		root := topo.RootName(i)
		if err := s.net.SetIP(root, root+"-eth0", rootSide); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) startDaemons(context.Context) error {
	if !s.cfg.SSHD.Enabled || s.sshd == nil {
		return nil
	}
	if err := s.sshd.StopStale(s.hosts); err != nil {
		return err
	}
	for _, h := range s.hosts {
		if err := s.sshd.Start(h, h.IP()); err != nil {
			return err
		}
	}
	return nil
}

// Interact hands the running network to cli, then stops the daemons this
// session started and the network itself.
func (s *Session) Interact(ctx context.Context, cli func(context.Context) error) error {
	if s.state != SSHReady {
		return fmt.Errorf("%w: interact from %s", util.ErrWrongState, s.state)
	}
	s.state = InteractiveCLI
	cliErr := cli(ctx)
	if cliErr != nil {
		util.WithOperation("cli").WithError(cliErr).Warn("interactive shell ended")
	}
	return s.Teardown(ctx)
}

// Teardown is best effort: it stops the SSH daemons and the network even
// after a partial setup and reports all failures together. It runs to the
// end even when ctx is already cancelled, as after an interrupt.
func (s *Session) Teardown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if s.sshd != nil {
		errs = append(errs, s.sshd.StopAll())
	}
	errs = append(errs, s.net.Stop(ctx))
	s.state = Terminated
	return errors.Join(errs...)
}
