package pkg

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/sync/errgroup"
	"os/exec"
	"sdnnet/api"
	"sdnnet/pkg/controller"
	"sdnnet/pkg/node"
	"sdnnet/pkg/topo"
	"sdnnet/pkg/util"
	"sync"
)

const maxConcurrentNodeTask = 30

// SwitchDriver is implemented by ovs.OvsManager.
type SwitchDriver interface {
	AddSwitch(n *api.Node) error
	DeleteSwitch(n *api.Node) error
	AddPort(n *api.Node, intf *api.NodeInterface) error
	SetControllers(n *api.Node, targets []string) error
	DumpFlows(bridge string) ([]string, error)
	GetPortId(port string) (int, error)
	ListSwitches() ([]string, error)
}

// LinkDriver is implemented by link.LinkManager.
type LinkDriver interface {
	AddLink(l *api.Link, src, dst *api.Node) error
	DeleteLink(l *api.Link, src, dst *api.Node) error
	SetIP(n *api.Node, intf *api.NodeInterface, cidr string) error
	EnsureTap(name string) (bool, error)
	// DeleteInterface removes an interface of the initial namespace by
	// name, a missing one is not an error.
	DeleteInterface(name string) error
}

// Manager is the emulation session: it materializes a topology with the
// host runtime, the switch driver and the link driver, keeps the live node
// handles and tears everything down on Stop.
type Manager struct {
	Nodes map[string]*api.Node // map node name to node
	Links []*api.Link

	order       []string
	controllers []controller.Controller
	taps        []string
	props       api.LinkProperties
	seq         int32

	sd SwitchDriver
	ld LinkDriver
	rt node.Runtime

	mu      sync.Mutex
	built   bool
	started bool
}

func NewManager(sd SwitchDriver, ld LinkDriver, rt node.Runtime) *Manager {
	return &Manager{
		Nodes: make(map[string]*api.Node),
		sd:    sd,
		ld:    ld,
		rt:    rt,
	}
}

// SetLinkProperties sets the shaping applied to every link built afterwards.
func (m *Manager) SetLinkProperties(p api.LinkProperties) {
	m.props = p
}

func (m *Manager) SetControllers(cs []controller.Controller) {
	m.controllers = cs
}

func (m *Manager) Controllers() []controller.Controller {
	return m.controllers
}

// Build creates hosts, switches and links of t. Hosts are created
// concurrently; everything else follows the topology order so interface
// numbering is deterministic.
func (m *Manager) Build(ctx context.Context, t *api.Topology) error {
	if err := topo.Validate(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.built {
		return fmt.Errorf("%w: network already built", util.ErrWrongState)
	}
	log := util.WithOperation("build")

	log.Infof("*** Adding hosts: %d", len(t.Hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentNodeTask)
	for _, h := range t.Hosts {
		n := m.register(h)
		g.Go(func() error {
			return m.rt.AddNode(gctx, n)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range t.Roots {
		m.register(r)
	}

	log.Infof("*** Adding switches: %d", len(t.Switches))
	for _, sw := range t.Switches {
		n := m.register(sw)
		if err := m.sd.AddSwitch(n); err != nil {
			return err
		}
	}

	log.Infof("*** Adding links: %d", len(t.Links))
	for _, tl := range t.Links {
		if err := m.addLink(tl); err != nil {
			return err
		}
	}

	m.built = true
	return nil
}

// register copies a descriptor into a live handle.
func (m *Manager) register(d *api.Node) *api.Node {
	m.seq++
	n := &api.Node{
		Uid:         m.seq,
		Name:        d.Name,
		Kind:        d.Kind,
		Dpid:        d.Dpid,
		InNamespace: d.InNamespace,
		Image:       d.Image,
	}
	m.Nodes[n.Name] = n
	m.order = append(m.order, n.Name)
	return n
}

func (m *Manager) addLink(tl *api.Link) error {
	src, ok := m.Nodes[tl.SrcNode]
	if !ok {
		return fmt.Errorf("%w: src node %s", util.ErrNodeNotFound, tl.SrcNode)
	}
	dst, ok := m.Nodes[tl.DstNode]
	if !ok {
		return fmt.Errorf("%w: dst node %s", util.ErrNodeNotFound, tl.DstNode)
	}

	l := &api.Link{
		SrcNode:    tl.SrcNode,
		DstNode:    tl.DstNode,
		Properties: tl.Properties,
		SrcIntf:    src.NewInterface(),
		DstIntf:    dst.NewInterface(),
	}
	if l.Properties.IsZero() {
		l.Properties = m.props
	}
	if err := m.ld.AddLink(l, src, dst); err != nil {
		return err
	}
	m.Links = append(m.Links, l)

	for _, end := range []struct {
		n    *api.Node
		intf *api.NodeInterface
	}{{src, l.SrcIntf}, {dst, l.DstIntf}} {
		if end.n.Kind != api.KindSwitch {
			continue
		}
		if err := m.sd.AddPort(end.n, end.intf); err != nil {
			return err
		}
	}
	return nil
}

// Start starts the controllers and points every switch at all of them.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.built {
		return util.ErrNotBuilt
	}
	log := util.WithOperation("start")

	log.Infof("*** Starting %d controllers", len(m.controllers))
	targets := make([]string, 0, len(m.controllers))
	for _, c := range m.controllers {
		if err := c.Start(ctx); err != nil {
			return err
		}
		targets = append(targets, c.Spec().Target())
	}

	log.Infof("*** Starting %d switches", len(m.switches()))
	for _, sw := range m.switches() {
		if err := m.sd.SetControllers(sw, targets); err != nil {
			return err
		}
	}
	m.started = true
	return nil
}

// Stop releases everything the session created. It keeps going on errors
// and returns them joined.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := util.WithOperation("stop")
	var errs []error

	log.Infof("*** Stopping %d controllers", len(m.controllers))
	for _, c := range m.controllers {
		errs = append(errs, c.Stop())
	}

	for _, sw := range m.switches() {
		errs = append(errs, m.sd.DeleteSwitch(sw))
	}

	log.Infof("*** Removing %d links", len(m.Links))
	for _, l := range m.Links {
		errs = append(errs, m.ld.DeleteLink(l, m.Nodes[l.SrcNode], m.Nodes[l.DstNode]))
	}
	for _, tap := range m.taps {
		errs = append(errs, m.ld.DeleteInterface(tap))
	}

	for _, name := range m.order {
		n := m.Nodes[name]
		if !n.InNamespace {
			continue
		}
		errs = append(errs, m.rt.DeleteNode(ctx, n))
	}

	m.Nodes = make(map[string]*api.Node)
	m.Links = nil
	m.order = nil
	m.taps = nil
	m.built, m.started = false, false
	log.Info("*** Done")
	return errors.Join(errs...)
}

// Cleanup removes what a run of t left on the system, without needing the
// handles of that run. TAP devices are left alone since they may predate
// the run.
func (m *Manager) Cleanup(ctx context.Context, t *api.Topology) error {
	log := util.WithOperation("cleanup")
	var errs []error

	bridges, err := m.sd.ListSwitches()
	if err != nil {
		errs = append(errs, err)
	}
	present := make(map[string]bool, len(bridges))
	for _, b := range bridges {
		present[b] = true
	}
	removed := 0
	for _, sw := range t.Switches {
		if !present[sw.Name] {
			continue
		}
		errs = append(errs, m.sd.DeleteSwitch(sw))
		removed++
	}
	log.Infof("*** Removing switches: %d", removed)

	names := InitialNamespaceInterfaces(t)
	log.Infof("*** Removing interfaces: %d", len(names))
	for _, name := range names {
		errs = append(errs, m.ld.DeleteInterface(name))
	}
	log.Infof("*** Removing hosts: %d", len(t.Hosts))
	for _, h := range t.Hosts {
		errs = append(errs, m.rt.DeleteNode(ctx, h))
	}
	return errors.Join(errs...)
}

// InitialNamespaceInterfaces replays the interface allocation of Build over
// t and returns the names of the link ends that live in the initial
// namespace, in link order. Ends inside a host go away with the host.
func InitialNamespaceInterfaces(t *api.Topology) []string {
	nodes := make(map[string]*api.Node)
	for _, d := range t.Nodes() {
		nodes[d.Name] = &api.Node{Name: d.Name, Kind: d.Kind, InNamespace: d.InNamespace}
	}
	var names []string
	for _, l := range t.Links {
		src, dst := nodes[l.SrcNode], nodes[l.DstNode]
		if src == nil || dst == nil {
			continue
		}
		srcIntf, dstIntf := src.NewInterface(), dst.NewInterface()
		if !src.InNamespace {
			names = append(names, srcIntf.Name)
		}
		if !dst.InNamespace {
			names = append(names, dstIntf.Name)
		}
	}
	return names
}

func (m *Manager) switches() []*api.Node {
	var out []*api.Node
	for _, name := range m.order {
		if n := m.Nodes[name]; n.Kind == api.KindSwitch {
			out = append(out, n)
		}
	}
	return out
}

// Get returns the live handle of a node.
func (m *Manager) Get(name string) (*api.Node, error) {
	n, ok := m.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", util.ErrNodeNotFound, name)
	}
	return n, nil
}

// NodeList returns the live handles in creation order.
func (m *Manager) NodeList() []*api.Node {
	out := make([]*api.Node, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.Nodes[name])
	}
	return out
}

func (m *Manager) LinkList() []*api.Link {
	return m.Links
}

// SetIP assigns cidr to interface intf of node name.
func (m *Manager) SetIP(name, intf, cidr string) error {
	n, err := m.Get(name)
	if err != nil {
		return err
	}
	i := n.Intf(intf)
	if i == nil {
		return fmt.Errorf("%w: %s on %s", util.ErrInterfaceNotFound, intf, name)
	}
	return m.ld.SetIP(n, i, cidr)
}

// Attach adds the existing interface intf to switch sw as a new port,
// creating a TAP device first when intf does not exist.
func (m *Manager) Attach(sw, intf string) error {
	n, err := m.Get(sw)
	if err != nil {
		return err
	}
	if n.Kind != api.KindSwitch {
		return fmt.Errorf("%w: %s is not a switch", util.ErrNodeNotFound, sw)
	}
	created, err := m.ld.EnsureTap(intf)
	if created {
		m.taps = append(m.taps, intf)
	}
	if err != nil {
		return err
	}
	port := &api.NodeInterface{
		Name:     intf,
		Port:     n.PortBase() + len(n.Interfaces),
		NodeName: n.Name,
	}
	if err := m.sd.AddPort(n, port); err != nil {
		return err
	}
	if id, err := m.sd.GetPortId(intf); err == nil && id != port.Port {
		util.WithNode(sw).Warnf("%s got ofport %d instead of %d", intf, id, port.Port)
	}
	n.Interfaces = append(n.Interfaces, port)
	return nil
}

// Command prepares a command to run inside node n.
func (m *Manager) Command(ctx context.Context, n *api.Node, name string, arg ...string) *exec.Cmd {
	if n.InNamespace {
		return m.rt.Command(ctx, n, name, arg...)
	}
	return node.HostCommand(ctx, name, arg...)
}

func (m *Manager) DumpFlows(sw string) ([]string, error) {
	n, err := m.Get(sw)
	if err != nil {
		return nil, err
	}
	return m.sd.DumpFlows(n.Name)
}
