package pkg

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/go-cmp/cmp"
	"os/exec"
	"sdnnet/api"
	"sdnnet/pkg/controller"
	"sdnnet/pkg/topo"
	"sdnnet/pkg/util"
	"sort"
	"strings"
	"sync"
	"testing"
)

type fakeSwitches struct {
	calls       []string
	controllers map[string][]string
	ports       map[string]int
	bridges     []string
}

func (f *fakeSwitches) AddSwitch(n *api.Node) error {
	f.calls = append(f.calls, "add-br "+n.Name+" "+n.Dpid)
	return nil
}

func (f *fakeSwitches) DeleteSwitch(n *api.Node) error {
	f.calls = append(f.calls, "del-br "+n.Name)
	return nil
}

func (f *fakeSwitches) AddPort(n *api.Node, intf *api.NodeInterface) error {
	f.calls = append(f.calls, fmt.Sprintf("add-port %s %s %d", n.Name, intf.Name, intf.Port))
	if f.ports == nil {
		f.ports = map[string]int{}
	}
	f.ports[intf.Name] = intf.Port
	return nil
}

func (f *fakeSwitches) GetPortId(port string) (int, error) {
	id, ok := f.ports[port]
	if !ok {
		return -1, errors.New("no such port")
	}
	return id, nil
}

func (f *fakeSwitches) ListSwitches() ([]string, error) {
	return f.bridges, nil
}

func (f *fakeSwitches) SetControllers(n *api.Node, targets []string) error {
	if f.controllers == nil {
		f.controllers = map[string][]string{}
	}
	f.controllers[n.Name] = targets
	return nil
}

func (f *fakeSwitches) DumpFlows(bridge string) ([]string, error) {
	return []string{"priority=0 actions=CONTROLLER:65535"}, nil
}

type fakeLinks struct {
	links   [][2]string
	deleted int
	removed []string
	ips     map[string]string
	tapErr  error
	taps    []string
}

func (f *fakeLinks) AddLink(l *api.Link, src, dst *api.Node) error {
	f.links = append(f.links, [2]string{l.SrcIntf.Name, l.DstIntf.Name})
	return nil
}

func (f *fakeLinks) DeleteLink(l *api.Link, src, dst *api.Node) error {
	f.deleted++
	return nil
}

func (f *fakeLinks) SetIP(n *api.Node, intf *api.NodeInterface, cidr string) error {
	if f.ips == nil {
		f.ips = map[string]string{}
	}
	f.ips[intf.Name] = cidr
	intf.Ipv4 = cidr
	return nil
}

func (f *fakeLinks) DeleteInterface(name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeLinks) EnsureTap(name string) (bool, error) {
	f.taps = append(f.taps, name)
	return true, f.tapErr
}

type fakeRuntime struct {
	mu      sync.Mutex
	added   []string
	deleted []string
	failOn  string
}

func (f *fakeRuntime) AddNode(_ context.Context, n *api.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.Name == f.failOn {
		return errors.New("namespace busy")
	}
	f.added = append(f.added, n.Name)
	n.NetNs = "/var/run/netns/" + n.Name
	return nil
}

func (f *fakeRuntime) DeleteNode(_ context.Context, n *api.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, n.Name)
	return nil
}

func (f *fakeRuntime) Command(ctx context.Context, n *api.Node, name string, arg ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "echo", append([]string{n.Name, name}, arg...)...)
}

func newTestManager() (*Manager, *fakeSwitches, *fakeLinks, *fakeRuntime) {
	sd, ld, rt := &fakeSwitches{}, &fakeLinks{}, &fakeRuntime{}
	return NewManager(sd, ld, rt), sd, ld, rt
}

func TestBuildInterfaceNaming(t *testing.T) {
	m, sd, ld, rt := newTestManager()
	if err := m.Build(context.Background(), topo.Generate(1, 3)); err != nil {
		t.Fatal(err)
	}

	want := [][2]string{
		{"host0-eth0", "sw01.00-eth1"},
		{"host1-eth0", "sw01.01-eth1"},
		{"host2-eth0", "sw01.02-eth1"},
		{"sw01.00-eth2", "sw01.01-eth2"},
		{"sw01.00-eth3", "sw01.02-eth2"},
		{"root0-eth0", "host0-eth1"},
		{"root1-eth0", "host1-eth1"},
		{"root2-eth0", "host2-eth1"},
	}
	if diff := cmp.Diff(want, ld.links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}

	sort.Strings(rt.added)
	if diff := cmp.Diff([]string{"host0", "host1", "host2"}, rt.added); diff != "" {
		t.Errorf("runtime nodes mismatch (-want +got):\n%s", diff)
	}

	wantSw := []string{
		"add-br sw01.00 0000000000000100",
		"add-br sw01.01 0000000000000101",
		"add-br sw01.02 0000000000000102",
		"add-port sw01.00 sw01.00-eth1 1",
		"add-port sw01.01 sw01.01-eth1 1",
		"add-port sw01.02 sw01.02-eth1 1",
		"add-port sw01.00 sw01.00-eth2 2",
		"add-port sw01.01 sw01.01-eth2 2",
		"add-port sw01.00 sw01.00-eth3 3",
		"add-port sw01.02 sw01.02-eth2 2",
	}
	if diff := cmp.Diff(wantSw, sd.calls); diff != "" {
		t.Errorf("switch calls mismatch (-want +got):\n%s", diff)
	}

	if len(m.NodeList()) != 9 || len(m.LinkList()) != 8 {
		t.Errorf("nodes/links = %d/%d", len(m.NodeList()), len(m.LinkList()))
	}
	h, err := m.Get("host1")
	if err != nil {
		t.Fatal(err)
	}
	if h.NetNs != "/var/run/netns/host1" || h.DefaultIntf().Name != "host1-eth0" {
		t.Errorf("host1 handle = %+v", h)
	}
	r, _ := m.Get("root1")
	if r.NetNs != "" {
		t.Errorf("root1 should stay in the initial namespace, got %s", r.NetNs)
	}
}

func TestBuildTwiceFails(t *testing.T) {
	m, _, _, _ := newTestManager()
	if err := m.Build(context.Background(), topo.Generate(1, 2)); err != nil {
		t.Fatal(err)
	}
	if err := m.Build(context.Background(), topo.Generate(1, 2)); !errors.Is(err, util.ErrWrongState) {
		t.Errorf("second Build() = %v, want ErrWrongState", err)
	}
}

func TestBuildRejectsInvalidTopology(t *testing.T) {
	m, sd, _, rt := newTestManager()
	tp := topo.Generate(1, 2)
	tp.Links = append(tp.Links, &api.Link{SrcNode: "sw01.00", DstNode: "sw01.00"})
	if err := m.Build(context.Background(), tp); !errors.Is(err, util.ErrInvalidTopology) {
		t.Errorf("Build() = %v, want ErrInvalidTopology", err)
	}
	if len(sd.calls) != 0 || len(rt.added) != 0 {
		t.Error("nothing should be created for an invalid topology")
	}
}

func TestBuildRuntimeError(t *testing.T) {
	m, _, _, rt := newTestManager()
	rt.failOn = "host1"
	err := m.Build(context.Background(), topo.Generate(1, 3))
	if err == nil || !strings.Contains(err.Error(), "namespace busy") {
		t.Errorf("Build() = %v", err)
	}
}

func TestStartRequiresBuild(t *testing.T) {
	m, _, _, _ := newTestManager()
	if err := m.Start(context.Background()); !errors.Is(err, util.ErrNotBuilt) {
		t.Errorf("Start() = %v, want ErrNotBuilt", err)
	}
}

func TestStartSetsControllers(t *testing.T) {
	m, sd, _, _ := newTestManager()
	var cs []controller.Controller
	for i, spec := range []api.ControllerSpec{
		{Name: "c0", IP: "10.0.1.28", Port: 6633},
		{Name: "c1", IP: "127.0.0.1", Port: 6633},
	} {
		c, err := controller.New(spec, 0)
		if err != nil {
			t.Fatalf("controller %d: %v", i, err)
		}
		cs = append(cs, c)
	}
	m.SetControllers(cs)
	if err := m.Build(context.Background(), topo.Generate(1, 2)); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{
		"sw01.00": {"tcp:10.0.1.28:6633", "tcp:127.0.0.1:6633"},
		"sw01.01": {"tcp:10.0.1.28:6633", "tcp:127.0.0.1:6633"},
	}
	if diff := cmp.Diff(want, sd.controllers); diff != "" {
		t.Errorf("controllers mismatch (-want +got):\n%s", diff)
	}
}

func TestSetIPAndAttach(t *testing.T) {
	m, sd, ld, _ := newTestManager()
	if err := m.Build(context.Background(), topo.Generate(1, 2)); err != nil {
		t.Fatal(err)
	}

	if err := m.SetIP("host1", "host1-eth1", "1.1.1.1/24"); err != nil {
		t.Fatal(err)
	}
	if ld.ips["host1-eth1"] != "1.1.1.1/24" {
		t.Errorf("ips = %v", ld.ips)
	}
	if err := m.SetIP("host1", "host1-eth9", "1.1.1.1/24"); !errors.Is(err, util.ErrInterfaceNotFound) {
		t.Errorf("SetIP() = %v, want ErrInterfaceNotFound", err)
	}
	if err := m.SetIP("host7", "host7-eth0", "1.1.1.1/24"); !errors.Is(err, util.ErrNodeNotFound) {
		t.Errorf("SetIP() = %v, want ErrNodeNotFound", err)
	}

	if err := m.Attach("sw01.00", "tapa0"); err != nil {
		t.Fatal(err)
	}
	// hub has host0 and sw01.01 already: the tap becomes port 3
	if sd.calls[len(sd.calls)-1] != "add-port sw01.00 tapa0 3" {
		t.Errorf("last switch call = %s", sd.calls[len(sd.calls)-1])
	}
	if err := m.Attach("host0", "tapa1"); !errors.Is(err, util.ErrNodeNotFound) {
		t.Errorf("Attach() on a host = %v", err)
	}
}

func TestStop(t *testing.T) {
	m, sd, ld, rt := newTestManager()
	if err := m.Build(context.Background(), topo.Generate(1, 2)); err != nil {
		t.Fatal(err)
	}
	if err := m.Attach("sw01.00", "tapa0"); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ld.deleted != 5 {
		t.Errorf("deleted %d links, want 5", ld.deleted)
	}
	if diff := cmp.Diff([]string{"tapa0"}, ld.removed); diff != "" {
		t.Errorf("created tap not removed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"host0", "host1"}, rt.deleted); diff != "" {
		t.Errorf("deleted hosts mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(strings.Join(sd.calls, "\n"), "del-br sw01.01") {
		t.Errorf("switch not deleted: %q", sd.calls)
	}
	if len(m.NodeList()) != 0 {
		t.Error("handles survive Stop")
	}
	// built flag reset: the manager can build again
	if err := m.Build(context.Background(), topo.Generate(1, 2)); err != nil {
		t.Errorf("rebuild after Stop: %v", err)
	}
}

func TestCommand(t *testing.T) {
	m, _, _, _ := newTestManager()
	if err := m.Build(context.Background(), topo.Generate(1, 1)); err != nil {
		t.Fatal(err)
	}
	h, _ := m.Get("host0")
	out, err := m.Command(context.Background(), h, "hostname").Output()
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != "host0 hostname" {
		t.Errorf("host command output %q", out)
	}
	r, _ := m.Get("root0")
	if got := m.Command(context.Background(), r, "ip", "link").Args; strings.Join(got, " ") != "ip link" {
		t.Errorf("root command = %q", got)
	}
}

func TestCleanup(t *testing.T) {
	m, sd, ld, rt := newTestManager()
	// only the hub survived the earlier run
	sd.bridges = []string{"sw01.00", "br-int"}

	if err := m.Cleanup(context.Background(), topo.Generate(1, 3)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"del-br sw01.00"}, sd.calls); diff != "" {
		t.Errorf("switch calls mismatch (-want +got):\n%s", diff)
	}
	// switch ends of host links, both ends of every uplink, root ends
	wantIntfs := []string{
		"sw01.00-eth1", "sw01.01-eth1", "sw01.02-eth1",
		"sw01.00-eth2", "sw01.01-eth2",
		"sw01.00-eth3", "sw01.02-eth2",
		"root0-eth0", "root1-eth0", "root2-eth0",
	}
	if diff := cmp.Diff(wantIntfs, ld.removed); diff != "" {
		t.Errorf("removed interfaces mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"host0", "host1", "host2"}, rt.deleted); diff != "" {
		t.Errorf("deleted hosts mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanupMatchesBuild(t *testing.T) {
	m, _, ld, _ := newTestManager()
	tp := topo.Generate(2, 5)
	if err := m.Build(context.Background(), tp); err != nil {
		t.Fatal(err)
	}
	var built []string
	for _, l := range m.LinkList() {
		for _, end := range []struct {
			node string
			intf *api.NodeInterface
		}{{l.SrcNode, l.SrcIntf}, {l.DstNode, l.DstIntf}} {
			if !m.Nodes[end.node].InNamespace {
				built = append(built, end.intf.Name)
			}
		}
	}
	if diff := cmp.Diff(built, InitialNamespaceInterfaces(tp)); diff != "" {
		t.Errorf("cleanup names differ from built names (-built +cleanup):\n%s", diff)
	}
	if len(ld.removed) != 0 {
		t.Errorf("Build removed interfaces: %q", ld.removed)
	}
}
