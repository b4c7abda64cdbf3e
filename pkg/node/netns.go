package node

import (
	"context"
	"fmt"
	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"os/exec"
	"path/filepath"
	"runtime"
	"sdnnet/api"
	"sdnnet/pkg/util"
)

const NetnsRunDir = "/var/run/netns"

// NetnsManager backs every host with a named network namespace, the way
// `ip netns add` does. Hosts share the filesystem of the caller.
type NetnsManager struct{}

func NewNetnsManager() *NetnsManager {
	return &NetnsManager{}
}

func NetnsPath(name string) string {
	return filepath.Join(NetnsRunDir, name)
}

func (nm *NetnsManager) AddNode(_ context.Context, n *api.Node) error {
	// Leftover from a previous run
	_ = netns.DeleteNamed(n.Name)

	if err := createNamed(n.Name); err != nil {
		return fmt.Errorf("failed to create namespace for %s: %v", n.Name, err)
	}
	n.NetNs = NetnsPath(n.Name)

	hostNs, err := ns.GetNS(n.NetNs)
	if err != nil {
		return fmt.Errorf("failed to get namespace for %s: %v", n.Name, err)
	}
	defer hostNs.Close()

	return hostNs.Do(func(_ ns.NetNS) error {
		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return fmt.Errorf("failed to get loopback of %s: %v", n.Name, err)
		}
		return netlink.LinkSetUp(lo)
	})
}

// createNamed creates the namespace and returns the thread to where it was.
func createNamed(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return err
	}
	defer orig.Close()

	h, err := netns.NewNamed(name)
	if err != nil {
		_ = netns.Set(orig)
		return err
	}
	h.Close()
	return netns.Set(orig)
}

func (nm *NetnsManager) DeleteNode(_ context.Context, n *api.Node) error {
	if err := netns.DeleteNamed(n.Name); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %v", n.Name, err)
	}
	util.WithNode(n.Name).Debug("namespace deleted")
	return nil
}

func (nm *NetnsManager) Command(ctx context.Context, n *api.Node, name string, arg ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "ip", append([]string{"netns", "exec", n.Name, name}, arg...)...)
}
