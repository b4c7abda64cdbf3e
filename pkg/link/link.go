package link

import (
	"errors"
	"fmt"
	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"net"
	"sdnnet/api"
	"sdnnet/pkg/util"
)

// LinkManager wires nodes together with veth pairs and configures the
// resulting interfaces.
type LinkManager struct{}

func NewLinkManager() *LinkManager {
	return &LinkManager{}
}

// inNode runs fn in the network namespace of n, or in place for nodes
// living in the initial namespace.
func inNode(n *api.Node, fn func() error) error {
	if n.NetNs == "" {
		return fn()
	}
	nodeNs, err := ns.GetNS(n.NetNs)
	if err != nil {
		return fmt.Errorf("failed to get namespace for %s: %v", n.Name, err)
	}
	defer nodeNs.Close()
	return nodeNs.Do(func(_ ns.NetNS) error {
		return fn()
	})
}

// AddLink creates the veth pair between the two interfaces already
// allocated on l, moves each end into its node and brings both up.
func (lm *LinkManager) AddLink(l *api.Link, src, dst *api.Node) error {
	linkAttr := netlink.NewLinkAttrs()
	linkAttr.Name = l.SrcIntf.Name
	linkAttr.MTU = 1500

	veth := &netlink.Veth{
		LinkAttrs: linkAttr,
		PeerName:  l.DstIntf.Name,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair %s-%s: %v", l.SrcIntf.Name, l.DstIntf.Name, err)
	}

	if err := lm.placeEnd(src, l.SrcIntf); err != nil {
		return err
	}
	if err := lm.placeEnd(dst, l.DstIntf); err != nil {
		return err
	}

	if !l.Properties.IsZero() {
		if err := lm.ApplyShaping(src, l.SrcIntf.Name, l.Properties); err != nil {
			return err
		}
		if err := lm.ApplyShaping(dst, l.DstIntf.Name, l.Properties); err != nil {
			return err
		}
	}
	return nil
}

// placeEnd moves one end of a fresh veth into its node, brings it up and
// records its MAC.
func (lm *LinkManager) placeEnd(n *api.Node, intf *api.NodeInterface) error {
	end, err := netlink.LinkByName(intf.Name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %v", intf.Name, err)
	}

	if n.NetNs != "" {
		nodeNs, err := ns.GetNS(n.NetNs)
		if err != nil {
			return fmt.Errorf("failed to get namespace for %s: %v", n.Name, err)
		}
		defer nodeNs.Close()
		if err = netlink.LinkSetNsFd(end, int(nodeNs.Fd())); err != nil {
			return fmt.Errorf("failed to set namespace for %s: %v", intf.Name, err)
		}
	}

	return inNode(n, func() error {
		link, err := netlink.LinkByName(intf.Name)
		if err != nil {
			return fmt.Errorf("failed to get link %s in %s: %v", intf.Name, n.Name, err)
		}
		if err = netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("failed to set link %s up: %v", intf.Name, err)
		}
		intf.Mac = link.Attrs().HardwareAddr.String()
		return nil
	})
}

// DeleteLink removes the pair through whichever end lives in the initial
// namespace. Pairs between two namespaced nodes go away with the
// namespaces.
func (lm *LinkManager) DeleteLink(l *api.Link, src, dst *api.Node) error {
	for _, end := range []struct {
		n    *api.Node
		intf *api.NodeInterface
	}{{src, l.SrcIntf}, {dst, l.DstIntf}} {
		if end.n.NetNs != "" || end.intf == nil {
			continue
		}
		return DeleteByName(end.intf.Name)
	}
	return nil
}

// DeleteByName deletes a link of the initial namespace, a missing link is
// not an error.
func DeleteByName(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	if err = netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete link %s: %v", name, err)
	}
	return nil
}

func (lm *LinkManager) DeleteInterface(name string) error {
	return DeleteByName(name)
}

// SetIP replaces the address of intf with cidr and brings it up.
func (lm *LinkManager) SetIP(n *api.Node, intf *api.NodeInterface, cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("failed to parse CIDR: %v", err)
	}
	err = inNode(n, func() error {
		link, err := netlink.LinkByName(intf.Name)
		if err != nil {
			return fmt.Errorf("failed to get link %s in %s: %v", intf.Name, n.Name, err)
		}
		if err = netlink.AddrReplace(link, &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipNet.Mask}}); err != nil {
			return fmt.Errorf("failed to add address to %s: %v", intf.Name, err)
		}
		return netlink.LinkSetUp(link)
	})
	if err != nil {
		return err
	}
	intf.Ipv4 = cidr
	util.WithNode(n.Name).Debugf("%s set to %s", intf.Name, cidr)
	return nil
}

// EnsureTap makes sure a TAP device called name exists in the initial
// namespace. created reports whether this call made it.
func (lm *LinkManager) EnsureTap(name string) (created bool, err error) {
	if _, err := netlink.LinkByName(name); err == nil {
		return false, nil
	}
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: attrs,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return false, fmt.Errorf("failed to create tap %s: %v", name, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return true, fmt.Errorf("failed to set tap %s up: %v", name, err)
	}
	return true, nil
}
