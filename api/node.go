package api

import (
	"fmt"
	"strings"
)

type NodeKind string

const (
	KindSwitch NodeKind = "switch"
	KindHost   NodeKind = "host"
	KindRoot   NodeKind = "root" // host living in the initial namespace
)

// Node is both the topology descriptor of a device and, once the Manager
// has built it, the live handle of that device.
type Node struct {
	Uid         int32
	Name        string
	Kind        NodeKind
	Dpid        string // switches only
	InNamespace bool
	NetNs       string // empty for nodes in the initial namespace
	Pid         int    // container runtime only
	Image       string

	Interfaces []*NodeInterface
}

type NodeInterface struct {
	Name     string
	Port     int
	Mac      string
	Ipv4     string
	NodeName string
}

// PortBase returns the first interface index of the node.
// Switch ports start at 1, port 0 is reserved for the bridge itself.
func (n *Node) PortBase() int {
	if n.Kind == KindSwitch {
		return 1
	}
	return 0
}

// NewInterface allocates the next <node>-eth<k> interface.
func (n *Node) NewInterface() *NodeInterface {
	port := n.PortBase() + len(n.Interfaces)
	intf := &NodeInterface{
		Name:     fmt.Sprintf("%s-eth%d", n.Name, port),
		Port:     port,
		NodeName: n.Name,
	}
	n.Interfaces = append(n.Interfaces, intf)
	return intf
}

// Intf looks up an interface by name.
func (n *Node) Intf(name string) *NodeInterface {
	for _, intf := range n.Interfaces {
		if intf.Name == name {
			return intf
		}
	}
	return nil
}

// DefaultIntf is the first interface of the node, nil when it has none.
func (n *Node) DefaultIntf() *NodeInterface {
	if len(n.Interfaces) == 0 {
		return nil
	}
	return n.Interfaces[0]
}

// IP returns the address of the default interface without prefix length.
func (n *Node) IP() string {
	intf := n.DefaultIntf()
	if intf == nil || intf.Ipv4 == "" {
		return ""
	}
	ip, _, _ := strings.Cut(intf.Ipv4, "/")
	return ip
}
