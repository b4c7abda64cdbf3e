package topo

import (
	"fmt"
	"golang.org/x/sys/unix"
	"sdnnet/api"
	"sdnnet/pkg/util"
	"strings"
)

// Validate checks the structural invariants of a generated topology:
// unique node names, no self or duplicate links, each host with one switch
// uplink, each non-hub switch with one hub uplink, each root with one host,
// and interface names that fit IFNAMSIZ.
func Validate(t *api.Topology) error {
	var problems []string

	kinds := map[string]api.NodeKind{}
	for _, n := range t.Nodes() {
		if n.Name == "" {
			problems = append(problems, "node with empty name")
			continue
		}
		if _, dup := kinds[n.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node name %s", n.Name))
		}
		kinds[n.Name] = n.Kind
	}

	dpids := map[string]string{}
	for _, sw := range t.Switches {
		if len(sw.Dpid) != 16 {
			problems = append(problems, fmt.Sprintf("switch %s has malformed dpid %q", sw.Name, sw.Dpid))
		}
		if other, dup := dpids[sw.Dpid]; dup {
			problems = append(problems, fmt.Sprintf("switches %s and %s share dpid %s", other, sw.Name, sw.Dpid))
		}
		dpids[sw.Dpid] = sw.Name
	}

	seen := map[[2]string]bool{}
	degree := map[string]int{}
	uplinks := map[string]int{}
	hub := ""
	if h := t.Hub(); h != nil {
		hub = h.Name
	}
	for _, l := range t.Links {
		if l.SrcNode == l.DstNode {
			problems = append(problems, fmt.Sprintf("self link on %s", l.SrcNode))
			continue
		}
		key := [2]string{l.SrcNode, l.DstNode}
		if l.DstNode < l.SrcNode {
			key = [2]string{l.DstNode, l.SrcNode}
		}
		if seen[key] {
			problems = append(problems, fmt.Sprintf("duplicate link %s-%s", l.SrcNode, l.DstNode))
		}
		seen[key] = true

		sk, ok1 := kinds[l.SrcNode]
		dk, ok2 := kinds[l.DstNode]
		if !ok1 || !ok2 {
			problems = append(problems, fmt.Sprintf("link %s-%s references unknown node", l.SrcNode, l.DstNode))
			continue
		}
		degree[l.SrcNode]++
		degree[l.DstNode]++

		switch {
		case sk == api.KindHost && dk == api.KindSwitch:
			uplinks[l.SrcNode]++
		case sk == api.KindSwitch && dk == api.KindSwitch && l.SrcNode == hub:
			uplinks[l.DstNode]++
		case sk == api.KindRoot && dk == api.KindHost:
			uplinks[l.SrcNode]++
		}
	}

	for _, h := range t.Hosts {
		if uplinks[h.Name] != 1 {
			problems = append(problems, fmt.Sprintf("host %s has %d switch uplinks", h.Name, uplinks[h.Name]))
		}
	}
	for _, sw := range t.Switches {
		if sw.Name == hub {
			continue
		}
		if uplinks[sw.Name] != 1 {
			problems = append(problems, fmt.Sprintf("switch %s has %d hub uplinks", sw.Name, uplinks[sw.Name]))
		}
	}
	for _, r := range t.Roots {
		if uplinks[r.Name] != 1 || degree[r.Name] != 1 {
			problems = append(problems, fmt.Sprintf("root %s must link to exactly one host", r.Name))
		}
	}

	// Interface names are <node>-eth<k>, k bounded by the node degree.
	for _, n := range t.Nodes() {
		name := fmt.Sprintf("%s-eth%d", n.Name, n.PortBase()+degree[n.Name])
		if len(name) > unix.IFNAMSIZ-1 {
			problems = append(problems, fmt.Sprintf("interface name %s exceeds %d bytes", name, unix.IFNAMSIZ-1))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", util.ErrInvalidTopology, strings.Join(problems, "; "))
	}
	return nil
}
