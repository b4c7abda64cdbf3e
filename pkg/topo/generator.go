// Package topo derives the star-of-stars test topology from a network id and
// a node count.
package topo

import (
	"fmt"
	"sdnnet/api"
)

func SwitchName(nwid, i int) string {
	return fmt.Sprintf("sw%02d.%02d", nwid, i)
}

// Dpid is the 16 hex digit datapath id; the last two bytes encode the
// network id and the switch index.
func Dpid(nwid, i int) string {
	return "000000000000" + fmt.Sprintf("%02x%02x", nwid, i)
}

func HostName(i int) string {
	return fmt.Sprintf("host%d", i)
}

func RootName(i int) string {
	return fmt.Sprintf("root%d", i)
}

// Generate builds the topology for n nodes of network nwid.
//
// Links, in order: host[i]-switch[i], switch[0]-switch[i] for i >= 1 and
// root[i]-host[i]. Indices are assumed to fit the two digit names, nothing
// is checked here; see Validate.
func Generate(nwid, n int) *api.Topology {
	t := &api.Topology{}

	for i := 0; i < n; i++ {
		t.Switches = append(t.Switches, &api.Node{
			Name:        SwitchName(nwid, i),
			Kind:        api.KindSwitch,
			Dpid:        Dpid(nwid, i),
			InNamespace: false,
		})
	}
	for i := 0; i < n; i++ {
		t.Hosts = append(t.Hosts, &api.Node{
			Name:        HostName(i),
			Kind:        api.KindHost,
			InNamespace: true,
		})
	}
	for i := 0; i < n; i++ {
		t.Roots = append(t.Roots, &api.Node{
			Name:        RootName(i),
			Kind:        api.KindRoot,
			InNamespace: false,
		})
	}

	for i := 0; i < n; i++ {
		t.Links = append(t.Links, &api.Link{SrcNode: t.Hosts[i].Name, DstNode: t.Switches[i].Name})
	}
	for i := 1; i < n; i++ {
		t.Links = append(t.Links, &api.Link{SrcNode: t.Switches[0].Name, DstNode: t.Switches[i].Name})
	}
	for i := 0; i < n; i++ {
		t.Links = append(t.Links, &api.Link{SrcNode: t.Roots[i].Name, DstNode: t.Hosts[i].Name})
	}
	return t
}
