package api

// Topology is the logical description of the network, before anything
// is created on the system.
type Topology struct {
	Switches []*Node
	Hosts    []*Node
	Roots    []*Node
	Links    []*Link
}

// Nodes returns hosts, roots and switches, in creation order.
func (t *Topology) Nodes() []*Node {
	nodes := make([]*Node, 0, len(t.Switches)+len(t.Hosts)+len(t.Roots))
	nodes = append(nodes, t.Hosts...)
	nodes = append(nodes, t.Roots...)
	nodes = append(nodes, t.Switches...)
	return nodes
}

// Hub is the primary switch every other switch uplinks to.
func (t *Topology) Hub() *Node {
	if len(t.Switches) == 0 {
		return nil
	}
	return t.Switches[0]
}
