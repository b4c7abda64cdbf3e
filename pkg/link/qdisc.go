package link

import (
	"fmt"
	"github.com/vishvananda/netlink"
	"sdnnet/api"
)

// ShapingPlan is the qdisc layout for a set of link properties:
// an HTB root with class 1:1 when a rate is set, netem either below 1:1 or
// at the root when only latency or loss is set.
type ShapingPlan struct {
	Htb         bool
	HtbClassid  uint32
	Netem       bool
	NetemHandle uint32
	NetemParent uint32
}

func PlanShaping(p api.LinkProperties) ShapingPlan {
	plan := ShapingPlan{}
	if p.Rate > 0 {
		plan.Htb = true
		plan.HtbClassid = netlink.MakeHandle(1, 1)
	}
	if p.Latency > 0 || p.Loss > 0 {
		plan.Netem = true
		if plan.Htb {
			plan.NetemParent = plan.HtbClassid
			plan.NetemHandle = netlink.MakeHandle(10, 0)
		} else {
			plan.NetemParent = netlink.HANDLE_ROOT
			plan.NetemHandle = netlink.MakeHandle(1, 0)
		}
	}
	return plan
}

// ApplyShaping installs the qdiscs for p on interface intf of node n:
//
//	tc qdisc replace dev eth0 root handle 1: htb default 1
//	tc class replace dev eth0 parent 1: classid 1:1 htb rate 10mbit burst 10000
//	tc qdisc replace dev eth0 parent 1:1 handle 10: netem delay 100ms loss 1%
func (lm *LinkManager) ApplyShaping(n *api.Node, intf string, p api.LinkProperties) error {
	plan := PlanShaping(p)
	return inNode(n, func() error {
		link, err := netlink.LinkByName(intf)
		if err != nil {
			return fmt.Errorf("failed to get link by name: %v", err)
		}
		index := link.Attrs().Index

		if plan.Htb {
			qdisc := netlink.NewHtb(netlink.QdiscAttrs{
				LinkIndex: index,
				Handle:    netlink.MakeHandle(1, 0),
				Parent:    netlink.HANDLE_ROOT,
			})
			qdisc.Defcls = 1
			if err := netlink.QdiscReplace(qdisc); err != nil {
				return fmt.Errorf("failed to add HTB root qdisc to %s: %v", intf, err)
			}

			class := netlink.NewHtbClass(
				netlink.ClassAttrs{
					LinkIndex: index,
					Handle:    plan.HtbClassid,
					Parent:    netlink.MakeHandle(1, 0),
				},
				netlink.HtbClassAttrs{
					Rate:   p.Rate * 1000 * 1000, // mbit to bit/s
					Buffer: 10000,
					Prio:   1,
				},
			)
			if err := netlink.ClassReplace(class); err != nil {
				return fmt.Errorf("failed to add HTB class to %s: %v", intf, err)
			}
		}

		if plan.Netem {
			netem := netlink.NewNetem(netlink.QdiscAttrs{
				LinkIndex: index,
				Parent:    plan.NetemParent,
				Handle:    plan.NetemHandle,
			}, netlink.NetemQdiscAttrs{
				Latency: p.Latency * 1000, // ms to us
				Loss:    p.Loss,
				Limit:   300000,
			})
			if err := netlink.QdiscReplace(netem); err != nil {
				return fmt.Errorf("failed to add netem qdisc to %s: %v", intf, err)
			}
		}
		return nil
	})
}
