package ovs

import (
	"fmt"
	"github.com/digitalocean/go-openvswitch/ovs"
	"os/exec"
	"sdnnet/api"
	"sdnnet/pkg/util"
	"strconv"
	"strings"
)

// OvsManager drives one OVS bridge per emulated switch.
type OvsManager struct {
	oClient   *ovs.Client
	exec      ovs.ExecFunc
	protocols []string
}

func shellExec(cmd string, args ...string) ([]byte, error) {
	return exec.Command(cmd, args...).CombinedOutput()
}

// NewOvsManager builds a manager speaking the given OpenFlow versions.
// fn replaces the command runner, nil runs ovs-vsctl/ovs-ofctl directly.
func NewOvsManager(protocols []string, fn ovs.ExecFunc) *OvsManager {
	if fn == nil {
		fn = shellExec
	}
	opts := []ovs.OptionFunc{ovs.Exec(fn)}
	if len(protocols) > 0 {
		opts = append(opts, ovs.Protocols(protocols))
	}
	return &OvsManager{
		oClient:   ovs.New(opts...),
		exec:      fn,
		protocols: protocols,
	}
}

// vsctl runs the ovs-vsctl invocations go-openvswitch has no helper for.
func (om *OvsManager) vsctl(args ...string) error {
	out, err := om.exec("ovs-vsctl", args...)
	if err != nil {
		return fmt.Errorf("ovs-vsctl %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// AddSwitch creates the bridge, pins its datapath id and leaves it in
// secure fail mode until controllers are attached.
func (om *OvsManager) AddSwitch(n *api.Node) error {
	if err := om.oClient.VSwitch.AddBridge(n.Name); err != nil {
		return fmt.Errorf("failed to add bridge %s: %v", n.Name, err)
	}
	if n.Dpid != "" {
		if err := om.vsctl("set", "bridge", n.Name, "other-config:datapath-id="+n.Dpid); err != nil {
			return err
		}
	}
	if len(om.protocols) > 0 {
		if err := om.oClient.VSwitch.Set.Bridge(n.Name, ovs.BridgeOptions{Protocols: om.protocols}); err != nil {
			return fmt.Errorf("failed to set protocols on %s: %v", n.Name, err)
		}
	}
	if err := om.oClient.VSwitch.SetFailMode(n.Name, ovs.FailModeSecure); err != nil {
		return fmt.Errorf("failed to set fail mode on %s: %v", n.Name, err)
	}
	util.WithNode(n.Name).Debugf("bridge created with dpid %s", n.Dpid)
	return nil
}

func (om *OvsManager) DeleteSwitch(n *api.Node) error {
	if err := om.oClient.VSwitch.DeleteBridge(n.Name); err != nil {
		return fmt.Errorf("failed to delete bridge %s: %v", n.Name, err)
	}
	return nil
}

// AddPort adds an existing interface to the switch, asking OVS for the
// OpenFlow port number matching its eth index.
func (om *OvsManager) AddPort(n *api.Node, intf *api.NodeInterface) error {
	if err := om.oClient.VSwitch.AddPort(n.Name, intf.Name); err != nil {
		return fmt.Errorf("failed to add %s to OVS bridge %s: %v", intf.Name, n.Name, err)
	}
	if intf.Port > 0 {
		if err := om.vsctl("set", "Interface", intf.Name, "ofport_request="+strconv.Itoa(intf.Port)); err != nil {
			return err
		}
	}
	return nil
}

// SetControllers points the switch at every target. Without targets the
// bridge falls back to standalone learning mode.
func (om *OvsManager) SetControllers(n *api.Node, targets []string) error {
	switch len(targets) {
	case 0:
		if err := om.vsctl("del-controller", n.Name); err != nil {
			return err
		}
		return om.oClient.VSwitch.SetFailMode(n.Name, ovs.FailModeStandalone)
	case 1:
		if err := om.oClient.VSwitch.SetController(n.Name, targets[0]); err != nil {
			return fmt.Errorf("failed to set controller on %s: %v", n.Name, err)
		}
	default:
		if err := om.vsctl(append([]string{"set-controller", n.Name}, targets...)...); err != nil {
			return err
		}
	}
	return om.oClient.VSwitch.SetFailMode(n.Name, ovs.FailModeSecure)
}

// DumpFlows returns the flow table of a switch in ovs-ofctl syntax.
func (om *OvsManager) DumpFlows(bridge string) ([]string, error) {
	flows, err := om.oClient.OpenFlow.DumpFlows(bridge)
	if err != nil {
		return nil, fmt.Errorf("failed to dump flows of %s: %v", bridge, err)
	}
	var out []string
	for _, f := range flows {
		text, err := f.MarshalText()
		if err != nil {
			return nil, err
		}
		out = append(out, string(text))
	}
	return out, nil
}

// GetPortId returns the OpenFlow port number OVS assigned to port.
func (om *OvsManager) GetPortId(port string) (int, error) {
	output, err := om.exec("ovs-vsctl", "get", "Interface", port, "ofport")
	if err != nil {
		return -1, fmt.Errorf("failed to get port %s id: %v", port, err)
	}
	resultStr := strings.TrimSpace(string(output))
	resultInt, err := strconv.Atoi(resultStr)
	if err != nil {
		return -1, fmt.Errorf("error converting port %s id %s to int: %v", port, resultStr, err)
	}
	return resultInt, nil
}

// ListSwitches lists every bridge known to OVS.
func (om *OvsManager) ListSwitches() ([]string, error) {
	return om.oClient.VSwitch.ListBridges()
}
