// Package node creates the isolated hosts of the emulated network.
package node

import (
	"context"
	"os/exec"
	"sdnnet/api"
)

// Runtime isolates hosts. After AddNode the node's NetNs points at a
// namespace other packages can enter.
type Runtime interface {
	AddNode(ctx context.Context, n *api.Node) error
	DeleteNode(ctx context.Context, n *api.Node) error
	// Command prepares name to run inside the node.
	Command(ctx context.Context, n *api.Node, name string, arg ...string) *exec.Cmd
}

// HostCommand runs in the initial namespace, used for root nodes.
func HostCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, arg...)
}
