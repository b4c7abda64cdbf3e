package node

import (
	"context"
	"fmt"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"io"
	"os/exec"
	"sdnnet/api"
	"sdnnet/pkg/util"
	"strconv"
)

const ContainerPrefix = "sdnnet-"

// ContainerManager backs every host with a privileged docker container
// without networking; interfaces are moved into its namespace afterwards.
type ContainerManager struct {
	dClient *client.Client
	image   string
	binds   []string
}

// NewContainerManager connects to the docker daemon from the environment.
// Every host dir in shared is bind mounted at the same path in each
// container, so files written there are visible on both sides.
func NewContainerManager(img string, shared ...string) (*ContainerManager, error) {
	dClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("error creating docker client: %v", err)
	}
	cm := &ContainerManager{
		dClient: dClient,
		image:   img,
	}
	for _, dir := range shared {
		cm.binds = append(cm.binds, dir+":"+dir)
	}
	return cm, nil
}

func ContainerName(n *api.Node) string {
	return ContainerPrefix + n.Name
}

// AddNode creates and starts the container, then records its pid and
// network namespace on the node.
func (cm *ContainerManager) AddNode(ctx context.Context, n *api.Node) error {
	if n.Image == "" {
		n.Image = cm.image
	}
	name := ContainerName(n)
	log := util.WithNode(n.Name)

	// Leftover from a previous run
	_ = cm.dClient.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	config := &container.Config{
		Image:           n.Image,
		Hostname:        n.Name,
		NetworkDisabled: true,
		User:            "root",
		Cmd:             []string{"sleep", "infinity"},
	}
	hostConfig := cm.hostConfig()

	_, err := cm.dClient.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if errdefs.IsNotFound(err) {
		log.Infof("pulling image %s", n.Image)
		if err = cm.pull(ctx, n.Image); err != nil {
			return err
		}
		_, err = cm.dClient.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	}
	if err != nil {
		return fmt.Errorf("error creating container %s: %v", name, err)
	}

	if err = cm.dClient.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("error starting container %s: %v", name, err)
	}

	res, err := cm.dClient.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("error inspecting container %s: %v", name, err)
	}
	n.Pid = res.State.Pid
	n.NetNs = fmt.Sprintf("/proc/%d/ns/net", res.State.Pid)
	log.Debugf("container started, netns %s", n.NetNs)
	return nil
}

func (cm *ContainerManager) hostConfig() *container.HostConfig {
	sysctls := make(map[string]string)
	sysctls["net.ipv4.ip_forward"] = "1"
	sysctls["net.ipv6.conf.all.forwarding"] = "1"

	return &container.HostConfig{
		Privileged: true,
		Binds:      append([]string{}, cm.binds...),
		Sysctls:    sysctls,
	}
}

func (cm *ContainerManager) pull(ctx context.Context, ref string) error {
	rc, err := cm.dClient.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("error pulling image %s: %v", ref, err)
	}
	defer rc.Close()
	// the pull only completes once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (cm *ContainerManager) DeleteNode(ctx context.Context, n *api.Node) error {
	err := cm.dClient.ContainerRemove(ctx, ContainerName(n), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Command enters the container's mount, uts and network namespaces so the
// binary comes from the image.
func (cm *ContainerManager) Command(ctx context.Context, n *api.Node, name string, arg ...string) *exec.Cmd {
	args := append([]string{"-t", strconv.Itoa(n.Pid), "-m", "-u", "-n", "--", name}, arg...)
	return exec.CommandContext(ctx, "nsenter", args...)
}

func (cm *ContainerManager) Close() error {
	return cm.dClient.Close()
}
