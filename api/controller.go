package api

import "fmt"

type ControllerKind string

const (
	// ControllerRemote runs outside the emulated network, its lifecycle is not ours.
	ControllerRemote ControllerKind = "remote"
	// ControllerManaged is a process started and stopped by the session.
	ControllerManaged ControllerKind = "managed"
)

type ControllerSpec struct {
	Name    string         `yaml:"name,omitempty"`
	Kind    ControllerKind `yaml:"kind,omitempty"`
	IP      string         `yaml:"ip"`
	Port    int            `yaml:"port"`
	Command []string       `yaml:"command,omitempty"` // managed only
}

// Address is the host:port pair of the controller.
func (c ControllerSpec) Address() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// Target is the OpenFlow connection string handed to the switches.
func (c ControllerSpec) Target() string {
	return fmt.Sprintf("tcp:%s:%d", c.IP, c.Port)
}
