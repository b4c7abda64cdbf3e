// Package config holds the settings of a provisioning run. The defaults
// reproduce the classic 20 node test network attached to a single remote
// controller; a YAML file can override any of them.
package config

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"sdnnet/api"
	"sdnnet/pkg/util"
	"strings"
	"time"
)

const (
	RuntimeNetns  = "netns"
	RuntimeDocker = "docker"

	// DefaultImage is built locally from example/Dockerfile, no registry
	// serves it.
	DefaultImage = "sdnnet/host:latest"
)

type Config struct {
	NetworkID   int                  `yaml:"networkId"`
	Nodes       int                  `yaml:"nodes"`
	Controllers []api.ControllerSpec `yaml:"controllers"`
	// ProbeTimeout bounds the controller liveness check.
	ProbeTimeout time.Duration `yaml:"probeTimeout"`

	Tap     TapConfig          `yaml:"tap"`
	HostNet string             `yaml:"hostNet"`
	PtpNet  string             `yaml:"ptpNet"`
	Runtime string             `yaml:"runtime"`
	Image   string             `yaml:"image"`
	Switch  SwitchConfig       `yaml:"switch"`
	Link    api.LinkProperties `yaml:"link"`
	SSHD    SSHDConfig         `yaml:"sshd"`

	// RunDir holds the pid files of managed controllers.
	RunDir   string `yaml:"runDir"`
	LogLevel string `yaml:"logLevel"`
}

type TapConfig struct {
	Name string `yaml:"name"` // empty disables the tap
	// Switch defaults to the hub switch.
	Switch string `yaml:"switch"`
}

type SwitchConfig struct {
	Protocols []string `yaml:"protocols"`
}

type SSHDConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Binary       string `yaml:"binary"`
	Dir          string `yaml:"dir"` // banner and pid files
	EphemeralKey bool   `yaml:"ephemeralKey"`
}

func Default() *Config {
	return &Config{
		NetworkID: 1,
		Nodes:     20,
		Controllers: []api.ControllerSpec{
			{IP: "10.0.1.28", Port: 6633},
		},
		ProbeTimeout: 2 * time.Second,
		Tap:          TapConfig{Name: "tapa0"},
		HostNet:      "192.168.0.0/16",
		PtpNet:       "1.1.0.0/16",
		Runtime:      RuntimeNetns,
		Image:        DefaultImage,
		Switch: SwitchConfig{
			Protocols: []string{"OpenFlow10"},
		},
		SSHD: SSHDConfig{
			Enabled: true,
			Binary:  "/usr/sbin/sshd",
			Dir:     "/tmp",
		},
		RunDir:   "/tmp",
		LogLevel: "info",
	}
}

// Load reads a YAML file on top of the defaults.
func Load(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling YAML file: %v", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills in controller names and kinds left empty.
func (c *Config) normalize() {
	for i := range c.Controllers {
		if c.Controllers[i].Name == "" {
			c.Controllers[i].Name = fmt.Sprintf("c%d", i)
		}
		if c.Controllers[i].Kind == "" {
			c.Controllers[i].Kind = api.ControllerRemote
		}
	}
}

// Validate reports every problem found, not only the first one.
func (c *Config) Validate() error {
	c.normalize()
	var problems []string

	if c.NetworkID < 0 || c.NetworkID > 99 {
		problems = append(problems, fmt.Sprintf("networkId %d out of range [0,99]", c.NetworkID))
	}
	if c.Nodes < 1 || c.Nodes > 100 {
		problems = append(problems, fmt.Sprintf("nodes %d out of range [1,100]", c.Nodes))
	}
	names := map[string]bool{}
	for _, ctl := range c.Controllers {
		if names[ctl.Name] {
			problems = append(problems, fmt.Sprintf("duplicate controller name %s", ctl.Name))
		}
		names[ctl.Name] = true
		if ctl.IP == "" {
			problems = append(problems, fmt.Sprintf("controller %s has no ip", ctl.Name))
		}
		if ctl.Port < 1 || ctl.Port > 65535 {
			problems = append(problems, fmt.Sprintf("controller %s port %d out of range", ctl.Name, ctl.Port))
		}
		switch ctl.Kind {
		case api.ControllerRemote:
		case api.ControllerManaged:
		default:
			problems = append(problems, fmt.Sprintf("controller %s has unknown kind %q", ctl.Name, ctl.Kind))
		}
	}
	managed := false
	for _, ctl := range c.Controllers {
		managed = managed || ctl.Kind == api.ControllerManaged
	}
	if managed && c.RunDir == "" {
		problems = append(problems, "managed controllers need a runDir")
	}
	nodes := max(c.Nodes, 1)
	if _, ones, err := util.ParseNet4(c.HostNet); err != nil {
		problems = append(problems, "hostNet: "+err.Error())
	} else if last := uint64(max(c.NetworkID, 0))<<8 + uint64(nodes-1); last >= 1<<(32-ones) {
		// host i of network W sits at offset W<<8 + i
		problems = append(problems, fmt.Sprintf("hostNet %s too small for networkId %d with %d nodes", c.HostNet, c.NetworkID, c.Nodes))
	}
	if _, ones, err := util.ParseNet4(c.PtpNet); err != nil {
		problems = append(problems, "ptpNet: "+err.Error())
	} else if ones > 24 || uint64(nodes)<<8 > 1<<(32-ones) {
		// one /24 per host
		problems = append(problems, fmt.Sprintf("ptpNet %s cannot hold %d /24 segments", c.PtpNet, c.Nodes))
	}
	switch c.Runtime {
	case RuntimeNetns:
	case RuntimeDocker:
		if c.Image == "" {
			problems = append(problems, "docker runtime needs an image")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown runtime %q", c.Runtime))
	}
	if c.SSHD.Enabled && (c.SSHD.Binary == "" || c.SSHD.Dir == "") {
		problems = append(problems, "sshd needs a binary and a dir")
	}
	if c.ProbeTimeout <= 0 {
		problems = append(problems, "probeTimeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", util.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
