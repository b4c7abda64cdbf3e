package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sdnnet/api"
	"sdnnet/pkg"
	"sdnnet/pkg/cli"
	"sdnnet/pkg/config"
	"sdnnet/pkg/controller"
	"sdnnet/pkg/link"
	"sdnnet/pkg/node"
	"sdnnet/pkg/ovs"
	"sdnnet/pkg/session"
	"sdnnet/pkg/sshd"
	"sdnnet/pkg/topo"
	"sdnnet/pkg/util"
	"time"
)

// Run provisions the network described by the configuration and either
// hands it to the interactive shell or leaves it running.
func Run(ctx context.Context, opts Options) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	if err := util.SetLogLevel(level); err != nil {
		return err
	}

	rt, closer, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	mgr := pkg.NewManager(ovs.NewOvsManager(cfg.Switch.Protocols, nil), link.NewLinkManager(), rt)
	mgr.SetLinkProperties(cfg.Link)

	var sm *sshd.Manager
	if cfg.SSHD.Enabled {
		sm = sshd.NewManager(cfg.SSHD.Binary, cfg.SSHD.Dir, mgr)
	}
	factory := controllerFactory(cfg.RunDir)

	if opts.Cleanup {
		return cleanup(ctx, cfg, mgr, sm, factory)
	}

	var daemons session.Daemons
	if sm != nil {
		if cfg.SSHD.EphemeralKey {
			path, fingerprint, err := sshd.GenerateHostKey(cfg.SSHD.Dir)
			if err != nil {
				return err
			}
			sm.SetHostKey(path)
			util.WithOperation("sshd").Infof("*** Host key %s", fingerprint)
		}
		daemons = sm
	}

	sess := session.New(cfg, mgr, daemons, factory)
	if err := sess.Setup(ctx); err != nil {
		if terr := sess.Teardown(ctx); terr != nil {
			util.Logger.WithError(terr).Warn("teardown after failed setup left resources behind")
		}
		return err
	}

	if opts.NoCLI {
		util.Logger.Infof("*** Network is up, run %s --cleanup to remove it", os.Args[0])
		return nil
	}

	shell := cli.New(mgr, os.Stdin, os.Stdout)
	if sm != nil {
		shell.WithDaemons(sm)
	}
	foreground.Store(shell)
	defer foreground.Store(nil)
	return sess.Interact(ctx, shell.Run)
}

// loadConfig reads path over the defaults, or checks the defaults alone.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// controllerFactory gives managed controllers a pid file in runDir.
func controllerFactory(runDir string) session.ControllerFactory {
	return func(spec api.ControllerSpec, timeout time.Duration) (controller.Controller, error) {
		c, err := controller.New(spec, timeout)
		if err != nil {
			return nil, err
		}
		if mc, ok := c.(*controller.ManagedController); ok && runDir != "" {
			mc.SetPidFile(filepath.Join(runDir, "sdnnet-"+spec.Name+".controller.pid"))
		}
		return c, nil
	}
}

func newRuntime(cfg *config.Config) (node.Runtime, io.Closer, error) {
	switch cfg.Runtime {
	case config.RuntimeDocker:
		var shared []string
		if cfg.SSHD.Enabled {
			// banners, pid files and the host key must be seen by sshd
			shared = append(shared, cfg.SSHD.Dir)
		}
		cm, err := node.NewContainerManager(cfg.Image, shared...)
		if err != nil {
			return nil, nil, err
		}
		return cm, cm, nil
	case config.RuntimeNetns:
		return node.NewNetnsManager(), nil, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown runtime %q", util.ErrInvalidConfig, cfg.Runtime)
}

// cleanup removes the switches, links, hosts, daemons and managed
// controllers a run with cfg may have left. Leftovers that are already
// gone are not errors.
func cleanup(ctx context.Context, cfg *config.Config, mgr *pkg.Manager, sm *sshd.Manager, factory session.ControllerFactory) error {
	t := topo.Generate(cfg.NetworkID, cfg.Nodes)
	var errs []error
	if sm != nil {
		errs = append(errs, sm.StopStale(t.Hosts))
	}
	for _, spec := range cfg.Controllers {
		c, err := factory(spec, cfg.ProbeTimeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if mc, ok := c.(*controller.ManagedController); ok {
			errs = append(errs, mc.StopStale())
		}
	}
	errs = append(errs, mgr.Cleanup(ctx, t))
	if err := errors.Join(errs...); err != nil {
		util.WithOperation("cleanup").WithError(err).Warn("cleanup incomplete")
	}
	util.WithOperation("cleanup").Info("*** Cleanup complete")
	return nil
}
