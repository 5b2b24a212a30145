package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/frobware/go-persistenced/config"
	"github.com/frobware/go-persistenced/server"
)

// ServeCmd runs the daemon.
type ServeCmd struct {
	PersistenceMode   bool   `name:"persistence-mode" xor:"persistence" help:"Enable persistence mode for every device at startup."`
	NoPersistenceMode bool   `name:"no-persistence-mode" xor:"persistence" help:"Leave every device disabled at startup."`
	NvidiaCfgPath     string `name:"nvidia-cfg-path" help:"Directory containing libnvidia-cfg.so.1." type:"path"`
	Foreground        bool   `name:"foreground" short:"f" help:"Log to stderr instead of syslog."`
	PprofAddress      string `name:"pprof-address" help:"Serve pprof on this TCP address."`
}

// Apply overlays the serve flags on cfg.
func (c *ServeCmd) Apply(cfg *config.Config) {
	switch {
	case c.PersistenceMode:
		cfg.Daemon.PersistenceMode = true
	case c.NoPersistenceMode:
		cfg.Daemon.PersistenceMode = false
	}
	if c.NvidiaCfgPath != "" {
		cfg.Daemon.NvidiaCfgPath = c.NvidiaCfgPath
	}
	if c.PprofAddress != "" {
		cfg.Daemon.PprofAddress = c.PprofAddress
	}
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	appConfig, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	c.Apply(&appConfig)

	logger, err := cli.DaemonLogger(appConfig, c.Foreground)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	dirs, err := cli.RuntimeDirs(appConfig)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting nvidia-persistenced",
		"persistence_mode", appConfig.Daemon.PersistenceMode,
		"socket", dirs.SocketPath(),
		"provider", appConfig.Daemon.Provider,
	)
	err = server.Run(ctx, server.RunConfig{
		Dirs:   dirs,
		Config: appConfig,
		Logger: logger,
	})
	if err != nil {
		logger.Error("nvidia-persistenced failed", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
