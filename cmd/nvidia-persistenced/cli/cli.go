// Package cli provides the Kong-based command-line interface for
// nvidia-persistenced.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-persistenced/client"
	"github.com/frobware/go-persistenced/config"
	"github.com/frobware/go-persistenced/logging"
)

// CLI is the root command structure for nvidia-persistenced.
type CLI struct {
	Config  string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log     string `name:"log" help:"Log spec (e.g., 'info,numa=debug')." env:"PERSISTENCED_LOG"`
	Verbose bool   `name:"verbose" short:"V" help:"Log at debug level."`
	Socket  string `name:"socket" help:"Control socket path (defaults to <runtime_dir>/socket)."`

	Serve   ServeCmd   `cmd:"" help:"Run the daemon."`
	Get     GetCmd     `cmd:"" help:"Show the persistence mode of a device."`
	Set     SetCmd     `cmd:"" help:"Set the persistence mode of a device."`
	Numa    NumaCmd    `cmd:"" help:"Online or offline the NUMA memory of a device."`
	List    ListCmd    `cmd:"" help:"List managed devices."`
	History HistoryCmd `cmd:"" help:"Show recent state transitions."`

	// stdout receives command output; nil means os.Stdout.
	stdout io.Writer
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("nvidia-persistenced"),
		kong.Description("Keeps NVIDIA devices initialized and manages their NUMA memory."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(DeviceAddress{}), deviceAddressMapper()),
		kong.TypeMapper(reflect.TypeOf(ModeArg{}), modeArgMapper()),
		kong.TypeMapper(reflect.TypeOf(NumaArg{}), numaArgMapper()),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
		},
	}
}

// Stdout returns where command output is written.
func (c *CLI) Stdout() io.Writer {
	if c.stdout == nil {
		return os.Stdout
	}
	return c.stdout
}

// SetStdout redirects command output.
func (c *CLI) SetStdout(w io.Writer) { c.stdout = w }

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	return config.Load(c.Config)
}

// baseSpec returns the log spec given on the command line.
func (c *CLI) baseSpec() string {
	if c.Log != "" {
		return c.Log
	}
	if c.Verbose {
		return "debug"
	}
	return ""
}

// Logger creates a logger for client commands. They log to stderr at
// warn unless --log or --verbose says otherwise.
func (c *CLI) Logger() (*slog.Logger, error) {
	spec := c.baseSpec()
	if spec == "" {
		spec = "warn"
	}
	return logging.New(logging.Options{
		CLISpec: spec,
		Format:  logging.FormatText,
		Output:  os.Stderr,
	})
}

// DaemonLogger creates the daemon's logger from the config file. In
// the foreground, syslog output is replaced by text on stderr.
func (c *CLI) DaemonLogger(cfg config.Config, foreground bool) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	if foreground && format == logging.FormatSyslog {
		format = logging.FormatText
	}
	return logging.New(logging.Options{
		CLISpec:    c.baseSpec(),
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stderr,
	})
}

// RuntimeDirs returns the runtime paths for cfg with --socket applied.
func (c *CLI) RuntimeDirs(cfg config.Config) (config.RuntimeDirs, error) {
	dirs, err := config.NewRuntimeDirs(cfg.Daemon.RuntimeDir)
	if err != nil {
		return config.RuntimeDirs{}, fmt.Errorf("daemon.runtime_dir: %w", err)
	}
	return dirs.WithSocketPath(c.Socket), nil
}

// Client connects to the daemon's control socket. The returned client
// must be closed when no longer needed.
func (c *CLI) Client() (*client.Client, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}
	socket := c.Socket
	if socket == "" {
		cfg, err := c.LoadConfig()
		if err != nil {
			return nil, err
		}
		dirs, err := c.RuntimeDirs(cfg)
		if err != nil {
			return nil, err
		}
		socket = dirs.SocketPath()
	}
	return client.Dial(socket, client.WithLogger(logger))
}
