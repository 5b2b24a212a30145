// Package config handles nvidia-persistenced configuration.
//
// Configuration is loaded with overlay semantics: the embedded
// default.toml is decoded first and the config file, when present, is
// decoded on top of it. Command line flags override the result in the
// CLI layer. A missing file yields the defaults; a file that exists
// but does not parse is an error.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-persistenced"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is where the daemon looks for its config file.
const DefaultConfigPath = "/etc/nvidia-persistenced/nvidia-persistenced.toml"

// Provider names accepted in [daemon] provider.
const (
	ProviderDynamic = "dynamic"
	ProviderFake    = "fake"
)

// Config is the top-level configuration.
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon"`
	Numa    NumaConfig    `toml:"numa"`
	Journal JournalConfig `toml:"journal"`
	Fake    FakeConfig    `toml:"fake"`
	Logging LoggingConfig `toml:"logging"`
}

// DaemonConfig controls the daemon process.
type DaemonConfig struct {
	PersistenceMode bool     `toml:"persistence_mode"`
	NvidiaCfgPath   string   `toml:"nvidia_cfg_path"`
	Provider        string   `toml:"provider"`
	RuntimeDir      string   `toml:"runtime_dir"`
	SocketMode      FileMode `toml:"socket_mode"`
	PprofAddress    string   `toml:"pprof_address"`
}

// NumaConfig locates the kernel interfaces used for NUMA management.
// Tests and containers point these at alternative roots.
type NumaConfig struct {
	SysfsRoot  string `toml:"sysfs_root"`
	ProcfsRoot string `toml:"procfs_root"`
	DevRoot    string `toml:"dev_root"`
}

// JournalConfig controls the transition journal.
type JournalConfig struct {
	Enabled    bool `toml:"enabled"`
	MaxEntries int  `toml:"max_entries"`
}

// FakeConfig lists the devices served by the fake provider.
type FakeConfig struct {
	Devices []string `toml:"devices"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	// Level is a log spec such as "info" or "info,numa=debug".
	Level string `toml:"level"`
	// Format is "text", "json" or "syslog".
	Format string `toml:"format"`
	// Components sets per-component levels when Level is empty.
	Components map[string]string `toml:"components"`
}

// ToSpec renders the logging section as a log spec. Level wins over
// Components.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}

	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := []string{"info"}
	for _, name := range names {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// FileMode is an octal permission string in TOML ("0666").
type FileMode os.FileMode

// UnmarshalText parses an octal mode.
func (m *FileMode) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: %w", text, err)
	}
	if v > 0o777 {
		return fmt.Errorf("invalid file mode %q: only permission bits are allowed", text)
	}
	*m = FileMode(v)
	return nil
}

// MarshalText formats m as four octal digits.
func (m FileMode) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%04o", uint32(m))), nil
}

// Perm returns m as an os.FileMode.
func (m FileMode) Perm() os.FileMode { return os.FileMode(m) }

// DefaultConfig returns the configuration described by default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load reads path over the defaults. An empty path means
// DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the decoder cannot.
func (c *Config) Validate() error {
	switch c.Daemon.Provider {
	case ProviderDynamic, ProviderFake:
	default:
		return fmt.Errorf("daemon.provider: unknown provider %q", c.Daemon.Provider)
	}
	if !filepath.IsAbs(c.Daemon.RuntimeDir) {
		return fmt.Errorf("daemon.runtime_dir: must be absolute, got %q", c.Daemon.RuntimeDir)
	}
	for name, root := range map[string]string{
		"numa.sysfs_root":  c.Numa.SysfsRoot,
		"numa.procfs_root": c.Numa.ProcfsRoot,
		"numa.dev_root":    c.Numa.DevRoot,
	} {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("%s: must be absolute, got %q", name, root)
		}
	}
	if c.Journal.MaxEntries < 0 {
		return fmt.Errorf("journal.max_entries: must not be negative")
	}
	if _, err := c.FakeDevices(); err != nil {
		return err
	}
	return nil
}

// FakeDevices parses [fake] devices.
func (c *Config) FakeDevices() ([]persistenced.PCIAddress, error) {
	addrs := make([]persistenced.PCIAddress, 0, len(c.Fake.Devices))
	for _, s := range c.Fake.Devices {
		a, err := persistenced.ParsePCIAddress(s)
		if err != nil {
			return nil, fmt.Errorf("fake.devices: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
