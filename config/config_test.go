package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvidia-persistenced.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.True(t, cfg.Daemon.PersistenceMode)
	assert.Equal(t, config.ProviderDynamic, cfg.Daemon.Provider)
	assert.Equal(t, "/var/run/nvidia-persistenced", cfg.Daemon.RuntimeDir)
	assert.Equal(t, os.FileMode(0o666), cfg.Daemon.SocketMode.Perm())
	assert.Equal(t, "/sys", cfg.Numa.SysfsRoot)
	assert.Equal(t, "/proc", cfg.Numa.ProcfsRoot)
	assert.Equal(t, "/dev", cfg.Numa.DevRoot)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, 1000, cfg.Journal.MaxEntries)
	assert.Equal(t, "syslog", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoad_Overlay(t *testing.T) {
	path := writeConfig(t, `
[daemon]
persistence_mode = false
provider = "fake"
socket_mode = "0660"

[fake]
devices = ["0000:01:00.0", "0000:41:00.0"]

[logging]
level = "debug,numa=trace"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Daemon.PersistenceMode)
	assert.Equal(t, config.ProviderFake, cfg.Daemon.Provider)
	assert.Equal(t, os.FileMode(0o660), cfg.Daemon.SocketMode.Perm())
	// Untouched keys keep their defaults.
	assert.Equal(t, "/sys", cfg.Numa.SysfsRoot)
	assert.Equal(t, "syslog", cfg.Logging.Format)
	assert.Equal(t, "debug,numa=trace", cfg.Logging.ToSpec())

	devs, err := cfg.FakeDevices()
	require.NoError(t, err)
	assert.Equal(t, []persistenced.PCIAddress{{Bus: 1}, {Bus: 0x41}}, devs)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"syntax", "[daemon\n", "failed to parse config file"},
		{"provider", "[daemon]\nprovider = \"nvml\"\n", "unknown provider"},
		{"socket mode", "[daemon]\nsocket_mode = \"rw\"\n", "invalid file mode"},
		{"socket mode bits", "[daemon]\nsocket_mode = \"4755\"\n", "only permission bits"},
		{"relative sysfs", "[numa]\nsysfs_root = \"sys\"\n", "numa.sysfs_root"},
		{"fake device", "[fake]\ndevices = [\"nonsense\"]\n", "fake.devices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggingConfig_ToSpecFromComponents(t *testing.T) {
	c := config.LoggingConfig{Components: map[string]string{"server": "warn", "hotplug": "debug"}}
	assert.Equal(t, "info,hotplug=debug,server=warn", c.ToSpec())

	assert.Empty(t, (&config.LoggingConfig{}).ToSpec())
}

func TestFileMode_MarshalText(t *testing.T) {
	b, err := config.FileMode(0o640).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0640", string(b))
}
