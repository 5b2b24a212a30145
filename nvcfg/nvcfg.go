// Package nvcfg is the device capability provider: it enumerates
// NVIDIA devices and opens or closes the driver-level handle that
// keeps a device's resources allocated.
package nvcfg

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/config"
)

// Handle is an opaque device handle returned by Open.
type Handle uintptr

// Provider enumerates devices and manages their handles.
type Provider interface {
	// Devices lists the devices present on the system. The PCI
	// function is always zero.
	Devices() ([]persistenced.PCIAddress, error)
	// Open acquires a handle on the device at addr.
	Open(addr persistenced.PCIAddress) (Handle, error)
	// Close releases a handle returned by Open.
	Close(h Handle) error
	// Release unloads the provider. Handles must be closed first.
	Release() error
}

// ErrClosed is returned for a handle the provider does not know.
var ErrClosed = errors.New("device handle not open")

// New returns the provider named by cfg.Daemon.Provider.
func New(cfg config.Config, logger *slog.Logger) (Provider, error) {
	switch cfg.Daemon.Provider {
	case config.ProviderDynamic, "":
		return Load(cfg.Daemon.NvidiaCfgPath, logger)
	case config.ProviderFake:
		addrs, err := cfg.FakeDevices()
		if err != nil {
			return nil, err
		}
		logger.Info("using fake device provider", "component", "nvcfg", "devices", len(addrs))
		return NewFake(addrs...), nil
	default:
		return nil, fmt.Errorf("unknown device provider %q", cfg.Daemon.Provider)
	}
}
