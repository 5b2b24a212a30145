// Package manager holds the device registry and drives each device's
// persistence mode and NUMA status.
//
// # Ordering
//
// A device's persistence mode must be enabled before its NUMA memory
// is onlined, and the memory must be offline before persistence is
// disabled. The combined operation therefore always changes the
// persistence mode first: enabling opens the device handle the driver
// needs to create the device files the NUMA code uses; disabling
// releases the handle, which the driver requires before memory can be
// offlined. When the NUMA step then fails, the persistence mode change
// is reverted once, best effort.
//
// # Concurrency
//
// Every operation runs under a single mutex, so no two requests
// interleave on any device.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/kernel"
	"github.com/frobware/go-persistenced/numa"
	"github.com/frobware/go-persistenced/nvcfg"
)

// ErrShutdown is returned for requests after Shutdown.
var ErrShutdown = errors.New("device manager is shut down")

// NumaCoordinator drives a device's NUMA memory.
type NumaCoordinator interface {
	Online(ctx context.Context) error
	Offline(ctx context.Context) error
	Close() error
}

// CoordinatorFactory returns the NUMA coordinator for a device.
type CoordinatorFactory func(addr persistenced.PCIAddress) NumaCoordinator

// NumaCoordinators builds coordinators that open device files with
// opener and do memory hotplug through hp.
func NumaCoordinators(opener kernel.Opener, hp numa.Hotplug, logger *slog.Logger) CoordinatorFactory {
	return func(addr persistenced.PCIAddress) NumaCoordinator {
		return numa.NewCoordinator(addr, opener, hp, logger)
	}
}

// Journal records state-changing requests.
type Journal interface {
	Record(ctx context.Context, t persistenced.Transition) error
	History(ctx context.Context, limit int) ([]persistenced.Transition, error)
}

// Options configures New.
type Options struct {
	// DefaultMode is applied to every device at startup. Enabled also
	// onlines NUMA memory.
	DefaultMode persistenced.PersistenceMode
	// Journal, when set, receives a record of every mutating request.
	Journal Journal
}

type device struct {
	addr   persistenced.PCIAddress
	mode   persistenced.PersistenceMode
	handle nvcfg.Handle
	status persistenced.NumaStatus
	numa   NumaCoordinator
	logger *slog.Logger
}

// Manager is the device registry.
type Manager struct {
	mu       sync.Mutex
	provider nvcfg.Provider
	devices  []*device
	index    map[persistenced.PCIAddress]*device
	journal  Journal
	logger   *slog.Logger
	shutdown bool
}

// New enumerates the provider's devices, registers each one disabled
// and offline, and then applies opts.DefaultMode. Failing to apply the
// default mode to a device is logged and does not fail New. Finding no
// devices does.
func New(ctx context.Context, provider nvcfg.Provider, coordinators CoordinatorFactory, opts Options, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = WithOpIDHandler(logger).With("component", "manager")

	addrs, err := provider.Devices()
	if err != nil {
		logger.ErrorContext(ctx, "failed to query NVIDIA devices; check that /dev/nvidia* exist and are accessible", "error", err)
		if persistenced.KindOf(err) == persistenced.KindUnknown {
			err = &persistenced.Error{Kind: persistenced.KindDriverFailure, Op: "query devices", Err: err}
		}
		return nil, err
	}
	if len(addrs) == 0 {
		logger.ErrorContext(ctx, "unable to find any NVIDIA devices")
		return nil, &persistenced.Error{Kind: persistenced.KindDeviceNotFound, Op: "query devices", Err: errors.New("no NVIDIA devices found")}
	}

	m := &Manager{
		provider: provider,
		index:    make(map[persistenced.PCIAddress]*device, len(addrs)),
		journal:  opts.Journal,
		logger:   logger,
	}

	for _, addr := range addrs {
		addr = addr.Key()
		if _, dup := m.index[addr]; dup {
			logger.WarnContext(ctx, "ignoring duplicate device", "device", addr.String())
			continue
		}
		d := &device{
			addr:   addr,
			mode:   persistenced.PersistenceDisabled,
			status: persistenced.NumaOffline,
			numa:   coordinators(addr),
			logger: logger.With("device", addr.String()),
		}
		m.devices = append(m.devices, d)
		m.index[addr] = d
		d.logger.DebugContext(ctx, "registered")
	}

	if opts.DefaultMode == persistenced.PersistenceEnabled {
		for _, d := range m.devices {
			if err := m.SetPersistenceMode(ctx, d.addr, opts.DefaultMode); err != nil {
				d.logger.WarnContext(ctx, "failed to apply default persistence mode", "mode", opts.DefaultMode, "error", err)
			}
		}
	}

	logger.InfoContext(ctx, "device registry ready", "devices", len(m.devices), "default_mode", opts.DefaultMode)
	return m, nil
}

// lookup returns the device at addr; the function is ignored. The
// caller holds m.mu.
func (m *Manager) lookup(op string, addr persistenced.PCIAddress) (*device, error) {
	if m.shutdown {
		return nil, &persistenced.Error{Kind: persistenced.KindUnknown, Op: op, Device: addr, Err: ErrShutdown}
	}
	d, ok := m.index[addr.Key()]
	if !ok {
		return nil, &persistenced.Error{
			Kind:   persistenced.KindDeviceNotFound,
			Op:     op,
			Device: addr,
			Err:    persistenced.ErrDeviceNotFound{Address: addr},
		}
	}
	return d, nil
}

// SetPersistenceMode changes the device's persistence mode and then
// moves its NUMA memory to the paired status. If the NUMA step fails
// after the mode changed, the mode is restored.
func (m *Manager) SetPersistenceMode(ctx context.Context, addr persistenced.PCIAddress, mode persistenced.PersistenceMode) (err error) {
	start := time.Now()
	defer func() { m.record(ctx, persistenced.OpSetPersistenceMode, addr, mode.String(), start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup("set persistence mode", addr)
	if err != nil {
		return err
	}
	if !mode.Valid() {
		return invalidMode(d, mode)
	}

	old := d.mode
	if err := m.setMode(ctx, d, mode); err != nil {
		return err
	}

	var undo undoStack
	if old != mode {
		undo.push(func() error { return m.setMode(ctx, d, old) })
	}

	if err := m.setNuma(ctx, d, mode.NumaTarget()); err != nil {
		if rerr := undo.rollback(d.logger); rerr != nil {
			d.logger.ErrorContext(ctx, "failed to restore persistence mode", "mode", old, "error", rerr)
		} else if len(undo) > 0 {
			d.logger.InfoContext(ctx, "restored persistence mode", "mode", old)
		}
		return err
	}
	return nil
}

// SetPersistenceModeOnly changes the persistence mode without
// touching NUMA memory.
func (m *Manager) SetPersistenceModeOnly(ctx context.Context, addr persistenced.PCIAddress, mode persistenced.PersistenceMode) (err error) {
	start := time.Now()
	defer func() { m.record(ctx, persistenced.OpSetPersistenceModeOnly, addr, mode.String(), start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup("set persistence mode", addr)
	if err != nil {
		return err
	}
	if !mode.Valid() {
		return invalidMode(d, mode)
	}
	return m.setMode(ctx, d, mode)
}

// SetNumaStatus onlines or offlines the device's NUMA memory without
// touching its persistence mode.
func (m *Manager) SetNumaStatus(ctx context.Context, addr persistenced.PCIAddress, status persistenced.NumaStatus) (err error) {
	start := time.Now()
	defer func() { m.record(ctx, persistenced.OpSetNumaStatus, addr, status.String(), start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup("set NUMA status", addr)
	if err != nil {
		return err
	}
	return m.setNuma(ctx, d, status)
}

// PersistenceMode returns the device's persistence mode.
func (m *Manager) PersistenceMode(addr persistenced.PCIAddress) (persistenced.PersistenceMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup("get persistence mode", addr)
	if err != nil {
		return persistenced.PersistenceDisabled, err
	}
	return d.mode, nil
}

// Device returns the state of the device at addr.
func (m *Manager) Device(addr persistenced.PCIAddress) (persistenced.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup("get device", addr)
	if err != nil {
		return persistenced.DeviceState{}, err
	}
	return d.state(), nil
}

// Devices returns the state of every device in registration order.
func (m *Manager) Devices() []persistenced.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]persistenced.DeviceState, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.state())
	}
	return out
}

// History returns up to limit journalled transitions, newest first.
// Without a journal it returns nothing.
func (m *Manager) History(ctx context.Context, limit int) ([]persistenced.Transition, error) {
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.History(ctx, limit)
}

func (d *device) state() persistenced.DeviceState {
	return persistenced.DeviceState{Address: d.addr, Mode: d.mode, Numa: d.status}
}

func invalidMode(d *device, mode persistenced.PersistenceMode) error {
	d.logger.Error("requested invalid persistence mode", "mode", int(mode))
	return persistenced.Errorf(persistenced.KindInvalidArgument, "set persistence mode", d.addr, "invalid mode %d", int(mode))
}

// setMode opens or closes the device handle. A failure leaves the
// mode unchanged.
func (m *Manager) setMode(ctx context.Context, d *device, mode persistenced.PersistenceMode) error {
	if mode == d.mode {
		d.logger.DebugContext(ctx, "already in requested persistence mode", "mode", mode)
		return nil
	}

	switch mode {
	case persistenced.PersistenceDisabled:
		if err := m.provider.Close(d.handle); err != nil {
			d.logger.ErrorContext(ctx, "failed to close", "error", err)
			return &persistenced.Error{Kind: persistenced.KindDriverFailure, Op: "disable persistence mode", Device: d.addr, Err: err}
		}
		d.handle = 0
	case persistenced.PersistenceEnabled:
		h, err := m.provider.Open(d.addr)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to open", "error", err)
			return &persistenced.Error{Kind: persistenced.KindDriverFailure, Op: "enable persistence mode", Device: d.addr, Err: err}
		}
		d.handle = h
	default:
		return invalidMode(d, mode)
	}

	d.mode = mode
	d.logger.DebugContext(ctx, "persistence mode changed", "mode", mode)
	return nil
}

// setNuma onlines or offlines the device's memory. A failure leaves
// the status unchanged; the driver may be left in a failed substate,
// which is logged by the coordinator.
func (m *Manager) setNuma(ctx context.Context, d *device, status persistenced.NumaStatus) error {
	if status == d.status {
		d.logger.DebugContext(ctx, "NUMA memory already in requested state", "status", status)
		return nil
	}

	var err error
	switch status {
	case persistenced.NumaOnline:
		err = d.numa.Online(ctx)
	case persistenced.NumaOffline:
		err = d.numa.Offline(ctx)
	default:
		d.logger.ErrorContext(ctx, "requested invalid NUMA status", "status", int(status))
		return persistenced.Errorf(persistenced.KindInvalidArgument, "set NUMA status", d.addr, "invalid NUMA status %d", int(status))
	}
	if err != nil {
		d.logger.ErrorContext(ctx, fmt.Sprintf("failed to %s memory", status), "error", err)
		if persistenced.KindOf(err) == persistenced.KindUnknown {
			err = &persistenced.Error{Kind: persistenced.KindNumaFailure, Op: "set NUMA status", Device: d.addr, Err: err}
		}
		return err
	}

	d.status = status
	d.logger.DebugContext(ctx, "NUMA memory state changed", "status", status)
	return nil
}

// record journals a finished request. Journal failures are logged
// and never affect the request's result.
func (m *Manager) record(ctx context.Context, op persistenced.Operation, addr persistenced.PCIAddress, value string, start time.Time, err error) {
	if m.journal == nil {
		return
	}
	t := persistenced.Transition{
		OpID:      OpIDFromContext(ctx),
		Operation: op,
		Device:    addr,
		Value:     value,
		Status:    persistenced.StatusOf(err),
		Started:   start,
		Duration:  time.Since(start),
	}
	if err != nil {
		t.Error = err.Error()
	}
	if jerr := m.journal.Record(ctx, t); jerr != nil {
		m.logger.WarnContext(ctx, "failed to journal transition", "operation", op, "device", addr.String(), "error", jerr)
	}
}

// Shutdown disables persistence on every device still holding a
// handle, which also offlines its NUMA memory, closes any device file
// left open, and releases the provider. Later requests fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}

	var errs []error
	for _, d := range m.devices {
		if d.mode != persistenced.PersistenceEnabled {
			continue
		}
		if err := m.setMode(ctx, d, persistenced.PersistenceDisabled); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.setNuma(ctx, d, persistenced.NumaOffline); err != nil {
			errs = append(errs, err)
		}
	}

	for _, d := range m.devices {
		if err := d.numa.Close(); err != nil {
			d.logger.WarnContext(ctx, "failed to close device file", "error", err)
			errs = append(errs, err)
		}
	}

	if err := m.provider.Release(); err != nil {
		m.logger.WarnContext(ctx, "failed to release device provider", "error", err)
		errs = append(errs, err)
	}

	m.shutdown = true
	m.logger.InfoContext(ctx, "device registry shut down")
	return errors.Join(errs...)
}
