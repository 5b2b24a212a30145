// Package numa coordinates a device's NUMA memory lifecycle: it reads
// the driver's NUMA descriptor, sequences the memory hotplug work and
// keeps the driver's NUMA state machine consistent when a step fails.
package numa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/hotplug"
	"github.com/frobware/go-persistenced/kernel"
)

var (
	// ErrNoDescriptor is returned when offlining a device whose
	// control file is not open.
	ErrNoDescriptor = errors.New("no open device file")

	// ErrInvalidKernelState is returned when the driver reports a
	// NUMA state the requested transition cannot start from.
	ErrInvalidKernelState = errors.New("invalid driver NUMA state")

	// ErrInvalidDescriptor is returned when the driver's NUMA
	// descriptor is incomplete.
	ErrInvalidDescriptor = errors.New("invalid driver NUMA descriptor")
)

// Hotplug is the memory hotplug work the coordinator drives.
type Hotplug interface {
	Probe(ctx context.Context, r hotplug.Region) error
	CheckAutoOnline(ctx context.Context, r hotplug.Region) (bool, error)
	ChangeNodeState(ctx context.Context, r hotplug.Region, target hotplug.State) (hotplug.ChangeResult, error)
	RetirePages(ctx context.Context, addrs []uint64) error
}

// Coordinator manages the NUMA memory of one device. The control file
// is opened on the first online attempt and held until an offline
// completes; a failed transition in either direction keeps it open.
//
// A Coordinator is not safe for concurrent use.
type Coordinator struct {
	addr    persistenced.PCIAddress
	opener  kernel.Opener
	hotplug Hotplug
	logger  *slog.Logger

	ctl        kernel.Control
	autoOnline bool
}

// NewCoordinator returns a Coordinator for the device at addr.
func NewCoordinator(addr persistenced.PCIAddress, opener kernel.Opener, hp Hotplug, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = discardLogger
	}
	return &Coordinator{
		addr:    addr,
		opener:  opener,
		hotplug: hp,
		logger:  logger.With("component", "numa", "device", addr.String()),
	}
}

// HoldsDescriptor reports whether the device's control file is open.
func (c *Coordinator) HoldsDescriptor() bool {
	return c.ctl != nil
}

// AutoOnline reports whether the driver manages onlining itself, as
// of the last descriptor read.
func (c *Coordinator) AutoOnline() bool {
	return c.autoOnline
}

func (c *Coordinator) fail(op string, err error) error {
	return &persistenced.Error{Kind: persistenced.KindNumaFailure, Op: op, Device: c.addr, Err: err}
}

// Online brings the device's NUMA memory online.
func (c *Coordinator) Online(ctx context.Context) error {
	const op = "online NUMA memory"

	if c.ctl == nil {
		ctl, err := c.opener.Open(c.addr)
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to open device file", "error", err)
			return c.fail(op, err)
		}
		c.ctl = ctl
	}
	ctl := c.ctl

	info, err := ctl.NumaInfo()
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get device NUMA info", "error", err)
		return c.fail(op, err)
	}

	if info.UseAutoOnline {
		c.autoOnline = true
		c.logger.InfoContext(ctx, "driver manages NUMA memory onlining")
		return nil
	}
	c.autoOnline = false

	switch info.State {
	case kernel.NumaOffline, kernel.NumaOnlineFailed, kernel.NumaOfflineFailed:
	case kernel.NumaDisabled, kernel.NumaOnline:
		c.logger.DebugContext(ctx, "no NUMA memory to online", "state", info.State)
		return nil
	default:
		c.logger.ErrorContext(ctx, "device NUMA status is invalid", "state", info.State)
		return c.fail(op, fmt.Errorf("%w: %s", ErrInvalidKernelState, info.State))
	}

	if !info.Valid() {
		c.logger.ErrorContext(ctx, "invalid device NUMA info",
			"nid", info.Node, "block_size", hex(info.BlockSize),
			"base", hex(info.Base), "size", hex(info.Size))
		return c.fail(op, fmt.Errorf("%w: node %d, block size %s, base %s, size %s",
			ErrInvalidDescriptor, info.Node, hex(info.BlockSize), hex(info.Base), hex(info.Size)))
	}

	region := hotplug.Region{
		Node:      int(info.Node),
		Base:      info.Base,
		Size:      info.Size,
		BlockSize: info.BlockSize,
	}

	if err := ctl.SetNumaState(kernel.NumaOnlineInProgress); err != nil {
		c.logger.ErrorContext(ctx, "failed to set device NUMA status", "state", kernel.NumaOnlineInProgress, "error", err)
		return c.fail(op, err)
	}

	if stage, err := c.online(ctx, ctl, region, info.Blacklist); err != nil {
		if rerr := c.rollbackOnline(ctx, ctl, stage); rerr != nil {
			c.logger.ErrorContext(ctx, "rollback after failed online incomplete", "stage", stage, "error", rerr)
		}
		return c.fail(op, err)
	}

	c.logger.InfoContext(ctx, "memory onlining completed", "node", region.Node, "size", hex(region.Size))
	return nil
}

// online runs the steps after the driver is marked OnlineInProgress
// and reports the stage that failed.
func (c *Coordinator) online(ctx context.Context, ctl kernel.Control, r hotplug.Region, blacklist []uint64) (onlineStage, error) {
	if !r.Aligned() {
		c.logger.ErrorContext(ctx, "onlining range is not aligned to memory block size",
			"base", hex(r.Base), "size", hex(r.Size), "block_size", hex(r.BlockSize))
		return stageMarked, hotplug.ErrMisaligned
	}

	if err := c.hotplug.Probe(ctx, r); err != nil {
		c.logger.ErrorContext(ctx, "probing memory failed", "error", err)
		return stageProbe, err
	}

	allMovable, err := c.hotplug.CheckAutoOnline(ctx, r)
	if err != nil {
		if errors.Is(err, hotplug.ErrAutoOnlineNotMovable) {
			c.logger.WarnContext(ctx, "device memory was auto-onlined outside the movable zone, not changing node state", "error", err)
		} else {
			c.logger.ErrorContext(ctx, "failed to check if probed memory has been auto-onlined", "error", err)
		}
		return stageAutoOnlineCheck, err
	}

	if allMovable {
		c.logger.InfoContext(ctx, "all device NUMA memory onlined and movable")
	} else {
		res, err := c.hotplug.ChangeNodeState(ctx, r, hotplug.Online)
		if err != nil {
			c.logger.ErrorContext(ctx, "changing node state failed", "node", r.Node, "target", hotplug.Online, "error", err)
			return stageStateChange, err
		}
		c.logger.DebugContext(ctx, "node memory online", "node", r.Node,
			"flipped", res.Flipped, "already_online", res.AlreadyInState)
	}

	if err := c.hotplug.RetirePages(ctx, blacklist); err != nil {
		c.logger.ErrorContext(ctx, "offlining blacklisted pages failed", "error", err)
		return stageRetire, err
	}

	if err := ctl.SetNumaState(kernel.NumaOnline); err != nil {
		c.logger.ErrorContext(ctx, "failed to set device NUMA status", "state", kernel.NumaOnline, "error", err)
		return stageCommit, err
	}
	return stageCommit, nil
}

// Offline takes the device's NUMA memory offline and, on success,
// closes the control file.
func (c *Coordinator) Offline(ctx context.Context) error {
	const op = "offline NUMA memory"

	if c.ctl == nil {
		c.logger.ErrorContext(ctx, "no file descriptor")
		return c.fail(op, ErrNoDescriptor)
	}

	if !c.autoOnline {
		if err := c.offlineMemory(ctx, c.ctl); err != nil {
			// The device file stays open so the device is not torn
			// down while its memory may still be in use.
			c.logger.ErrorContext(ctx, "failed to offline memory", "error", err)
			return c.fail(op, err)
		}
	}

	c.release(ctx)
	return nil
}

// offlineMemory drives the driver and the hotplug controller from
// any onlined or failed state to Offline.
func (c *Coordinator) offlineMemory(ctx context.Context, ctl kernel.Control) error {
	info, err := ctl.NumaInfo()
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get device NUMA info", "error", err)
		return err
	}

	switch info.State {
	case kernel.NumaDisabled, kernel.NumaOffline:
		return nil
	case kernel.NumaOnline, kernel.NumaOnlineFailed, kernel.NumaOfflineFailed, kernel.NumaOnlineInProgress:
		// An online in progress means an earlier online was cut short.
	default:
		c.logger.ErrorContext(ctx, "NUMA status is invalid", "state", info.State)
		return fmt.Errorf("%w: %s", ErrInvalidKernelState, info.State)
	}

	if err := ctl.SetNumaState(kernel.NumaOfflineInProgress); err != nil {
		c.logger.ErrorContext(ctx, "failed to set NUMA status", "state", kernel.NumaOfflineInProgress, "error", err)
		return err
	}

	r := hotplug.Region{
		Node:      int(info.Node),
		Base:      info.Base,
		Size:      info.Size,
		BlockSize: info.BlockSize,
	}
	if _, err := c.hotplug.ChangeNodeState(ctx, r, hotplug.Offline); err != nil {
		c.logger.ErrorContext(ctx, "changing node state failed", "node", r.Node, "target", hotplug.Offline, "error", err)
		if serr := ctl.SetNumaState(kernel.NumaOfflineFailed); serr != nil {
			c.logger.ErrorContext(ctx, "failed to set NUMA status", "state", kernel.NumaOfflineFailed, "error", serr)
		}
		return err
	}

	if err := ctl.SetNumaState(kernel.NumaOffline); err != nil {
		c.logger.ErrorContext(ctx, "failed to set NUMA status", "state", kernel.NumaOffline, "error", err)
		return err
	}

	c.logger.InfoContext(ctx, "memory offlining completed", "node", r.Node)
	return nil
}

func (c *Coordinator) release(ctx context.Context) {
	if err := c.ctl.Close(); err != nil {
		c.logger.WarnContext(ctx, "failed to close device file", "error", err)
	}
	c.ctl = nil
	c.autoOnline = false
}

// Close releases the control file without touching NUMA state. It is
// used at shutdown after devices have been disabled.
func (c *Coordinator) Close() error {
	if c.ctl == nil {
		return nil
	}
	err := c.ctl.Close()
	c.ctl = nil
	return err
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
