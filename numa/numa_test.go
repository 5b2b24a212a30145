package numa_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/hotplug"
	"github.com/frobware/go-persistenced/hotplug/hotplugtest"
	"github.com/frobware/go-persistenced/kernel"
	"github.com/frobware/go-persistenced/kernel/kerneltest"
	"github.com/frobware/go-persistenced/numa"
)

const blockSize = 0x8000000

var dev = persistenced.PCIAddress{Domain: 0, Bus: 0x35, Slot: 0}

func testLogger() *slog.Logger {
	if os.Getenv("PERSISTENCED_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHotplug records calls and returns canned results.
type fakeHotplug struct {
	probeErr      error
	allMovable    bool
	autoOnlineErr error
	onlineErr     error
	offlineErr    error
	retireErr     error

	probes  int
	changes []hotplug.State
	retired []uint64
}

func (f *fakeHotplug) Probe(context.Context, hotplug.Region) error {
	f.probes++
	return f.probeErr
}

func (f *fakeHotplug) CheckAutoOnline(context.Context, hotplug.Region) (bool, error) {
	return f.allMovable, f.autoOnlineErr
}

func (f *fakeHotplug) ChangeNodeState(_ context.Context, _ hotplug.Region, target hotplug.State) (hotplug.ChangeResult, error) {
	f.changes = append(f.changes, target)
	if target == hotplug.Online {
		return hotplug.ChangeResult{Target: target}, f.onlineErr
	}
	return hotplug.ChangeResult{Target: target}, f.offlineErr
}

func (f *fakeHotplug) RetirePages(_ context.Context, addrs []uint64) error {
	f.retired = append(f.retired, addrs...)
	return f.retireErr
}

func offlineInfo() kernel.NumaInfo {
	return kernel.NumaInfo{
		Node:      1,
		State:     kernel.NumaOffline,
		BlockSize: blockSize,
		Base:      4 * blockSize,
		Size:      4 * blockSize,
		Blacklist: []uint64{0x20001000},
	}
}

func setup(info kernel.NumaInfo, hp numa.Hotplug) (*numa.Coordinator, *kerneltest.Control, *kerneltest.Opener) {
	ctl := kerneltest.NewControl(info)
	opener := kerneltest.NewOpener()
	opener.Add(dev, ctl)
	return numa.NewCoordinator(dev, opener, hp, testLogger()), ctl, opener
}

func requireNumaFailure(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, persistenced.KindNumaFailure, persistenced.KindOf(err))
	assert.Equal(t, persistenced.StatusNumaFailure, persistenced.StatusOf(err))
}

func TestOnline(t *testing.T) {
	hp := &fakeHotplug{}
	c, ctl, _ := setup(offlineInfo(), hp)

	require.NoError(t, c.Online(context.Background()))

	assert.Equal(t, []kernel.NumaState{kernel.NumaOnlineInProgress, kernel.NumaOnline}, ctl.History())
	assert.Equal(t, 1, hp.probes)
	assert.Equal(t, []hotplug.State{hotplug.Online}, hp.changes)
	assert.Equal(t, []uint64{0x20001000}, hp.retired)
	assert.True(t, c.HoldsDescriptor())
	assert.False(t, ctl.IsClosed())
}

func TestOnline_AllMovableSkipsStateChange(t *testing.T) {
	hp := &fakeHotplug{allMovable: true}
	c, ctl, _ := setup(offlineInfo(), hp)

	require.NoError(t, c.Online(context.Background()))
	assert.Empty(t, hp.changes)
	assert.Equal(t, []uint64{0x20001000}, hp.retired)
	assert.Equal(t, kernel.NumaOnline, ctl.State())
}

func TestOnline_ReusesOpenDescriptor(t *testing.T) {
	c, ctl, opener := setup(offlineInfo(), &fakeHotplug{})

	require.NoError(t, c.Online(context.Background()))
	// Already online: nothing more to do, and no second open.
	require.NoError(t, c.Online(context.Background()))
	assert.Equal(t, 1, opener.Opens(dev))
	assert.Equal(t, []kernel.NumaState{kernel.NumaOnlineInProgress, kernel.NumaOnline}, ctl.History())
}

func TestOnline_FromFailedStates(t *testing.T) {
	for _, s := range []kernel.NumaState{kernel.NumaOnlineFailed, kernel.NumaOfflineFailed} {
		t.Run(s.String(), func(t *testing.T) {
			info := offlineInfo()
			info.State = s
			c, ctl, _ := setup(info, &fakeHotplug{})
			require.NoError(t, c.Online(context.Background()))
			assert.Equal(t, kernel.NumaOnline, ctl.State())
		})
	}
}

func TestOnline_NothingToDo(t *testing.T) {
	for _, s := range []kernel.NumaState{kernel.NumaDisabled, kernel.NumaOnline} {
		t.Run(s.String(), func(t *testing.T) {
			info := offlineInfo()
			info.State = s
			hp := &fakeHotplug{}
			c, ctl, _ := setup(info, hp)

			require.NoError(t, c.Online(context.Background()))
			assert.Empty(t, ctl.History())
			assert.Zero(t, hp.probes)
			assert.True(t, c.HoldsDescriptor())
		})
	}
}

func TestOnline_InProgressRejected(t *testing.T) {
	for _, s := range []kernel.NumaState{kernel.NumaOnlineInProgress, kernel.NumaOfflineInProgress} {
		t.Run(s.String(), func(t *testing.T) {
			info := offlineInfo()
			info.State = s
			hp := &fakeHotplug{}
			c, ctl, _ := setup(info, hp)

			err := c.Online(context.Background())
			requireNumaFailure(t, err)
			assert.ErrorIs(t, err, numa.ErrInvalidKernelState)
			assert.Empty(t, ctl.History())
			assert.Zero(t, hp.probes)
		})
	}
}

func TestOnline_InvalidDescriptor(t *testing.T) {
	tests := map[string]func(*kernel.NumaInfo){
		"negative node":   func(i *kernel.NumaInfo) { i.Node = -1 },
		"zero block size": func(i *kernel.NumaInfo) { i.BlockSize = 0 },
		"zero base":       func(i *kernel.NumaInfo) { i.Base = 0 },
		"zero size":       func(i *kernel.NumaInfo) { i.Size = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			info := offlineInfo()
			mutate(&info)
			c, ctl, _ := setup(info, &fakeHotplug{})

			err := c.Online(context.Background())
			requireNumaFailure(t, err)
			assert.ErrorIs(t, err, numa.ErrInvalidDescriptor)
			assert.Empty(t, ctl.History())
		})
	}
}

func TestOnline_OpenFailure(t *testing.T) {
	c, _, opener := setup(offlineInfo(), &fakeHotplug{})
	opener.OpenErr = os.ErrPermission

	err := c.Online(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.False(t, c.HoldsDescriptor())
}

func TestOnline_InfoFailureKeepsDescriptor(t *testing.T) {
	c, ctl, _ := setup(offlineInfo(), &fakeHotplug{})
	ctl.InfoErr = kerneltest.ErrInjected

	err := c.Online(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, kerneltest.ErrInjected)
	assert.True(t, c.HoldsDescriptor())
	assert.False(t, ctl.IsClosed())
}

func TestOnline_MarkInProgressFails(t *testing.T) {
	hp := &fakeHotplug{}
	c, ctl, _ := setup(offlineInfo(), hp)
	ctl.SetErr[kernel.NumaOnlineInProgress] = kerneltest.ErrInjected

	requireNumaFailure(t, c.Online(context.Background()))
	assert.Equal(t, []kernel.NumaState{kernel.NumaOnlineInProgress}, ctl.History())
	assert.Equal(t, kernel.NumaOffline, ctl.State())
	assert.Zero(t, hp.probes)
}

func TestOnline_Misaligned(t *testing.T) {
	info := offlineInfo()
	info.Size = 4*blockSize + 0x1000
	hp := &fakeHotplug{}
	c, ctl, _ := setup(info, hp)

	err := c.Online(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, hotplug.ErrMisaligned)
	assert.Zero(t, hp.probes)
	assert.Empty(t, hp.changes)
	assert.Equal(t, []kernel.NumaState{kernel.NumaOnlineInProgress, kernel.NumaOnlineFailed}, ctl.History())
}

func TestOnline_NoBlocksChanged(t *testing.T) {
	hp := &fakeHotplug{
		onlineErr: &hotplug.ShortfallError{
			Target:   hotplug.Online,
			Changed:  0,
			Required: 4,
			Bytes:    4 * blockSize,
		},
	}
	c, ctl, _ := setup(offlineInfo(), hp)

	err := c.Online(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, hotplug.ErrNoBlocksChanged)

	var short *hotplug.ShortfallError
	require.ErrorAs(t, err, &short)
	assert.EqualValues(t, 4, short.Blocks())

	// Whatever was onlined is offlined again before the failure is
	// recorded with the driver.
	assert.Equal(t, []hotplug.State{hotplug.Online, hotplug.Offline}, hp.changes)
	assert.Equal(t, []kernel.NumaState{
		kernel.NumaOnlineInProgress,
		kernel.NumaOfflineInProgress,
		kernel.NumaOffline,
		kernel.NumaOnlineFailed,
	}, ctl.History())
	assert.Equal(t, kernel.NumaOnlineFailed, ctl.State())

	assert.True(t, c.HoldsDescriptor())
	assert.False(t, ctl.IsClosed())
	assert.Empty(t, hp.retired)
}

func TestOnline_RollbackPerStage(t *testing.T) {
	withOffline := []kernel.NumaState{
		kernel.NumaOnlineInProgress,
		kernel.NumaOfflineInProgress,
		kernel.NumaOffline,
		kernel.NumaOnlineFailed,
	}
	markOnly := []kernel.NumaState{kernel.NumaOnlineInProgress, kernel.NumaOnlineFailed}

	tests := []struct {
		name        string
		hp          *fakeHotplug
		commitErr   bool
		transitions []kernel.NumaState
		wantErr     error
	}{
		{
			name:        "probe",
			hp:          &fakeHotplug{probeErr: kerneltest.ErrInjected},
			transitions: withOffline,
			wantErr:     kerneltest.ErrInjected,
		},
		{
			name:        "auto-online outside movable zone",
			hp:          &fakeHotplug{autoOnlineErr: hotplug.ErrAutoOnlineNotMovable},
			transitions: markOnly,
			wantErr:     hotplug.ErrAutoOnlineNotMovable,
		},
		{
			name:        "auto-online check",
			hp:          &fakeHotplug{autoOnlineErr: hotplug.ErrNotFound},
			transitions: markOnly,
			wantErr:     hotplug.ErrNotFound,
		},
		{
			name:        "page retirement",
			hp:          &fakeHotplug{retireErr: kerneltest.ErrInjected},
			transitions: withOffline,
			wantErr:     kerneltest.ErrInjected,
		},
		{
			name:      "commit",
			hp:        &fakeHotplug{},
			commitErr: true,
			transitions: []kernel.NumaState{
				kernel.NumaOnlineInProgress,
				kernel.NumaOnline,
				kernel.NumaOfflineInProgress,
				kernel.NumaOffline,
				kernel.NumaOnlineFailed,
			},
			wantErr: kerneltest.ErrInjected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ctl, _ := setup(offlineInfo(), tt.hp)
			if tt.commitErr {
				ctl.SetErr[kernel.NumaOnline] = kerneltest.ErrInjected
			}

			err := c.Online(context.Background())
			requireNumaFailure(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.transitions, ctl.History())
			assert.Equal(t, kernel.NumaOnlineFailed, ctl.State())
			assert.True(t, c.HoldsDescriptor())
		})
	}
}

func TestOnline_RollbackFailureStillReportsCause(t *testing.T) {
	hp := &fakeHotplug{
		onlineErr:  kerneltest.ErrInjected,
		offlineErr: errors.New("offline failed"),
	}
	c, ctl, _ := setup(offlineInfo(), hp)

	err := c.Online(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, kerneltest.ErrInjected)
	// The offline step failed and marked OfflineFailed; the final
	// step still records the failed online.
	assert.Equal(t, []kernel.NumaState{
		kernel.NumaOnlineInProgress,
		kernel.NumaOfflineInProgress,
		kernel.NumaOfflineFailed,
		kernel.NumaOnlineFailed,
	}, ctl.History())
}

func TestAutoOnline(t *testing.T) {
	info := offlineInfo()
	info.UseAutoOnline = true
	hp := &fakeHotplug{}
	c, ctl, _ := setup(info, hp)

	require.NoError(t, c.Online(context.Background()))
	assert.True(t, c.AutoOnline())
	assert.Zero(t, hp.probes)
	assert.Empty(t, ctl.History())

	require.NoError(t, c.Offline(context.Background()))
	assert.Empty(t, ctl.History())
	assert.Empty(t, hp.changes)
	assert.True(t, ctl.IsClosed())
	assert.False(t, c.HoldsDescriptor())
	assert.False(t, c.AutoOnline())
}

func TestOffline(t *testing.T) {
	hp := &fakeHotplug{}
	c, ctl, _ := setup(offlineInfo(), hp)
	require.NoError(t, c.Online(context.Background()))

	require.NoError(t, c.Offline(context.Background()))
	assert.Equal(t, []kernel.NumaState{
		kernel.NumaOnlineInProgress,
		kernel.NumaOnline,
		kernel.NumaOfflineInProgress,
		kernel.NumaOffline,
	}, ctl.History())
	assert.Equal(t, []hotplug.State{hotplug.Online, hotplug.Offline}, hp.changes)
	assert.True(t, ctl.IsClosed())
	assert.False(t, c.HoldsDescriptor())
}

func TestOffline_NoDescriptor(t *testing.T) {
	c, ctl, _ := setup(offlineInfo(), &fakeHotplug{})

	err := c.Offline(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, numa.ErrNoDescriptor)
	assert.Empty(t, ctl.History())
}

func TestOffline_AlreadyOffline(t *testing.T) {
	info := offlineInfo()
	info.State = kernel.NumaDisabled
	c, ctl, _ := setup(info, &fakeHotplug{})
	require.NoError(t, c.Online(context.Background()))

	require.NoError(t, c.Offline(context.Background()))
	assert.Empty(t, ctl.History())
	assert.True(t, ctl.IsClosed())
}

func TestOffline_FailureKeepsDescriptor(t *testing.T) {
	hp := &fakeHotplug{offlineErr: kerneltest.ErrInjected}
	c, ctl, _ := setup(offlineInfo(), hp)
	require.NoError(t, c.Online(context.Background()))

	err := c.Offline(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, kerneltest.ErrInjected)
	assert.Equal(t, kernel.NumaOfflineFailed, ctl.State())
	assert.True(t, c.HoldsDescriptor())
	assert.False(t, ctl.IsClosed())

	// A later attempt starts from OfflineFailed.
	hp.offlineErr = nil
	require.NoError(t, c.Offline(context.Background()))
	assert.Equal(t, kernel.NumaOffline, ctl.State())
	assert.True(t, ctl.IsClosed())
}

func TestOffline_OfflineInProgressRejected(t *testing.T) {
	c, ctl, _ := setup(offlineInfo(), &fakeHotplug{})
	require.NoError(t, c.Online(context.Background()))
	ctl.Info.State = kernel.NumaOfflineInProgress

	err := c.Offline(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, numa.ErrInvalidKernelState)
	assert.True(t, c.HoldsDescriptor())
}

func TestClose(t *testing.T) {
	c, ctl, _ := setup(offlineInfo(), &fakeHotplug{})
	require.NoError(t, c.Close())

	require.NoError(t, c.Online(context.Background()))
	require.NoError(t, c.Close())
	assert.True(t, ctl.IsClosed())
	assert.False(t, c.HoldsDescriptor())
	// NUMA state is left as it was.
	assert.Equal(t, kernel.NumaOnline, ctl.State())
}

// TestOnlineOffline_Sysfs drives the real hotplug controller against
// an in-memory sysfs.
func TestOnlineOffline_Sysfs(t *testing.T) {
	sysfs := hotplugtest.New()
	sysfs.AddNode(1)
	sysfs.EnableProbe(1, blockSize)
	sysfs.EnableHardOffline()

	hp := hotplug.New(sysfs, hotplugtest.Root, testLogger())
	c, ctl, _ := setup(offlineInfo(), hp)

	require.NoError(t, c.Online(context.Background()))
	assert.Equal(t, kernel.NumaOnline, ctl.State())
	for id := uint32(4); id <= 7; id++ {
		assert.Equal(t, "online_movable", sysfs.State(id), "memory%d", id)
	}
	assert.Equal(t, []uint32{7, 6, 5, 4}, sysfs.StateWrites())
	assert.Equal(t, []string{"0x20001000"}, sysfs.WritesTo(hotplugtest.HardOfflinePath()))
	assert.Equal(t, []string{"0x20000000", "0x28000000", "0x30000000", "0x38000000"},
		sysfs.WritesTo(hotplugtest.ProbePath()))

	require.NoError(t, c.Offline(context.Background()))
	assert.Equal(t, kernel.NumaOffline, ctl.State())
	for id := uint32(4); id <= 7; id++ {
		assert.Equal(t, "offline", sysfs.State(id), "memory%d", id)
	}
	assert.Equal(t, []uint32{7, 6, 5, 4, 4, 5, 6, 7}, sysfs.StateWrites())
}

func TestOnline_SysfsStateWriteRejected(t *testing.T) {
	sysfs := hotplugtest.New()
	sysfs.AddBlocks(1, 4, 7, "offline", "Movable")
	sysfs.OnWrite = func(path, data string) error {
		if data == "online_movable" {
			return &os.PathError{Op: "write", Path: path, Err: errors.New("device or resource busy")}
		}
		return nil
	}

	hp := hotplug.New(sysfs, hotplugtest.Root, testLogger())
	c, ctl, _ := setup(offlineInfo(), hp)

	err := c.Online(context.Background())
	requireNumaFailure(t, err)
	assert.ErrorIs(t, err, hotplug.ErrNoBlocksChanged)
	assert.Equal(t, kernel.NumaOnlineFailed, ctl.State())
	assert.True(t, c.HoldsDescriptor())
	for id := uint32(4); id <= 7; id++ {
		assert.Equal(t, "offline", sysfs.State(id))
	}
}
