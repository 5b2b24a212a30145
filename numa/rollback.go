package numa

import (
	"context"
	"errors"
	"log/slog"

	"github.com/frobware/go-persistenced/kernel"
)

// onlineStage is how far an online attempt got before failing.
type onlineStage int

const (
	// stageQuery covers everything before the driver is told an
	// online is in progress. Nothing needs undoing.
	stageQuery onlineStage = iota
	// stageMarked: the driver state is OnlineInProgress.
	stageMarked
	// stageProbe: blocks may have been probed.
	stageProbe
	// stageAutoOnlineCheck: the auto-online check ran; nothing was
	// onlined by us.
	stageAutoOnlineCheck
	// stageStateChange: blocks may have been onlined.
	stageStateChange
	// stageRetire: memory is online, page retirement failed.
	stageRetire
	// stageCommit: memory is online, marking it so failed.
	stageCommit
)

func (s onlineStage) String() string {
	switch s {
	case stageQuery:
		return "query"
	case stageMarked:
		return "marked"
	case stageProbe:
		return "probe"
	case stageAutoOnlineCheck:
		return "auto-online check"
	case stageStateChange:
		return "state change"
	case stageRetire:
		return "page retirement"
	case stageCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// rollbackStep undoes part of a failed online.
type rollbackStep int

const (
	// stepOffline offlines whatever memory was onlined.
	stepOffline rollbackStep = iota
	// stepMarkFailed leaves the driver in OnlineFailed.
	stepMarkFailed
)

func (s rollbackStep) String() string {
	if s == stepOffline {
		return "offline memory"
	}
	return "mark online failed"
}

// onlineRollback lists, per failing stage, the steps that return the
// device to a well-defined driver state. Steps run in order.
var onlineRollback = map[onlineStage][]rollbackStep{
	stageQuery:           nil,
	stageMarked:          {stepMarkFailed},
	stageProbe:           {stepOffline, stepMarkFailed},
	stageAutoOnlineCheck: {stepMarkFailed},
	stageStateChange:     {stepOffline, stepMarkFailed},
	stageRetire:          {stepOffline, stepMarkFailed},
	stageCommit:          {stepOffline, stepMarkFailed},
}

// rollbackOnline runs the steps for stage once each. Failures are
// logged and collected; they never trigger further rollback.
func (c *Coordinator) rollbackOnline(ctx context.Context, ctl kernel.Control, stage onlineStage) error {
	var errs []error
	for _, step := range onlineRollback[stage] {
		var err error
		switch step {
		case stepOffline:
			err = c.offlineMemory(ctx, ctl)
		case stepMarkFailed:
			err = ctl.SetNumaState(kernel.NumaOnlineFailed)
		}
		if err != nil {
			c.logger.ErrorContext(ctx, "rollback step failed", "stage", stage, "step", step, "error", err)
			errs = append(errs, err)
			continue
		}
		c.logger.DebugContext(ctx, "rollback step completed", "stage", stage, "step", step)
	}
	return errors.Join(errs...)
}

// discardLogger is used when no logger is supplied.
var discardLogger = slog.New(slog.DiscardHandler)
