package manager

import (
	"errors"
	"log/slog"
)

// undoStack accumulates rollback closures that run in reverse order
// when a multi-step device transition fails partway through. Each
// closure reverts one completed step, e.g. a persistence mode change.
type undoStack []func() error

func (u *undoStack) push(fn func() error) {
	*u = append(*u, fn)
}

// rollback runs every closure once, newest first, logging and
// collecting failures. A failed closure does not stop the others.
func (u undoStack) rollback(logger *slog.Logger) error {
	var errs []error
	for i := len(u) - 1; i >= 0; i-- {
		if err := u[i](); err != nil {
			logger.Error("rollback step failed", "step", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
