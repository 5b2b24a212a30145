// Package lock holds the daemon's PID file under an exclusive flock(2)
// so that only one instance manages the devices at a time.
//
// The lock is taken with LOCK_EX|LOCK_NB. Acquire retries with
// exponential backoff until ctx is done; TryAcquire fails at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned when another process holds the PID file lock.
var ErrHeld = errors.New("another instance holds the PID file lock")

// PIDFile is a locked PID file. The lock is released by Release or
// when the process exits.
type PIDFile struct {
	path string
	f    *os.File
}

// TryAcquire opens path, takes the lock without waiting and records
// the current pid.
func TryAcquire(path string) (*PIDFile, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrHeld)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return finish(path, f)
}

// Acquire is TryAcquire with backoff while another process holds the
// lock. It gives up when ctx is done.
func Acquire(ctx context.Context, path string) (*PIDFile, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return finish(path, f)
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	return f, nil
}

func finish(path string, f *os.File) (*PIDFile, error) {
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return &PIDFile{path: path, f: f}, nil
}

// Path returns the PID file path.
func (p *PIDFile) Path() string { return p.path }

// Release removes the PID file and drops the lock. The file is removed
// while still locked so a new instance cannot lock a file that is
// about to disappear.
func (p *PIDFile) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove PID file: %w", err))
	}
	if err := unix.Flock(int(p.f.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock PID file: %w", err))
	}
	if err := p.f.Close(); err != nil {
		errs = append(errs, err)
	}
	p.f = nil
	return errors.Join(errs...)
}

// ReadPID returns the pid recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID file %s: %w", path, err)
	}
	return pid, nil
}
