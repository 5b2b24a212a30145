package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// RuntimeDirs holds the daemon's runtime paths:
//
//	{base}/                          - runtime root
//	{base}/socket                    - control socket
//	{base}/nvidia-persistenced.pid   - PID file, held locked while running
//	{base}/journal.db                - transition journal
//
// Fields are unexported; use NewRuntimeDirs.
type RuntimeDirs struct {
	base    string
	socket  string
	pidFile string
	journal string
}

// DefaultRuntimeDir is the production runtime root.
const DefaultRuntimeDir = "/var/run/nvidia-persistenced"

// DefaultRuntimeDirs returns RuntimeDirs rooted at DefaultRuntimeDir.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeDir)
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs derives all runtime paths from base, which must be
// an absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base:    base,
		socket:  filepath.Join(base, "socket"),
		pidFile: filepath.Join(base, "nvidia-persistenced.pid"),
		journal: filepath.Join(base, "journal.db"),
	}, nil
}

// Base returns the runtime root.
func (d RuntimeDirs) Base() string { return d.base }

// SocketPath returns the control socket path.
func (d RuntimeDirs) SocketPath() string { return d.socket }

// PIDFile returns the PID file path.
func (d RuntimeDirs) PIDFile() string { return d.pidFile }

// JournalPath returns the journal database path.
func (d RuntimeDirs) JournalPath() string { return d.journal }

// EnsureDirectories creates the runtime root. The directory is world
// searchable so unprivileged tools can reach the socket.
func (d RuntimeDirs) EnsureDirectories() error {
	if err := os.MkdirAll(d.base, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.base, err)
	}
	return nil
}

// WithSocketPath returns a copy of d whose control socket is path.
func (d RuntimeDirs) WithSocketPath(path string) RuntimeDirs {
	if path != "" {
		d.socket = filepath.Clean(path)
	}
	return d
}
