// Package hotplugtest builds in-memory sysfs trees for exercising the
// memory hotplug controller.
package hotplugtest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Root is where the fake sysfs is mounted.
const Root = "/sys"

// Write is one write to a sysfs attribute.
type Write struct {
	Path string
	Data string
}

// Sysfs is an afero.Fs over a MemMapFs that records writes and lets
// tests intercept them, much as the kernel rejects a write to a
// sysfs attribute.
type Sysfs struct {
	afero.Fs

	mu     sync.Mutex
	writes []Write

	// OnWrite, when set, runs before data is stored. A non-nil error
	// fails the write and leaves the file untouched.
	OnWrite func(path, data string) error
}

// New returns an empty sysfs with the memory and node directories in
// place.
func New() *Sysfs {
	s := &Sysfs{Fs: afero.NewMemMapFs()}
	must(s.Fs.MkdirAll(MemoryDir(), 0755))
	must(s.Fs.MkdirAll(filepath.Join(Root, "devices", "system", "node"), 0755))
	return s
}

// MemoryDir is the memory block directory.
func MemoryDir() string {
	return filepath.Join(Root, "devices", "system", "memory")
}

// NodeDir is the directory of a NUMA node.
func NodeDir(node int) string {
	return filepath.Join(Root, "devices", "system", "node", fmt.Sprintf("node%d", node))
}

// BlockDir is the directory of a memory block.
func BlockDir(id uint32) string {
	return filepath.Join(MemoryDir(), fmt.Sprintf("memory%d", id))
}

// StatePath is the state attribute of a memory block.
func StatePath(id uint32) string {
	return filepath.Join(BlockDir(id), "state")
}

// ProbePath is the memory probe attribute.
func ProbePath() string {
	return filepath.Join(MemoryDir(), "probe")
}

// HardOfflinePath is the page retirement attribute.
func HardOfflinePath() string {
	return filepath.Join(MemoryDir(), "hard_offline_page")
}

// AddBlock creates a memory block with the given state and valid
// zones and links it into node.
func (s *Sysfs) AddBlock(node int, id uint32, state, zones string) {
	must(s.Fs.MkdirAll(BlockDir(id), 0755))
	must(afero.WriteFile(s.Fs, StatePath(id), []byte(state+"\n"), 0644))
	must(afero.WriteFile(s.Fs, filepath.Join(BlockDir(id), "valid_zones"), []byte(zones+"\n"), 0444))
	must(s.Fs.MkdirAll(filepath.Join(NodeDir(node), fmt.Sprintf("memory%d", id)), 0755))
}

// AddBlocks adds blocks first through last inclusive.
func (s *Sysfs) AddBlocks(node int, first, last uint32, state, zones string) {
	for id := first; id <= last; id++ {
		s.AddBlock(node, id, state, zones)
	}
}

// AddNode creates an empty node directory.
func (s *Sysfs) AddNode(node int) {
	must(s.Fs.MkdirAll(NodeDir(node), 0755))
}

// EnableProbe creates the probe file. Each probe write creates the
// corresponding memory block, offline, in node.
func (s *Sysfs) EnableProbe(node int, blockSize uint64) {
	must(afero.WriteFile(s.Fs, ProbePath(), nil, 0200))
	prev := s.OnWrite
	s.OnWrite = func(path, data string) error {
		if path == ProbePath() {
			var addr uint64
			if _, err := fmt.Sscanf(data, "0x%x", &addr); err != nil {
				return &os.PathError{Op: "write", Path: path, Err: os.ErrInvalid}
			}
			id := uint32(addr / blockSize)
			if _, err := s.Fs.Stat(BlockDir(id)); err == nil {
				return &os.PathError{Op: "write", Path: path, Err: os.ErrExist}
			}
			s.AddBlock(node, id, "offline", "Movable")
		}
		if prev != nil {
			return prev(path, data)
		}
		return nil
	}
}

// EnableHardOffline creates the page retirement file.
func (s *Sysfs) EnableHardOffline() {
	must(afero.WriteFile(s.Fs, HardOfflinePath(), nil, 0200))
}

// State returns the trimmed contents of a block's state file.
func (s *Sysfs) State(id uint32) string {
	data, err := afero.ReadFile(s.Fs, StatePath(id))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Writes returns the writes seen so far.
func (s *Sysfs) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// WritesTo returns the data written to path, in order.
func (s *Sysfs) WritesTo(path string) []string {
	var out []string
	for _, w := range s.Writes() {
		if w.Path == path {
			out = append(out, w.Data)
		}
	}
	return out
}

// StateWrites returns the block ids whose state attribute was
// written, in order.
func (s *Sysfs) StateWrites() []uint32 {
	var ids []uint32
	for _, w := range s.Writes() {
		if filepath.Base(w.Path) != "state" {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(filepath.Base(filepath.Dir(w.Path)), "memory%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// OpenFile wraps writable files so writes are recorded and may be
// intercepted. Truncation is deferred until a write is accepted so a
// rejected write leaves the attribute unchanged.
func (s *Sysfs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return s.Fs.OpenFile(name, flag, perm)
	}
	f, err := s.Fs.OpenFile(name, flag&^os.O_TRUNC, perm)
	if err != nil {
		return nil, err
	}
	return &file{File: f, sysfs: s, path: name, trunc: flag&os.O_TRUNC != 0}, nil
}

type file struct {
	afero.File
	sysfs *Sysfs
	path  string
	trunc bool
}

func (f *file) Write(p []byte) (int, error) {
	s := f.sysfs
	s.mu.Lock()
	s.writes = append(s.writes, Write{Path: f.path, Data: string(p)})
	hook := s.OnWrite
	s.mu.Unlock()

	if hook != nil {
		if err := hook(f.path, string(p)); err != nil {
			return 0, err
		}
	}
	if f.trunc {
		if err := f.File.Truncate(0); err != nil {
			return 0, err
		}
		f.trunc = false
	}
	return f.File.Write(p)
}

func (f *file) WriteString(str string) (int, error) {
	return f.Write([]byte(str))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
