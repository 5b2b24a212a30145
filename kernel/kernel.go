package kernel

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-persistenced"
)

// NumaInfo is the NUMA descriptor the driver reports for a device.
type NumaInfo struct {
	Node          int32
	State         NumaState
	BlockSize     uint64
	Base          uint64
	Size          uint64
	UseAutoOnline bool
	// Blacklist holds physical page addresses to retire once the
	// memory is online.
	Blacklist []uint64
}

// Valid reports whether the descriptor names a node and a non-empty,
// block-sized region.
func (n NumaInfo) Valid() bool {
	return n.Node >= 0 && n.BlockSize != 0 && n.Base != 0 && n.Size != 0
}

// Control is an open handle on a device's character file.
type Control interface {
	// NumaInfo queries the device's NUMA descriptor.
	NumaInfo() (NumaInfo, error)
	// SetNumaState moves the driver's NUMA state.
	SetNumaState(NumaState) error
	// Close releases the handle.
	Close() error
}

// Opener opens the control file of a device.
type Opener interface {
	Open(addr persistenced.PCIAddress) (Control, error)
}

// DeviceOpener resolves /proc/driver/nvidia/gpus/<addr>/information to
// a device minor number and opens /dev/nvidia<minor>.
type DeviceOpener struct {
	procfs   afero.Fs
	procRoot string
	devRoot  string
	logger   *slog.Logger
}

// NewDeviceOpener returns an Opener reading procfs under procRoot
// through procfs and opening device files under devRoot.
func NewDeviceOpener(procfs afero.Fs, procRoot, devRoot string, logger *slog.Logger) *DeviceOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceOpener{
		procfs:   procfs,
		procRoot: procRoot,
		devRoot:  devRoot,
		logger:   logger.With("component", "kernel"),
	}
}

// InformationPath returns the driver's procfs information file for
// addr.
func (o *DeviceOpener) InformationPath(addr persistenced.PCIAddress) string {
	return filepath.Join(o.procRoot, "driver", "nvidia", "gpus", addr.String(), "information")
}

// Minor returns the device minor number recorded by the driver.
func (o *DeviceOpener) Minor(addr persistenced.PCIAddress) (int, error) {
	path := o.InformationPath(addr)
	data, err := afero.ReadFile(o.procfs, path)
	if err != nil {
		return 0, fmt.Errorf("read device information: %w", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "Device Minor:") {
			continue
		}
		field := strings.TrimSpace(line[strings.LastIndexByte(line, ':')+1:])
		minor, err := strconv.Atoi(field)
		if err != nil || minor < 0 {
			return 0, fmt.Errorf("%s: invalid device minor %q", path, field)
		}
		return minor, nil
	}
	return 0, fmt.Errorf("%s: no device minor number", path)
}

// DevicePath returns the character file for addr.
func (o *DeviceOpener) DevicePath(addr persistenced.PCIAddress) (string, error) {
	minor, err := o.Minor(addr)
	if err != nil {
		return "", err
	}
	return filepath.Join(o.devRoot, "nvidia"+strconv.Itoa(minor)), nil
}

// Open opens the device's character file read-write.
func (o *DeviceOpener) Open(addr persistenced.PCIAddress) (Control, error) {
	path, err := o.DevicePath(addr)
	if err != nil {
		o.logger.Error("failed to locate device file", "device", addr, "error", err)
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		o.logger.Error("failed to open device file", "device", addr, "path", path, "error", err)
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	o.logger.Debug("opened device file", "device", addr, "path", path, "fd", fd)
	return &fileControl{fd: fd, path: path}, nil
}
