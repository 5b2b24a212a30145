package nvcfg

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/frobware/go-persistenced"
)

// LibraryName is the vendor configuration library.
const LibraryName = "libnvidia-cfg.so.1"

const libc = "libc.so.6"

// nvCfgTrue is NVCFG_TRUE.
const nvCfgTrue = 1

// pciDevice mirrors NvCfgPciDevice.
type pciDevice struct {
	Domain   int32
	Bus      int32
	Slot     int32
	Function int32
}

// Dynamic calls into libnvidia-cfg loaded at runtime.
type Dynamic struct {
	mu     sync.Mutex
	path   string
	lib    uintptr
	libc   uintptr
	logger *slog.Logger

	getPciDevices func(n *int32, devs *unsafe.Pointer) int32
	openPciDevice func(domain, bus, slot, function int32, handle *uintptr) int32
	closeDevice   func(handle uintptr) int32
	free          func(ptr unsafe.Pointer)
}

// Load opens LibraryName from dir, or from the default library search
// path when dir is empty, and resolves the entry points the daemon
// needs. A missing library or symbol is a driver failure.
func Load(dir string, logger *slog.Logger) (*Dynamic, error) {
	const op = "load " + LibraryName

	path := LibraryName
	if dir != "" {
		path = filepath.Join(dir, LibraryName)
	}
	logger = logger.With("component", "nvcfg", "library", path)

	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		logger.Error("failed to open library", "error", err)
		return nil, &persistenced.Error{Kind: persistenced.KindDriverFailure, Op: op, Err: err}
	}

	d := &Dynamic{path: path, lib: lib, logger: logger}

	var errs []error
	for _, sym := range []struct {
		name string
		fn   any
	}{
		{"nvCfgGetPciDevices", &d.getPciDevices},
		{"nvCfgOpenPciDevice", &d.openPciDevice},
		{"nvCfgCloseDevice", &d.closeDevice},
	} {
		addr, err := purego.Dlsym(lib, sym.name)
		if err != nil {
			logger.Error("failed to load symbol", "symbol", sym.name, "error", err)
			errs = append(errs, fmt.Errorf("symbol %s: %w", sym.name, err))
			continue
		}
		purego.RegisterFunc(sym.fn, addr)
	}

	// The device array returned by nvCfgGetPciDevices is malloc'd.
	if len(errs) == 0 {
		d.libc, err = purego.Dlopen(libc, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			purego.RegisterLibFunc(&d.free, d.libc, "free")
		} else {
			logger.Warn("cannot free device list, libc unavailable", "error", err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		_ = purego.Dlclose(lib)
		return nil, &persistenced.Error{Kind: persistenced.KindDriverFailure, Op: op, Err: err}
	}

	logger.Debug("library loaded")
	return d, nil
}

// Devices implements Provider.
func (d *Dynamic) Devices() ([]persistenced.PCIAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		n    int32
		devs unsafe.Pointer
	)
	if d.getPciDevices(&n, &devs) != nvCfgTrue {
		return nil, &persistenced.Error{
			Kind: persistenced.KindDriverFailure,
			Op:   "query devices",
			Err:  errors.New("nvCfgGetPciDevices failed"),
		}
	}
	if devs == nil || n <= 0 {
		return nil, nil
	}
	defer func() {
		if d.free != nil {
			d.free(devs)
		}
	}()

	raw := unsafe.Slice((*pciDevice)(devs), int(n))
	addrs := make([]persistenced.PCIAddress, 0, len(raw))
	for _, dev := range raw {
		// The library does not fill in the function.
		addrs = append(addrs, persistenced.PCIAddress{
			Domain: uint32(dev.Domain),
			Bus:    uint8(dev.Bus),
			Slot:   uint8(dev.Slot),
		})
	}
	return addrs, nil
}

// Open implements Provider.
func (d *Dynamic) Open(addr persistenced.PCIAddress) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var h uintptr
	if d.openPciDevice(int32(addr.Domain), int32(addr.Bus), int32(addr.Slot), int32(addr.Function), &h) != nvCfgTrue {
		return 0, &persistenced.Error{
			Kind:   persistenced.KindDriverFailure,
			Op:     "open device",
			Device: addr,
			Err:    errors.New("nvCfgOpenPciDevice failed"),
		}
	}
	return Handle(h), nil
}

// Close implements Provider.
func (d *Dynamic) Close(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h == 0 {
		return ErrClosed
	}
	if d.closeDevice(uintptr(h)) != nvCfgTrue {
		return &persistenced.Error{
			Kind: persistenced.KindDriverFailure,
			Op:   "close device",
			Err:  errors.New("nvCfgCloseDevice failed"),
		}
	}
	return nil
}

// Release implements Provider.
func (d *Dynamic) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.lib != 0 {
		errs = append(errs, purego.Dlclose(d.lib))
		d.lib = 0
	}
	if d.libc != 0 {
		errs = append(errs, purego.Dlclose(d.libc))
		d.libc = 0
	}
	return errors.Join(errs...)
}
