package nvcfg

import (
	"errors"
	"sync"

	"github.com/frobware/go-persistenced"
)

// Fake is an in-memory Provider.
type Fake struct {
	mu      sync.Mutex
	devices []persistenced.PCIAddress
	open    map[Handle]persistenced.PCIAddress
	next    Handle
	opens   map[persistenced.PCIAddress]int
	closes  map[persistenced.PCIAddress]int

	// DevicesErr fails Devices.
	DevicesErr error
	// OpenErr fails Open for the listed devices.
	OpenErr map[persistenced.PCIAddress]error
	// CloseErr fails Close for the listed devices.
	CloseErr map[persistenced.PCIAddress]error

	released bool
}

// NewFake returns a provider reporting addrs.
func NewFake(addrs ...persistenced.PCIAddress) *Fake {
	return &Fake{
		devices:  append([]persistenced.PCIAddress(nil), addrs...),
		open:     map[Handle]persistenced.PCIAddress{},
		next:     1,
		opens:    map[persistenced.PCIAddress]int{},
		closes:   map[persistenced.PCIAddress]int{},
		OpenErr:  map[persistenced.PCIAddress]error{},
		CloseErr: map[persistenced.PCIAddress]error{},
	}
}

func (f *Fake) Devices() ([]persistenced.PCIAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DevicesErr != nil {
		return nil, f.DevicesErr
	}
	out := make([]persistenced.PCIAddress, len(f.devices))
	for i, a := range f.devices {
		out[i] = a.Key()
	}
	return out, nil
}

func (f *Fake) Open(addr persistenced.PCIAddress) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr = addr.Key()
	if err := f.OpenErr[addr]; err != nil {
		return 0, err
	}
	h := f.next
	f.next++
	f.open[h] = addr
	f.opens[addr]++
	return h, nil
}

func (f *Fake) Close(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.open[h]
	if !ok {
		return ErrClosed
	}
	if err := f.CloseErr[addr]; err != nil {
		return err
	}
	delete(f.open, h)
	f.closes[addr]++
	return nil
}

func (f *Fake) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return errors.New("provider already released")
	}
	f.released = true
	return nil
}

// IsOpen reports whether addr has an open handle.
func (f *Fake) IsOpen(addr persistenced.PCIAddress) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.open {
		if a == addr.Key() {
			return true
		}
	}
	return false
}

// Opens returns how many times addr was opened.
func (f *Fake) Opens(addr persistenced.PCIAddress) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[addr.Key()]
}

// Closes returns how many times a handle on addr was closed.
func (f *Fake) Closes(addr persistenced.PCIAddress) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes[addr.Key()]
}

// Released reports whether Release was called.
func (f *Fake) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}
