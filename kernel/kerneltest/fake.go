// Package kerneltest provides an in-memory kernel.Control for tests.
package kerneltest

import (
	"errors"
	"sync"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/kernel"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected kernel failure")

// Control is a fake device control file. The driver-side state
// follows SetNumaState calls.
type Control struct {
	mu sync.Mutex

	Info kernel.NumaInfo

	// Transitions records every state passed to SetNumaState,
	// including those that failed.
	Transitions []kernel.NumaState

	// InfoErr fails NumaInfo.
	InfoErr error
	// SetErr fails SetNumaState for the listed target states.
	SetErr map[kernel.NumaState]error

	Closed bool
}

// NewControl returns a fake with the given descriptor.
func NewControl(info kernel.NumaInfo) *Control {
	return &Control{Info: info, SetErr: map[kernel.NumaState]error{}}
}

func (c *Control) NumaInfo() (kernel.NumaInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InfoErr != nil {
		return kernel.NumaInfo{}, c.InfoErr
	}
	info := c.Info
	info.Blacklist = append([]uint64(nil), c.Info.Blacklist...)
	return info, nil
}

func (c *Control) SetNumaState(s kernel.NumaState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transitions = append(c.Transitions, s)
	if err := c.SetErr[s]; err != nil {
		return err
	}
	c.Info.State = s
	return nil
}

func (c *Control) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// State returns the current driver-side state.
func (c *Control) State() kernel.NumaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Info.State
}

// History returns a copy of the recorded transitions.
func (c *Control) History() []kernel.NumaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kernel.NumaState(nil), c.Transitions...)
}

// IsClosed reports whether Close was called.
func (c *Control) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}

// Opener hands out fake controls by device address. Each Open of a
// device returns the same Control, as reopening a device file shows
// the same driver state.
type Opener struct {
	mu       sync.Mutex
	controls map[persistenced.PCIAddress]*Control
	opens    map[persistenced.PCIAddress]int

	// OpenErr fails Open for every device.
	OpenErr error
}

// NewOpener returns an empty Opener.
func NewOpener() *Opener {
	return &Opener{
		controls: map[persistenced.PCIAddress]*Control{},
		opens:    map[persistenced.PCIAddress]int{},
	}
}

// Add registers a control for addr.
func (o *Opener) Add(addr persistenced.PCIAddress, c *Control) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.controls[addr.Key()] = c
}

func (o *Opener) Open(addr persistenced.PCIAddress) (kernel.Control, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	c, ok := o.controls[addr.Key()]
	if !ok {
		return nil, errors.New("no such device file")
	}
	o.opens[addr.Key()]++
	c.mu.Lock()
	c.Closed = false
	c.mu.Unlock()
	return c, nil
}

// Opens returns how many times addr was opened.
func (o *Opener) Opens(addr persistenced.PCIAddress) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[addr.Key()]
}
