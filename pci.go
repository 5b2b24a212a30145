// Package persistenced defines the domain types shared by the
// nvidia-persistenced daemon, its RPC surface and its client tooling.
package persistenced

import (
	"fmt"
	"strconv"
	"strings"
)

// PCIAddress identifies a physical device location.
//
// Function is normalised to zero at discovery because the device
// capability provider does not report it.
type PCIAddress struct {
	Domain   uint32 `cbor:"1,keyasint"`
	Bus      uint8  `cbor:"2,keyasint"`
	Slot     uint8  `cbor:"3,keyasint"`
	Function uint8  `cbor:"4,keyasint"`
}

// String formats the address as dddd:bb:ss.f, the form used by
// procfs and sysfs.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// Matches reports whether a and b name the same device. The function
// number does not participate.
func (a PCIAddress) Matches(b PCIAddress) bool {
	return a.Domain == b.Domain && a.Bus == b.Bus && a.Slot == b.Slot
}

// Key returns the lookup key for a, which ignores the function number.
func (a PCIAddress) Key() PCIAddress {
	return PCIAddress{Domain: a.Domain, Bus: a.Bus, Slot: a.Slot}
}

// ParsePCIAddress parses "dddd:bb:ss.f", "bb:ss.f" or "dddd:bb:ss".
// All fields are hexadecimal. A missing domain defaults to zero and a
// missing function defaults to zero.
func ParsePCIAddress(s string) (PCIAddress, error) {
	var a PCIAddress

	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return a, fmt.Errorf("empty PCI address")
	}

	rest := s
	if dot := strings.LastIndexByte(rest, '.'); dot >= 0 {
		fn, err := strconv.ParseUint(rest[dot+1:], 16, 8)
		if err != nil || fn > 7 {
			return a, fmt.Errorf("invalid PCI function in %q", s)
		}
		a.Function = uint8(fn)
		rest = rest[:dot]
	}

	parts := strings.Split(rest, ":")
	switch len(parts) {
	case 2:
	case 3:
		d, err := strconv.ParseUint(parts[0], 16, 32)
		if err != nil {
			return a, fmt.Errorf("invalid PCI domain in %q", s)
		}
		a.Domain = uint32(d)
		parts = parts[1:]
	default:
		return a, fmt.Errorf("invalid PCI address %q: want [dddd:]bb:ss[.f]", s)
	}

	b, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return a, fmt.Errorf("invalid PCI bus in %q", s)
	}
	sl, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil || sl > 0x1f {
		return a, fmt.Errorf("invalid PCI slot in %q", s)
	}
	a.Bus = uint8(b)
	a.Slot = uint8(sl)
	return a, nil
}
