package cli

import (
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-persistenced"
)

// DeviceAddress is a PCI address argument ("0000:01:00.0" or "01:00").
type DeviceAddress struct {
	Value persistenced.PCIAddress
}

// ModeArg is a persistence mode argument (on, off, enabled, disabled).
type ModeArg struct {
	Value persistenced.PersistenceMode
}

// NumaArg is a NUMA status argument (online, offline).
type NumaArg struct {
	Value persistenced.NumaStatus
}

func deviceAddressMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("device", &s); err != nil {
			return err
		}
		addr, err := persistenced.ParsePCIAddress(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(DeviceAddress{Value: addr}))
		return nil
	}
}

func modeArgMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("mode", &s); err != nil {
			return err
		}
		mode, err := persistenced.ParsePersistenceMode(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(ModeArg{Value: mode}))
		return nil
	}
}

func numaArgMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("status", &s); err != nil {
			return err
		}
		st, err := persistenced.ParseNumaStatus(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(NumaArg{Value: st}))
		return nil
	}
}
