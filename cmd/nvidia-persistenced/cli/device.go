package cli

import (
	"context"
	"fmt"
)

// GetCmd shows the persistence mode of a device.
type GetCmd struct {
	Device DeviceAddress `arg:"" name:"device" help:"PCI address (dddd:bb:ss.f)."`
}

// Run executes the get command.
func (c *GetCmd) Run(cli *CLI) error {
	b, err := cli.Client()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer b.Close()

	mode, err := b.PersistenceMode(context.Background(), c.Device.Value)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Device.Value, err)
	}
	fmt.Fprintf(cli.Stdout(), "%s\t%s\n", c.Device.Value, mode)
	return nil
}

// SetCmd sets the persistence mode of a device.
type SetCmd struct {
	Device   DeviceAddress `arg:"" name:"device" help:"PCI address (dddd:bb:ss.f)."`
	Mode     ModeArg       `arg:"" name:"mode" help:"on or off."`
	ModeOnly bool          `name:"mode-only" help:"Change the persistence mode without touching NUMA memory."`
}

// Run executes the set command.
func (c *SetCmd) Run(cli *CLI) error {
	b, err := cli.Client()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer b.Close()

	ctx := context.Background()
	if c.ModeOnly {
		err = b.SetPersistenceModeOnly(ctx, c.Device.Value, c.Mode.Value)
	} else {
		err = b.SetPersistenceMode(ctx, c.Device.Value, c.Mode.Value)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", c.Device.Value, err)
	}
	return nil
}

// NumaCmd onlines or offlines the NUMA memory of a device.
type NumaCmd struct {
	Device DeviceAddress `arg:"" name:"device" help:"PCI address (dddd:bb:ss.f)."`
	Status NumaArg       `arg:"" name:"status" help:"online or offline."`
}

// Run executes the numa command.
func (c *NumaCmd) Run(cli *CLI) error {
	b, err := cli.Client()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer b.Close()

	if err := b.SetNumaStatus(context.Background(), c.Device.Value, c.Status.Value); err != nil {
		return fmt.Errorf("%s: %w", c.Device.Value, err)
	}
	return nil
}
