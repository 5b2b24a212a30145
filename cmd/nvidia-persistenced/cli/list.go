package cli

import (
	"context"
	"fmt"
)

// OutputFlags provides output formatting flags.
type OutputFlags struct {
	Output string `short:"o" help:"Output format: table or json." enum:"table,json" default:"table"`
}

// ListCmd lists managed devices.
type ListCmd struct {
	OutputFlags
}

// Run executes the list command.
func (c *ListCmd) Run(cli *CLI) error {
	b, err := cli.Client()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer b.Close()

	devices, err := b.Devices(context.Background())
	if err != nil {
		return err
	}
	return FormatDevices(cli.Stdout(), devices, &c.OutputFlags)
}

// HistoryCmd shows the transition journal.
type HistoryCmd struct {
	OutputFlags
	Limit int `name:"limit" short:"n" help:"Show at most this many entries (0 for all)." default:"20"`
}

// Run executes the history command.
func (c *HistoryCmd) Run(cli *CLI) error {
	if c.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	b, err := cli.Client()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer b.Close()

	hist, err := b.History(context.Background(), c.Limit)
	if err != nil {
		return err
	}
	return FormatHistory(cli.Stdout(), hist, &c.OutputFlags)
}
