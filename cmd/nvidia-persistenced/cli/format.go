package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/frobware/go-persistenced"
)

type deviceView struct {
	Device          string `json:"device"`
	PersistenceMode string `json:"persistence_mode"`
	Numa            string `json:"numa"`
}

type transitionView struct {
	ID        string `json:"id"`
	OpID      uint64 `json:"op_id"`
	Started   string `json:"started"`
	Operation string `json:"operation"`
	Device    string `json:"device"`
	Value     string `json:"value"`
	Status    string `json:"status"`
	Duration  string `json:"duration"`
	Error     string `json:"error,omitempty"`
}

// FormatDevices writes devices as a table or JSON.
func FormatDevices(w io.Writer, devices []persistenced.DeviceState, flags *OutputFlags) error {
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			Device:          d.Address.String(),
			PersistenceMode: d.Mode.String(),
			Numa:            d.Numa.String(),
		})
	}
	if flags.Output == "json" {
		return writeJSON(w, views)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tPERSISTENCE\tNUMA")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Device, v.PersistenceMode, v.Numa)
	}
	return tw.Flush()
}

// FormatHistory writes journal entries as a table or JSON.
func FormatHistory(w io.Writer, hist []persistenced.Transition, flags *OutputFlags) error {
	views := make([]transitionView, 0, len(hist))
	for _, t := range hist {
		views = append(views, transitionView{
			ID:        t.ID,
			OpID:      t.OpID,
			Started:   t.Started.Format(time.RFC3339Nano),
			Operation: string(t.Operation),
			Device:    t.Device.String(),
			Value:     t.Value,
			Status:    t.Status.String(),
			Duration:  t.Duration.String(),
			Error:     t.Error,
		})
	}
	if flags.Output == "json" {
		return writeJSON(w, views)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tOP\tOPERATION\tDEVICE\tVALUE\tSTATUS\tDURATION")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", v.Started, v.OpID, v.Operation, v.Device, v.Value, v.Status, v.Duration)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}
