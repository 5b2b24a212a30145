// Package logging builds the daemon's slog loggers: a base level with
// per-component overrides, and text, JSON or syslog output.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level extends slog's levels with trace. Debug through error share
// slog's numeric values so conversion is a cast.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

var levelNames = []struct {
	level Level
	names []string
}{
	{LevelTrace, []string{"trace"}},
	{LevelDebug, []string{"debug", "verbose"}},
	{LevelInfo, []string{"info", "notice"}},
	{LevelWarn, []string{"warn", "warning"}},
	{LevelError, []string{"error", "err"}},
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for _, ln := range levelNames {
		for _, n := range ln.names {
			if n == want {
				return ln.level, nil
			}
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// ToSlog converts l to a slog.Level.
func (l Level) ToSlog() slog.Level {
	return slog.Level(l)
}

func (l Level) String() string {
	for _, ln := range levelNames {
		if ln.level == l {
			return ln.names[0]
		}
	}
	return fmt.Sprintf("Level(%d)", int(l))
}
