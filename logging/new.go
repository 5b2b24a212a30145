package logging

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
)

// EnvVar names the environment variable holding a log spec.
const EnvVar = "PERSISTENCED_LOG"

// DefaultSyslogTag is the identifier syslog records carry.
const DefaultSyslogTag = "nvidia-persistenced"

// Format is the log output format.
type Format string

const (
	FormatText   Format = "text"
	FormatJSON   Format = "json"
	FormatSyslog Format = "syslog"
)

// ParseFormat parses a format name. The empty string means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "syslog":
		return FormatSyslog, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options configures New.
type Options struct {
	// EnvSpec is the spec taken from the environment.
	EnvSpec string
	// CLISpec is the spec given on the command line.
	CLISpec string
	// ConfigSpec is the spec from the configuration file.
	ConfigSpec string
	// Format selects the output format.
	Format Format
	// Output receives text and JSON output. Defaults to os.Stderr.
	Output io.Writer
	// Syslog overrides the syslog connection used by FormatSyslog.
	Syslog SyslogWriter
	// SyslogTag is the syslog identifier. Defaults to DefaultSyslogTag.
	SyslogTag string
}

// New builds a logger with component-level filtering. The first
// non-empty spec among CLISpec, EnvSpec and ConfigSpec wins.
func New(opts Options) (*slog.Logger, error) {
	specStr := opts.ConfigSpec
	switch {
	case opts.CLISpec != "":
		specStr = opts.CLISpec
	case opts.EnvSpec != "":
		specStr = opts.EnvSpec
	}

	spec, err := ParseSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	// The filtering handler does the level checks.
	handlerOpts := &slog.HandlerOptions{Level: LevelTrace.ToSlog()}

	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	case FormatSyslog:
		w := opts.Syslog
		if w == nil {
			tag := opts.SyslogTag
			if tag == "" {
				tag = DefaultSyslogTag
			}
			sw, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_NOTICE, tag)
			if err != nil {
				return nil, fmt.Errorf("connect to syslog: %w", err)
			}
			w = sw
		}
		inner = NewSyslogHandler(w)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}

	return slog.New(NewFilteringHandler(inner, &spec)), nil
}

// Default returns an info-level text logger on stderr.
func Default() *slog.Logger {
	logger, _ := New(Options{})
	return logger
}
