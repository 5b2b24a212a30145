package client

import "log/slog"

// Option configures Dial.
type Option func(*dialOptions)

type dialOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger for client operations. By default
// nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *dialOptions) {
		if l != nil {
			o.logger = l
		}
	}
}
