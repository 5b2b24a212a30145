package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// SyslogWriter is the subset of *syslog.Writer used by the syslog
// handler.
type SyslogWriter interface {
	Err(m string) error
	Warning(m string) error
	Notice(m string) error
	Debug(m string) error
	Close() error
}

// syslogSink serialises formatting into a shared buffer and forwards
// each formatted record at the matching syslog priority.
type syslogSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	w   SyslogWriter
}

// syslogHandler formats records as logfmt and writes them to syslog.
// Syslog stamps its own time, so the time attribute is dropped.
type syslogHandler struct {
	inner slog.Handler
	sink  *syslogSink
}

// NewSyslogHandler returns a handler that writes every record to w.
// Errors map to LOG_ERR, warnings to LOG_WARNING, info to LOG_NOTICE
// and anything lower to LOG_DEBUG.
func NewSyslogHandler(w SyslogWriter) slog.Handler {
	sink := &syslogSink{w: w}
	inner := slog.NewTextHandler(&sink.buf, &slog.HandlerOptions{
		Level: LevelTrace.ToSlog(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
	return &syslogHandler{inner: inner, sink: sink}
}

func (h *syslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *syslogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()

	h.sink.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	msg := strings.TrimSuffix(h.sink.buf.String(), "\n")

	switch {
	case r.Level >= slog.LevelError:
		return h.sink.w.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.sink.w.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.sink.w.Notice(msg)
	default:
		return h.sink.w.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &syslogHandler{inner: h.inner.WithAttrs(attrs), sink: h.sink}
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	return &syslogHandler{inner: h.inner.WithGroup(name), sink: h.sink}
}
