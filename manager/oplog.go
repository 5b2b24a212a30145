package manager

import (
	"context"
	"log/slog"
)

type opIDKey struct{}

// ContextWithOpID returns a context carrying the request's operation
// id.
func ContextWithOpID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

// OpIDFromContext returns the operation id in ctx, or 0.
func OpIDFromContext(ctx context.Context) uint64 {
	if ctx == nil {
		return 0
	}
	id, _ := ctx.Value(opIDKey{}).(uint64)
	return id
}

// opIDHandler adds the op_id found in the record's context to every
// record.
type opIDHandler struct {
	slog.Handler
}

func (h opIDHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := OpIDFromContext(ctx); id != 0 {
		r.AddAttrs(slog.Uint64("op_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h opIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return opIDHandler{h.Handler.WithAttrs(attrs)}
}

func (h opIDHandler) WithGroup(name string) slog.Handler {
	return opIDHandler{h.Handler.WithGroup(name)}
}

// WithOpIDHandler wraps logger so records logged with a context carry
// its op_id.
func WithOpIDHandler(logger *slog.Logger) *slog.Logger {
	if _, ok := logger.Handler().(opIDHandler); ok {
		return logger
	}
	return slog.New(opIDHandler{logger.Handler()})
}
