package manager

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestOpIDHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := WithOpIDHandler(slog.New(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no id")
	if strings.Contains(buf.String(), "op_id") {
		t.Errorf("expected no op_id without context, got: %s", buf.String())
	}

	buf.Reset()
	logger.With("component", "manager").InfoContext(ContextWithOpID(context.Background(), 42), "with id")
	out := buf.String()
	if !strings.Contains(out, "op_id=42") || !strings.Contains(out, "component=manager") {
		t.Errorf("expected op_id=42 and component attr, got: %s", out)
	}
}

func TestWithOpIDHandler_WrapsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := WithOpIDHandler(WithOpIDHandler(slog.New(slog.NewTextHandler(&buf, nil))))

	logger.InfoContext(ContextWithOpID(context.Background(), 7), "once")
	if n := strings.Count(buf.String(), "op_id=7"); n != 1 {
		t.Errorf("expected op_id once, got %d in: %s", n, buf.String())
	}
}

func TestOpIDFromContext(t *testing.T) {
	if id := OpIDFromContext(context.Background()); id != 0 {
		t.Errorf("expected 0, got %d", id)
	}
	if id := OpIDFromContext(ContextWithOpID(context.Background(), 9)); id != 9 {
		t.Errorf("expected 9, got %d", id)
	}
}
