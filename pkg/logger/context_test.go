package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestContextAttributesAreAttached(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(&contextHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithAttrs(context.Background(), slog.String("thread_id", "t-1"))
	ctx = WithAttrs(ctx, slog.String("user_id", "u-1"))
	l.With(slog.String("component", "engine")).InfoContext(ctx, "turn")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if record["thread_id"] != "t-1" || record["user_id"] != "u-1" || record["component"] != "engine" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestWithAttrsNoopWithoutAttributes(t *testing.T) {
	ctx := context.Background()
	if got := WithAttrs(ctx); got != ctx {
		t.Fatalf("expected same context")
	}
}
