package sideeffect

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRunContinuesAfterFailures(t *testing.T) {
	var buf bytes.Buffer
	r := NewRunner(slog.New(slog.NewTextHandler(&buf, nil)))

	var ran []string
	failed := r.Run(context.Background(), []any{"order_id", "O1"},
		Task{Name: "xp", Run: func(ctx context.Context) error { ran = append(ran, "xp"); return errors.New("xp down") }},
		Task{Name: "panics", Run: func(ctx context.Context) error { ran = append(ran, "panics"); panic("boom") }},
		Task{Name: "nil"},
		Task{Name: "cart", Run: func(ctx context.Context) error { ran = append(ran, "cart"); return nil }},
	)

	if failed != 2 {
		t.Fatalf("expected 2 failures, got %d", failed)
	}
	if strings.Join(ran, ",") != "xp,panics,cart" {
		t.Fatalf("unexpected run order %v", ran)
	}
	logs := buf.String()
	if !strings.Contains(logs, "task=xp") || !strings.Contains(logs, "order_id=O1") {
		t.Fatalf("failure not logged with attrs: %s", logs)
	}
}
