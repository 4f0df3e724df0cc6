// Package sideeffect runs best-effort work that follows a committed state
// transition. A failing task is logged and never stops the others.
package sideeffect

import (
	"context"
	"fmt"
	"log/slog"
)

// Task is one named unit of best-effort work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner executes tasks with independent error isolation.
type Runner struct {
	logger *slog.Logger
}

// NewRunner constructs a Runner.
func NewRunner(logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return Runner{logger: logger}
}

// Run executes every task in order and returns how many failed. Panics are
// recovered and counted as failures. attrs are added to every log line.
func (r Runner) Run(ctx context.Context, attrs []any, tasks ...Task) int {
	failed := 0
	for _, t := range tasks {
		if t.Run == nil {
			continue
		}
		if err := r.runOne(ctx, t); err != nil {
			failed++
			args := append([]any{"task", t.Name, "err", err}, attrs...)
			r.logger.ErrorContext(ctx, "side effect failed", args...)
		}
	}
	return failed
}

func (r Runner) runOne(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Run(ctx)
}
