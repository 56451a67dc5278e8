package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDefault(t *testing.T) {
	if Default(nil).Enabled(context.Background(), slog.LevelError) {
		t.Error("Default(nil) should discard")
	}
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if Default(l) != l {
		t.Error("Default should return the provided logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// recorder counts records reaching the wrapped handler.
type recorder struct {
	mu   *sync.Mutex
	msgs *[]string
}

func newRecorder() recorder {
	return recorder{mu: &sync.Mutex{}, msgs: &[]string{}}
}

func (r recorder) Enabled(context.Context, slog.Level) bool { return true }
func (r recorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	*r.msgs = append(*r.msgs, rec.Message)
	r.mu.Unlock()
	return nil
}
func (r recorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r recorder) WithGroup(string) slog.Handler      { return r }

func (r recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(*r.msgs)
}

func TestComponentFilter(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Debug("dropped", "component", "coordinator")
	logger.Info("kept", "component", "coordinator")
	if rec.count() != 1 {
		t.Fatalf("expected 1 record, got %d", rec.count())
	}

	filter.SetLevel("coordinator", slog.LevelDebug)
	logger.Debug("kept", "component", "coordinator")
	logger.Debug("dropped", "component", "executor")
	if rec.count() != 2 {
		t.Fatalf("expected 2 records, got %d", rec.count())
	}

	filter.ClearLevel("coordinator")
	logger.Debug("dropped", "component", "coordinator")
	if rec.count() != 2 {
		t.Fatalf("expected 2 records after clear, got %d", rec.count())
	}
	if filter.Level("coordinator") != slog.LevelInfo || filter.DefaultLevel() != slog.LevelInfo {
		t.Error("levels should be back to default")
	}
}

func TestComponentFilterScopedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)

	coord := slog.New(filter).With("component", "coordinator")
	exec := slog.New(filter).With("component", "executor").WithGroup("plan")

	filter.SetLevel("coordinator", slog.LevelDebug)
	coord.Debug("refresh cycle")
	exec.Debug("fan-out")

	out := buf.String()
	if !strings.Contains(out, "refresh cycle") {
		t.Errorf("expected coordinator debug output, got %q", out)
	}
	if strings.Contains(out, "fan-out") {
		t.Errorf("executor debug should be filtered, got %q", out)
	}
}

func TestComponentFilterConcurrent(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				logger.Info("msg", "component", "task")
			}
		})
		wg.Go(func() {
			for range 50 {
				filter.SetLevel("task", slog.LevelDebug)
				filter.ClearLevel("task")
			}
		})
	}
	wg.Wait()

	if rec.count() != 8*50 {
		t.Errorf("expected %d records, got %d", 8*50, rec.count())
	}
}
