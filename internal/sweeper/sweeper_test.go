package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) Sweep(context.Context) (int64, int64, error) {
	c.calls.Add(1)
	return 1, 0, c.err
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New("not a schedule", &countingSweeper{}, nil); err == nil {
		t.Fatal("New should reject an invalid cron spec")
	}
}

func TestRunOnce_LogsFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	job := &countingSweeper{err: errors.New("db down")}
	s, err := New("@every 1h", job, zap.New(core))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.RunOnce()
	if job.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", job.calls.Load())
	}
	if logs.Len() != 1 {
		t.Errorf("logged %d errors, want 1", logs.Len())
	}
}

func TestScheduler_Runs(t *testing.T) {
	job := &countingSweeper{}
	s, err := New("@every 1s", job, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	deadline := time.Now().Add(3 * time.Second)
	for job.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if job.calls.Load() == 0 {
		t.Error("scheduled sweep never ran")
	}
}
