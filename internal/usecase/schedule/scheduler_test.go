package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{"*/30 * * * *", false},
		{"@hourly", false},
		{"45m", false},
		{"50ms", false},
		{"", true},
		{"not-a-schedule", true},
		{"-5m", true},
	}
	for _, tt := range tests {
		_, err := parseSchedule(tt.schedule)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSchedule(%q) error = %v, wantErr %v", tt.schedule, err, tt.wantErr)
		}
	}
}

func TestConstantDelayNext(t *testing.T) {
	d := &constantDelay{delay: 45 * time.Minute}
	now := time.Now()
	if got := d.Next(now); !got.Equal(now.Add(45 * time.Minute)) {
		t.Errorf("Next = %v, want %v", got, now.Add(45*time.Minute))
	}
}

func TestSchedulerRunsBatch(t *testing.T) {
	var runs atomic.Int32
	s := New(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, time.Minute, discardLogger())

	if err := s.Add("20ms"); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("batch never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var started atomic.Int32
	block := make(chan struct{})
	s := New(func(ctx context.Context) error {
		started.Add(1)
		<-block
		return nil
	}, time.Minute, discardLogger())

	if err := s.Add("20ms"); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())

	// Let several ticks fire while the first run blocks.
	time.Sleep(150 * time.Millisecond)
	if got := started.Load(); got != 1 {
		t.Errorf("started %d batches, want 1 (overlaps skipped)", got)
	}
	close(block)
	s.Stop()
}

func TestSchedulerAddInvalid(t *testing.T) {
	s := New(func(ctx context.Context) error { return nil }, time.Minute, discardLogger())
	if err := s.Add("bogus"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := New(func(ctx context.Context) error { return nil }, time.Minute, discardLogger())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	// Start after stop works again.
	s.Start(context.Background())
	s.Stop()
}
