package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestSchedulerEvery(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs atomic.Int32
	if err := s.Every(time.Second, "tick", func() { runs.Add(1) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Error("expected the periodic job to run at least once")
	}
}

func TestSchedulerEvery_RejectsNonPositive(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.Every(0, "never", func() {}); err == nil {
		t.Error("expected error for zero interval")
	}
}
