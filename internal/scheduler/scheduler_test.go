package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestAddAndFire(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	sched := New(nil)
	err := sched.Add("digest", "@every 1s", func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	sched.cron.Start()
	time.Sleep(1500 * time.Millisecond)
	sched.cron.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Error("expected the job to fire at least once")
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil)
	if err := sched.Add("digest", "not-a-schedule", func() {}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("failed add must not register, JobCount = %d", sched.JobCount())
	}
}

func TestReaddReplaces(t *testing.T) {
	sched := New(nil)
	sched.Add("digest", "@every 1h", func() {})
	sched.Add("digest", "@every 2h", func() {})

	if sched.JobCount() != 1 {
		t.Errorf("re-adding a name should replace, JobCount = %d", sched.JobCount())
	}
}

func TestRemove(t *testing.T) {
	sched := New(nil)
	sched.Add("digest", "@every 1h", func() {})
	sched.Remove("digest")
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
	// Removing a missing name is a no-op.
	sched.Remove("digest")
}
