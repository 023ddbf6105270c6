package services

import (
	"sync"
	"testing"
	"time"
)

func TestRegistry_UnknownJobNeverTimedOut(t *testing.T) {
	r := NewJobTimeoutRegistry()

	if r.IsTimedOut("ingestion", "missing") {
		t.Error("unknown job must not be reported as timed out")
	}
	if _, ok := r.ElapsedSeconds("ingestion", "missing"); ok {
		t.Error("unknown job must not report elapsed time")
	}
}

func TestRegistry_FreshJobWithinBudget(t *testing.T) {
	r := NewJobTimeoutRegistry()
	r.Register("ingestion", "job-1", 60, "user-1", "proj-1", "file-1")

	if r.IsTimedOut("ingestion", "job-1") {
		t.Error("job well within its budget reported timed out")
	}

	elapsed, ok := r.ElapsedSeconds("ingestion", "job-1")
	if !ok {
		t.Fatal("registered job must report elapsed time")
	}
	if elapsed < 0 || elapsed > 5 {
		t.Errorf("elapsed = %v, expected a small positive value", elapsed)
	}
}

func TestRegistry_ZeroBudgetTimesOutImmediately(t *testing.T) {
	r := NewJobTimeoutRegistry()
	r.Register("revision", "job-1", 0, "user-1", "", "")

	if !r.IsTimedOut("revision", "job-1") {
		t.Error("job with a zero budget must be timed out at once")
	}
}

func TestRegistry_FirstRegistrationWins(t *testing.T) {
	r := NewJobTimeoutRegistry()
	r.Register("ingestion", "job-1", 60, "user-1", "proj-1", "")

	// A retried submission must not reset or shrink the budget.
	r.Register("ingestion", "job-1", 0, "user-2", "proj-2", "")

	if r.IsTimedOut("ingestion", "job-1") {
		t.Error("re-registration replaced the original budget")
	}
	projectID, _ := r.ProjectAndFile("ingestion", "job-1")
	if projectID != "proj-1" {
		t.Errorf("projectID = %q, expected the original proj-1", projectID)
	}
}

func TestRegistry_CategoriesAreIndependent(t *testing.T) {
	r := NewJobTimeoutRegistry()
	r.Register("ingestion", "job-1", 0, "user-1", "", "")
	r.Register("revision", "job-1", 60, "user-1", "", "")

	if !r.IsTimedOut("ingestion", "job-1") {
		t.Error("ingestion job should be timed out")
	}
	if r.IsTimedOut("revision", "job-1") {
		t.Error("revision job with the same id must keep its own budget")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewJobTimeoutRegistry()
	r.Register("ingestion", "job-1", 60, "user-1", "", "")

	if !r.Remove("ingestion", "job-1") {
		t.Error("removing a present entry should report true")
	}
	if r.Remove("ingestion", "job-1") {
		t.Error("removing an absent entry should report false")
	}
	if r.IsTimedOut("ingestion", "job-1") {
		t.Error("removed job must behave as unknown")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, expected 0", r.Len())
	}
}

func TestRegistry_Overdue(t *testing.T) {
	r := NewJobTimeoutRegistry()
	r.Register("ingestion", "job-old", 0, "user-1", "proj-1", "")
	r.Register("ingestion", "job-new", 3600, "user-2", "", "")

	overdue := r.Overdue(0)
	if len(overdue) != 1 {
		t.Fatalf("Overdue() returned %d jobs, expected 1", len(overdue))
	}
	if overdue[0].JobID != "job-old" || overdue[0].UserID != "user-1" {
		t.Errorf("unexpected overdue job: %+v", overdue[0])
	}

	// A generous grace keeps even expired budgets off the sweep list.
	if got := r.Overdue(time.Hour); len(got) != 0 {
		t.Errorf("Overdue(1h) returned %d jobs, expected 0", len(got))
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewJobTimeoutRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			r.Register("ingestion", id, 60, "user", "", "")
			r.IsTimedOut("ingestion", id)
			r.ElapsedSeconds("ingestion", id)
			r.Remove("ingestion", id)
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len() = %d after all removals, expected 0", r.Len())
	}
}
