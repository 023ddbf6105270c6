package services

import (
	"sync"
	"time"
)

// jobKey identifies one external job within the registry.
type jobKey struct {
	category string
	jobID    string
}

// jobEntry holds one job's wall-clock budget and correlation context.
// startedAt carries Go's monotonic clock reading, so elapsed time is robust
// to system clock adjustments.
type jobEntry struct {
	timeout   time.Duration
	startedAt time.Time
	userID    string
	projectID string
	fileID    string
}

// JobTimeoutRegistry tracks total wall-clock budgets for long-running external
// jobs. It is process-local state: a restart forgets all in-flight budgets,
// which is accepted for a single-worker deployment. The map is mutex-guarded
// because it is touched from request handlers and the maintenance scheduler.
type JobTimeoutRegistry struct {
	mu      sync.RWMutex
	entries map[jobKey]*jobEntry
}

func NewJobTimeoutRegistry() *JobTimeoutRegistry {
	return &JobTimeoutRegistry{entries: make(map[jobKey]*jobEntry)}
}

// Register starts a job's budget clock. The first registration wins: calling
// again for the same (category, jobID) is a no-op, so retried client calls
// cannot reset the clock.
func (r *JobTimeoutRegistry) Register(category, jobID string, timeoutSeconds int, userID, projectID, fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := jobKey{category, jobID}
	if _, exists := r.entries[key]; exists {
		return
	}
	r.entries[key] = &jobEntry{
		timeout:   time.Duration(timeoutSeconds) * time.Second,
		startedAt: time.Now(),
		userID:    userID,
		projectID: projectID,
		fileID:    fileID,
	}
}

// IsTimedOut reports whether the job has exceeded its budget. Unknown jobs are
// never considered timed out; callers must register before relying on this.
func (r *JobTimeoutRegistry) IsTimedOut(category, jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[jobKey{category, jobID}]
	if !ok {
		return false
	}
	return time.Since(entry.startedAt) >= entry.timeout
}

// ElapsedSeconds returns the monotonic-clock time since registration.
func (r *JobTimeoutRegistry) ElapsedSeconds(category, jobID string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[jobKey{category, jobID}]
	if !ok {
		return 0, false
	}
	elapsed := time.Since(entry.startedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, true
}

// LatencyMs returns the elapsed time since registration in milliseconds.
func (r *JobTimeoutRegistry) LatencyMs(category, jobID string) (int64, bool) {
	elapsed, ok := r.ElapsedSeconds(category, jobID)
	if !ok {
		return 0, false
	}
	return int64(elapsed * 1000), true
}

// ProjectAndFile returns the correlation context registered with the job.
func (r *JobTimeoutRegistry) ProjectAndFile(category, jobID string) (string, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[jobKey{category, jobID}]
	if !ok {
		return "", ""
	}
	return entry.projectID, entry.fileID
}

// Remove releases a job's entry. Callers must read latency and correlation
// context for billing BEFORE removing, so the entry's data reaches the usage
// ledger first.
func (r *JobTimeoutRegistry) Remove(category, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := jobKey{category, jobID}
	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// Len returns the number of tracked jobs.
func (r *JobTimeoutRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// overdueJob is one registry entry past its budget by at least the grace
// period, reported by Overdue for the maintenance sweep.
type overdueJob struct {
	Category  string
	JobID     string
	UserID    string
	LatencyMs int64
	ProjectID string
	FileID    string
}

// Overdue returns jobs whose elapsed time exceeds their budget plus grace.
// Used by the scheduler to finalize jobs whose clients stopped polling.
func (r *JobTimeoutRegistry) Overdue(grace time.Duration) []overdueJob {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []overdueJob
	for key, entry := range r.entries {
		elapsed := time.Since(entry.startedAt)
		if elapsed >= entry.timeout+grace {
			out = append(out, overdueJob{
				Category:  key.category,
				JobID:     key.jobID,
				UserID:    entry.userID,
				LatencyMs: elapsed.Milliseconds(),
				ProjectID: entry.projectID,
				FileID:    entry.fileID,
			})
		}
	}
	return out
}
