package task

import (
	"sort"
	"sync"
	"time"
)

// Registry owns the task set. All reads and writes of a task's mutable state
// are serialized through its mutex; callers only ever see value copies.
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*Task
	names map[string]string // name -> id
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  map[string]*Task{},
		names: map[string]string{},
	}
}

// Add registers a task. Name collisions are rejected.
func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(t)
}

func (r *Registry) addLocked(t *Task) error {
	if _, exists := r.names[t.Name]; exists {
		return &ConfigError{Task: t.Name, Reason: "a task with this name is already registered"}
	}
	r.byID[t.ID] = t
	r.names[t.Name] = t.ID
	return nil
}

// Remove unregisters a task by id. An in-flight execution of a removed task
// finishes but its outcome is discarded.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.names, t.Name)
	return true
}

func (r *Registry) RemoveByName(name string) bool {
	r.mu.Lock()
	id, ok := r.names[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Remove(id)
}

// Get returns a point-in-time copy.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (r *Registry) GetByName(name string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[name]
	if !ok {
		return Task{}, false
	}
	t, ok := r.byID[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns a consistent snapshot of all tasks, sorted by name. The copies
// share nothing mutable with the registry.
func (r *Registry) List() []Task {
	r.mu.Lock()
	out := make([]Task, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, *t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// SetEnabled toggles a task by name. Disabled tasks stay registered but are
// skipped by the due scan.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[name]
	if !ok {
		return false
	}
	r.byID[id].Enabled = enabled
	return true
}

// Run is the immutable handle the engine needs to execute one attempt.
type Run struct {
	ID         string
	Name       string
	Body       Body
	Timeout    time.Duration
	SafeMode   SafeMode
	Retries    int
	RetryDelay time.Duration
}

func runOf(t *Task) Run {
	return Run{
		ID:         t.ID,
		Name:       t.Name,
		Body:       t.Body,
		Timeout:    t.Timeout,
		SafeMode:   t.SafeMode,
		Retries:    t.Retries,
		RetryDelay: t.RetryDelay,
	}
}

// ClaimDue transitions every enabled, idle, due task to StatusDue and returns
// run handles for them. A task already Due, Running or RetryPending is
// excluded, which is what guarantees a task never has two in-flight
// executions.
func (r *Registry) ClaimDue(now time.Time) []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Run
	for _, t := range r.byID {
		if !t.Enabled || t.Status != StatusIdle {
			continue
		}
		if t.NextRun.IsZero() || t.NextRun.After(now) {
			continue
		}
		t.Status = StatusDue
		due = append(due, runOf(t))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due
}

// RunHandle fetches a handle regardless of status; used for retry
// resubmission.
func (r *Registry) RunHandle(id string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return Run{}, false
	}
	return runOf(t), true
}

// MarkRunning transitions Due or RetryPending to Running.
func (r *Registry) MarkRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return false
	}
	if t.Status != StatusDue && t.Status != StatusRetryPending {
		return false
	}
	t.Status = StatusRunning
	return true
}

// Defer reverts a claimed-but-unsubmitted task to Idle with NextRun
// unchanged, so the next tick picks it up again (pool backpressure). The
// task may already be marked Running when the queue rejects it.
func (r *Registry) Defer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byID[id]; ok && (t.Status == StatusDue || t.Status == StatusRunning) {
		t.Status = StatusIdle
	}
}

// ResetInFlight reverts every task caught mid-flight (Due, Running or
// RetryPending) to Idle with NextRun unchanged. A scheduler stop cancels the
// one-shot retry timers, so a task parked in RetryPending would otherwise
// never be claimed again after a restart.
func (r *Registry) ResetInFlight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byID {
		switch t.Status {
		case StatusDue, StatusRunning, StatusRetryPending:
			t.Status = StatusIdle
		}
	}
}

// MarkRetryPending parks a failed task while its one-shot retry timer runs.
func (r *Registry) MarkRetryPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok || t.Status != StatusRunning {
		return false
	}
	t.Status = StatusRetryPending
	return true
}

// CompleteSuccess records a successful run and schedules the next one from
// the normal cadence. If the schedule has no future match the task goes
// dormant (zero NextRun) and the error is returned for logging.
func (r *Registry) CompleteSuccess(id string, now time.Time) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return time.Time{}, nil
	}
	t.RunCount++
	t.LastRun = now
	t.Status = StatusIdle
	return r.rescheduleLocked(t, now)
}

// CompleteFailure records a terminal failure: failCount increments exactly
// once per exhausted retry sequence and the task resumes its normal schedule.
func (r *Registry) CompleteFailure(id string, now time.Time) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return time.Time{}, nil
	}
	t.FailCount++
	t.LastRun = now
	t.Status = StatusIdle
	return r.rescheduleLocked(t, now)
}

func (r *Registry) rescheduleLocked(t *Task, now time.Time) (time.Time, error) {
	next, err := t.Schedule.Next(now)
	if err != nil {
		t.NextRun = time.Time{}
		return time.Time{}, err
	}
	t.NextRun = next
	return next, nil
}

// Apply installs loaded tasks. With replace=true the registry is cleared
// first; otherwise entries with a matching name overwrite the existing task
// and new names are added. The caller validates the batch beforehand, so
// Apply never partially fails.
func (r *Registry) Apply(tasks []*Task, replace bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if replace {
		r.byID = map[string]*Task{}
		r.names = map[string]string{}
	}
	for _, t := range tasks {
		if id, exists := r.names[t.Name]; exists {
			delete(r.byID, id)
			delete(r.names, t.Name)
		}
		r.byID[t.ID] = t
		r.names[t.Name] = t.ID
	}
}
