// Package taskqueue implements TaskQueue: the signed remote-task
// lifecycle (pending -> delivered -> executing -> done/expired), with a
// single-delivery invariant per (tenant, asset) and result timing
// validation (spec.md §4.6).
package taskqueue

import (
	"fmt"
	"sync"
	"time"
)

// State is a task's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

func terminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// Task is a signed, expiring unit of remote work.
type Task struct {
	TaskID            string
	TenantID          string
	AssetID           string
	IssuedBy          string
	PolicyReference   string
	ExecutionContext  string // "system" | "root"
	Interpreter       string // "bash" | "powershell"
	CommandPayload    string
	ExpiresAt         time.Time
	Signature         string
	State             State
	CreatedAt         time.Time
	DeliveredToAgent  string
	DeliveredAt       *time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// Result is the outcome of a completed task. Recorded at most once.
type Result struct {
	Status     string // "completed" | "failed"
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMS int64
	Truncated  bool
}

// Queue implements TaskQueue.
type Queue struct {
	mu             sync.Mutex
	tasks          map[string]*Task
	results        map[string]*Result
	allowlist      []string // command allowlist regex patterns, pre-compiled by caller
	matchAllowlist func(command string) bool
	maxStdoutBytes int
	clock          func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.clock = now } }

// WithCommandAllowlist sets the predicate a task's command_payload must
// satisfy; nil means no restriction.
func WithCommandAllowlist(match func(command string) bool) Option {
	return func(q *Queue) { q.matchAllowlist = match }
}

func WithMaxStdoutBytes(n int) Option { return func(q *Queue) { q.maxStdoutBytes = n } }

// New builds an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		tasks:          make(map[string]*Task),
		results:        make(map[string]*Result),
		maxStdoutBytes: 65536,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Create enqueues a new task in state pending. Rejects an expiry in the
// past (expiry_in_past) or a command failing the allowlist
// (command_not_allowlisted).
func (q *Queue) Create(task Task) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	if !task.ExpiresAt.After(now) {
		return nil, fmt.Errorf("taskqueue: expiry_in_past")
	}
	if q.matchAllowlist != nil && !q.matchAllowlist(task.CommandPayload) {
		return nil, fmt.Errorf("taskqueue: command_not_allowlisted")
	}

	task.State = StatePending
	task.CreatedAt = now
	q.tasks[task.TaskID] = &task
	cp := task
	return &cp, nil
}

// expireOverdueLocked transitions any pre-terminal task past expires_at
// to expired. Idempotent; called on every poll and result submission.
func (q *Queue) expireOverdueLocked(now time.Time) {
	for _, t := range q.tasks {
		if !terminal(t.State) && !now.Before(t.ExpiresAt) {
			t.State = StateExpired
		}
	}
}

// Poll delivers the oldest pending task bound to (tenantID, assetID) to
// agentID, transitioning it to delivered. A task may be delivered only
// once; subsequent polls by a different agent see nothing further for
// that task.
func (q *Queue) Poll(tenantID, assetID, agentID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	q.expireOverdueLocked(now)

	var candidate *Task
	for _, t := range q.tasks {
		if t.TenantID != tenantID || t.AssetID != assetID || t.State != StatePending {
			continue
		}
		if candidate == nil || t.CreatedAt.Before(candidate.CreatedAt) {
			candidate = t
		}
	}
	if candidate == nil {
		return nil, false
	}

	candidate.State = StateDelivered
	candidate.DeliveredToAgent = agentID
	deliveredAt := now
	candidate.DeliveredAt = &deliveredAt

	cp := *candidate
	return &cp, true
}

// Start transitions a delivered task to executing. Only the agent it was
// delivered to may start it.
func (q *Queue) Start(taskID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	q.expireOverdueLocked(now)

	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("taskqueue: task_not_found")
	}
	if t.State == StateExpired {
		return fmt.Errorf("taskqueue: task_expired")
	}
	if t.DeliveredToAgent != agentID {
		return fmt.Errorf("taskqueue: task_agent_mismatch")
	}
	if t.State != StateDelivered {
		return fmt.Errorf("taskqueue: task_already_recorded")
	}

	t.State = StateExecuting
	startedAt := now
	t.StartedAt = &startedAt
	return nil
}

// RecordResult records a task's terminal outcome, validating timing
// invariants (spec.md §4.6): finished_at >= started_at; duration_ms
// within 1s of the elapsed wall-clock; started_at within
// [created_at, expires_at].
func (q *Queue) RecordResult(taskID, agentID string, result Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	q.expireOverdueLocked(now)

	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("taskqueue: task_not_found")
	}
	if t.State == StateExpired {
		return fmt.Errorf("taskqueue: task_expired")
	}
	if t.DeliveredToAgent != agentID {
		return fmt.Errorf("taskqueue: task_agent_mismatch")
	}
	if _, recorded := q.results[taskID]; recorded || t.State != StateExecuting {
		return fmt.Errorf("taskqueue: task_already_recorded")
	}

	if result.FinishedAt.Before(result.StartedAt) {
		return fmt.Errorf("taskqueue: duration_mismatch")
	}
	elapsed := result.FinishedAt.Sub(result.StartedAt).Milliseconds()
	if abs64(result.DurationMS-elapsed) > 1000 {
		return fmt.Errorf("taskqueue: duration_mismatch")
	}
	if result.StartedAt.Before(t.CreatedAt) || result.StartedAt.After(t.ExpiresAt) {
		return fmt.Errorf("taskqueue: duration_mismatch")
	}
	if len(result.Stdout) > q.maxStdoutBytes {
		result.Truncated = true
		result.Stdout = result.Stdout[:q.maxStdoutBytes]
	}

	q.results[taskID] = &result
	finishedAt := result.FinishedAt
	t.FinishedAt = &finishedAt
	if result.Status == "failed" {
		t.State = StateFailed
	} else {
		t.State = StateCompleted
	}
	return nil
}

// ExpireOverdue runs the idempotent expiry sweep explicitly, for
// callers that need it outside a poll/result call.
func (q *Queue) ExpireOverdue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireOverdueLocked(q.clock())
}

// Get returns a task by ID.
func (q *Queue) Get(taskID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
