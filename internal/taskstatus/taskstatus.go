// Package taskstatus records the lifecycle of every dispatched task:
// waiting, running and one of the complete states finished, error or canceled.
package taskstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/storage"
)

// Table stores one Status per task id.
const Table = "task_status"

var (
	// ErrMissingResource reports an unknown task id.
	ErrMissingResource = errors.New("taskstatus: task not found")
	// ErrAlreadyExists reports a Create for an existing task id.
	ErrAlreadyExists = errors.New("taskstatus: task already exists")
	// ErrInvalidTransition reports a state change that would move a task
	// backwards or out of a complete state.
	ErrInvalidTransition = errors.New("taskstatus: invalid state transition")
)

// State is a task lifecycle state.
type State string

const (
	Waiting  State = "waiting"
	Running  State = "running"
	Finished State = "finished"
	Error    State = "error"
	Canceled State = "canceled"
)

// Complete reports whether s is terminal.
func (s State) Complete() bool {
	switch s {
	case Finished, Error, Canceled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Waiting, Running, Finished, Error, Canceled:
		return true
	}
	return false
}

func (s State) rank() int {
	switch s {
	case Waiting:
		return 0
	case Running:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether a task in state from may move to state to.
// Re-applying the current non-terminal state is allowed.
func CanTransition(from, to State) bool {
	if !to.Valid() || from.Complete() {
		return false
	}
	return to.rank() >= from.rank()
}

// Status is the persisted record of one task.
type Status struct {
	TaskID            string          `json:"task_id"`
	Task              string          `json:"task,omitempty"`
	Queue             string          `json:"queue"`
	Tags              []string        `json:"tags,omitempty"`
	State             State           `json:"state"`
	StartTimeUnixNano int64           `json:"start_time,omitempty"`
	FinishUnixNano    int64           `json:"finish_time,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Progress          json.RawMessage `json:"progress,omitempty"`
	Traceback         string          `json:"traceback,omitempty"`
	CreatedAtUnixNano int64           `json:"created_at"`
	UpdatedAtUnixNano int64           `json:"updated_at"`
}

// StartTime returns when the task started running.
func (s Status) StartTime() (time.Time, bool) {
	return unixNano(s.StartTimeUnixNano)
}

// FinishTime returns when the task reached a complete state.
func (s Status) FinishTime() (time.Time, bool) {
	return unixNano(s.FinishUnixNano)
}

func unixNano(v int64) (time.Time, bool) {
	if v == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, v).UTC(), true
}

// Delta describes a partial update. Nil fields are left untouched.
type Delta struct {
	State      State
	StartTime  *time.Time
	FinishTime *time.Time
	Result     json.RawMessage
	Progress   json.RawMessage
	Traceback  *string
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Queue  string
	States []State
	Tag    string
}

func (f Filter) match(s Status) bool {
	if f.Queue != "" && s.Queue != f.Queue {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, s.State) {
		return false
	}
	if f.Tag != "" && !slices.Contains(s.Tags, f.Tag) {
		return false
	}
	return true
}

// NewRecord describes a task status to create.
type NewRecord struct {
	TaskID string
	Task   string
	Queue  string
	Tags   []string
	State  State
}

// Store persists task statuses on a storage.Backend.
type Store struct {
	backend storage.Backend
	clock   clock.Clock
}

// New returns a Store over backend. A nil clock uses wall time.
func New(backend storage.Backend, clk clock.Clock) *Store {
	return &Store{backend: backend, clock: clock.Ensure(clk)}
}

// Create stores a new status. An empty state defaults to Waiting.
func (s *Store) Create(ctx context.Context, rec NewRecord) (Status, error) {
	if rec.TaskID == "" {
		return Status{}, fmt.Errorf("taskstatus: task id required")
	}
	state := rec.State
	if state == "" {
		state = Waiting
	}
	if !state.Valid() {
		return Status{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, state)
	}
	now := s.clock.Now().UnixNano()
	status := Status{
		TaskID:            rec.TaskID,
		Task:              rec.Task,
		Queue:             rec.Queue,
		Tags:              slices.Clone(rec.Tags),
		State:             state,
		CreatedAtUnixNano: now,
		UpdatedAtUnixNano: now,
	}
	if _, err := storage.PutJSON(ctx, s.backend, Table, rec.TaskID, status, storage.PutOptions{IfNotExists: true}); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return Status{}, ErrAlreadyExists
		}
		return Status{}, fmt.Errorf("create status %s: %w", rec.TaskID, err)
	}
	return status, nil
}

// Get returns the status of taskID.
func (s *Store) Get(ctx context.Context, taskID string) (Status, error) {
	var status Status
	if _, err := storage.GetJSON(ctx, s.backend, Table, taskID, &status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Status{}, ErrMissingResource
		}
		return Status{}, fmt.Errorf("load status %s: %w", taskID, err)
	}
	return status, nil
}

// Update applies delta to the status of taskID.
func (s *Store) Update(ctx context.Context, taskID string, delta Delta) (Status, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Status{}, err
		}
		var status Status
		etag, err := storage.GetJSON(ctx, s.backend, Table, taskID, &status)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Status{}, ErrMissingResource
			}
			return Status{}, fmt.Errorf("load status %s: %w", taskID, err)
		}
		if delta.State != "" && delta.State != status.State {
			if !CanTransition(status.State, delta.State) {
				return status, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status.State, delta.State)
			}
			status.State = delta.State
		}
		delta.apply(&status)
		status.UpdatedAtUnixNano = s.clock.Now().UnixNano()
		_, err = storage.PutJSON(ctx, s.backend, Table, taskID, status, storage.PutOptions{ExpectedETag: etag})
		if err == nil {
			return status, nil
		}
		if errors.Is(err, storage.ErrCASMismatch) {
			continue
		}
		if errors.Is(err, storage.ErrNotFound) {
			return Status{}, ErrMissingResource
		}
		return Status{}, fmt.Errorf("store status %s: %w", taskID, err)
	}
}

func (d Delta) apply(s *Status) {
	if d.StartTime != nil {
		s.StartTimeUnixNano = d.StartTime.UnixNano()
	}
	if d.FinishTime != nil {
		s.FinishUnixNano = d.FinishTime.UnixNano()
	}
	if d.Result != nil {
		s.Result = slices.Clone(d.Result)
	}
	if d.Progress != nil {
		s.Progress = slices.Clone(d.Progress)
	}
	if d.Traceback != nil {
		s.Traceback = *d.Traceback
	}
}

// List returns the statuses matching filter, ordered by task id.
func (s *Store) List(ctx context.Context, filter Filter) ([]Status, error) {
	var out []Status
	err := storage.ListAll(ctx, s.backend, Table, "", func(obj storage.Object) error {
		var status Status
		if err := json.Unmarshal(obj.Value, &status); err != nil {
			return fmt.Errorf("decode status %s: %w", obj.Key, err)
		}
		if filter.match(status) {
			out = append(out, status)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	return out, nil
}
