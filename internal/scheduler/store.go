package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/metrics"
)

var (
	// ErrNotFound means no task row exists for the id.
	ErrNotFound = errors.New("scheduler: task not found")
	// ErrInvalidStatus rejects a transition the lifecycle does not allow.
	ErrInvalidStatus = errors.New("scheduler: invalid status transition")
	// ErrNotAssignee rejects a result report from an agent other than the
	// task's assignment target.
	ErrNotAssignee = errors.New("scheduler: reporting agent is not the assignee")
)

const dailyKeyLayout = "2006-01-02"

// Store holds the ephemeral task rows and the per-day creation counters.
// All transitions go through one mutex; "compare expected status, then
// update" is the serialization discipline for task rows.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*Task
	daily map[string]int64
	clock clockwork.Clock
}

// NewStore builds an empty task store. A nil clock means wall time.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		tasks: make(map[string]*Task),
		daily: make(map[string]int64),
		clock: clock,
	}
}

// Create inserts the task as pending and bumps the daily counter. A missing
// task id is generated.
func (s *Store) Create(t *Task) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.TaskID == "" {
		t.TaskID = ident.NewTaskID()
	}
	t.Status = StatusPending
	t.CreatedAt = s.clock.Now().UTC()

	s.tasks[t.TaskID] = t
	s.daily[t.CreatedAt.Format(dailyKeyLayout)]++
	metrics.TasksTotal.WithLabelValues(string(StatusPending)).Inc()
	return t.Clone()
}

// Get returns a copy of the task row.
func (s *Store) Get(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListFleet returns the fleet's tasks ordered by creation time.
func (s *Store) ListFleet(fleetID string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.FleetID == fleetID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// PendingByFleet groups the pending tasks by fleet, each group ordered by
// priority then age so urgent work routes first.
func (s *Store) PendingByFleet() map[string][]*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]*Task)
	for _, t := range s.tasks {
		if t.Status == StatusPending {
			out[t.FleetID] = append(out[t.FleetID], t.Clone())
		}
	}
	for _, tasks := range out {
		sort.Slice(tasks, func(i, j int) bool {
			ri, rj := priorityRank(tasks[i].Priority), priorityRank(tasks[j].Priority)
			if ri != rj {
				return ri < rj
			}
			if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
				return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
			}
			return tasks[i].TaskID < tasks[j].TaskID
		})
	}
	return out
}

// Overdue returns the non-terminal tasks that have outlived their TTL.
func (s *Store) Overdue(now time.Time) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if !t.Status.Terminal() && t.Overdue(now) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Assign flips a pending task to assigned.
func (s *Store) Assign(taskID, agentID string) (*Task, error) {
	return s.transition(taskID, StatusAssigned, func(t *Task) error {
		if t.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s, want pending", ErrInvalidStatus, taskID, t.Status)
		}
		now := s.clock.Now().UTC()
		t.AssignedTo = agentID
		t.AssignedAt = &now
		return nil
	})
}

// Start flips an assigned task to running.
func (s *Store) Start(taskID string) (*Task, error) {
	return s.transition(taskID, StatusRunning, func(t *Task) error {
		if t.Status != StatusAssigned {
			return fmt.Errorf("%w: %s is %s, want assigned", ErrInvalidStatus, taskID, t.Status)
		}
		return nil
	})
}

// Complete flips an assigned or running task to completed with its result.
func (s *Store) Complete(taskID string, result json.RawMessage) (*Task, error) {
	return s.transition(taskID, StatusCompleted, func(t *Task) error {
		if t.Status != StatusAssigned && t.Status != StatusRunning {
			return fmt.Errorf("%w: %s is %s, want assigned or running", ErrInvalidStatus, taskID, t.Status)
		}
		now := s.clock.Now().UTC()
		t.Result = result
		t.CompletedAt = &now
		return nil
	})
}

// Fail flips any non-terminal task to failed with an error string.
func (s *Store) Fail(taskID, errMsg string) (*Task, error) {
	return s.transition(taskID, StatusFailed, func(t *Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: %s is already %s", ErrInvalidStatus, taskID, t.Status)
		}
		now := s.clock.Now().UTC()
		t.Error = errMsg
		t.CompletedAt = &now
		return nil
	})
}

// Timeout flips any non-terminal task to timeout.
func (s *Store) Timeout(taskID string) (*Task, error) {
	return s.transition(taskID, StatusTimeout, func(t *Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: %s is already %s", ErrInvalidStatus, taskID, t.Status)
		}
		now := s.clock.Now().UTC()
		t.Error = "task timed out"
		t.CompletedAt = &now
		return nil
	})
}

// transition applies the guarded mutation and commits the new status under
// the store lock. The guard sees the row itself; returning an error aborts
// the transition untouched.
func (s *Store) transition(taskID string, to Status, guard func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := guard(t); err != nil {
		return nil, err
	}
	t.Status = to
	metrics.TasksTotal.WithLabelValues(string(to)).Inc()
	return t.Clone(), nil
}

// Purge removes terminal rows that completed before the cutoff and returns
// how many were dropped.
func (s *Store) Purge(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			purged++
		}
	}
	return purged
}

// DailyCount returns how many tasks were created on the UTC day of ts.
func (s *Store) DailyCount(ts time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[ts.UTC().Format(dailyKeyLayout)]
}

// PruneDaily drops creation counters for UTC days before the cutoff and
// returns how many day buckets were removed. The date layout orders
// lexically, so a string compare is a date compare.
func (s *Store) PruneDaily(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := cutoff.UTC().Format(dailyKeyLayout)
	pruned := 0
	for k := range s.daily {
		if k < day {
			delete(s.daily, k)
			pruned++
		}
	}
	return pruned
}
