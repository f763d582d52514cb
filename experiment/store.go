package experiment

import (
	"fmt"
	"sync"
	"time"

	"github.com/SissiFeng/ot2-piloting/errors"
	"github.com/SissiFeng/ot2-piloting/message"
)

// Store owns every live task, the FIFO queue of pending task keys, and the
// active-task slot. All mutation goes through its single mutex.
type Store struct {
	mu     sync.Mutex
	tasks  map[message.Token]*Task
	fifo   []message.Token
	active *message.Token
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{
		tasks: make(map[message.Token]*Task),
	}
}

// Create builds a task in status queued with a fresh unique experiment id,
// inserts it into the table, and appends its key to the FIFO queue. It
// returns a copy of the task and its 1-based queue position.
func (s *Store) Create(userID string, vol message.Volumes, well string, now time.Time) (Task, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := message.Token{UserID: userID, ExperimentID: newExperimentID()}
	// 8 hex chars are collision-resistant, but the key must be unique among
	// currently-open tasks, so regenerate on the off chance.
	for {
		if _, exists := s.tasks[token]; !exists {
			break
		}
		token.ExperimentID = newExperimentID()
	}

	task := &Task{
		Token:     token,
		Volumes:   vol,
		Well:      well,
		Status:    StatusQueued,
		CreatedAt: now,
	}
	s.tasks[token] = task
	s.fifo = append(s.fifo, token)

	return *task, len(s.fifo)
}

// Task returns a copy of the task for the given token.
func (s *Store) Task(token message.Token) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[token]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Active returns a copy of the currently-processing task, if any.
func (s *Store) Active() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return Task{}, false
	}
	return *s.tasks[*s.active], true
}

// StartNext pops the next key from the FIFO queue, flips its task to
// processing, records the start timestamp, and claims the active slot.
// It returns false with a nil error when the queue is empty, and an error
// when a task is already active or the popped key has no table entry (an
// invariant violation: the queue must never hold terminal or removed keys).
func (s *Store) StartNext(now time.Time) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return Task{}, false, errors.ErrTaskAlreadyActive
	}
	if len(s.fifo) == 0 {
		return Task{}, false, nil
	}

	token := s.fifo[0]
	s.fifo = s.fifo[1:]

	task, ok := s.tasks[token]
	if !ok {
		return Task{}, false, errors.WrapFatal(
			fmt.Errorf("queued key %s has no task entry", token),
			"Store", "StartNext", "dequeue")
	}
	if task.Status != StatusQueued {
		return Task{}, false, errors.WrapFatal(
			fmt.Errorf("queued key %s is in status %s", token, task.Status),
			"Store", "StartNext", "dequeue")
	}

	task.Status = StatusProcessing
	task.StartedAt = now
	s.active = &token

	return *task, true, nil
}

// FinalizeActive moves the active task to a terminal status and clears the
// active slot, returning a copy of the finalized task. The forced-timeout
// path and the completion path both land here, so the slot is cleared
// exactly once per task.
//
// The caller passes the token it matched against: the check-then-act risk of
// observing one active task and finalizing its successor is closed here,
// under the same lock that guards the slot. A token that no longer holds
// the slot gets ErrStaleEvent and changes nothing.
func (s *Store) FinalizeActive(token message.Token, status Status) (Task, error) {
	if !status.Terminal() {
		return Task{}, errors.WrapInvalid(
			fmt.Errorf("status %s is not terminal", status),
			"Store", "FinalizeActive", "validate status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return Task{}, errors.ErrNoActiveTask
	}
	if *s.active != token {
		return Task{}, errors.ErrStaleEvent
	}

	task := s.tasks[*s.active]
	task.Status = status
	s.active = nil

	return *task, nil
}

// Remove destroys a task after its terminal result has been dispatched.
// The key is never reused; the well it consumed stays consumed.
func (s *Store) Remove(token message.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, token)
}

// QueueDepth returns the number of tasks waiting in the FIFO queue.
func (s *Store) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fifo)
}

// Open returns the number of live tasks (queued, processing, or finalized
// but not yet removed).
func (s *Store) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
