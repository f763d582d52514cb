package experiment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SissiFeng/ot2-piloting/message"
)

// Status represents the lifecycle state of a task
type Status int

// Task lifecycle states. Transitions are one-directional:
// queued -> processing -> {completed | timed_out | errored}.
const (
	StatusQueued Status = iota
	StatusProcessing
	StatusCompleted
	StatusTimedOut
	StatusErrored
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusTimedOut:
		return "timed_out"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ParseStatus maps a stored string form back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "queued":
		return StatusQueued, nil
	case "processing":
		return StatusProcessing, nil
	case "completed":
		return StatusCompleted, nil
	case "timed_out":
		return StatusTimedOut, nil
	case "errored":
		return StatusErrored, nil
	default:
		return StatusQueued, fmt.Errorf("unknown status %q", s)
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimedOut || s == StatusErrored
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the string form.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Task is one experiment request, queued or in flight. Tasks are owned by
// the Store while alive; callers only ever see copies.
type Task struct {
	Token     message.Token   `json:"token"`
	Volumes   message.Volumes `json:"volumes"`
	Well      string          `json:"well"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt time.Time       `json:"started_at,omitempty"`
}

// Elapsed returns the time the task has spent processing.
func (t Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(t.StartedAt)
}

// newExperimentID generates a fresh 8-hex-character experiment identifier.
func newExperimentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
