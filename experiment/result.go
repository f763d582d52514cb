package experiment

import (
	"time"

	"github.com/SissiFeng/ot2-piloting/message"
)

// Result is the terminal outcome of a task, delivered exactly once to the
// caller that submitted it and optionally persisted by a recorder.
type Result struct {
	Token       message.Token      `json:"token"`
	Volumes     message.Volumes    `json:"volumes"`
	Well        string             `json:"well"`
	Status      Status             `json:"status"`
	SensorData  map[string]float64 `json:"sensor_data,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	Error       string             `json:"error,omitempty"`
}

// Succeeded reports whether the experiment completed with a measurement.
func (r Result) Succeeded() bool {
	return r.Status == StatusCompleted
}
