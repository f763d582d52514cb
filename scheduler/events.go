package scheduler

import (
	"github.com/SissiFeng/ot2-piloting/experiment"
	"github.com/SissiFeng/ot2-piloting/message"
)

// EventKind identifies a progress event on a submission stream.
type EventKind string

// Progress event kinds. The three rejection kinds and the two terminal
// kinds end the stream; queued and running are intermediate.
const (
	EventQueued          EventKind = "queued"
	EventRunning         EventKind = "running"
	EventCompleted       EventKind = "completed"
	EventTimedOut        EventKind = "timed_out"
	EventRejectedVolume  EventKind = "rejected_volume"
	EventRejectedQuota   EventKind = "rejected_quota"
	EventRejectedNoWells EventKind = "rejected_no_wells"
)

// Terminal reports whether the event ends the submission stream.
func (k EventKind) Terminal() bool {
	switch k {
	case EventQueued, EventRunning:
		return false
	default:
		return true
	}
}

// Rejected reports whether the event is a submission-time rejection.
func (k EventKind) Rejected() bool {
	switch k {
	case EventRejectedVolume, EventRejectedQuota, EventRejectedNoWells:
		return true
	default:
		return false
	}
}

// Progress is one event on a submission stream.
type Progress struct {
	Kind EventKind `json:"kind"`
	// Token identifies the task once one exists; zero for rejections.
	Token message.Token `json:"token,omitempty"`
	// Well is the reserved well, set from the queued event onward.
	Well string `json:"well,omitempty"`
	// Position is the 1-based queue position snapshot on the queued event.
	Position int `json:"position,omitempty"`
	// Result carries the terminal outcome on completed/timed_out events.
	Result *experiment.Result `json:"result,omitempty"`
	// Reason explains rejections and timeouts.
	Reason string `json:"reason,omitempty"`
}
