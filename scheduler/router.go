package scheduler

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/SissiFeng/ot2-piloting/experiment"
	"github.com/SissiFeng/ot2-piloting/message"
)

// Inbound event types for metrics.
const (
	eventTypeDeviceStatus = "device_status"
	eventTypeSensorData   = "sensor_data"
)

// Inbound event outcomes for metrics.
const (
	outcomeAccepted         = "accepted"
	outcomeDroppedMalformed = "dropped_malformed"
	outcomeDroppedIdle      = "dropped_idle"
	outcomeDroppedStale     = "dropped_stale"
)

// HandleDeviceStatus processes an inbound device-status event. Wire this to
// the device status topic subscription.
func (s *Scheduler) HandleDeviceStatus(ctx context.Context, data []byte) {
	ds, err := message.ParseDeviceStatus(data)
	if err != nil {
		s.logger.Warn("dropping malformed device status", "error", err)
		s.metrics.RecordDeviceEvent(eventTypeDeviceStatus, outcomeDroppedMalformed)
		return
	}

	active, ok := s.matchActive(eventTypeDeviceStatus, ds.SessionID, ds.ExperimentID)
	if !ok {
		return
	}
	s.metrics.RecordDeviceEvent(eventTypeDeviceStatus, outcomeAccepted)

	switch ds.Status.SensorStatus {
	case message.StatusInPlace:
		// Plate positioned under the sensor: ask for a reading.
		s.logger.Info("device in place, requesting sensor read", "token", active.Token.String())
		cmd := message.NewSensorReadCommand(active.Token, active.Volumes, active.Well)
		if err := s.publish(ctx, s.topics.SensorCommand, cmd); err != nil {
			s.logger.Error("failed to publish sensor read command",
				"token", active.Token.String(), "error", err)
		}

	case message.StatusCharging:
		// Device back to idle: the measurement cycle is complete.
		s.completeActive(ctx, active)
	}
}

// HandleSensorData processes an inbound sensor measurement. Wire this to
// the sensor data topic subscription.
func (s *Scheduler) HandleSensorData(ctx context.Context, data []byte) {
	sd, err := message.ParseSensorData(data)
	if err != nil {
		s.logger.Warn("dropping malformed sensor data", "error", err)
		s.metrics.RecordDeviceEvent(eventTypeSensorData, outcomeDroppedMalformed)
		return
	}

	active, ok := s.matchActive(eventTypeSensorData, sd.SessionID, sd.ExperimentID)
	if !ok {
		return
	}
	s.metrics.RecordDeviceEvent(eventTypeSensorData, outcomeAccepted)

	s.setLastSensor(&sd)
	s.logger.Info("sensor data received",
		"token", active.Token.String(), "channels", len(sd.SensorData))

	// Confirm the read so the device state machine advances toward charging.
	cmd := message.NewSensorReadCommand(active.Token, active.Volumes, active.Well)
	if err := s.publish(ctx, s.topics.SensorCommand, cmd); err != nil {
		s.logger.Error("failed to publish read confirmation",
			"token", active.Token.String(), "error", err)
	}
}

// matchActive validates an inbound event's session token against the
// currently-processing task. Events arriving while no task is active, or
// carrying a token that does not match, are invariant violations from the
// core's perspective: they are logged and dropped, never applied to queued
// or finalized tasks.
func (s *Scheduler) matchActive(eventType, sessionID, experimentID string) (experiment.Task, bool) {
	active, ok := s.store.Active()
	if !ok {
		s.logger.Warn("dropping event with no active task",
			"type", eventType, "session", sessionID, "experiment", experimentID)
		s.metrics.RecordDeviceEvent(eventType, outcomeDroppedIdle)
		return experiment.Task{}, false
	}
	if !active.Token.Matches(sessionID, experimentID) {
		s.logger.Warn("dropping event for stale session",
			"type", eventType, "session", sessionID, "experiment", experimentID,
			"active", active.Token.String())
		s.metrics.RecordDeviceEvent(eventType, outcomeDroppedStale)
		return experiment.Task{}, false
	}
	return active, true
}

func (s *Scheduler) completeActive(ctx context.Context, active experiment.Task) {
	now := s.clock()
	token := active.Token

	// The token was matched before this call; re-verifying it inside
	// FinalizeActive closes the window where the worker loop times the
	// task out and starts its successor in between.
	task, err := s.store.FinalizeActive(token, experiment.StatusCompleted)
	if err != nil {
		s.logger.Warn("active task changed since event matched, dropping completion",
			"token", token.String(), "error", err)
		s.metrics.RecordDeviceEvent(eventTypeDeviceStatus, outcomeDroppedStale)
		return
	}

	result := experiment.Result{
		Token:       token,
		Volumes:     task.Volumes,
		Well:        task.Well,
		Status:      experiment.StatusCompleted,
		StartedAt:   task.StartedAt,
		CompletedAt: now,
	}
	if sd := s.takeLastSensor(); sd != nil {
		result.SensorData = sd.SensorData
	} else {
		s.logger.Warn("completing without sensor data", "token", token.String())
	}

	s.metrics.ActiveExperiments.Set(0)
	s.metrics.RecordExperiment("completed")
	s.metrics.RecordDuration("processing", now.Sub(task.StartedAt))

	s.logger.Info("experiment completed", "token", token.String(), "well", task.Well)

	if err := s.board.Deposit(token, result); err != nil {
		if stderrors.Is(err, errResultUnclaimed) {
			s.store.Remove(token)
			s.logger.Info("submitter gone, dropping completion result", "token", token.String())
		} else {
			s.logger.Warn("completion result not deposited",
				"token", token.String(), "error", err)
		}
	}

	if s.recorder != nil {
		// Fire-and-forget: persistence failures never reach the caller.
		go func() {
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := s.recorder.SaveResult(saveCtx, result); err != nil {
				s.logger.Error("failed to persist result",
					"token", token.String(), "error", err)
			}
		}()
	}
}
