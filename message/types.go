package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device status vocabulary published by the OT-2 firmware.
const (
	// StatusInPlace signals the pipetting head has finished mixing and the
	// plate is positioned under the sensor.
	StatusInPlace = "in_place"
	// StatusCharging signals the device returned to idle; the measurement
	// cycle for the active experiment is complete.
	StatusCharging = "charging"
	// StatusSensorTimeout is sent by the coordinator to reset the device
	// after a task exceeds its response budget.
	StatusSensorTimeout = "sensor_timeout"
)

// Token is the session token correlating asynchronous device events with
// the task that issued the originating command. It is the only correlation
// mechanism the protocol offers.
type Token struct {
	UserID       string `json:"user_id"`
	ExperimentID string `json:"experiment_id"`
}

// String renders the token for logging.
func (t Token) String() string {
	return fmt.Sprintf("%s/%s", t.UserID, t.ExperimentID)
}

// IsZero reports whether the token is empty.
func (t Token) IsZero() bool {
	return t.UserID == "" && t.ExperimentID == ""
}

// Matches reports whether an inbound event's identity fields echo this token.
func (t Token) Matches(sessionID, experimentID string) bool {
	return !t.IsZero() && t.UserID == sessionID && t.ExperimentID == experimentID
}

// Volumes carries the three component volumes of a mix, in microliters.
type Volumes struct {
	R float64 `json:"R"`
	Y float64 `json:"Y"`
	B float64 `json:"B"`
}

// Total returns the summed volume.
func (v Volumes) Total() float64 {
	return v.R + v.Y + v.B
}

// CommandBody is the command object of an outbound device message. Mix and
// sensor-read commands fill the volume and well fields; the timeout command
// fills only SensorStatus.
type CommandBody struct {
	R            *float64 `json:"R,omitempty"`
	Y            *float64 `json:"Y,omitempty"`
	B            *float64 `json:"B,omitempty"`
	Well         string   `json:"well,omitempty"`
	SensorStatus string   `json:"sensor_status,omitempty"`
}

// DeviceCommand is an outbound message to the robot or sensor.
type DeviceCommand struct {
	Command      CommandBody `json:"command"`
	ExperimentID string      `json:"experiment_id"`
	SessionID    string      `json:"session_id"`
	Timestamp    float64     `json:"timestamp,omitempty"`
}

// NewMixCommand builds the pipette/mix command for a task.
func NewMixCommand(token Token, vol Volumes, well string) DeviceCommand {
	return newVolumeCommand(token, vol, well)
}

// NewSensorReadCommand builds the sensor-read command carrying the same
// parameters as the originating mix so the sensor firmware can log them.
func NewSensorReadCommand(token Token, vol Volumes, well string) DeviceCommand {
	return newVolumeCommand(token, vol, well)
}

func newVolumeCommand(token Token, vol Volumes, well string) DeviceCommand {
	r, y, b := vol.R, vol.Y, vol.B
	return DeviceCommand{
		Command: CommandBody{
			R:    &r,
			Y:    &y,
			B:    &b,
			Well: well,
		},
		ExperimentID: token.ExperimentID,
		SessionID:    token.UserID,
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// NewTimeoutCommand builds the command notifying the device that the
// coordinator gave up waiting, so the firmware can reset its own state.
func NewTimeoutCommand(token Token) DeviceCommand {
	return DeviceCommand{
		Command:      CommandBody{SensorStatus: StatusSensorTimeout},
		ExperimentID: token.ExperimentID,
		SessionID:    token.UserID,
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// Marshal encodes the command for publishing.
func (c DeviceCommand) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// StatusBody is the status object of an inbound device-status message.
type StatusBody struct {
	SensorStatus string `json:"sensor_status"`
}

// DeviceStatus is an inbound status event from the robot.
type DeviceStatus struct {
	Status       StatusBody `json:"status"`
	ExperimentID string     `json:"experiment_id"`
	SessionID    string     `json:"session_id"`
	Timestamp    float64    `json:"timestamp,omitempty"`
}

// ParseDeviceStatus decodes and validates an inbound device-status payload.
func ParseDeviceStatus(data []byte) (DeviceStatus, error) {
	var ds DeviceStatus
	if err := json.Unmarshal(data, &ds); err != nil {
		return DeviceStatus{}, fmt.Errorf("decode device status: %w", err)
	}
	switch ds.Status.SensorStatus {
	case StatusInPlace, StatusCharging:
		return ds, nil
	default:
		return DeviceStatus{}, fmt.Errorf("unknown sensor_status %q", ds.Status.SensorStatus)
	}
}

// SensorData is an inbound measurement from the color sensor. The channel
// map is opaque to the coordinator; in practice it holds the AS7341 bands
// ch410 through ch670.
type SensorData struct {
	SensorData   map[string]float64 `json:"sensor_data"`
	ExperimentID string             `json:"experiment_id"`
	SessionID    string             `json:"session_id"`
	Timestamp    float64            `json:"timestamp,omitempty"`
}

// ParseSensorData decodes and validates an inbound sensor-data payload.
func ParseSensorData(data []byte) (SensorData, error) {
	var sd SensorData
	if err := json.Unmarshal(data, &sd); err != nil {
		return SensorData{}, fmt.Errorf("decode sensor data: %w", err)
	}
	if sd.SensorData == nil {
		return SensorData{}, fmt.Errorf("sensor_data field missing")
	}
	return sd, nil
}
