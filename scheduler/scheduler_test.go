package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SissiFeng/ot2-piloting/config"
	"github.com/SissiFeng/ot2-piloting/experiment"
	"github.com/SissiFeng/ot2-piloting/message"
	"github.com/SissiFeng/ot2-piloting/quota"
	"github.com/SissiFeng/ot2-piloting/wellpool"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]published, len(p.msgs))
	copy(out, p.msgs)
	return out
}

func (p *fakePublisher) onSubject(subject string) []published {
	var out []published
	for _, m := range p.published() {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorded struct {
	mu      sync.Mutex
	results []experiment.Result
}

func (r *recorded) SaveResult(_ context.Context, result experiment.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

type testRig struct {
	scheduler *Scheduler
	publisher *fakePublisher
	clock     *fakeClock
	quota     *quota.MemoryService
	wells     *wellpool.MemoryPool
	recorder  *recorded
}

var testTopics = config.TopicsConfig{
	DeviceStatus:  "status.dev.complete",
	SensorData:    "sensor.dev.as7341",
	MixCommand:    "command.dev.mix",
	SensorCommand: "command.dev.read",
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	rig := &testRig{
		publisher: &fakePublisher{},
		clock:     &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		quota:     quota.NewMemoryService(10),
		wells:     wellpool.NewMemoryPool(),
		recorder:  &recorded{},
	}

	scheduler, err := New(Options{
		Config: config.SchedulerConfig{
			TickInterval:             time.Second,
			TimeoutBudget:            165 * time.Second,
			MaxTotalVolume:           300,
			MaxComponentVolume:       300,
			MaxConcurrentSubmissions: 3,
		},
		Topics:    testTopics,
		Publisher: rig.publisher,
		Wells:     rig.wells,
		Quota:     rig.quota,
		Recorder:  rig.recorder,
		Clock:     rig.clock.Now,
	})
	require.NoError(t, err)
	rig.scheduler = scheduler
	return rig
}

func nextEvent(t *testing.T, stream <-chan Progress) Progress {
	t.Helper()
	select {
	case event, ok := <-stream:
		require.True(t, ok, "stream closed before expected event")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for progress event")
		return Progress{}
	}
}

func statusPayload(token message.Token, sensorStatus string) []byte {
	data, _ := json.Marshal(message.DeviceStatus{
		Status:       message.StatusBody{SensorStatus: sensorStatus},
		ExperimentID: token.ExperimentID,
		SessionID:    token.UserID,
	})
	return data
}

func sensorPayload(token message.Token, channels map[string]float64) []byte {
	data, _ := json.Marshal(message.SensorData{
		SensorData:   channels,
		ExperimentID: token.ExperimentID,
		SessionID:    token.UserID,
	})
	return data
}

// Scenario A: full happy path through the device handshake.
func TestSubmit_CompletesThroughHandshake(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	stream, err := rig.scheduler.Submit(ctx, "s1", 100, 100, 100)
	require.NoError(t, err)

	queued := nextEvent(t, stream)
	assert.Equal(t, EventQueued, queued.Kind)
	assert.Equal(t, "A1", queued.Well, "first submission gets the first plate well")
	assert.Equal(t, 1, queued.Position)
	token := queued.Token

	rig.scheduler.Tick(ctx)

	running := nextEvent(t, stream)
	assert.Equal(t, EventRunning, running.Kind)

	mixes := rig.publisher.onSubject(testTopics.MixCommand)
	require.Len(t, mixes, 1)
	var mix message.DeviceCommand
	require.NoError(t, json.Unmarshal(mixes[0].data, &mix))
	assert.Equal(t, token.ExperimentID, mix.ExperimentID)
	assert.Equal(t, "s1", mix.SessionID)
	assert.Equal(t, 100.0, *mix.Command.R)
	assert.Equal(t, "A1", mix.Command.Well)

	// Device: plate in position -> coordinator requests a sensor read.
	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(token, message.StatusInPlace))
	reads := rig.publisher.onSubject(testTopics.SensorCommand)
	require.Len(t, reads, 1)

	// Sensor replies -> coordinator confirms the read.
	rig.scheduler.HandleSensorData(ctx, sensorPayload(token, map[string]float64{"ch410": 100, "ch670": 800}))
	assert.Len(t, rig.publisher.onSubject(testTopics.SensorCommand), 2)

	// Device returns to charging -> measurement cycle complete.
	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(token, message.StatusCharging))

	terminal := nextEvent(t, stream)
	assert.Equal(t, EventCompleted, terminal.Kind)
	require.NotNil(t, terminal.Result)
	assert.Equal(t, message.Volumes{R: 100, Y: 100, B: 100}, terminal.Result.Volumes)
	assert.Equal(t, "A1", terminal.Result.Well)
	assert.Equal(t, 800.0, terminal.Result.SensorData["ch670"])
	assert.True(t, terminal.Result.Succeeded())

	_, ok := <-stream
	assert.False(t, ok, "stream closes after the terminal event")

	// The task is destroyed once its result is dispatched.
	assert.Equal(t, 0, rig.scheduler.Store().Open())
}

// Scenario B: over-cap volumes are rejected before any state exists.
func TestSubmit_RejectsVolume(t *testing.T) {
	rig := newTestRig(t)

	stream, err := rig.scheduler.Submit(context.Background(), "s1", 200, 150, 0)
	require.NoError(t, err)

	event := nextEvent(t, stream)
	assert.Equal(t, EventRejectedVolume, event.Kind)
	assert.True(t, event.Kind.Rejected())

	_, ok := <-stream
	assert.False(t, ok)

	// No task created, no well consumed, no quota spent.
	assert.Equal(t, 0, rig.scheduler.Store().Open())
	unused, err := rig.wells.FindUnused(context.Background())
	require.NoError(t, err)
	assert.Len(t, unused, 96)
	remaining, _ := rig.quota.Remaining(context.Background(), "s1")
	assert.Equal(t, 10, remaining)
}

func TestSubmit_RejectsComponentOutOfRange(t *testing.T) {
	rig := newTestRig(t)

	stream, err := rig.scheduler.Submit(context.Background(), "s1", -1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, EventRejectedVolume, nextEvent(t, stream).Kind)
}

func TestSubmit_RejectsNonFiniteVolumes(t *testing.T) {
	cases := []struct {
		name    string
		r, y, b float64
	}{
		{"nan component", math.NaN(), 10, 10},
		{"positive infinity", 10, math.Inf(1), 10},
		{"negative infinity", 10, 10, math.Inf(-1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t)
			ctx := context.Background()

			stream, err := rig.scheduler.Submit(ctx, "s1", tc.r, tc.y, tc.b)
			require.NoError(t, err)

			event := nextEvent(t, stream)
			assert.Equal(t, EventRejectedVolume, event.Kind)

			_, ok := <-stream
			assert.False(t, ok)

			// Rejection happens before any state exists, so the worker
			// has nothing to dispatch.
			assert.Equal(t, 0, rig.scheduler.Store().Open())
			rig.scheduler.Tick(ctx)
			assert.Empty(t, rig.publisher.onSubject(testTopics.MixCommand))
			unused, err := rig.wells.FindUnused(ctx)
			require.NoError(t, err)
			assert.Len(t, unused, 96)
		})
	}
}

func TestSubmit_RejectsQuota(t *testing.T) {
	rig := newTestRig(t)
	rig.quota.Set("s1", 0)

	stream, err := rig.scheduler.Submit(context.Background(), "s1", 10, 10, 10)
	require.NoError(t, err)

	event := nextEvent(t, stream)
	assert.Equal(t, EventRejectedQuota, event.Kind)
	assert.Equal(t, 0, rig.scheduler.Store().Open())
}

func TestSubmit_RejectsWhenPlateExhausted(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.wells.MarkUsed(context.Background(), wellpool.AllWells()))

	stream, err := rig.scheduler.Submit(context.Background(), "s1", 10, 10, 10)
	require.NoError(t, err)

	event := nextEvent(t, stream)
	assert.Equal(t, EventRejectedNoWells, event.Kind)
	assert.Equal(t, 0, rig.scheduler.Store().Open())
}

// Scenario C: FIFO order, single active slot.
func TestSubmit_FIFOSingleActive(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s1, err := rig.scheduler.Submit(ctx, "s1", 10, 10, 10)
	require.NoError(t, err)
	q1 := nextEvent(t, s1)
	require.Equal(t, EventQueued, q1.Kind)

	s2, err := rig.scheduler.Submit(ctx, "s2", 20, 20, 20)
	require.NoError(t, err)
	q2 := nextEvent(t, s2)
	require.Equal(t, EventQueued, q2.Kind)
	assert.Equal(t, 2, q2.Position)

	rig.scheduler.Tick(ctx)
	assert.Equal(t, EventRunning, nextEvent(t, s1).Kind)

	// s2 must stay queued while s1 holds the hardware.
	task2, ok := rig.scheduler.Store().Task(q2.Token)
	require.True(t, ok)
	assert.Equal(t, experiment.StatusQueued, task2.Status)

	// Further ticks must not start s2.
	rig.scheduler.Tick(ctx)
	task2, _ = rig.scheduler.Store().Task(q2.Token)
	assert.Equal(t, experiment.StatusQueued, task2.Status)
	assert.Len(t, rig.publisher.onSubject(testTopics.MixCommand), 1)

	// Complete s1; the next tick starts s2.
	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(q1.Token, message.StatusInPlace))
	rig.scheduler.HandleSensorData(ctx, sensorPayload(q1.Token, map[string]float64{"ch410": 1}))
	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(q1.Token, message.StatusCharging))
	require.Equal(t, EventCompleted, nextEvent(t, s1).Kind)

	rig.scheduler.Tick(ctx)
	assert.Equal(t, EventRunning, nextEvent(t, s2).Kind)
	assert.Len(t, rig.publisher.onSubject(testTopics.MixCommand), 2)
}

// Scenario D: no device response within the budget forces a timeout.
func TestTimeout_ForcedFinalization(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	stream, err := rig.scheduler.Submit(ctx, "s1", 10, 10, 10)
	require.NoError(t, err)
	queued := nextEvent(t, stream)
	token := queued.Token

	rig.scheduler.Tick(ctx)
	require.Equal(t, EventRunning, nextEvent(t, stream).Kind)

	// One second short of the budget: nothing happens.
	rig.clock.Advance(164 * time.Second)
	rig.scheduler.Tick(ctx)
	assert.Len(t, rig.publisher.onSubject(testTopics.MixCommand), 1)

	// Past the budget: timeout command published, task finalized.
	rig.clock.Advance(2 * time.Second)
	rig.scheduler.Tick(ctx)

	mixes := rig.publisher.onSubject(testTopics.MixCommand)
	require.Len(t, mixes, 2, "exactly one timeout command after the mix command")
	var timeoutCmd message.DeviceCommand
	require.NoError(t, json.Unmarshal(mixes[1].data, &timeoutCmd))
	assert.Equal(t, message.StatusSensorTimeout, timeoutCmd.Command.SensorStatus)
	assert.Equal(t, token.ExperimentID, timeoutCmd.ExperimentID)
	assert.Equal(t, "s1", timeoutCmd.SessionID)

	terminal := nextEvent(t, stream)
	assert.Equal(t, EventTimedOut, terminal.Kind)
	require.NotNil(t, terminal.Result)
	assert.Equal(t, experiment.StatusTimedOut, terminal.Result.Status)
	assert.NotEmpty(t, terminal.Result.Error)

	// Subsequent ticks must not emit another timeout command.
	rig.clock.Advance(300 * time.Second)
	rig.scheduler.Tick(ctx)
	assert.Len(t, rig.publisher.onSubject(testTopics.MixCommand), 2)
}

// Scenario E: events that do not match the active session are dropped
// without touching task state, and redelivery is idempotent.
func TestRouter_DropsStaleAndIdleEvents(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// No active task at all: both handlers drop silently.
	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(message.Token{UserID: "x", ExperimentID: "deadbeef"}, message.StatusCharging))
	rig.scheduler.HandleSensorData(ctx, sensorPayload(message.Token{UserID: "x", ExperimentID: "deadbeef"}, map[string]float64{"ch410": 1}))
	assert.Empty(t, rig.publisher.published())

	stream, err := rig.scheduler.Submit(ctx, "s1", 10, 10, 10)
	require.NoError(t, err)
	queued := nextEvent(t, stream)
	rig.scheduler.Tick(ctx)
	require.Equal(t, EventRunning, nextEvent(t, stream).Kind)

	stale := message.Token{UserID: "s1", ExperimentID: "ffffffff"}

	// Stale sensor data: no confirm-read, no state change.
	before := len(rig.publisher.published())
	rig.scheduler.HandleSensorData(ctx, sensorPayload(stale, map[string]float64{"ch410": 42}))
	rig.scheduler.HandleSensorData(ctx, sensorPayload(stale, map[string]float64{"ch410": 42}))
	assert.Len(t, rig.publisher.published(), before, "stale events publish nothing")

	// Stale charging event must not finalize the active task.
	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(stale, message.StatusCharging))
	active, ok := rig.scheduler.Store().Active()
	require.True(t, ok)
	assert.Equal(t, queued.Token, active.Token)
	assert.Equal(t, experiment.StatusProcessing, active.Status)
}

func TestRouter_DropsMalformedPayloads(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.scheduler.HandleDeviceStatus(ctx, []byte("not json"))
	rig.scheduler.HandleDeviceStatus(ctx, []byte(`{"status":{"sensor_status":"bogus"}}`))
	rig.scheduler.HandleSensorData(ctx, []byte("not json"))
	assert.Empty(t, rig.publisher.published())
}

func TestRouter_CompletionWithoutSensorData(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	stream, err := rig.scheduler.Submit(ctx, "s1", 10, 10, 10)
	require.NoError(t, err)
	queued := nextEvent(t, stream)
	rig.scheduler.Tick(ctx)
	require.Equal(t, EventRunning, nextEvent(t, stream).Kind)

	// Device skips straight to charging: result completes, data empty.
	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(queued.Token, message.StatusCharging))

	terminal := nextEvent(t, stream)
	assert.Equal(t, EventCompleted, terminal.Kind)
	assert.Nil(t, terminal.Result.SensorData)
}

func TestRecorder_ReceivesCompletedResults(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	stream, err := rig.scheduler.Submit(ctx, "s1", 10, 10, 10)
	require.NoError(t, err)
	queued := nextEvent(t, stream)
	rig.scheduler.Tick(ctx)
	require.Equal(t, EventRunning, nextEvent(t, stream).Kind)

	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(queued.Token, message.StatusInPlace))
	rig.scheduler.HandleSensorData(ctx, sensorPayload(queued.Token, map[string]float64{"ch550": 500}))
	rig.scheduler.HandleDeviceStatus(ctx, statusPayload(queued.Token, message.StatusCharging))
	require.Equal(t, EventCompleted, nextEvent(t, stream).Kind)

	require.Eventually(t, func() bool {
		rig.recorder.mu.Lock()
		defer rig.recorder.mu.Unlock()
		return len(rig.recorder.results) == 1
	}, 2*time.Second, 10*time.Millisecond, "recorder should receive the result")

	rig.recorder.mu.Lock()
	defer rig.recorder.mu.Unlock()
	assert.Equal(t, queued.Token, rig.recorder.results[0].Token)
	assert.Equal(t, 500.0, rig.recorder.results[0].SensorData["ch550"])
}

func TestSubmit_AbandonedStreamReleasesTask(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := rig.scheduler.Submit(ctx, "s1", 10, 10, 10)
	require.NoError(t, err)
	require.Equal(t, EventQueued, nextEvent(t, stream).Kind)

	// The caller walks away while the task is still queued. The task runs
	// to its terminal state anyway and must not stay behind afterwards.
	cancel()

	background := context.Background()
	rig.scheduler.Tick(background)
	rig.clock.Advance(166 * time.Second)
	rig.scheduler.Tick(background)

	require.Eventually(t, func() bool {
		return rig.scheduler.Store().Open() == 0 && rig.scheduler.board.open() == 0
	}, 5*time.Second, 10*time.Millisecond, "abandoned task was never released")

	// The consumed well stays consumed; abandonment never recycles it.
	unused, err := rig.wells.FindUnused(background)
	require.NoError(t, err)
	assert.Len(t, unused, 95)
}

func TestSubmit_BoundedConcurrency(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Fill all three submission slots with streams that stay open.
	var streams []<-chan Progress
	for i := 0; i < 3; i++ {
		stream, err := rig.scheduler.Submit(ctx, fmt.Sprintf("user-%d", i), 10, 10, 10)
		require.NoError(t, err)
		require.Equal(t, EventQueued, nextEvent(t, stream).Kind)
		streams = append(streams, stream)
	}

	// The fourth submission cannot acquire a slot.
	blockedCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err := rig.scheduler.Submit(blockedCtx, "user-4", 10, 10, 10)
	assert.Error(t, err)
	_ = streams
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

// The worker loop keeps exactly one task processing at any instant even
// under concurrent submissions and ticks.
func TestInvariant_SingleProcessing(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var streams []<-chan Progress
	for i := 0; i < 3; i++ {
		stream, err := rig.scheduler.Submit(ctx, fmt.Sprintf("user-%d", i), 5, 5, 5)
		require.NoError(t, err)
		require.Equal(t, EventQueued, nextEvent(t, stream).Kind)
		streams = append(streams, stream)
	}

	for i := 0; i < 5; i++ {
		rig.scheduler.Tick(ctx)
	}

	processing := 0
	for _, stream := range streams {
		select {
		case event := <-stream:
			if event.Kind == EventRunning {
				processing++
			}
		case <-time.After(time.Second):
		}
	}
	assert.Equal(t, 1, processing, "exactly one task may reach processing")
	assert.Len(t, rig.publisher.onSubject(testTopics.MixCommand), 1)
}
