package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/SissiFeng/ot2-piloting/config"
	"github.com/SissiFeng/ot2-piloting/errors"
	"github.com/SissiFeng/ot2-piloting/experiment"
	"github.com/SissiFeng/ot2-piloting/message"
	"github.com/SissiFeng/ot2-piloting/metric"
	"github.com/SissiFeng/ot2-piloting/quota"
	"github.com/SissiFeng/ot2-piloting/wellpool"
)

// Publisher is the outbound messaging dependency, satisfied by
// natsclient.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Recorder persists terminal results. Persistence is fire-and-forget: a
// failure is logged and never affects the caller-visible outcome.
type Recorder interface {
	SaveResult(ctx context.Context, result experiment.Result) error
}

// Options configures a Scheduler. Publisher, Wells, and Quota are required.
type Options struct {
	Config    config.SchedulerConfig
	Topics    config.TopicsConfig
	Publisher Publisher
	Wells     wellpool.Pool
	Quota     quota.Service
	Recorder  Recorder        // optional
	Metrics   *metric.Metrics // optional
	Logger    *slog.Logger    // optional
	Clock     func() time.Time
}

// Scheduler owns queue admission, the worker loop, the device event router,
// and result dispatch.
type Scheduler struct {
	cfg       config.SchedulerConfig
	topics    config.TopicsConfig
	publisher Publisher
	wells     wellpool.Pool
	quota     quota.Service
	recorder  Recorder
	metrics   *metric.Metrics
	logger    *slog.Logger
	clock     func() time.Time

	store *experiment.Store
	board *resultBoard

	// lastSensor holds the most recent sensor reading for the active task.
	sensorMu   sync.Mutex
	lastSensor *message.SensorData

	// submitSem bounds concurrent submission streams.
	submitSem chan struct{}
}

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Publisher == nil || opts.Wells == nil || opts.Quota == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("publisher, wells, and quota are required"),
			"Scheduler", "New", "validate options")
	}

	cfg := opts.Config
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.TimeoutBudget == 0 {
		cfg.TimeoutBudget = 165 * time.Second
	}
	if cfg.MaxTotalVolume == 0 {
		cfg.MaxTotalVolume = 300
	}
	if cfg.MaxComponentVolume == 0 {
		cfg.MaxComponentVolume = 300
	}
	if cfg.MaxConcurrentSubmissions == 0 {
		cfg.MaxConcurrentSubmissions = 3
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = metric.NewMetrics()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Scheduler{
		cfg:       cfg,
		topics:    opts.Topics,
		publisher: opts.Publisher,
		wells:     opts.Wells,
		quota:     opts.Quota,
		recorder:  opts.Recorder,
		metrics:   metrics,
		logger:    logger,
		clock:     clock,
		store:     experiment.NewStore(),
		board:     newResultBoard(logger),
		submitSem: make(chan struct{}, cfg.MaxConcurrentSubmissions),
	}, nil
}

// Store exposes the task store for read-side consumers (the HTTP gateway's
// status endpoint).
func (s *Scheduler) Store() *experiment.Store {
	return s.store
}

// Submit validates a submission, reserves resources, enqueues the task,
// and returns its progress stream. The stream emits queued, running, and a
// terminal event; or a single rejection event. The stream is closed after
// the terminal event.
//
// At most MaxConcurrentSubmissions streams run at once; excess submissions
// block here until a slot frees or ctx expires.
func (s *Scheduler) Submit(ctx context.Context, userID string, r, y, b float64) (<-chan Progress, error) {
	select {
	case s.submitSem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "Scheduler", "Submit", "acquire submission slot")
	}

	out := make(chan Progress, 4)
	go func() {
		defer close(out)
		defer func() { <-s.submitSem }()
		s.runSubmission(ctx, out, userID, message.Volumes{R: r, Y: y, B: b})
	}()
	return out, nil
}

func (s *Scheduler) runSubmission(ctx context.Context, out chan<- Progress, userID string, vol message.Volumes) {
	logger := s.logger.With("user", userID)

	if reason, ok := s.validateVolumes(vol); !ok {
		logger.Info("submission rejected", "reason", reason)
		s.metrics.RecordExperiment("rejected")
		out <- Progress{Kind: EventRejectedVolume, Reason: reason}
		return
	}

	remaining, err := s.quota.Remaining(ctx, userID)
	if err != nil {
		logger.Error("quota lookup failed", "error", err)
		out <- Progress{Kind: EventRejectedQuota, Reason: "quota unavailable"}
		return
	}
	if remaining <= 0 {
		logger.Info("submission rejected", "reason", "quota exhausted")
		s.metrics.RecordExperiment("rejected")
		out <- Progress{Kind: EventRejectedQuota, Reason: "experiment quota exhausted"}
		return
	}

	unused, err := s.wells.FindUnused(ctx)
	if err != nil {
		logger.Info("submission rejected", "reason", "no wells", "error", err)
		s.metrics.RecordExperiment("rejected")
		out <- Progress{Kind: EventRejectedNoWells, Reason: "no unused wells available"}
		return
	}
	well := unused[0]

	task, position := s.store.Create(userID, vol, well, s.clock())
	token := task.Token
	logger = logger.With("experiment", token.ExperimentID)

	if err := s.wells.MarkUsed(ctx, []string{well}); err != nil {
		logger.Error("failed to mark well used", "well", well, "error", err)
	}
	if err := s.quota.Decrement(ctx, userID); err != nil {
		logger.Error("failed to decrement quota", "error", err)
	}
	s.metrics.RecordQueueDepth(s.store.QueueDepth())

	logger.Info("experiment queued", "well", well, "position", position)
	out <- Progress{Kind: EventQueued, Token: token, Well: well, Position: position}

	if !s.awaitRunning(ctx, token) {
		logger.Warn("caller abandoned submission before task started")
		s.abandonSubmission(token, logger)
		return
	}
	out <- Progress{Kind: EventRunning, Token: token, Well: well}

	result, err := s.board.Await(ctx, token)
	if err != nil {
		logger.Warn("caller abandoned submission before result arrived", "error", err)
		s.abandonSubmission(token, logger)
		return
	}
	s.store.Remove(token)

	kind := EventCompleted
	if result.Status != experiment.StatusCompleted {
		kind = EventTimedOut
	}
	logger.Info("experiment finished", "status", result.Status.String())
	out <- Progress{Kind: kind, Token: token, Well: well, Result: &result, Reason: result.Error}
}

// abandonSubmission releases a submission whose caller has gone away. The
// task must not stay in the store once its result exists, or Open would
// grow without bound; if the result is not in yet, the eventual depositor
// finds the slot abandoned and disposes of the task itself.
func (s *Scheduler) abandonSubmission(token message.Token, logger *slog.Logger) {
	if result, ok := s.board.Abandon(token); ok {
		s.store.Remove(token)
		logger.Info("discarded result of abandoned submission",
			"status", result.Status.String())
	}
}

// awaitRunning waits for the worker loop to flip the task out of queued.
// The caller has no direct callback from the worker, so this is a
// condition poll with a short interval, never a busy spin.
func (s *Scheduler) awaitRunning(ctx context.Context, token message.Token) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if task, ok := s.store.Task(token); ok && task.Status != experiment.StatusQueued {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) validateVolumes(vol message.Volumes) (string, bool) {
	for name, v := range map[string]float64{"r": vol.R, "y": vol.Y, "b": vol.B} {
		// NaN compares false against every bound, so reject non-finite
		// values explicitly before the range checks.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Sprintf("component %s volume is not a finite number", name), false
		}
		if v < 0 || v > s.cfg.MaxComponentVolume {
			return fmt.Sprintf("component %s volume %.1f outside [0, %.0f]",
				name, v, s.cfg.MaxComponentVolume), false
		}
	}
	if total := vol.Total(); total > s.cfg.MaxTotalVolume {
		return fmt.Sprintf("total volume %.1f exceeds %.0f", total, s.cfg.MaxTotalVolume), false
	}
	return "", true
}

// Run drives the worker loop until ctx is cancelled. It must be the only
// Run call for this Scheduler; the loop is the single consumer of the
// FIFO queue.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("worker loop started",
		"tick", s.cfg.TickInterval, "timeout_budget", s.cfg.TimeoutBudget)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("worker loop stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one worker loop cycle: enforce the timeout budget on the
// active task, or dispatch the next queued task. Exported so tests can
// drive the loop deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()

	if active, ok := s.store.Active(); ok {
		if active.Elapsed(now) > s.cfg.TimeoutBudget {
			s.timeoutActive(ctx, active, now)
		}
		// An active task owns the hardware; nothing else this cycle.
		return
	}

	task, ok, err := s.store.StartNext(now)
	if err != nil {
		// Invariant violation: the queue must only hold live queued keys.
		s.logger.Error("dequeue failed", "error", err)
		return
	}
	if !ok {
		return
	}

	s.setLastSensor(nil)
	s.metrics.ActiveExperiments.Set(1)
	s.metrics.RecordQueueDepth(s.store.QueueDepth())
	s.metrics.RecordDuration("queued", task.StartedAt.Sub(task.CreatedAt))

	s.logger.Info("dispatching experiment to device",
		"token", task.Token.String(), "well", task.Well,
		"r", task.Volumes.R, "y", task.Volumes.Y, "b", task.Volumes.B)

	cmd := message.NewMixCommand(task.Token, task.Volumes, task.Well)
	if err := s.publish(ctx, s.topics.MixCommand, cmd); err != nil {
		// Leave the task processing: the device may still have received an
		// earlier frame, and the timeout budget bounds the damage either way.
		s.logger.Error("failed to publish mix command",
			"token", task.Token.String(), "error", err)
	}
}

func (s *Scheduler) timeoutActive(ctx context.Context, active experiment.Task, now time.Time) {
	token := active.Token
	s.logger.Warn("experiment timed out",
		"token", token.String(), "elapsed", active.Elapsed(now), "budget", s.cfg.TimeoutBudget)

	// Notify the device so its own state machine can reset.
	if err := s.publish(ctx, s.topics.MixCommand, message.NewTimeoutCommand(token)); err != nil {
		s.logger.Error("failed to publish timeout command",
			"token", token.String(), "error", err)
	}

	task, err := s.store.FinalizeActive(token, experiment.StatusTimedOut)
	if err != nil {
		s.logger.Error("failed to finalize timed-out task", "error", err)
		return
	}

	s.metrics.ActiveExperiments.Set(0)
	s.metrics.RecordExperiment("timed_out")
	s.metrics.RecordDuration("processing", now.Sub(task.StartedAt))
	s.setLastSensor(nil)

	result := experiment.Result{
		Token:       token,
		Volumes:     task.Volumes,
		Well:        task.Well,
		Status:      experiment.StatusTimedOut,
		StartedAt:   task.StartedAt,
		CompletedAt: now,
		Error:       errors.ErrDeviceTimeout.Error(),
	}
	if err := s.board.Deposit(token, result); err != nil {
		if stderrors.Is(err, errResultUnclaimed) {
			s.store.Remove(token)
			s.logger.Info("submitter gone, dropping timeout result", "token", token.String())
		} else {
			s.logger.Warn("timeout result not deposited", "token", token.String(), "error", err)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, subject string, cmd message.DeviceCommand) error {
	data, err := cmd.Marshal()
	if err != nil {
		return errors.WrapFatal(err, "Scheduler", "publish", "encode command")
	}
	return s.publisher.Publish(ctx, subject, data)
}

func (s *Scheduler) setLastSensor(sd *message.SensorData) {
	s.sensorMu.Lock()
	defer s.sensorMu.Unlock()
	s.lastSensor = sd
}

func (s *Scheduler) takeLastSensor() *message.SensorData {
	s.sensorMu.Lock()
	defer s.sensorMu.Unlock()
	sd := s.lastSensor
	s.lastSensor = nil
	return sd
}
