// Package main implements a simulated OT-2 workcell for local development.
// The simulator plays the device side of the measurement handshake: it
// consumes mix commands, reports the plate in place, answers sensor reads
// with a fixed AS7341 spectrum, and returns to charging when the read is
// confirmed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/SissiFeng/ot2-piloting/config"
	"github.com/SissiFeng/ot2-piloting/message"
	"github.com/SissiFeng/ot2-piloting/natsclient"
)

// fixedSpectrum mirrors the readings the bench sensor produces for the
// calibration plate.
var fixedSpectrum = map[string]float64{
	"ch410": 100,
	"ch440": 200,
	"ch470": 300,
	"ch510": 400,
	"ch550": 500,
	"ch583": 600,
	"ch620": 700,
	"ch670": 800,
}

type simulator struct {
	client   *natsclient.Client
	topics   config.TopicsConfig
	logger   *slog.Logger
	mixDelay time.Duration

	// reads tracks which sessions already received sensor data, so the
	// second read command is treated as the confirmation.
	mu    sync.Mutex
	reads map[message.Token]bool
}

func main() {
	natsURL := flag.String("nats-url", getEnv("OT2_NATS_URL", "nats://localhost:4222"), "NATS server URL")
	mixDelay := flag.Duration("mix-delay", 2*time.Second, "Simulated pipetting duration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("service", "devicesim")
	slog.SetDefault(logger)

	if err := run(*natsURL, *mixDelay, logger); err != nil {
		logger.Error("simulator failed", "error", err)
		os.Exit(1)
	}
}

func run(natsURL string, mixDelay time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithClientName("devicesim"),
		natsclient.WithLogger(logger.With("component", "natsclient")),
	)
	if err != nil {
		return fmt.Errorf("create nats client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	topics := config.Default().Topics
	sim := &simulator{
		client:   client,
		topics:   topics,
		logger:   logger,
		mixDelay: mixDelay,
		reads:    make(map[message.Token]bool),
	}

	if err := client.Subscribe(ctx, topics.MixCommand, sim.handleMixCommand); err != nil {
		return fmt.Errorf("subscribe mix commands: %w", err)
	}
	if err := client.Subscribe(ctx, topics.SensorCommand, sim.handleSensorRead); err != nil {
		return fmt.Errorf("subscribe sensor reads: %w", err)
	}

	logger.Info("simulator running",
		"mix_commands", topics.MixCommand, "sensor_reads", topics.SensorCommand)
	<-ctx.Done()
	logger.Info("simulator stopped")
	return nil
}

func (s *simulator) handleMixCommand(ctx context.Context, data []byte) {
	var cmd message.DeviceCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Warn("bad mix command", "error", err)
		return
	}
	token := message.Token{UserID: cmd.SessionID, ExperimentID: cmd.ExperimentID}

	if cmd.Command.SensorStatus == message.StatusSensorTimeout {
		s.logger.Info("coordinator gave up, resetting", "token", token.String())
		s.forget(token)
		return
	}
	if cmd.Command.R == nil {
		s.logger.Warn("mix command without volumes", "token", token.String())
		return
	}

	s.logger.Info("mixing",
		"token", token.String(), "well", cmd.Command.Well,
		"r", *cmd.Command.R, "y", *cmd.Command.Y, "b", *cmd.Command.B)

	select {
	case <-time.After(s.mixDelay):
	case <-ctx.Done():
		return
	}

	s.publishStatus(ctx, token, message.StatusInPlace)
}

func (s *simulator) handleSensorRead(ctx context.Context, data []byte) {
	var cmd message.DeviceCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Warn("bad sensor read command", "error", err)
		return
	}
	token := message.Token{UserID: cmd.SessionID, ExperimentID: cmd.ExperimentID}

	if s.firstRead(token) {
		s.logger.Info("reading sensor", "token", token.String())
		payload, err := json.Marshal(message.SensorData{
			SensorData:   fixedSpectrum,
			ExperimentID: token.ExperimentID,
			SessionID:    token.UserID,
			Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
		})
		if err != nil {
			s.logger.Error("encode sensor data", "error", err)
			return
		}
		if err := s.client.Publish(ctx, s.topics.SensorData, payload); err != nil {
			s.logger.Error("publish sensor data", "error", err)
		}
		return
	}

	// Second read is the coordinator's confirmation; the cycle is done.
	s.forget(token)
	s.publishStatus(ctx, token, message.StatusCharging)
}

func (s *simulator) publishStatus(ctx context.Context, token message.Token, sensorStatus string) {
	payload, err := json.Marshal(message.DeviceStatus{
		Status:       message.StatusBody{SensorStatus: sensorStatus},
		ExperimentID: token.ExperimentID,
		SessionID:    token.UserID,
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err != nil {
		s.logger.Error("encode status", "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.topics.DeviceStatus, payload); err != nil {
		s.logger.Error("publish status", "error", err)
	}
}

func (s *simulator) firstRead(token message.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reads[token] {
		return false
	}
	s.reads[token] = true
	return true
}

func (s *simulator) forget(token message.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reads, token)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
