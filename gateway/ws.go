package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// submitRequest is one inbound websocket frame requesting an experiment.
type submitRequest struct {
	R float64 `json:"R"`
	Y float64 `json:"Y"`
	B float64 `json:"B"`
}

// handleSubmitWS upgrades the connection and serves submissions over it.
// Each inbound frame is one submission; the coordinator streams its
// progress events back on the same connection. Submissions on a single
// connection are handled sequentially, so a client always knows which
// events belong to which request.
func (s *Server) handleSubmitWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id",
			"query parameter user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := s.logger.With("user", userID, "remote", conn.RemoteAddr().String())
	logger.Info("submission connection opened")
	defer logger.Info("submission connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var req submitRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection read failed", "error", err)
			}
			return
		}

		if !s.streamSubmission(ctx, conn, logger, userID, req) {
			return
		}
	}
}

// streamSubmission runs one submission and forwards its progress events.
// Returns false when the connection is no longer usable.
func (s *Server) streamSubmission(ctx context.Context, conn *websocket.Conn, logger *slog.Logger, userID string, req submitRequest) bool {
	stream, err := s.scheduler.Submit(ctx, userID, req.R, req.Y, req.B)
	if err != nil {
		logger.Warn("submission not accepted", "error", err)
		return s.writeJSON(conn, errorResponse{
			Error: "submission slots busy, retry later",
			Code:  "busy",
		})
	}

	for event := range stream {
		if !s.writeJSON(conn, event) {
			// Keep draining so the scheduler goroutine can finish; the
			// result is already decided and the task cleans itself up.
			for range stream {
			}
			return false
		}
	}
	return true
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v) == nil
}
