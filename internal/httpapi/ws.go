package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/events"
	"github.com/ent0n29/rehearsal/internal/jobs"
	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/runs"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReplayLimit  = 500
)

// handleRunWS streams a run's events. Stored events are replayed first, then live events
// follow until RUN.END or the client goes away.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event hub not configured")
		return
	}
	var run runs.Run
	if s.store != nil {
		var err error
		run, err = s.store.GetRun(r.Context(), runID)
		if err != nil {
			s.runStoreError(w, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	live, unsubscribe := s.hub.Subscribe(runID)
	defer unsubscribe()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Unblock the read loop once writing stops.
		defer func() { _ = conn.SetReadDeadline(time.Now()) }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.IncWSMessage("outbound", string(t))
				}
				if sys, ok := msg.(protocol.SystemEvent); ok && sys.Code == protocol.CodeRunFinished {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
						time.Now().Add(wsWriteTimeout))
					cancel()
					return
				}
			}
		}
	}()

	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	// Forward stored then live events, skipping any delivered twice.
	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		seen := make(map[string]bool)
		forward := func(ev events.Event) bool {
			if ev.ID != "" {
				if seen[ev.ID] {
					return true
				}
				seen[ev.ID] = true
			}
			if !send(protocol.NewRunEvent(ev)) {
				return false
			}
			if ev.Type == events.TypeRunEnd {
				send(protocol.NewSystemEvent(runID, protocol.CodeRunFinished, ""))
				return false
			}
			return true
		}

		if !send(protocol.NewSystemEvent(runID, protocol.CodeSubscribed, "")) {
			return
		}
		if s.store != nil {
			stored, err := s.store.ListEvents(ctx, runID, wsReplayLimit)
			if err != nil {
				s.logger.Warn("event replay failed", zap.String("run_id", runID), zap.Error(err))
			}
			for _, ev := range stored {
				if !forward(ev) {
					return
				}
			}
			if run.Status.Terminal() {
				send(protocol.NewSystemEvent(runID, protocol.CodeRunFinished, string(run.Status)))
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok || !forward(ev) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.NewErrorEvent(runID, "invalid_client_message", "gateway", err.Error(), false))
			continue
		}
		control, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.metrics.IncWSMessage("inbound", string(control.Type))
		switch control.Action {
		case protocol.ActionPing:
			send(protocol.NewSystemEvent(runID, protocol.CodePong, ""))
		case protocol.ActionCancel:
			s.cancelFromWS(runID, control, send)
		}
	}

	cancel()
	<-writerDone
	<-forwarderDone
}

func (s *Server) cancelFromWS(runID string, control protocol.ClientControl, send func(any) bool) {
	if s.jobs == nil {
		send(protocol.NewErrorEvent(runID, "cancel_unavailable", "jobs", "job runtime is disabled", false))
		return
	}
	reason := strings.TrimSpace(control.Reason)
	if reason == "" {
		reason = "Cancelled over websocket."
	}
	job, err := s.jobs.CancelRun(runID, reason)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrJobFinished):
		send(protocol.NewErrorEvent(runID, "run_not_active", "jobs", err.Error(), false))
	case err != nil:
		send(protocol.NewErrorEvent(runID, "cancel_failed", "jobs", err.Error(), true))
	default:
		s.logger.Info("run cancelled over websocket", zap.String("run_id", runID), zap.String("job_id", job.ID))
		send(protocol.NewSystemEvent(runID, protocol.CodeCancelRequested, job.ID))
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.RunEvent:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
