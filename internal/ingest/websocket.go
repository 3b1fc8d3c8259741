package ingest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/dictation"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const writeWait = 10 * time.Second

// handleWebSocket streams a session over one connection: binary frames are
// chunks, text frames are control messages and transcript updates are pushed
// back as JSON text frames. Unknown sessions are started on connect.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !protocol.ValidSessionID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if _, err := h.svc.Snapshot(id); errors.Is(err, dictation.ErrSessionNotFound) {
		if err := h.svc.StartSession(id, r.URL.Query().Get("content_type")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxChunk)

	var writeMu sync.Mutex
	send := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			h.logger.Debug("websocket write failed", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	unwatch := h.svc.Watch(id, func(u protocol.TranscriptUpdate) { send(u) })
	defer unwatch()

	h.logger.Info("websocket session attached", slog.String("session_id", id))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read failed", slog.String("session_id", id), slog.String("error", err.Error()))
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if _, err := h.svc.AddChunk(id, data); err != nil {
				send(errorResponse{Error: err.Error()})
			}
		case websocket.TextMessage:
			var ctrl controlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				send(errorResponse{Error: "invalid control message"})
				continue
			}
			if err := h.applyControl(id, ctrl.Action); err != nil {
				send(errorResponse{Error: err.Error()})
			}
		}
	}
}

func (h *Handler) applyControl(id string, action protocol.ControlAction) error {
	switch action {
	case protocol.ActionStart:
		return h.svc.StartSession(id, "")
	case protocol.ActionPause:
		return h.svc.Pause(id)
	case protocol.ActionResume:
		return h.svc.Resume(id)
	case protocol.ActionStop:
		return h.svc.StopSession(id)
	default:
		return errors.New("unknown action " + string(action))
	}
}
