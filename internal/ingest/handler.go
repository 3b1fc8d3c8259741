// Package ingest exposes recording sessions over HTTP and WebSocket.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dictation"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Dictation is the session API served by the handler.
type Dictation interface {
	StartSession(sessionID, contentType string) error
	AddChunk(sessionID string, data []byte) (bool, error)
	Pause(sessionID string) error
	Resume(sessionID string) error
	StopSession(sessionID string) error
	Snapshot(sessionID string) (session.Snapshot, error)
	Transcript(ctx context.Context, sessionID string) (eventstore.Transcript, error)
	Watch(sessionID string, fn func(protocol.TranscriptUpdate)) func()
	ListTranscripts(ctx context.Context, offset, limit int) ([]eventstore.Transcript, int, error)
	DeleteTranscript(ctx context.Context, sessionID string) error
	TranscribeFile(ctx context.Context, blob stt.Blob) (eventstore.Transcript, error)
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type Handler struct {
	cfg      config.IngestConfig
	allowed  []string
	maxChunk int64
	maxFile  int64
	svc      Dictation
	logger   *slog.Logger
	upgrader websocket.Upgrader
	newID    func() string
}

type createRequest struct {
	SessionID   string `json:"session_id"`
	ContentType string `json:"content_type"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

type chunkResponse struct {
	Accepted bool `json:"accepted"`
}

type snapshotResponse struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	WordCount  int    `json:"word_count"`
	Processing bool   `json:"processing"`
	Paused     bool   `json:"paused"`
	Stopped    bool   `json:"stopped"`
	Live       bool   `json:"live"`
	State      string `json:"state,omitempty"`
	Chunks     int    `json:"chunks"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
}

type transcriptResponse struct {
	ID                    string    `json:"id"`
	Text                  string    `json:"text"`
	WordCount             int       `json:"word_count"`
	Status                string    `json:"status,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
	Filename              string    `json:"filename,omitempty"`
	FileSizeMB            float64   `json:"file_size_mb,omitempty"`
	Model                 string    `json:"model,omitempty"`
	Provider              string    `json:"provider,omitempty"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds,omitempty"`
}

type listResponse struct {
	Total    int                  `json:"total"`
	Items    []transcriptResponse `json:"items"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

type controlMessage struct {
	Action protocol.ControlAction `json:"action"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(cfg config.Config, svc Dictation, log *slog.Logger) *Handler {
	h := &Handler{
		cfg:      cfg.Ingest,
		allowed:  cfg.STT.AllowedFormats,
		maxChunk: int64(cfg.Ingest.MaxChunkKB) * 1024,
		maxFile:  int64(cfg.STT.MaxBlobMB) * 1024 * 1024,
		svc:      svc,
		logger:   log.With(slog.String("component", "ingest")),
		newID:    uuid.NewString,
	}
	origins := cfg.Ingest.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Register installs the ingest routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.handleCreate)
	mux.HandleFunc("POST /v1/sessions/{id}/chunks", h.handleChunk)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", h.handlePause)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", h.handleResume)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleStop)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/transcripts", h.handleList)
	mux.HandleFunc("GET /v1/transcripts/{id}", h.handleGetTranscript)
	mux.HandleFunc("DELETE /v1/transcripts/{id}", h.handleDeleteTranscript)
	mux.HandleFunc("POST /v1/transcribe", h.handleTranscribe)
	if h.cfg.WebSocket {
		mux.HandleFunc("GET /v1/sessions/{id}/ws", h.handleWebSocket)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.ContentType != "" {
		if err := stt.ValidateContentType(req.ContentType, h.allowed); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	id := req.SessionID
	if id == "" {
		id = h.newID()
	}
	if err := h.svc.StartSession(id, req.ContentType); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{SessionID: id})
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	contentType := stt.DetectContentType(r.Header.Get("Content-Type"), r.URL.Query().Get("filename"))
	if err := stt.ValidateContentType(contentType, h.allowed); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxChunk))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read chunk")
		return
	}

	accepted, err := h.svc.AddChunk(id, data)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, chunkResponse{Accepted: accepted})
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r.PathValue("id"), h.svc.Pause)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r.PathValue("id"), h.svc.Resume)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.StopSession(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) control(w http.ResponseWriter, id string, fn func(string) error) {
	if err := fn(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if snap, err := h.svc.Snapshot(id); err == nil {
		writeJSON(w, http.StatusOK, snapshotResponse{
			SessionID:  snap.SessionID,
			Text:       snap.Text,
			WordCount:  snap.WordCount,
			Processing: snap.Processing,
			Paused:     snap.Paused,
			Stopped:    snap.Stopped,
			Live:       true,
			State:      string(snap.State),
			Chunks:     snap.Chunks,
			Status:     string(snap.Status),
			Message:    snap.Message,
		})
		return
	}
	tr, err := h.svc.Transcript(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		SessionID: tr.SessionID,
		Text:      tr.Text,
		WordCount: tr.WordCount,
		Stopped:   true,
		Status:    tr.Status,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	list, total, err := h.svc.ListTranscripts(r.Context(), skip, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	resp := listResponse{
		Total:    total,
		Items:    make([]transcriptResponse, 0, len(list)),
		Page:     skip/limit + 1,
		PageSize: limit,
	}
	for _, tr := range list {
		resp.Items = append(resp.Items, toTranscriptResponse(tr))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	tr, err := h.svc.Transcript(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTranscriptResponse(tr))
}

func (h *Handler) handleDeleteTranscript(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteTranscript(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscribe accepts a whole recording either as the raw request body
// or as the "audio" field of a multipart form.
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if h.maxFile > 0 {
		// Headroom for multipart framing; the file itself is checked below.
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFile+64*1024)
	}
	blob, err := readAudio(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.maxFile > 0 && int64(len(blob.Data)) > h.maxFile {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if len(blob.Data) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio file")
		return
	}
	blob.ContentType = stt.DetectContentType(blob.ContentType, blob.Filename)
	if err := stt.ValidateContentType(blob.ContentType, h.allowed); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tr, err := h.svc.TranscribeFile(r.Context(), blob)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTranscriptResponse(tr))
}

func readAudio(r *http.Request) (stt.Blob, error) {
	if stt.BaseContentType(r.Header.Get("Content-Type")) != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return stt.Blob{}, err
		}
		return stt.Blob{
			Data:        data,
			ContentType: r.Header.Get("Content-Type"),
			Filename:    r.URL.Query().Get("filename"),
		}, nil
	}

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return stt.Blob{}, err
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("audio")
	if err != nil {
		return stt.Blob{}, errors.New("missing audio field")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return stt.Blob{}, err
	}
	return stt.Blob{
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		Filename:    header.Filename,
	}, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func toTranscriptResponse(tr eventstore.Transcript) transcriptResponse {
	return transcriptResponse{
		ID:                    tr.SessionID,
		Text:                  tr.Text,
		WordCount:             tr.WordCount,
		Status:                tr.Status,
		UpdatedAt:             tr.UpdatedAt,
		Filename:              tr.Filename,
		FileSizeMB:            math.Round(float64(tr.FileSize)/(1024*1024)*100) / 100,
		Model:                 tr.Model,
		Provider:              tr.Provider,
		ProcessingTimeSeconds: tr.ProcessingSeconds,
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *stt.ServiceError
	switch {
	case errors.Is(err, dictation.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, dictation.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, stt.ErrBlobTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, stt.ErrModelLoading):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "model is loading, retry in 30 seconds")
		return
	case errors.As(err, &svcErr):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.logger.Warn("ingest request failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
