package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dictation"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type fakeDictation struct {
	mu       sync.Mutex
	live     map[string]*session.Snapshot
	stored   map[string]eventstore.Transcript
	chunks   map[string][][]byte
	actions  []string
	watchers map[string]func(protocol.TranscriptUpdate)
	chunkCh  chan []byte
	files    []stt.Blob
	fileErr  error
}

func newFakeDictation() *fakeDictation {
	return &fakeDictation{
		live:     make(map[string]*session.Snapshot),
		stored:   make(map[string]eventstore.Transcript),
		chunks:   make(map[string][][]byte),
		watchers: make(map[string]func(protocol.TranscriptUpdate)),
		chunkCh:  make(chan []byte, 16),
	}
}

func (f *fakeDictation) notFound(id string) error {
	return fmt.Errorf("%w: %s", dictation.ErrSessionNotFound, id)
}

func (f *fakeDictation) StartSession(id, contentType string) error {
	if !protocol.ValidSessionID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[id] = &session.Snapshot{SessionID: id, Status: session.StatusIdle}
	f.actions = append(f.actions, "start:"+id+":"+contentType)
	return nil
}

func (f *fakeDictation) AddChunk(id string, data []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.live[id]
	if !ok {
		return false, f.notFound(id)
	}
	if len(data) == 0 || snap.Paused {
		return false, nil
	}
	f.chunks[id] = append(f.chunks[id], data)
	snap.Chunks++
	f.chunkCh <- data
	return true, nil
}

func (f *fakeDictation) setPaused(id string, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.live[id]
	if !ok {
		return f.notFound(id)
	}
	snap.Paused = paused
	return nil
}

func (f *fakeDictation) Pause(id string) error  { return f.setPaused(id, true) }
func (f *fakeDictation) Resume(id string) error { return f.setPaused(id, false) }

func (f *fakeDictation) StopSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return f.notFound(id)
	}
	f.actions = append(f.actions, "stop:"+id)
	return nil
}

func (f *fakeDictation) Snapshot(id string) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.live[id]
	if !ok {
		return session.Snapshot{}, f.notFound(id)
	}
	return *snap, nil
}

func (f *fakeDictation) Transcript(_ context.Context, id string) (eventstore.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.stored[id]
	if !ok {
		return eventstore.Transcript{}, f.notFound(id)
	}
	return tr, nil
}

func (f *fakeDictation) Watch(id string, fn func(protocol.TranscriptUpdate)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

func (f *fakeDictation) ListTranscripts(_ context.Context, offset, limit int) ([]eventstore.Transcript, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.stored))
	for id := range f.stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var list []eventstore.Transcript
	for i := offset; i < len(ids) && len(list) < limit; i++ {
		list = append(list, f.stored[ids[i]])
	}
	return list, len(ids), nil
}

func (f *fakeDictation) DeleteTranscript(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; ok {
		return fmt.Errorf("%w: %s", dictation.ErrSessionActive, id)
	}
	if _, ok := f.stored[id]; !ok {
		return f.notFound(id)
	}
	delete(f.stored, id)
	return nil
}

func (f *fakeDictation) TranscribeFile(_ context.Context, blob stt.Blob) (eventstore.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fileErr != nil {
		return eventstore.Transcript{}, f.fileErr
	}
	f.files = append(f.files, blob)
	tr := eventstore.Transcript{
		SessionID:         "file-1",
		Text:              "hola",
		WordCount:         1,
		Status:            "success",
		Filename:          blob.Filename,
		FileSize:          int64(len(blob.Data)),
		Model:             "whisper-1",
		Provider:          "mock",
		ProcessingSeconds: 0.5,
	}
	f.stored[tr.SessionID] = tr
	return tr, nil
}

func (f *fakeDictation) watcher(id string) func(protocol.TranscriptUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchers[id]
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeDictation) {
	t.Helper()
	return newTestServerWith(t, config.Default())
}

func newTestServerWith(t *testing.T, cfg config.Config) (*httptest.Server, *fakeDictation) {
	t.Helper()
	cfg.Ingest.MaxChunkKB = 1
	fake := newFakeDictation()
	h := New(cfg, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.newID = func() string { return "fixed-id" }
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fake
}

func do(t *testing.T, method, url, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateSession(t *testing.T) {
	srv, fake := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/sessions", "application/json", []byte(`{"content_type":"audio/webm;codecs=opus"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.SessionID != "fixed-id" {
		t.Fatalf("unexpected session id %q", created.SessionID)
	}
	if fake.actions[0] != "start:fixed-id:audio/webm;codecs=opus" {
		t.Fatalf("unexpected actions %v", fake.actions)
	}

	resp = do(t, http.MethodPost, srv.URL+"/v1/sessions", "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 without body, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, srv.URL+"/v1/sessions", "application/json", []byte(`{"content_type":"video/mp4"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported format, got %d", resp.StatusCode)
	}
}

func TestChunkUpload(t *testing.T) {
	srv, fake := newTestServer(t)
	if err := fake.StartSession("rec", ""); err != nil {
		t.Fatal(err)
	}
	url := srv.URL + "/v1/sessions/rec/chunks"

	cases := []struct {
		name        string
		url         string
		contentType string
		body        []byte
		status      int
	}{
		{"accepted", url, "audio/webm;codecs=opus", []byte("chunk"), http.StatusAccepted},
		{"octet stream by filename", url + "?filename=part.ogg", "application/octet-stream", []byte("chunk"), http.StatusAccepted},
		{"unsupported", url, "video/mp4", []byte("chunk"), http.StatusBadRequest},
		{"too large", url, "audio/webm", bytes.Repeat([]byte{1}, 2048), http.StatusRequestEntityTooLarge},
		{"unknown session", srv.URL + "/v1/sessions/nope/chunks", "audio/webm", []byte("chunk"), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, tc.url, tc.contentType, tc.body)
			if resp.StatusCode != tc.status {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.StatusCode, body)
			}
		})
	}
	if got := len(fake.chunks["rec"]); got != 2 {
		t.Fatalf("expected 2 buffered chunks, got %d", got)
	}
}

func TestPauseResumeStopAndGet(t *testing.T) {
	srv, fake := newTestServer(t)
	if err := fake.StartSession("rec", ""); err != nil {
		t.Fatal(err)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/sessions/rec/pause", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp := do(t, http.MethodGet, srv.URL+"/v1/sessions/rec", "", nil)
	var snap snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap.Paused || !snap.Live {
		t.Fatalf("expected live paused snapshot, got %+v", snap)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/sessions/rec/resume", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/v1/sessions/rec", "", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/v1/sessions/nope/pause", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetFallsBackToStoredTranscript(t *testing.T) {
	srv, fake := newTestServer(t)
	fake.stored["done"] = eventstore.Transcript{SessionID: "done", Text: "hola buenas tardes", WordCount: 3, Status: "success"}

	resp := do(t, http.MethodGet, srv.URL+"/v1/sessions/done", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Live || !snap.Stopped || snap.Text != "hola buenas tardes" || snap.WordCount != 3 {
		t.Fatalf("unexpected stored snapshot %+v", snap)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/v1/sessions/missing", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListTranscripts(t *testing.T) {
	srv, fake := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		fake.stored[id] = eventstore.Transcript{SessionID: id, Text: "nota " + id, WordCount: 2}
	}

	cases := []struct {
		query    string
		status   int
		ids      []string
		page     int
		pageSize int
	}{
		{"", http.StatusOK, []string{"a", "b", "c"}, 1, 10},
		{"?skip=2&limit=2", http.StatusOK, []string{"c"}, 2, 2},
		{"?skip=1&limit=1", http.StatusOK, []string{"b"}, 2, 1},
		{"?limit=0", http.StatusBadRequest, nil, 0, 0},
		{"?limit=101", http.StatusBadRequest, nil, 0, 0},
		{"?skip=-1", http.StatusBadRequest, nil, 0, 0},
		{"?skip=uno", http.StatusBadRequest, nil, 0, 0},
	}
	for _, tc := range cases {
		resp := do(t, http.MethodGet, srv.URL+"/v1/transcripts"+tc.query, "", nil)
		if resp.StatusCode != tc.status {
			t.Fatalf("%q: expected %d, got %d", tc.query, tc.status, resp.StatusCode)
		}
		if tc.status != http.StatusOK {
			continue
		}
		var body listResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("%q: decode: %v", tc.query, err)
		}
		if body.Total != 3 || body.Page != tc.page || body.PageSize != tc.pageSize || len(body.Items) != len(tc.ids) {
			t.Fatalf("%q: unexpected page %+v", tc.query, body)
		}
		for i, id := range tc.ids {
			if body.Items[i].ID != id {
				t.Fatalf("%q: expected %v, got %+v", tc.query, tc.ids, body.Items)
			}
		}
	}
}

func TestDeleteTranscript(t *testing.T) {
	srv, fake := newTestServer(t)
	fake.stored["done"] = eventstore.Transcript{SessionID: "done", Text: "hola"}
	if err := fake.StartSession("live", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	cases := []struct {
		id     string
		status int
	}{
		{"done", http.StatusNoContent},
		{"done", http.StatusNotFound},
		{"live", http.StatusConflict},
	}
	for _, tc := range cases {
		if resp := do(t, http.MethodDelete, srv.URL+"/v1/transcripts/"+tc.id, "", nil); resp.StatusCode != tc.status {
			t.Fatalf("delete %s: expected %d, got %d", tc.id, tc.status, resp.StatusCode)
		}
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/transcripts/done", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected deleted transcript to be gone, got %d", resp.StatusCode)
	}
}

func TestTranscribeUpload(t *testing.T) {
	srv, fake := newTestServer(t)
	audio := bytes.Repeat([]byte{1}, 2048)

	resp := do(t, http.MethodPost, srv.URL+"/v1/transcribe?filename=consulta.wav", "application/octet-stream", audio)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var tr transcriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.ID != "file-1" || tr.Filename != "consulta.wav" || tr.Model != "whisper-1" || tr.ProcessingTimeSeconds != 0.5 {
		t.Fatalf("unexpected transcription %+v", tr)
	}

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreateFormFile("audio", "nota.webm")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(audio); err != nil {
		t.Fatalf("write form: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/v1/transcribe", mw.FormDataContentType(), form.Bytes()); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for multipart upload, got %d", resp.StatusCode)
	}

	fake.mu.Lock()
	files := append([]stt.Blob(nil), fake.files...)
	fake.mu.Unlock()
	if len(files) != 2 {
		t.Fatalf("expected 2 files transcribed, got %d", len(files))
	}
	if files[0].ContentType != "audio/wav" || files[1].ContentType != "audio/webm" || files[1].Filename != "nota.webm" {
		t.Fatalf("unexpected blobs %+v / %+v", files[0].ContentType, files[1].ContentType)
	}
	if len(files[1].Data) != len(audio) {
		t.Fatalf("expected %d bytes, got %d", len(audio), len(files[1].Data))
	}
}

func TestTranscribeRejects(t *testing.T) {
	cfg := config.Default()
	cfg.STT.MaxBlobMB = 1
	cases := []struct {
		name        string
		contentType string
		body        []byte
		fileErr     error
		status      int
	}{
		{"unsupported format", "text/plain", []byte("hola"), nil, http.StatusBadRequest},
		{"empty file", "audio/wav", nil, nil, http.StatusBadRequest},
		{"too large", "audio/wav", make([]byte, 1024*1024+1), nil, http.StatusRequestEntityTooLarge},
		{"model loading", "audio/wav", []byte{1}, stt.ErrModelLoading, http.StatusServiceUnavailable},
		{"backend error", "audio/wav", []byte{1}, &stt.ServiceError{Message: "bad audio"}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		srv, fake := newTestServerWith(t, cfg)
		fake.mu.Lock()
		fake.fileErr = tc.fileErr
		fake.mu.Unlock()
		resp := do(t, http.MethodPost, srv.URL+"/v1/transcribe", tc.contentType, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, resp.StatusCode)
		}
	}
}

func TestWebSocketStreamsChunksAndUpdates(t *testing.T) {
	srv, fake := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/live-1/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("audio")); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	select {
	case data := <-fake.chunkCh:
		if string(data) != "audio" {
			t.Fatalf("unexpected chunk %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"pause"}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := fake.Snapshot("live-1")
		if snap.Paused {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected pause control to apply")
		}
		time.Sleep(time.Millisecond)
	}

	fake.watcher("live-1")(protocol.TranscriptUpdate{SessionID: "live-1", Text: "hola", Status: "success"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update protocol.TranscriptUpdate
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Text != "hola" || update.SessionID != "live-1" {
		t.Fatalf("unexpected update %+v", update)
	}
}
