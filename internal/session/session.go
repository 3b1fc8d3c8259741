// Package session ties the chunk scheduler, a recognizer and the transcript
// reconciler together for one recording session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/reconcile"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Status describes the latest outcome reported for a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusEmpty      Status = "empty"
	StatusError      Status = "error"
	StatusLoading    Status = "loading"
)

const (
	EncodingContainer = "container"
	EncodingPCM16     = "pcm16"
)

type Options struct {
	Scheduler   scheduler.Options
	Reconcile   reconcile.Params
	GuardShrink bool

	Encoding    string
	ContentType string
	SampleRate  int
	Channels    int

	MaxBlobBytes   int
	FlushOnStop    bool
	RequestTimeout time.Duration
}

// Update is emitted whenever a request starts or completes.
type Update struct {
	SessionID  string
	Generation uint64
	Text       string
	Appended   string
	Replaced   bool
	WordCount  int
	Processing bool
	Status     Status
	Message    string
	Timestamp  time.Time
}

// Listener receives updates. It is called without session locks held, from
// the request goroutine, so updates of one session arrive in order.
type Listener func(Update)

type Snapshot struct {
	SessionID  string
	Text       string
	WordCount  int
	Processing bool
	Paused     bool
	Stopped    bool
	State      scheduler.State
	Chunks     int
	Watermark  int
	Status     Status
	Message    string
}

type Session struct {
	id         string
	opts       Options
	recognizer stt.Recognizer
	listener   Listener
	log        *slog.Logger
	sched      *scheduler.Scheduler

	mu      sync.Mutex
	rec     *reconcile.Reconciler
	status  Status
	message string
	stopped bool
}

// New creates a session and starts it.
func New(parent context.Context, id string, opts Options, recognizer stt.Recognizer, listener Listener, log *slog.Logger) *Session {
	s := &Session{
		id:         id,
		opts:       opts,
		recognizer: recognizer,
		listener:   listener,
		log:        log.With(slog.String("session_id", id)),
		rec:        reconcile.New(opts.Reconcile, reconcile.WithShrinkGuard(opts.GuardShrink)),
		status:     StatusIdle,
	}
	s.sched = scheduler.New(parent, opts.Scheduler, s.transcribe, s.handleResult, s.log)
	s.Start()
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Start begins a new recording: buffered audio, watermark and display
// transcript are cleared and in-flight results are invalidated.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched.Reset()
	s.rec.Reset()
	s.status = StatusIdle
	s.message = ""
	s.stopped = false
}

// AddChunk buffers one chunk. It reports false for empty chunks and while the
// session is paused or stopped.
func (s *Session) AddChunk(data []byte) bool {
	return s.sched.OnChunk(data)
}

func (s *Session) Pause() {
	s.sched.SetPaused(true)
}

func (s *Session) Resume() {
	s.sched.SetPaused(false)
}

// Stop ends the recording. With FlushOnStop the audio not yet transcribed is
// sent in a final request.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if s.opts.FlushOnStop {
		s.sched.Finish()
		return
	}
	s.sched.Stop()
}

// Wait blocks until the session has no request in flight.
func (s *Session) Wait() {
	s.sched.Wait()
}

// Close cancels any request in flight and waits for it.
func (s *Session) Close() {
	s.sched.Close()
}

func (s *Session) Generation() uint64 {
	return s.sched.Generation()
}

func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:  s.id,
		Text:       s.rec.Display(),
		WordCount:  s.rec.WordCount(),
		Processing: s.sched.Processing(),
		Paused:     s.sched.Paused(),
		Stopped:    s.stopped,
		State:      s.sched.State(),
		Chunks:     s.sched.Len(),
		Watermark:  s.sched.Watermark(),
		Status:     s.status,
		Message:    s.message,
	}
}

func (s *Session) transcribe(ctx context.Context, req scheduler.Request) (string, error) {
	s.emitProcessing(req)

	blob, err := s.buildBlob(req)
	if err != nil {
		return "", err
	}
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	result, err := s.recognizer.Transcribe(ctx, blob)
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	return result.Text, nil
}

func (s *Session) buildBlob(req scheduler.Request) (stt.Blob, error) {
	data := req.Blob
	contentType := s.opts.ContentType
	if s.opts.Encoding == EncodingPCM16 {
		wavData, err := stt.EncodeWAV(data, s.opts.SampleRate, s.opts.Channels)
		if err != nil {
			return stt.Blob{}, fmt.Errorf("wrap pcm: %w", err)
		}
		data = wavData
		contentType = "audio/wav"
	}
	if s.opts.MaxBlobBytes > 0 && len(data) > s.opts.MaxBlobBytes {
		return stt.Blob{}, fmt.Errorf("%w: %d bytes", stt.ErrBlobTooLarge, len(data))
	}
	if contentType == "" {
		contentType = "audio/webm"
	}
	return stt.Blob{
		Data:        data,
		ContentType: contentType,
		Filename:    fmt.Sprintf("%s-%d%s", s.id, req.Chunks, stt.ExtensionFor(contentType)),
	}, nil
}

func (s *Session) emitProcessing(req scheduler.Request) {
	s.mu.Lock()
	if req.Generation != s.sched.Generation() {
		s.mu.Unlock()
		return
	}
	s.status = StatusProcessing
	s.message = ""
	u := s.updateLocked(req.Generation)
	u.Processing = true
	s.mu.Unlock()
	s.emit(u)
}

func (s *Session) handleResult(req scheduler.Request, text string, err error) {
	s.mu.Lock()
	if req.Generation != s.sched.Generation() {
		s.mu.Unlock()
		return
	}

	var step reconcile.Step
	switch {
	case err != nil:
		s.status, s.message = classify(err)
		s.log.Warn("transcription failed",
			slog.Int("chunks", req.Chunks),
			slog.String("status", string(s.status)),
			slog.String("error", err.Error()))
	case strings.TrimSpace(text) == "":
		s.status, s.message = StatusEmpty, ""
	case req.Mode == scheduler.ModeIncremental:
		step = s.rec.Append(text)
		s.status, s.message = StatusSuccess, ""
	default:
		step = s.rec.Apply(text)
		s.status, s.message = StatusSuccess, ""
	}
	if err == nil {
		s.log.Debug("transcription reconciled",
			slog.Int("chunks", req.Chunks),
			slog.Bool("replaced", step.Replaced),
			slog.Int("appended_words", reconcile.WordCount(step.Appended)))
	}

	u := s.updateLocked(req.Generation)
	u.Appended = step.Appended
	u.Replaced = step.Replaced
	s.mu.Unlock()
	s.emit(u)
}

func (s *Session) updateLocked(generation uint64) Update {
	return Update{
		SessionID:  s.id,
		Generation: generation,
		Text:       s.rec.Display(),
		WordCount:  s.rec.WordCount(),
		Status:     s.status,
		Message:    s.message,
		Timestamp:  time.Now().UTC(),
	}
}

func (s *Session) emit(u Update) {
	if s.listener != nil {
		s.listener(u)
	}
}

func classify(err error) (Status, string) {
	if errors.Is(err, stt.ErrModelLoading) {
		return StatusLoading, "model is loading, retry shortly"
	}
	var svcErr *stt.ServiceError
	if errors.As(err, &svcErr) {
		return StatusError, svcErr.Message
	}
	return StatusError, err.Error()
}
