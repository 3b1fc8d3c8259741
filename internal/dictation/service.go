// Package dictation hosts the live recording sessions of the runtime. It
// accepts chunks and control messages from the bus and from the ingest API,
// publishes transcript updates and persists them in the event store.
package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/reconcile"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionActive   = errors.New("session is still recording")
)

// retiredTTL is how long chunks for a stopped session are dropped instead of
// starting a new recording under the same id.
const retiredTTL = 10 * time.Minute

// Bus is the subset of the NATS client the service needs.
type Bus interface {
	PublishJSON(subject string, v any) error
	Watch(subject string, handler func(data []byte)) (func(), error)
}

// Store persists session timelines and transcripts.
type Store interface {
	AppendSession(ctx context.Context, sessionID, contentType string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	SaveTranscript(ctx context.Context, tr eventstore.Transcript) error
	LoadTranscript(ctx context.Context, sessionID string) (eventstore.Transcript, error)
	ListTranscripts(ctx context.Context, offset, limit int) ([]eventstore.Transcript, error)
	CountTranscripts(ctx context.Context) (int, error)
	DeleteTranscript(ctx context.Context, sessionID string) error
}

type Service struct {
	cfg        config.Config
	opts       session.Options
	recognizer stt.Recognizer
	bus        Bus
	store      Store
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessions  map[string]*session.Session
	retired   map[string]time.Time
	watchers  map[string]map[int]func(protocol.TranscriptUpdate)
	watcherID int
	unsubs    []func()
	ready     bool
}

// SessionOptions maps runtime configuration onto per-session options.
func SessionOptions(cfg config.Config) session.Options {
	mode := scheduler.ModeCumulative
	if cfg.Scheduler.Mode == string(scheduler.ModeIncremental) {
		mode = scheduler.ModeIncremental
	}
	return session.Options{
		Scheduler: scheduler.Options{
			QuietPeriod:  time.Duration(cfg.Scheduler.QuietPeriodMS) * time.Millisecond,
			MinChunks:    cfg.Scheduler.MinChunks,
			HeaderChunks: cfg.Scheduler.HeaderChunks,
			Mode:         mode,
		},
		Reconcile: reconcile.Params{
			MaxOverlapWords:        cfg.Reconcile.MaxOverlapWords,
			MinOverlapChars:        cfg.Reconcile.MinOverlapChars,
			MinExtractOverlapWords: cfg.Reconcile.MinExtractOverlapWords,
			DuplicateMinChars:      cfg.Reconcile.DuplicateMinChars,
			ContainedMinChars:      cfg.Reconcile.ContainedMinChars,
			FallbackOverlapWords:   cfg.Reconcile.FallbackOverlapWords,
			PrefixMinChars:         cfg.Reconcile.PrefixMinChars,
			SubstringMinChars:      cfg.Reconcile.SubstringMinChars,
		},
		GuardShrink:    cfg.Reconcile.GuardShrink,
		Encoding:       cfg.STT.Encoding,
		ContentType:    cfg.STT.ContentType,
		SampleRate:     cfg.STT.SampleRate,
		Channels:       cfg.STT.Channels,
		MaxBlobBytes:   cfg.STT.MaxBlobMB * 1024 * 1024,
		FlushOnStop:    cfg.Scheduler.FlushOnStop,
		RequestTimeout: time.Duration(cfg.STT.TimeoutMS) * time.Millisecond,
	}
}

func NewService(parent context.Context, cfg config.Config, recognizer stt.Recognizer, busClient Bus, store Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		opts:     SessionOptions(cfg),
		bus:      busClient,
		store:    store,
		logger:   log.With(slog.String("component", "dictation-service")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
		retired:  make(map[string]time.Time),
		watchers: make(map[string]map[int]func(protocol.TranscriptUpdate)),
	}

	meter := otel.Meter(instrumentationName)
	instrumented, err := instrument(recognizer, meter)
	if err != nil {
		s.logger.Warn("failed to initialize transcription metrics", slogError(err))
	}
	s.recognizer = instrumented
	if err := s.initGauge(meter); err != nil {
		s.logger.Warn("failed to initialize session gauge", slogError(err))
	}
	return s
}

// Start subscribes to audio chunks and session control messages.
func (s *Service) Start() error {
	if s.bus == nil {
		s.ready = true
		return nil
	}
	stopChunks, err := s.bus.Watch(protocol.SubjectAudioChunkPrefix+".>", s.handleChunk)
	if err != nil {
		return fmt.Errorf("subscribe audio chunks: %w", err)
	}
	stopControl, err := s.bus.Watch(protocol.SubjectSessionControlPrefix+".>", s.handleControl)
	if err != nil {
		stopChunks()
		return fmt.Errorf("subscribe session control: %w", err)
	}
	s.mu.Lock()
	s.unsubs = append(s.unsubs, stopChunks, stopControl)
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.cancel()
	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Active returns the number of live sessions.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartSession begins a recording. An existing session with the same id is
// restarted: its audio and transcript are discarded.
func (s *Service) StartSession(sessionID, contentType string) error {
	if !protocol.ValidSessionID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	s.mu.Lock()
	delete(s.retired, sessionID)
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = s.newSessionLocked(sessionID, contentType)
	}
	s.mu.Unlock()
	if ok {
		sess.Start()
	}

	if err := s.store.AppendSession(s.ctx, sessionID, contentType); err != nil {
		s.logger.Warn("failed to record session", slog.String("session_id", sessionID), slogError(err))
	}
	s.appendEvent(sessionID, eventstore.EventSessionStart, nil)
	s.logger.Info("session started", slog.String("session_id", sessionID), slog.Bool("restarted", ok))
	return nil
}

func (s *Service) newSessionLocked(sessionID, contentType string) *session.Session {
	opts := s.opts
	if contentType != "" && opts.Encoding != session.EncodingPCM16 {
		opts.ContentType = contentType
	}
	sess := session.New(s.ctx, sessionID, opts, s.recognizer, s.onUpdate, s.logger)
	s.sessions[sessionID] = sess
	return sess
}

func (s *Service) lookup(sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// AddChunk buffers a chunk for a live session. It reports whether the chunk
// was accepted.
func (s *Service) AddChunk(sessionID string, data []byte) (bool, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return false, err
	}
	return sess.AddChunk(data), nil
}

func (s *Service) Pause(sessionID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.Pause()
	return nil
}

func (s *Service) Resume(sessionID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.Resume()
	return nil
}

// StopSession ends a recording. The session is retired once its last
// request has completed, after a final update has been published.
func (s *Service) StopSession(sessionID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.Stopped() {
		return nil
	}
	generation := sess.Generation()
	sess.Stop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.Wait()
		s.finish(sess, generation)
	}()
	return nil
}

func (s *Service) finish(sess *session.Session, generation uint64) {
	snap := sess.Snapshot()
	if sess.Generation() != generation || !snap.Stopped {
		// Restarted while the final request was running.
		return
	}

	s.mu.Lock()
	if s.sessions[sess.ID()] == sess {
		delete(s.sessions, sess.ID())
		s.retireLocked(sess.ID())
	}
	s.mu.Unlock()
	sess.Close()

	status := string(snap.Status)
	if snap.Status == session.StatusIdle {
		status = string(session.StatusEmpty)
	}
	update := protocol.TranscriptUpdate{
		SessionID: snap.SessionID,
		Text:      snap.Text,
		WordCount: snap.WordCount,
		Status:    status,
		Message:   snap.Message,
		Final:     true,
		Timestamp: time.Now().UTC(),
	}
	s.saveTranscript(update)
	payload, _ := json.Marshal(update)
	s.appendEvent(snap.SessionID, eventstore.EventSessionStop, payload)
	s.publish(update)
	s.logger.Info("session stopped",
		slog.String("session_id", snap.SessionID),
		slog.Int("words", snap.WordCount),
		slog.Int("chunks", snap.Chunks))
}

func (s *Service) retireLocked(sessionID string) {
	now := time.Now()
	for id, at := range s.retired {
		if now.Sub(at) > retiredTTL {
			delete(s.retired, id)
		}
	}
	s.retired[sessionID] = now
}

// recentlyRetiredLocked reports whether sessionID was stopped within retiredTTL.
func (s *Service) recentlyRetiredLocked(sessionID string) bool {
	at, ok := s.retired[sessionID]
	return ok && time.Since(at) <= retiredTTL
}

// Snapshot returns the live state of a session.
func (s *Service) Snapshot(sessionID string) (session.Snapshot, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Transcript returns the live transcript of a session, falling back to the
// stored one once the session has been retired.
func (s *Service) Transcript(ctx context.Context, sessionID string) (eventstore.Transcript, error) {
	if snap, err := s.Snapshot(sessionID); err == nil {
		return eventstore.Transcript{
			SessionID: snap.SessionID,
			Text:      snap.Text,
			WordCount: snap.WordCount,
			Status:    string(snap.Status),
			UpdatedAt: time.Now().UTC(),
		}, nil
	}
	tr, err := s.store.LoadTranscript(ctx, sessionID)
	if errors.Is(err, eventstore.ErrNotFound) {
		return eventstore.Transcript{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return tr, err
}

// ListTranscripts returns a page of stored transcripts and the total count.
func (s *Service) ListTranscripts(ctx context.Context, offset, limit int) ([]eventstore.Transcript, int, error) {
	total, err := s.store.CountTranscripts(ctx)
	if err != nil {
		return nil, 0, err
	}
	list, err := s.store.ListTranscripts(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// DeleteTranscript removes a stored transcript. Live sessions must be
// stopped first.
func (s *Service) DeleteTranscript(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	_, live := s.sessions[sessionID]
	s.mu.Unlock()
	if live {
		return fmt.Errorf("%w: %s", ErrSessionActive, sessionID)
	}
	err := s.store.DeleteTranscript(ctx, sessionID)
	if errors.Is(err, eventstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return err
	}
	s.logger.Info("transcript deleted", slog.String("session_id", sessionID))
	return nil
}

// TranscribeFile sends a whole recording to the recognizer in one request
// and stores the result under a new id.
func (s *Service) TranscribeFile(ctx context.Context, blob stt.Blob) (eventstore.Transcript, error) {
	if s.opts.MaxBlobBytes > 0 && len(blob.Data) > s.opts.MaxBlobBytes {
		return eventstore.Transcript{}, fmt.Errorf("%w: %d bytes", stt.ErrBlobTooLarge, len(blob.Data))
	}
	blob.ContentType = stt.DetectContentType(blob.ContentType, blob.Filename)
	if blob.Filename == "" {
		blob.Filename = "audio" + stt.ExtensionFor(blob.ContentType)
	}

	reqCtx := ctx
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := s.recognizer.Transcribe(reqCtx, blob)
	elapsed := time.Since(start)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		s.logger.Warn("file transcription failed",
			slog.String("filename", blob.Filename),
			slog.Duration("elapsed", elapsed),
			slogError(err))
		return eventstore.Transcript{}, err
	}

	id := uuid.NewString()
	tr := eventstore.Transcript{
		SessionID:         id,
		Text:              res.Text,
		WordCount:         reconcile.WordCount(res.Text),
		Status:            string(res.Status),
		UpdatedAt:         time.Now().UTC(),
		Filename:          blob.Filename,
		FileSize:          int64(len(blob.Data)),
		Model:             s.cfg.STT.Model,
		Provider:          s.cfg.STT.Mode,
		ProcessingSeconds: math.Round(elapsed.Seconds()*100) / 100,
	}
	if err := s.store.AppendSession(ctx, id, blob.ContentType); err != nil {
		return eventstore.Transcript{}, fmt.Errorf("record transcription: %w", err)
	}
	if err := s.store.SaveTranscript(ctx, tr); err != nil {
		return eventstore.Transcript{}, fmt.Errorf("save transcription: %w", err)
	}
	payload, _ := json.Marshal(protocol.TranscriptUpdate{
		SessionID: id,
		Text:      tr.Text,
		WordCount: tr.WordCount,
		Status:    tr.Status,
		Final:     true,
		Timestamp: tr.UpdatedAt,
	})
	s.appendEvent(id, eventstore.EventTranscriptionSuccess, payload)
	s.logger.Info("file transcribed",
		slog.String("session_id", id),
		slog.String("filename", tr.Filename),
		slog.Int64("bytes", tr.FileSize),
		slog.Int("words", tr.WordCount),
		slog.Duration("elapsed", elapsed))
	return tr, nil
}

// Watch registers fn for the transcript updates of a session and returns a
// function that removes it.
func (s *Service) Watch(sessionID string, fn func(protocol.TranscriptUpdate)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watcherID++
	id := s.watcherID
	if s.watchers[sessionID] == nil {
		s.watchers[sessionID] = make(map[int]func(protocol.TranscriptUpdate))
	}
	s.watchers[sessionID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[sessionID], id)
		if len(s.watchers[sessionID]) == 0 {
			delete(s.watchers, sessionID)
		}
	}
}

func (s *Service) handleChunk(data []byte) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		s.logger.Warn("failed to decode audio chunk", slogError(err))
		return
	}
	if !protocol.ValidSessionID(chunk.SessionID) {
		s.logger.Warn("audio chunk without valid session id", slog.String("session_id", chunk.SessionID))
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[chunk.SessionID]
	retired := !ok && s.recentlyRetiredLocked(chunk.SessionID)
	s.mu.Unlock()
	if retired {
		s.logger.Debug("audio chunk for stopped session dropped",
			slog.String("session_id", chunk.SessionID),
			slog.Int("sequence", chunk.Sequence))
		return
	}
	if !ok {
		if err := s.StartSession(chunk.SessionID, chunk.ContentType); err != nil {
			s.logger.Warn("failed to start session", slogError(err))
			return
		}
		if sess, _ = s.lookup(chunk.SessionID); sess == nil {
			return
		}
	}
	if !sess.AddChunk(chunk.Data) {
		s.logger.Debug("audio chunk rejected",
			slog.String("session_id", chunk.SessionID),
			slog.Int("sequence", chunk.Sequence))
	}
}

func (s *Service) handleControl(data []byte) {
	var ctrl protocol.SessionControl
	if err := json.Unmarshal(data, &ctrl); err != nil {
		s.logger.Warn("failed to decode session control", slogError(err))
		return
	}
	var err error
	switch ctrl.Action {
	case protocol.ActionStart:
		err = s.StartSession(ctrl.SessionID, ctrl.ContentType)
	case protocol.ActionPause:
		err = s.Pause(ctrl.SessionID)
	case protocol.ActionResume:
		err = s.Resume(ctrl.SessionID)
	case protocol.ActionStop:
		err = s.StopSession(ctrl.SessionID)
	default:
		err = fmt.Errorf("unknown action %q", ctrl.Action)
	}
	if err != nil {
		s.logger.Warn("session control failed",
			slog.String("session_id", ctrl.SessionID),
			slog.String("action", string(ctrl.Action)),
			slogError(err))
	}
}

func (s *Service) onUpdate(u session.Update) {
	update := protocol.TranscriptUpdate{
		SessionID:  u.SessionID,
		Text:       u.Text,
		Appended:   u.Appended,
		Replaced:   u.Replaced,
		WordCount:  u.WordCount,
		Processing: u.Processing,
		Status:     string(u.Status),
		Message:    u.Message,
		Timestamp:  u.Timestamp,
	}
	switch u.Status {
	case session.StatusSuccess, session.StatusEmpty:
		s.saveTranscript(update)
		payload, _ := json.Marshal(update)
		s.appendEvent(u.SessionID, eventstore.EventTranscriptionSuccess, payload)
	case session.StatusError, session.StatusLoading:
		payload, _ := json.Marshal(update)
		s.appendEvent(u.SessionID, eventstore.EventTranscriptionError, payload)
	}
	s.publish(update)
}

func (s *Service) publish(update protocol.TranscriptUpdate) {
	if s.bus != nil {
		if err := s.bus.PublishJSON(protocol.TranscriptSubject(update.SessionID), update); err != nil {
			s.logger.Warn("failed to publish transcript", slogError(err))
		}
	}

	s.mu.Lock()
	fns := make([]func(protocol.TranscriptUpdate), 0, len(s.watchers[update.SessionID]))
	for _, fn := range s.watchers[update.SessionID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

func (s *Service) saveTranscript(update protocol.TranscriptUpdate) {
	err := s.store.SaveTranscript(s.ctx, eventstore.Transcript{
		SessionID: update.SessionID,
		Text:      update.Text,
		WordCount: update.WordCount,
		Status:    update.Status,
		UpdatedAt: update.Timestamp,
	})
	if err != nil {
		s.logger.Warn("failed to save transcript", slog.String("session_id", update.SessionID), slogError(err))
	}
}

func (s *Service) appendEvent(sessionID, eventType string, payload []byte) {
	err := s.store.AppendEvent(s.ctx, eventstore.Event{SessionID: sessionID, Type: eventType, Payload: payload})
	if err != nil {
		s.logger.Warn("failed to record event",
			slog.String("session_id", sessionID),
			slog.String("event", eventType),
			slogError(err))
	}
}

func (s *Service) initGauge(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("scribe.sessions.active", metric.WithDescription("Number of live recording sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(s.Active()))
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
