// Package scheduler decides when buffered audio of a recording session is
// sent for transcription.
//
// Chunks are appended to a log and a trailing-edge debounce timer is armed on
// every arrival. When the session has been quiet for the configured period the
// scheduler builds a self-contained blob and hands it to the transcribe
// function. At most one request is in flight per scheduler.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mode selects which chunks a request carries.
type Mode string

const (
	// ModeCumulative resends the whole log; results cover everything so far.
	ModeCumulative Mode = "cumulative"
	// ModeIncremental sends the header chunks plus the chunks after the
	// watermark; results cover only the new audio.
	ModeIncremental Mode = "incremental"
)

// State is the externally visible scheduler state.
type State string

const (
	StateIdle     State = "idle"
	StateArmed    State = "armed"
	StateFlushing State = "flushing"
)

type Options struct {
	QuietPeriod  time.Duration
	MinChunks    int
	HeaderChunks int
	Mode         Mode
}

func DefaultOptions() Options {
	return Options{
		QuietPeriod:  2 * time.Second,
		MinChunks:    2,
		HeaderChunks: 1,
		Mode:         ModeCumulative,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = d.QuietPeriod
	}
	if o.MinChunks <= 0 {
		o.MinChunks = 1
	}
	if o.HeaderChunks < 0 {
		o.HeaderChunks = 0
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	return o
}

// Request is one transcription request built from the chunk log.
type Request struct {
	Generation uint64
	// Chunks is the log length captured when the request was built.
	Chunks int
	// First is the index of the first non-header chunk carried by Blob.
	First int
	Blob  []byte
	Mode  Mode
}

// TranscribeFunc performs the transcription call for a request.
type TranscribeFunc func(ctx context.Context, req Request) (string, error)

// ResultFunc receives the outcome of a request of the current generation.
// It runs on the request goroutine while the request still counts as in
// flight, so results are delivered strictly in order.
type ResultFunc func(req Request, text string, err error)

type timer interface {
	Stop() bool
}

type Scheduler struct {
	opts       Options
	transcribe TranscribeFunc
	onResult   ResultFunc
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	buffer     *Buffer
	watermark  int
	generation uint64
	inflight   bool
	deferred   bool
	paused     bool
	stopped    bool
	final      bool
	timer      timer
	timerSeq   uint64
	afterFunc  func(time.Duration, func()) timer
}

func New(parent context.Context, opts Options, transcribe TranscribeFunc, onResult ResultFunc, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		opts:       opts.withDefaults(),
		transcribe: transcribe,
		onResult:   onResult,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		buffer:     NewBuffer(),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Reset starts a new recording session: the log is cleared, the timer
// cancelled, the watermark zeroed and the generation bumped so results of
// requests built before the reset are discarded.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
	s.buffer.Reset()
	s.watermark = 0
	s.inflight = false
	s.deferred = false
	s.paused = false
	s.stopped = false
	s.final = false
	s.generation++
}

// OnChunk buffers a chunk and re-arms the debounce timer. Empty chunks and
// chunks arriving while paused or stopped are rejected.
func (s *Scheduler) OnChunk(data []byte) bool {
	if len(data) == 0 {
		s.log.Debug("ignoring empty chunk")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.stopped {
		return false
	}
	header := s.buffer.Len() < s.opts.HeaderChunks
	s.buffer.Append(data, header)
	s.cancelTimerLocked()
	if s.buffer.Len() > s.watermark {
		s.armLocked()
	}
	return true
}

// TryFlush issues a request when the flush conditions hold. A call while a
// request is in flight is remembered and re-armed once that request succeeds.
func (s *Scheduler) TryFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryFlushLocked()
}

func (s *Scheduler) tryFlushLocked() bool {
	if s.inflight {
		s.deferred = true
		return false
	}
	if s.paused {
		return false
	}
	n := s.buffer.Len()
	if n < s.opts.MinChunks || n <= s.watermark {
		return false
	}

	first := 0
	if s.opts.Mode == ModeIncremental {
		first = max(s.watermark, s.buffer.HeaderCount())
	}
	req := Request{
		Generation: s.generation,
		Chunks:     n,
		First:      first,
		Blob:       s.buffer.Assemble(first, n),
		Mode:       s.opts.Mode,
	}
	s.inflight = true
	s.deferred = false

	s.wg.Add(1)
	go s.run(req)
	return true
}

func (s *Scheduler) run(req Request) {
	defer s.wg.Done()

	text, err := s.transcribe(s.ctx, req)

	s.mu.Lock()
	stale := req.Generation != s.generation
	s.mu.Unlock()
	if stale {
		s.log.Debug("discarding result of previous session", slog.Uint64("generation", req.Generation))
		return
	}

	if s.onResult != nil {
		s.onResult(req, text, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Generation != s.generation {
		return
	}
	s.inflight = false
	deferred := s.deferred
	s.deferred = false
	final := s.final
	s.final = false
	if err == nil && req.Chunks > s.watermark {
		s.watermark = req.Chunks
	}
	if final {
		s.tryFlushLocked()
		return
	}
	if err != nil {
		return
	}
	if deferred && s.timer == nil && !s.paused && !s.stopped && s.buffer.Len() > s.watermark {
		s.armLocked()
	}
}

func (s *Scheduler) armLocked() {
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.afterFunc(s.opts.QuietPeriod, func() { s.fire(seq) })
}

func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.timerSeq {
		return
	}
	s.timer = nil
	s.tryFlushLocked()
}

// SetPaused toggles the pause state. Pausing keeps the buffer and a pending
// timer; resuming never flushes on its own.
func (s *Scheduler) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// Stop cancels the pending timer and rejects further chunks. A request in
// flight is allowed to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
	s.stopped = true
}

// Finish stops the scheduler like Stop and sends whatever has not been
// transcribed yet, either now or once the request in flight completes. It
// reports whether a final request was issued or is pending.
func (s *Scheduler) Finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
	s.stopped = true
	s.paused = false
	if s.inflight {
		s.final = true
		return true
	}
	return s.tryFlushLocked()
}

// Wait blocks until no request is in flight, including a final request
// issued by Finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close stops the scheduler and waits for the request in flight.
func (s *Scheduler) Close() {
	s.Stop()
	s.cancel()
	s.wg.Wait()
}

// Processing reports whether a request is in flight.
func (s *Scheduler) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) Watermark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len()
}

func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.inflight:
		return StateFlushing
	case s.timer != nil:
		return StateArmed
	default:
		return StateIdle
	}
}
