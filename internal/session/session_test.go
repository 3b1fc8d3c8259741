package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/reconcile"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type scripted struct {
	result stt.Result
	err    error
}

type scriptedRecognizer struct {
	mu     sync.Mutex
	script []scripted
	blobs  []stt.Blob
}

func (r *scriptedRecognizer) Transcribe(_ context.Context, blob stt.Blob) (stt.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs = append(r.blobs, blob)
	if len(r.script) == 0 {
		return stt.Result{Status: stt.StatusEmpty}, nil
	}
	next := r.script[0]
	r.script = r.script[1:]
	return next.result, next.err
}

func (r *scriptedRecognizer) sent() []stt.Blob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.Blob(nil), r.blobs...)
}

func success(text string) scripted {
	return scripted{result: stt.Result{Status: stt.StatusSuccess, Text: text}}
}

func testOptions() Options {
	return Options{
		Scheduler: scheduler.Options{
			QuietPeriod:  10 * time.Millisecond,
			MinChunks:    2,
			HeaderChunks: 1,
			Mode:         scheduler.ModeCumulative,
		},
		Reconcile:   reconcile.DefaultParams(),
		Encoding:    EncodingContainer,
		ContentType: "audio/webm;codecs=opus",
		FlushOnStop: true,
	}
}

type fixture struct {
	s       *Session
	rec     *scriptedRecognizer
	updates chan Update
}

func newFixture(t *testing.T, opts Options, script ...scripted) *fixture {
	t.Helper()
	f := &fixture{
		rec:     &scriptedRecognizer{script: script},
		updates: make(chan Update, 64),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.s = New(context.Background(), "s-1", opts, f.rec, func(u Update) { f.updates <- u }, logger)
	t.Cleanup(f.s.Close)
	return f
}

func (f *fixture) feed(t *testing.T, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		if !f.s.AddChunk([]byte(c)) {
			t.Fatalf("chunk %q rejected", c)
		}
	}
}

// next returns the next completed update, skipping processing notices.
func (f *fixture) next(t *testing.T) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-f.updates:
			if u.Status == StatusProcessing {
				if !u.Processing {
					t.Fatal("processing update must carry the processing flag")
				}
				continue
			}
			return u
		case <-deadline:
			t.Fatal("timed out waiting for update")
			return Update{}
		}
	}
}

func TestCumulativeResultsGrowDisplay(t *testing.T) {
	f := newFixture(t, testOptions(),
		success("Hola buenas"),
		success("hola buenas tardes doctor"),
	)

	f.feed(t, "H", "1")
	u := f.next(t)
	if u.Text != "Hola buenas" || !u.Replaced || u.Status != StatusSuccess {
		t.Fatalf("unexpected first update %+v", u)
	}

	f.s.Wait()
	f.feed(t, "2")
	u = f.next(t)
	if u.Text != "Hola buenas tardes doctor" {
		t.Fatalf("expected appended display, got %q", u.Text)
	}
	if u.Appended != "tardes doctor" || u.Replaced {
		t.Fatalf("unexpected step %+v", u)
	}
	if u.WordCount != 4 {
		t.Fatalf("expected 4 words, got %d", u.WordCount)
	}

	blobs := f.rec.sent()
	if string(blobs[0].Data) != "H1" || string(blobs[1].Data) != "H12" {
		t.Fatalf("expected cumulative blobs, got %q and %q", blobs[0].Data, blobs[1].Data)
	}
	if blobs[1].ContentType != "audio/webm;codecs=opus" || !strings.HasSuffix(blobs[1].Filename, ".webm") {
		t.Fatalf("unexpected blob metadata %q %q", blobs[1].ContentType, blobs[1].Filename)
	}
}

func TestFailureKeepsDisplayAndReportsStatus(t *testing.T) {
	f := newFixture(t, testOptions(),
		success("hola"),
		scripted{result: stt.Result{Status: stt.StatusLoading}},
		scripted{err: errors.New("connection refused")},
	)

	f.feed(t, "H", "1")
	f.next(t)

	f.s.Wait()
	f.feed(t, "2")
	u := f.next(t)
	if u.Status != StatusLoading || u.Text != "hola" {
		t.Fatalf("expected loading with unchanged display, got %+v", u)
	}

	f.s.Wait()
	f.feed(t, "3")
	u = f.next(t)
	if u.Status != StatusError || !strings.Contains(u.Message, "connection refused") || u.Text != "hola" {
		t.Fatalf("expected error with unchanged display, got %+v", u)
	}

	f.s.Wait()
	snap := f.s.Snapshot()
	if snap.Watermark != 2 || snap.Chunks != 4 {
		t.Fatalf("expected watermark 2 of 4 chunks, got %d of %d", snap.Watermark, snap.Chunks)
	}
	if snap.Status != StatusError {
		t.Fatalf("expected error status in snapshot, got %s", snap.Status)
	}
}

func TestEmptyResultLeavesDisplay(t *testing.T) {
	f := newFixture(t, testOptions(),
		success("hola buenas"),
		scripted{result: stt.Result{Status: stt.StatusEmpty}},
	)
	f.feed(t, "H", "1")
	f.next(t)
	f.s.Wait()
	f.feed(t, "2")
	u := f.next(t)
	if u.Status != StatusEmpty || u.Text != "hola buenas" {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestPCM16IsWrappedAsWAV(t *testing.T) {
	opts := testOptions()
	opts.Encoding = EncodingPCM16
	opts.Scheduler.HeaderChunks = 0
	opts.SampleRate = 16000
	opts.Channels = 1
	f := newFixture(t, opts, success("hola"))

	f.feed(t, "\x01\x00", "\x02\x00")
	f.next(t)

	blob := f.rec.sent()[0]
	if blob.ContentType != "audio/wav" || !bytes.HasPrefix(blob.Data, []byte("RIFF")) {
		t.Fatalf("expected wav blob, got %q with prefix %q", blob.ContentType, blob.Data[:4])
	}
}

func TestOversizedBlobFails(t *testing.T) {
	opts := testOptions()
	opts.MaxBlobBytes = 4
	f := newFixture(t, opts)

	f.feed(t, "HHH", "123")
	u := f.next(t)
	if u.Status != StatusError || !strings.Contains(u.Message, stt.ErrBlobTooLarge.Error()) {
		t.Fatalf("expected blob too large error, got %+v", u)
	}
	if len(f.rec.sent()) != 0 {
		t.Fatal("oversized blob must not reach the recognizer")
	}
}

func TestStopFlushesRemainingAudio(t *testing.T) {
	opts := testOptions()
	opts.Scheduler.QuietPeriod = time.Hour
	f := newFixture(t, opts, success("hola buenas tardes"))

	f.feed(t, "H", "1", "2")
	f.s.Stop()
	u := f.next(t)
	if u.Text != "hola buenas tardes" {
		t.Fatalf("expected final transcript, got %q", u.Text)
	}
	f.s.Wait()
	if !f.s.Stopped() {
		t.Fatal("expected stopped session")
	}
	if f.s.AddChunk([]byte("4")) {
		t.Fatal("expected chunks to be rejected after stop")
	}
}

func TestStartClearsTranscript(t *testing.T) {
	f := newFixture(t, testOptions(), success("hola buenas"))
	f.feed(t, "H", "1")
	f.next(t)
	f.s.Wait()

	gen := f.s.Generation()
	f.s.Start()
	snap := f.s.Snapshot()
	if snap.Text != "" || snap.Chunks != 0 || snap.Watermark != 0 || snap.Status != StatusIdle {
		t.Fatalf("expected clean snapshot, got %+v", snap)
	}
	if f.s.Generation() != gen+1 {
		t.Fatal("expected generation bump")
	}
}

func TestPauseRejectsChunks(t *testing.T) {
	f := newFixture(t, testOptions())
	f.feed(t, "H")
	f.s.Pause()
	if f.s.AddChunk([]byte("1")) {
		t.Fatal("expected chunk to be rejected while paused")
	}
	if !f.s.Snapshot().Paused {
		t.Fatal("expected paused snapshot")
	}
	f.s.Resume()
	f.feed(t, "1")
	if f.s.Snapshot().Chunks != 2 {
		t.Fatal("expected chunk accepted after resume")
	}
}

func TestIncrementalFragmentsAreMerged(t *testing.T) {
	opts := testOptions()
	opts.Scheduler.Mode = scheduler.ModeIncremental
	f := newFixture(t, opts,
		success("hola buenas"),
		success("buenas tardes doctor"),
	)

	f.feed(t, "H", "a")
	f.next(t)
	f.s.Wait()
	f.feed(t, "b")
	u := f.next(t)
	if u.Text != "hola buenas buenas tardes doctor" {
		t.Fatalf("unexpected merged display %q", u.Text)
	}

	blobs := f.rec.sent()
	if string(blobs[1].Data) != "Hb" {
		t.Fatalf("expected header plus new chunk, got %q", blobs[1].Data)
	}
}
