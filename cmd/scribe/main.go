package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'replay', 'transcript' or 'version'")
		os.Exit(2)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load .env:", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var err error
	switch os.Args[1] {
	case "replay":
		err = runReplay(os.Args[2:], logger)
	case "transcript":
		err = runTranscript(os.Args[2:], logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type replayOptions struct {
	configPath  string
	file        string
	sessionID   string
	contentType string
	chunkKB     int
	interval    time.Duration
	settle      time.Duration
	timeout     time.Duration
	jsonOutput  bool
}

// runReplay streams an audio file to a running daemon over the bus and prints
// transcript updates until the final one arrives.
func runReplay(args []string, logger *slog.Logger) error {
	var opts replayOptions
	flags := flag.NewFlagSet("replay", flag.ExitOnError)
	flags.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults + env when empty)")
	flags.StringVar(&opts.file, "file", "", "Audio file to replay")
	flags.StringVar(&opts.sessionID, "session", "", "Session id (random when empty)")
	flags.StringVar(&opts.contentType, "content-type", "", "Content type of the audio (detected from the extension when empty)")
	flags.IntVar(&opts.chunkKB, "chunk-kb", 16, "Chunk size in KiB")
	flags.DurationVar(&opts.interval, "interval", 250*time.Millisecond, "Delay between chunks")
	flags.DurationVar(&opts.settle, "settle", 250*time.Millisecond, "Delay between the last chunk and the stop control")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Time to wait for the final transcript")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print raw transcript updates as JSON")
	flags.Parse(args)

	if opts.file == "" {
		return errors.New("replay: -file is required")
	}
	if opts.chunkKB <= 0 {
		return errors.New("replay: -chunk-kb must be positive")
	}
	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
	}
	if !protocol.ValidSessionID(opts.sessionID) {
		return fmt.Errorf("replay: invalid session id %q", opts.sessionID)
	}
	if opts.contentType == "" {
		opts.contentType = stt.DetectContentType("", opts.file)
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	final := make(chan protocol.TranscriptUpdate, 1)
	unwatch, err := client.Watch(protocol.TranscriptSubject(opts.sessionID), func(data []byte) {
		var u protocol.TranscriptUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			logger.Warn("failed to decode transcript update", slog.String("error", err.Error()))
			return
		}
		printUpdate(u, opts.jsonOutput)
		if u.Final {
			select {
			case final <- u:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer unwatch()

	f, err := os.Open(opts.file)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(os.Stderr, "session %s (%s)\n", opts.sessionID, opts.contentType)
	sent, err := streamChunks(ctx, client, f, opts)
	if err != nil {
		return err
	}

	// Chunks and controls are consumed on separate subscriptions, so give the
	// daemon a moment to buffer the tail before asking it to stop.
	if err := client.Conn().Flush(); err != nil {
		return fmt.Errorf("flush bus: %w", err)
	}
	if err := sleepCtx(ctx, opts.settle); err != nil {
		return err
	}
	ctrl := protocol.SessionControl{SessionID: opts.sessionID, Action: protocol.ActionStop}
	if err := client.PublishJSON(protocol.SessionControlSubject(opts.sessionID), ctrl); err != nil {
		return err
	}

	select {
	case u := <-final:
		fmt.Fprintf(os.Stderr, "sent %d chunks, final transcript has %d words\n", sent, u.WordCount)
		return nil
	case <-time.After(opts.timeout):
		return fmt.Errorf("replay: no final transcript after %s", opts.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func streamChunks(ctx context.Context, client *bus.Client, r io.Reader, opts replayOptions) (int, error) {
	buf := make([]byte, opts.chunkKB*1024)
	seq := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := protocol.AudioChunk{
				SessionID:   opts.sessionID,
				Sequence:    seq,
				Data:        append([]byte(nil), buf[:n]...),
				ContentType: opts.contentType,
			}
			if perr := client.PublishJSON(protocol.AudioChunkSubject(opts.sessionID), chunk); perr != nil {
				return seq, perr
			}
			seq++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return seq, nil
		}
		if err != nil {
			return seq, fmt.Errorf("read audio: %w", err)
		}
		if err := sleepCtx(ctx, opts.interval); err != nil {
			return seq, err
		}
	}
}

func printUpdate(u protocol.TranscriptUpdate, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(u)
		fmt.Println(string(data))
		return
	}
	switch {
	case u.Processing:
		fmt.Println("[processing]")
	case u.Final:
		fmt.Printf("[final] %s\n", u.Text)
	case u.Status == "success":
		fmt.Printf("[%d words] %s\n", u.WordCount, u.Text)
	default:
		fmt.Printf("[%s] %s\n", u.Status, u.Message)
	}
}

func runTranscript(args []string, logger *slog.Logger) error {
	var (
		configPath string
		sessionID  string
		events     bool
		skip       int
		limit      int
	)
	flags := flag.NewFlagSet("transcript", flag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "Path to configuration file (defaults + env when empty)")
	flags.StringVar(&sessionID, "session", "", "Session id")
	flags.BoolVar(&events, "events", false, "Also list the session timeline")
	flags.IntVar(&skip, "skip", 0, "Transcripts to skip when listing")
	flags.IntVar(&limit, "limit", 10, "Transcripts to list when -session is empty")
	flags.Parse(args)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := eventstore.OpenReadOnly(ctx, cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if sessionID == "" {
		return listTranscripts(ctx, store, skip, limit)
	}

	tr, err := store.LoadTranscript(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load transcript %s: %w", sessionID, err)
	}
	fmt.Printf("%s (%d words, %s, updated %s)\n", tr.SessionID, tr.WordCount, tr.Status, tr.UpdatedAt.Format(time.RFC3339))
	fmt.Println(tr.Text)

	if !events {
		return nil
	}
	list, err := store.ListSessionEvents(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	for _, evt := range list {
		fmt.Printf("%s  %s  %s\n", evt.CreatedAt.Format(time.RFC3339), evt.Type, string(evt.Payload))
	}
	return nil
}

func listTranscripts(ctx context.Context, store *eventstore.Store, skip, limit int) error {
	total, err := store.CountTranscripts(ctx)
	if err != nil {
		return err
	}
	list, err := store.ListTranscripts(ctx, skip, limit)
	if err != nil {
		return err
	}
	for _, tr := range list {
		fmt.Printf("%s  %s  %4d words  %s\n", tr.UpdatedAt.Format(time.RFC3339), tr.SessionID, tr.WordCount, tr.Status)
	}
	fmt.Fprintf(os.Stderr, "%d of %d transcripts\n", len(list), total)
	return nil
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
