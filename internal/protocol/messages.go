package protocol

import (
	"strings"
	"time"
)

// AudioChunk carries one encoded chunk of a recording session.
type AudioChunk struct {
	SessionID   string `json:"session_id"`
	Sequence    int    `json:"sequence"`
	Data        []byte `json:"data"`
	ContentType string `json:"content_type,omitempty"`
}

type ControlAction string

const (
	ActionStart  ControlAction = "start"
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionStop   ControlAction = "stop"
)

// SessionControl drives the lifecycle of a recording session.
type SessionControl struct {
	SessionID   string        `json:"session_id"`
	Action      ControlAction `json:"action"`
	ContentType string        `json:"content_type,omitempty"`
}

// TranscriptUpdate is published after every transcription attempt.
type TranscriptUpdate struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Appended   string    `json:"appended,omitempty"`
	Replaced   bool      `json:"replaced"`
	WordCount  int       `json:"word_count"`
	Processing bool      `json:"processing"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Final      bool      `json:"final,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioChunkPrefix     = "audio.chunk"
	SubjectSessionControlPrefix = "session.control"
	SubjectTranscriptPrefix     = "stt.transcript"
)

func AudioChunkSubject(sessionID string) string {
	return SubjectAudioChunkPrefix + "." + sessionID
}

func SessionControlSubject(sessionID string) string {
	return SubjectSessionControlPrefix + "." + sessionID
}

func TranscriptSubject(sessionID string) string {
	return SubjectTranscriptPrefix + "." + sessionID
}

// ValidSessionID reports whether id can be used as a single subject token.
func ValidSessionID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}
