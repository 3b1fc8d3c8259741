package stt

import (
	"context"
	"errors"
	"fmt"
)

// Status mirrors the status field of the transcribe-chunk contract.
type Status string

const (
	StatusSuccess Status = "success"
	StatusEmpty   Status = "empty"
	StatusError   Status = "error"
	StatusLoading Status = "loading"
)

// Blob is a self-contained audio payload sent to a backend.
type Blob struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Result captures recognizer output. Text is cumulative over the blob.
type Result struct {
	Status  Status
	Text    string
	Message string
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, blob Blob) (Result, error)
}

var (
	ErrModelLoading      = errors.New("stt model is loading")
	ErrBlobTooLarge      = errors.New("audio blob exceeds maximum size")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// ServiceError reports a backend that answered with status=error.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return "stt service error"
	}
	return fmt.Sprintf("stt service error: %s", e.Message)
}

// Err converts a non-success result into an error. Empty results are not
// errors: the blob decoded to no speech.
func (r Result) Err() error {
	switch r.Status {
	case StatusError:
		return &ServiceError{Message: r.Message}
	case StatusLoading:
		return ErrModelLoading
	default:
		return nil
	}
}

func normalizeStatus(status string, text string) Status {
	switch Status(status) {
	case StatusSuccess, StatusEmpty, StatusError, StatusLoading:
		return Status(status)
	}
	if text == "" {
		return StatusEmpty
	}
	return StatusSuccess
}
