package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
