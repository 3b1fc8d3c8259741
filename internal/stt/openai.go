package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/sashabaranov/go-openai"
)

type openAIRecognizer struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAIRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stt api key is empty")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIRecognizer{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: cfg.Language,
	}, nil
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, blob Blob) (Result, error) {
	filename := blob.Filename
	if filename == "" {
		filename = "chunk" + ExtensionFor(blob.ContentType)
	}
	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		FilePath: filename,
		Reader:   bytes.NewReader(blob.Data),
		Language: r.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			if apiErr.HTTPStatusCode == http.StatusServiceUnavailable {
				return Result{Status: StatusLoading, Message: apiErr.Message}, nil
			}
			return Result{Status: StatusError, Message: apiErr.Message}, nil
		}
		return Result{}, fmt.Errorf("openai transcription: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	return Result{Status: normalizeStatus("", text), Text: text}, nil
}
