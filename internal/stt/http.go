package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// httpRecognizer posts the blob as multipart form field "audio" to a
// transcribe-chunk endpoint and reads a {text,status,message} answer.
type httpRecognizer struct {
	endpoint   string
	apiKey     string
	language   string
	httpClient *http.Client
}

type httpResult struct {
	Text    string `json:"text"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func NewHTTPRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &httpRecognizer{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		language:   cfg.Language,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, blob Blob) (Result, error) {
	body, contentType, err := r.encode(blob)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("build stt request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("stt request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read stt response: %w", err)
	}

	var decoded httpResult
	_ = json.Unmarshal(payload, &decoded)

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return Result{Status: StatusLoading, Message: decoded.Detail}, nil
	case resp.StatusCode >= 400:
		msg := decoded.Detail
		if msg == "" {
			msg = decoded.Message
		}
		if msg == "" {
			msg = string(bytes.TrimSpace(payload))
		}
		return Result{Status: StatusError, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, msg)}, nil
	}

	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{
		Status:  normalizeStatus(decoded.Status, decoded.Text),
		Text:    decoded.Text,
		Message: decoded.Message,
	}, nil
}

func (r *httpRecognizer) encode(blob Blob) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := blob.Filename
	if filename == "" {
		filename = "chunk" + ExtensionFor(blob.ContentType)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
	ct := blob.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	header.Set("Content-Type", ct)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(blob.Data); err != nil {
		return nil, "", fmt.Errorf("write audio part: %w", err)
	}
	if r.language != "" {
		if err := writer.WriteField("language", r.language); err != nil {
			return nil, "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
