package stt

import (
	"context"
	"fmt"
	"strings"
)

// mockRecognizer yields one word per block of audio so successive blobs of a
// growing recording produce left-extending cumulative transcripts.
type mockRecognizer struct {
	bytesPerWord int
}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{bytesPerWord: 1024}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, blob Blob) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(blob.Data) == 0 {
		return Result{Status: StatusEmpty}, nil
	}
	n := (len(blob.Data) + m.bytesPerWord - 1) / m.bytesPerWord
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i+1)
	}
	return Result{Status: StatusSuccess, Text: strings.Join(words, " ")}, nil
}
