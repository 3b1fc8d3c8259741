package stt

import (
	"fmt"
	"path/filepath"
	"strings"
)

const octetStream = "application/octet-stream"

var extToMIME = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/m4a",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".webm": "audio/webm",
}

var mimeToExt = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/m4a":   ".m4a",
	"audio/mp4":   ".m4a",
	"audio/ogg":   ".ogg",
	"audio/flac":  ".flac",
	"audio/webm":  ".webm",
}

// BaseContentType strips parameters such as ";codecs=opus".
func BaseContentType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// DetectContentType resolves application/octet-stream (or a missing type)
// from the filename extension. Other types are returned unchanged.
func DetectContentType(contentType, filename string) string {
	if contentType != "" && BaseContentType(contentType) != octetStream {
		return contentType
	}
	if mime, ok := extToMIME[strings.ToLower(filepath.Ext(filename))]; ok {
		return mime
	}
	if contentType == "" {
		return octetStream
	}
	return contentType
}

// ValidateContentType checks the base type against the allowed list.
// application/octet-stream is always accepted. An empty list allows all.
func ValidateContentType(contentType string, allowed []string) error {
	base := BaseContentType(contentType)
	if base == octetStream || len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if BaseContentType(a) == base {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
}

// ExtensionFor returns a filename extension for a content type, ".bin" when
// unknown.
func ExtensionFor(contentType string) string {
	if ext, ok := mimeToExt[BaseContentType(contentType)]; ok {
		return ext
	}
	return ".bin"
}
