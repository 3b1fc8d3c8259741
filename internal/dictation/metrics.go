package dictation

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/dictation"

// instrumentedRecognizer records a span and request metrics around every
// transcription call.
type instrumentedRecognizer struct {
	next     stt.Recognizer
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func instrument(next stt.Recognizer, meter metric.Meter) (*instrumentedRecognizer, error) {
	r := &instrumentedRecognizer{
		next:   next,
		tracer: otel.Tracer(instrumentationName),
	}
	var err error
	r.requests, err = meter.Int64Counter("scribe.transcription.requests",
		metric.WithDescription("Transcription requests sent to the STT backend"))
	if err != nil {
		return r, err
	}
	r.failures, err = meter.Int64Counter("scribe.transcription.failures",
		metric.WithDescription("Transcription requests that failed or were not served"))
	if err != nil {
		return r, err
	}
	r.latency, err = meter.Float64Histogram("scribe.transcription.latency",
		metric.WithDescription("Transcription round trip time"),
		metric.WithUnit("ms"))
	return r, err
}

func (r *instrumentedRecognizer) Transcribe(ctx context.Context, blob stt.Blob) (stt.Result, error) {
	ctx, span := r.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.Int("audio.bytes", len(blob.Data)),
		attribute.String("audio.content_type", blob.ContentType),
	))
	defer span.End()

	start := time.Now()
	res, callErr := r.next.Transcribe(ctx, blob)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	status := string(res.Status)
	err := callErr
	if err == nil {
		err = res.Err()
	} else {
		status = string(stt.StatusError)
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if r.requests != nil {
		r.requests.Add(ctx, 1, attrs)
	}
	if r.latency != nil {
		r.latency.Record(ctx, elapsed, attrs)
	}
	span.SetAttributes(attribute.String("stt.status", status))
	if err != nil {
		if r.failures != nil {
			r.failures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, callErr
}
