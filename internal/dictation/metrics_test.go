package dictation

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/stt"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type stubRecognizer struct {
	res stt.Result
	err error
}

func (s stubRecognizer) Transcribe(context.Context, stt.Blob) (stt.Result, error) {
	return s.res, s.err
}

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestInstrumentedRecognizerCountsFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	cases := []struct {
		name     string
		next     stubRecognizer
		wantErr  bool
		requests int64
		failures int64
	}{
		{"success", stubRecognizer{res: stt.Result{Status: stt.StatusSuccess, Text: "hola"}}, false, 1, 0},
		{"loading", stubRecognizer{res: stt.Result{Status: stt.StatusLoading}}, false, 2, 1},
		{"transport error", stubRecognizer{err: errors.New("connection refused")}, true, 3, 2},
	}
	for _, tc := range cases {
		rec, err := instrument(tc.next, meter)
		if err != nil {
			t.Fatalf("instrument: %v", err)
		}
		res, err := rec.Transcribe(context.Background(), stt.Blob{Data: []byte{1}})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if res.Status != tc.next.res.Status {
			t.Fatalf("%s: result altered: %+v", tc.name, res)
		}
		if got := collectSum(t, reader, "scribe.transcription.requests"); got != tc.requests {
			t.Fatalf("%s: expected %d requests, got %d", tc.name, tc.requests, got)
		}
		if got := collectSum(t, reader, "scribe.transcription.failures"); got != tc.failures {
			t.Fatalf("%s: expected %d failures, got %d", tc.name, tc.failures, got)
		}
	}
}
