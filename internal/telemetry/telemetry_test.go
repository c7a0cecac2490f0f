package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingRecordsStages(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tr, err := NewTracing(context.Background(), TracingConfig{ServiceName: "mandatory-use-audit", RunID: "run-1", Exporter: exp})
	require.NoError(t, err)

	ctx, span := tr.Start(context.Background(), "attribute", attribute.Int("dispensations", 10))
	_, child := tr.Start(ctx, "score")
	End(child, nil)
	End(span, errors.New("boom"))
	require.NoError(t, tr.Shutdown(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "score", spans[0].Name)
	assert.Equal(t, "attribute", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestTracingWithoutExporter(t *testing.T) {
	tr, err := NewTracing(context.Background(), TracingConfig{ServiceName: "mandatory-use-audit"})
	require.NoError(t, err)
	_, span := tr.Start(context.Background(), "noop")
	End(span, nil)
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestMetricsTextfile(t *testing.T) {
	m := NewMetrics("run-1")
	m.SetPeriod("2024-04-01..2024-04-30")
	m.SetCount("dispensations", 10)
	m.SetCount("searched", 4)
	m.SetSearchRate(40)
	m.ObserveStage("attribute", 1500*time.Millisecond)
	m.MarkCompleted(time.Unix(1714500000, 0))

	assert.Equal(t, 10.0, testutil.ToFloat64(m.records.WithLabelValues("dispensations")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.searchRate))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.stageDuration.WithLabelValues("attribute")))

	path := filepath.Join(t.TempDir(), "mu.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `mandatory_use_records{kind="searched"} 4`)
	assert.Contains(t, text, `mandatory_use_run_info{period="2024-04-01..2024-04-30",run_id="run-1"} 1`)
	assert.Contains(t, text, "mandatory_use_search_rate_percent 40")
}
