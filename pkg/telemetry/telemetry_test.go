package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabled(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, tel.MeterProvider)
	assert.Nil(t, tel.Handler)

	counter, err := tel.Meter.Int64Counter("minidb.test.noop")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := tel.Tracer.Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestNewEnabledExportsPrometheus(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "minidb-test"}, nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("minidb.test.ops")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := tel.Tracer.Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "minidb_test_ops_total")
}
