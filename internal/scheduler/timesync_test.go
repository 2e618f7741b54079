package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokerjunya/ticket-get/internal/config"
)

func dateServer(skew time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Date", time.Now().Add(skew).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))
}

func TestTimeSyncMeasure(t *testing.T) {
	srv := dateServer(30 * time.Second)
	defer srv.Close()

	ts := NewTimeSync(config.TimeSyncConfig{Servers: []string{srv.URL}, TimeoutMs: 2000}, nil)
	offset, err := ts.Measure(context.Background())
	require.NoError(t, err)
	// Date 头只有秒级精度。
	assert.InDelta(t, float64(30*time.Second), float64(offset), float64(1500*time.Millisecond))
}

func TestTimeSyncSkipsFailingServers(t *testing.T) {
	good := dateServer(0)
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	bad.Close()

	ts := NewTimeSync(config.TimeSyncConfig{Servers: []string{bad.URL, good.URL}, TimeoutMs: 1000}, nil)
	offset, err := ts.Measure(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0, float64(offset), float64(1500*time.Millisecond))
}

func TestTimeSyncAllFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	bad.Close()

	ts := NewTimeSync(config.TimeSyncConfig{Servers: []string{bad.URL}, TimeoutMs: 500}, nil)
	_, err := ts.Measure(context.Background())
	require.Error(t, err)

	_, isSystem := ts.Clock(context.Background()).(SystemClock)
	assert.True(t, isSystem)
}
