package camera

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camlink/internal/metrics"
)

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://192.168.1.101/api", BaseURL(DefaultHost, DefaultAPIPort))
	assert.Equal(t, "http://127.0.0.1:8080/api", BaseURL("127.0.0.1", 8080))
}

func TestStartPreviewBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/2/preview", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := NewClient(srv.URL+"/api", WithMetrics(m))

	res := c.StartPreview(context.Background(), "clip-1", 12.5, 4, 4011)
	require.True(t, res.OK(), "error: %v", res.Err)

	assert.Equal(t, "clip-1", got["id"])
	assert.Equal(t, true, got["preview_active"])
	assert.Equal(t, float64(4011), got["preview_port"])
	assert.Equal(t, 12.5, got["offset_secs"])
	assert.Equal(t, float64(4), got["length_secs"])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Commands.WithLabelValues("start_preview", "ok")))
}

func TestStopPreviewOmitsSection(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := NewClient(srv.URL).StopPreview(context.Background(), "clip-1", 4011)
	require.True(t, res.OK())

	assert.Equal(t, false, got["preview_active"])
	assert.NotContains(t, got, "offset_secs")
	assert.NotContains(t, got, "length_secs")
}

func TestHTTPErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusConflict)
	}))
	defer srv.Close()

	res := NewClient(srv.URL).SetViewfinder(context.Background(), true, 4001)
	assert.False(t, res.OK())
	assert.Equal(t, OutcomeHTTPError, res.Outcome)
	assert.Equal(t, http.StatusConflict, res.StatusCode())

	var se *StatusError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, "busy", se.Body)
}

func TestTransportFailureResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := NewClient(url).GetStatus(context.Background())
	assert.Equal(t, OutcomeTransportFailure, res.Outcome)
	assert.Error(t, res.Err)
	assert.Zero(t, res.StatusCode())

	_, err := res.Get()
	assert.Error(t, err)
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"recording_active":true,"recoding_secs":42,"battery_level_pct":80,
			"gnss_fix":true,"backchannel_port":6000,"viewfinder_streaming_port":4001,
			"memory_free_bytes":123456789012,"remaining_photos":7}`))
	}))
	defer srv.Close()

	status, err := NewClient(srv.URL).GetStatus(context.Background()).Get()
	require.NoError(t, err)
	assert.True(t, status.RecordingActive)
	assert.Equal(t, 42, status.RecordingSecs)
	assert.Equal(t, 80, status.BatteryLevelPct)
	assert.True(t, status.GNSSFix)
	assert.Equal(t, 6000, status.BackchannelPort)
	assert.Equal(t, 4001, status.ViewfinderStreamingPort)
	assert.Equal(t, int64(123456789012), status.MemoryFreeBytes)
	assert.Equal(t, 7, status.RemainingPhotos)
}

func TestGetViewfinderBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	res := NewClient(srv.URL).GetViewfinder(context.Background())
	assert.Equal(t, OutcomeTransportFailure, res.Outcome)
}

func TestAsync(t *testing.T) {
	done := make(chan Result[int], 1)
	Async(func() Result[int] { return Ok(7) }, func(r Result[int]) { done <- r })

	r := <-done
	v, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, "ok", r.Outcome.String())
}
