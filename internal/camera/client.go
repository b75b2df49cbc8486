package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/camlink/internal/metrics"
)

const (
	DefaultHost    = "192.168.1.101"
	DefaultAPIPort = 80
)

// Status is the camera state reported by GET /2/status.
type Status struct {
	RecordingActive          bool  `json:"recording_active"`
	RecordingSecs            int   `json:"recoding_secs"`
	BatteryLevelPct          int   `json:"battery_level_pct"`
	BatteryCharging          bool  `json:"battery_charging"`
	GNSSFix                  bool  `json:"gnss_fix"`
	GNSSStrengthPct          int   `json:"gnss_strength_pct"`
	HeartRateSensorConnected bool  `json:"heart_rate_sensor_connected"`
	CadenceSensorConnected   bool  `json:"cadence_sensor_connected"`
	PreviewActive            bool  `json:"preview_active"`
	ViewfinderActive         bool  `json:"viewfinder_active"`
	ViewfinderStreamingPort  int   `json:"viewfinder_streaming_port"`
	BackchannelPort          int   `json:"backchannel_port"`
	MemoryFreeBytes          int64 `json:"memory_free_bytes"`
	RemainingTimeSecs        int   `json:"remaining_time_secs"`
	RemainingPhotos          int   `json:"remaining_photos"`
}

// ViewfinderStatus is the body of /2/viewfinder.
type ViewfinderStatus struct {
	Active        bool `json:"viewfinder_active"`
	StreamingPort int  `json:"viewfinder_streaming_port"`
}

// PreviewRequest is the body of POST /2/preview.
type PreviewRequest struct {
	ID         string   `json:"id"`
	Active     bool     `json:"preview_active"`
	Port       int      `json:"preview_port"`
	OffsetSecs *float64 `json:"offset_secs,omitempty"`
	LengthSecs *float64 `json:"length_secs,omitempty"`
}

// Client talks to the camera REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics counts commands in m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// BaseURL builds the API root for a camera host, e.g. http://192.168.1.101/api.
func BaseURL(host string, port int) string {
	if port == 0 || port == 80 {
		return fmt.Sprintf("http://%s/api", host)
	}
	return fmt.Sprintf("http://%s:%d/api", host, port)
}

// NewClient creates a camera API client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartPreview asks the camera to stream a section of a recording to port.
// Zero offset and length are omitted so the camera plays from the start.
func (c *Client) StartPreview(ctx context.Context, mediaID string, offsetSecs, lengthSecs float64, port int) Result[struct{}] {
	req := PreviewRequest{ID: mediaID, Active: true, Port: port}
	if offsetSecs > 0 {
		req.OffsetSecs = &offsetSecs
	}
	if lengthSecs > 0 {
		req.LengthSecs = &lengthSecs
	}
	return c.command(ctx, "start_preview", http.MethodPost, "/2/preview", req)
}

// StopPreview stops a running preview stream.
func (c *Client) StopPreview(ctx context.Context, mediaID string, port int) Result[struct{}] {
	req := PreviewRequest{ID: mediaID, Active: false, Port: port}
	return c.command(ctx, "stop_preview", http.MethodPost, "/2/preview", req)
}

// SetViewfinder turns the viewfinder stream on or off. The port is only sent
// when starting.
func (c *Client) SetViewfinder(ctx context.Context, active bool, port int) Result[struct{}] {
	req := ViewfinderStatus{Active: active, StreamingPort: -1}
	if active {
		req.StreamingPort = port
	}
	name := "stop_viewfinder"
	if active {
		name = "start_viewfinder"
	}
	return c.command(ctx, name, http.MethodPost, "/2/viewfinder", req)
}

// GetViewfinder returns the current viewfinder state.
func (c *Client) GetViewfinder(ctx context.Context) Result[ViewfinderStatus] {
	return fetch[ViewfinderStatus](ctx, c, "get_viewfinder", "/2/viewfinder")
}

// GetStatus returns the camera status.
func (c *Client) GetStatus(ctx context.Context) Result[Status] {
	return fetch[Status](ctx, c, "get_status", "/2/status")
}

func (c *Client) command(ctx context.Context, name, method, path string, body any) Result[struct{}] {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		c.metrics.Command(name, false)
		return TransportFailure[struct{}](err)
	}
	defer resp.Body.Close()

	if failure, ok := checkStatus[struct{}](resp); !ok {
		c.metrics.Command(name, false)
		return failure
	}
	io.Copy(io.Discard, resp.Body)
	c.metrics.Command(name, true)
	return Ok(struct{}{})
}

func fetch[T any](ctx context.Context, c *Client, name, path string) Result[T] {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		c.metrics.Command(name, false)
		return TransportFailure[T](err)
	}
	defer resp.Body.Close()

	if failure, ok := checkStatus[T](resp); !ok {
		c.metrics.Command(name, false)
		return failure
	}

	var value T
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		c.metrics.Command(name, false)
		return TransportFailure[T](errors.Wrapf(err, "failed to parse %s response", path))
	}
	c.metrics.Command(name, true)
	return Ok(value)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, path)
	}
	return resp, nil
}

func checkStatus[T any](resp *http.Response) (Result[T], bool) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result[T]{}, true
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return HTTPError[T](resp.StatusCode, strings.TrimSpace(string(body))), false
}
