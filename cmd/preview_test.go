package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camlink/config"
	"github.com/babelcloud/camlink/internal/camera"
	"github.com/babelcloud/camlink/internal/emulator"
	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/version"
)

func TestParsePlayable(t *testing.T) {
	tests := []struct {
		arg     string
		want    media.Playable
		wantErr bool
	}{
		{arg: "clip-1:10", want: media.Playable{ID: "clip-1", DurationSecs: 10}},
		{arg: "clip-1:2.5:10", want: media.Playable{ID: "clip-1", StartOffsetSecs: 2.5, DurationSecs: 10}},
		{arg: "clip-1:0:4:muted", want: media.Playable{ID: "clip-1", DurationSecs: 4, Muted: true}},
		{arg: "clip-1", wantErr: true},
		{arg: ":10", wantErr: true},
		{arg: "clip-1:0", wantErr: true},
		{arg: "clip-1:-1:5", wantErr: true},
		{arg: "clip-1:x:5", wantErr: true},
		{arg: "clip-1:0:5:loud", wantErr: true},
		{arg: "clip-1:0:5:muted:extra", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parsePlayable(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecordingPath(t *testing.T) {
	assert.Equal(t, "/tmp/out.mkv", recordingPath("/tmp/out.mkv"))
	assert.Equal(t, filepath.Join("dir", "out.mkv"), recordingPath(filepath.Join("dir", "out.mkv")))
	assert.Equal(t, filepath.Join(config.GetRecordingsDir(), "out.mkv"), recordingPath("out.mkv"))
}

func TestFormatMs(t *testing.T) {
	assert.Equal(t, "00:00", formatMs(0))
	assert.Equal(t, "01:05", formatMs(65_999))
}

func TestProgressPrinterEndReached(t *testing.T) {
	p := newProgressPrinter()
	p.EndReached()
	p.EndReached()

	select {
	case <-p.done:
	default:
		t.Fatal("done should be closed")
	}
}

// captureStdout runs fn with os.Stdout redirected and returns what it printed.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	out := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		out <- buf.String()
	}()

	fn()
	w.Close()
	return <-out
}

func startEmulator(t *testing.T) (host string, port int) {
	t.Helper()
	clip, err := emulator.SyntheticClip("clip-1", 1, 10)
	require.NoError(t, err)
	cam := emulator.New(emulator.WithClips(clip))
	srv := httptest.NewServer(cam.Handler())
	t.Cleanup(func() {
		srv.Close()
		cam.Close()
	})

	addr := srv.Listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestStatusCommandJSON(t *testing.T) {
	host, port := startEmulator(t)

	cmd := NewStatusCommand()
	cmd.SetArgs([]string{"--host", host, "--api-port", strconv.Itoa(port), "--output", "json"})

	var runErr error
	out := captureStdout(t, func() {
		runErr = cmd.Execute()
	})
	require.NoError(t, runErr)

	var status camera.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.False(t, status.PreviewActive)
	assert.False(t, status.ViewfinderActive)
}

func TestStatusCommandTable(t *testing.T) {
	host, port := startEmulator(t)

	cmd := NewStatusCommand()
	cmd.SetArgs([]string{"--host", host, "--api-port", strconv.Itoa(port)})

	var runErr error
	out := captureStdout(t, func() {
		runErr = cmd.Execute()
	})
	require.NoError(t, runErr)
	assert.Contains(t, out, "PROPERTY")
	assert.Contains(t, out, "Battery")
	assert.Contains(t, out, "Viewfinder")
}

func TestStatusCommandUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cmd := NewStatusCommand()
	cmd.SetArgs([]string{"--host", "127.0.0.1", "--api-port", strconv.Itoa(port)})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}

func TestVersionCommandJSON(t *testing.T) {
	cmd := NewVersionCommand()
	cmd.SetArgs([]string{"-o", "json"})

	var runErr error
	out := captureStdout(t, func() {
		runErr = cmd.Execute()
	})
	require.NoError(t, runErr)

	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info.Version)
	assert.Equal(t, version.CameraAPIVersion, info.CameraAPI)
}
