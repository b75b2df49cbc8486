package emulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/protocol"
)

// WriteStream writes frames to w. With realtime set, each frame waits until
// its PTS has elapsed since the first one.
func WriteStream(ctx context.Context, w io.Writer, frames []media.Frame, realtime bool) error {
	bw := bufio.NewWriter(w)
	start := time.Now()
	var base int64 = -1

	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if realtime && f.Type.HasPayload() {
			if base < 0 {
				base = f.PTS
			}
			due := start.Add(time.Duration(f.PTS-base) * time.Millisecond / media.PTSTicksPerMilli)
			if wait := time.Until(due); wait > 0 {
				if err := bw.Flush(); err != nil {
					return err
				}
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
		if err := protocol.WriteFrame(bw, f); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (c *Camera) runPreview(s *stream, addr string, frames []media.Frame) {
	defer c.wg.Done()
	defer c.finishPreview(s)

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		c.logger.Warn("Failed to connect to preview receiver", "addr", addr, "error", err)
		return
	}
	defer conn.Close()

	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	if err := WriteStream(s.ctx, conn, frames, c.realtime); err != nil {
		if s.ctx.Err() == nil {
			c.logger.Warn("Preview stream interrupted", "addr", addr, "error", err)
		}
		return
	}
	c.logger.Debug("Preview stream complete", "addr", addr, "frames", len(frames))
}

func (c *Camera) finishPreview(s *stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preview != nil && c.preview.id == s.id {
		c.preview = nil
	}
	s.cancel()
}

// runViewfinder loops the clip to addr as viewfinder datagrams until the
// stream is cancelled.
func (c *Camera) runViewfinder(s *stream, addr string, clip Clip) {
	defer c.wg.Done()
	defer s.cancel()

	conn, err := net.Dial("udp", addr)
	if err != nil {
		c.logger.Warn("Failed to open viewfinder socket", "addr", addr, "error", err)
		return
	}
	defer conn.Close()

	interval := time.Second / time.Duration(clip.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint16
	start := time.Now()
	for i := 0; ; i = (i + 1) % len(clip.Video) {
		ts := float32(time.Since(start).Seconds())
		datagrams := protocol.SplitImage(clip.Video[i], ts, seq)
		for _, d := range datagrams {
			if _, err := conn.Write(d); err != nil {
				c.logger.Debug("Viewfinder send failed", "addr", addr, "error", err)
			}
		}
		seq += uint16(len(datagrams))

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// String describes the clip for logs.
func (c Clip) String() string {
	return fmt.Sprintf("%s (%d frames, %.1fs, %d audio units)", c.ID, len(c.Video), c.DurationSecs(), len(c.Audio))
}
