// Package emulator imitates a camera on the local machine: its REST API, the
// preview TCP stream, the viewfinder UDP stream and the backchannel. It
// serves synthetic clips or JPEG sequences loaded from disk.
package emulator

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pelletier/go-toml/v2"

	"github.com/babelcloud/camlink/internal/audio"
	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/protocol"
)

const (
	// DefaultFPS paces clips that do not say otherwise.
	DefaultFPS = 25

	// AudioFileName is the ADTS track LoadClip picks up next to the images.
	AudioFileName = "audio.aac"

	// ManifestFileName is an optional TOML file describing a clip directory.
	ManifestFileName = "clip.toml"

	samplesPerAAC = 1024
	syntheticW    = 160
	syntheticH    = 90
)

// Clip is one piece of media the emulator can preview.
type Clip struct {
	ID    string
	FPS   int
	Video [][]byte
	// Audio holds ADTS frames, each carrying one access unit.
	Audio [][]byte
}

// DurationSecs is the video length.
func (c Clip) DurationSecs() float64 {
	if c.FPS <= 0 {
		return 0
	}
	return float64(len(c.Video)) / float64(c.FPS)
}

// SyntheticClip builds a clip of grey frames that brighten over time, with a
// silent-sized ADTS track at 48 kHz mono.
func SyntheticClip(id string, durationSecs float64, fps int) (Clip, error) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	clip := Clip{ID: id, FPS: fps}

	frames := int(durationSecs * float64(fps))
	for i := 0; i < frames; i++ {
		img := image.NewGray(image.Rect(0, 0, syntheticW, syntheticH))
		shade := color.Gray{Y: uint8(i * 8 % 256)}
		for p := range img.Pix {
			img.Pix[p] = shade.Y
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50}); err != nil {
			return Clip{}, fmt.Errorf("failed to encode frame %d: %w", i, err)
		}
		clip.Video = append(clip.Video, buf.Bytes())
	}

	cfg := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   audio.DefaultSampleRate,
		ChannelCount: 1,
	}
	units := int(durationSecs * float64(cfg.SampleRate) / samplesPerAAC)
	for i := 0; i < units; i++ {
		frame, err := audio.WrapADTS(cfg, []byte{0x21, 0x10, 0x04, byte(i)})
		if err != nil {
			return Clip{}, err
		}
		clip.Audio = append(clip.Audio, frame)
	}
	return clip, nil
}

// clipManifest is the content of ManifestFileName:
//
//	fps = 30
//	audio = "track.aac"
type clipManifest struct {
	FPS   int    `toml:"fps,omitempty"`
	Audio string `toml:"audio,omitempty"`
}

func readManifest(dir string) (clipManifest, error) {
	var m clipManifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := toml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse %s: %w", ManifestFileName, err)
	}
	return m, nil
}

// LoadClip reads the JPEG files in dir in name order, plus an optional
// AudioFileName track of concatenated ADTS frames. A ManifestFileName in dir
// overrides fps and the audio file name.
func LoadClip(id, dir string, fps int) (Clip, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return Clip{}, err
	}
	if manifest.FPS > 0 {
		fps = manifest.FPS
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	audioFile := AudioFileName
	if manifest.Audio != "" {
		audioFile = manifest.Audio
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Clip{}, fmt.Errorf("failed to read clip directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return Clip{}, fmt.Errorf("no JPEG frames in %s", dir)
	}
	slices.Sort(names)

	clip := Clip{ID: id, FPS: fps}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return Clip{}, err
		}
		clip.Video = append(clip.Video, data)
	}

	raw, err := os.ReadFile(filepath.Join(dir, audioFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return Clip{}, err
	default:
		frames, err := audio.SplitADTS(raw)
		if err != nil {
			return Clip{}, fmt.Errorf("failed to read %s: %w", audioFile, err)
		}
		clip.Audio = frames
	}
	return clip, nil
}

// Frames lays out the part of the clip starting at offsetSecs and lasting
// lengthSecs as a preview stream: start marker, video and audio interleaved
// by PTS, end marker. A non-positive length runs to the end of the clip.
func (c Clip) Frames(offsetSecs, lengthSecs float64) []media.Frame {
	if offsetSecs < 0 {
		offsetSecs = 0
	}
	end := c.DurationSecs()
	if lengthSecs > 0 && offsetSecs+lengthSecs < end {
		end = offsetSecs + lengthSecs
	}
	from := int64(offsetSecs * 1000 * media.PTSTicksPerMilli)
	to := int64(end * 1000 * media.PTSTicksPerMilli)

	var video, sound []media.Frame
	for i, payload := range c.Video {
		pts := int64(i) * 90000 / int64(c.FPS)
		if pts >= from && pts < to {
			video = append(video, media.Frame{Version: protocol.PreviewVersion, Type: media.FrameTypeVideo, PTS: pts, Payload: payload})
		}
	}
	if len(c.Audio) > 0 {
		rate := audio.DefaultSampleRate
		if cfg, err := audio.ConfigFromADTS(c.Audio[0]); err == nil {
			rate = cfg.SampleRate
		}
		for i, payload := range c.Audio {
			pts := int64(i) * samplesPerAAC * 90000 / int64(rate)
			if pts >= from && pts < to {
				sound = append(sound, media.Frame{Version: protocol.PreviewVersion, Type: media.FrameTypeAudio, PTS: pts, Payload: payload})
			}
		}
	}

	out := make([]media.Frame, 0, len(video)+len(sound)+2)
	out = append(out, media.Frame{Version: protocol.PreviewVersion, Type: media.FrameTypeStartOfStream})
	for len(video) > 0 || len(sound) > 0 {
		if len(sound) == 0 || (len(video) > 0 && video[0].PTS <= sound[0].PTS) {
			out = append(out, video[0])
			video = video[1:]
		} else {
			out = append(out, sound[0])
			sound = sound[1:]
		}
	}
	return append(out, media.Frame{Version: protocol.PreviewVersion, Type: media.FrameTypeEndOfStream})
}
