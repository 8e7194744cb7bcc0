// Package media stands in for the camera and microphone of a headless
// participant and renders the remote tracks it receives.
package media

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/core"
)

type Config struct {
	// AudioFile is an Ogg/Opus file looped as the microphone. Empty means silence.
	AudioFile string
	// VideoFile is an IVF file looped as the camera. Empty means no camera.
	VideoFile string
	// Deny refuses every request, like a user dismissing the permission prompt.
	Deny bool
}

// Devices hands out at most one live capture at a time.
type Devices struct {
	cfg Config

	mu   sync.Mutex
	busy bool
}

func NewDevices(cfg Config) *Devices {
	return &Devices{cfg: cfg}
}

func (d *Devices) GetUserMedia(ctx context.Context, c core.Constraints) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.cfg.Deny {
		return nil, core.ErrPermissionDenied
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("nothing requested: %w", core.ErrDeviceNotFound)
	}
	if c.Audio && d.cfg.AudioFile != "" {
		if _, err := os.Stat(d.cfg.AudioFile); err != nil {
			return nil, fmt.Errorf("microphone %s: %w", d.cfg.AudioFile, core.ErrDeviceNotFound)
		}
	}
	videoMime := ""
	if c.Video {
		if d.cfg.VideoFile == "" {
			return nil, fmt.Errorf("no camera: %w", core.ErrDeviceNotFound)
		}
		mime, err := ivfCodec(d.cfg.VideoFile)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %v: %w", d.cfg.VideoFile, err, core.ErrDeviceNotFound)
		}
		videoMime = mime
	}

	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return nil, core.ErrDeviceBusy
	}
	d.busy = true
	d.mu.Unlock()

	s, err := d.open(c, videoMime)
	if err != nil {
		d.release()
		return nil, err
	}
	log.Info().Str("module", "media").Str("stream", s.id).Int("tracks", len(s.tracks)).Msg("capture started")
	return s, nil
}

func (d *Devices) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = false
}

func (d *Devices) open(c core.Constraints, videoMime string) (*Stream, error) {
	s := &Stream{id: uuid.NewString(), release: d.release}

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio-"+uuid.NewString(), s.id)
		if err != nil {
			return nil, err
		}
		var src source = silenceSource{}
		if d.cfg.AudioFile != "" {
			src = oggSource{path: d.cfg.AudioFile}
		}
		s.start(track, src)
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: videoMime, ClockRate: 90000},
			"video-"+uuid.NewString(), s.id)
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.start(track, ivfSource{path: d.cfg.VideoFile})
	}
	return s, nil
}

// Stream is the shared local capture. Stopping it ends every track and
// frees the devices for the next GetUserMedia.
type Stream struct {
	id      string
	tracks  []*LocalTrack
	release func()
	once    sync.Once
}

func (s *Stream) start(track *webrtc.TrackLocalStaticSample, src source) {
	ctx, cancel := context.WithCancel(context.Background())
	t := newLocalTrack(track, cancel)
	s.tracks = append(s.tracks, t)
	go src.run(ctx, t)
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *Stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		s.release()
		log.Info().Str("module", "media").Str("stream", s.id).Msg("capture stopped")
	})
}
