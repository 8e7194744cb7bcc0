package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const opusFrame = 20 * time.Millisecond

// silentOpusFrame is one 20ms Opus frame of silence.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

var errEmptySource = errors.New("source file has no frames")

// source produces the samples of one local track until ctx ends.
type source interface {
	run(ctx context.Context, t *LocalTrack)
}

func writeSample(t *LocalTrack, s pmedia.Sample) {
	if t.State() != TrackLive {
		return
	}
	if err := t.track.WriteSample(s); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Debug().Err(err).Str("module", "media").Str("track", t.ID()).Msg("write sample")
	}
}

type silenceSource struct{}

func (silenceSource) run(ctx context.Context, t *LocalTrack) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeSample(t, pmedia.Sample{Data: silentOpusFrame, Duration: opusFrame})
		}
	}
}

// oggSource loops an Ogg/Opus file.
type oggSource struct{ path string }

func (s oggSource) run(ctx context.Context, t *LocalTrack) {
	for ctx.Err() == nil {
		if err := s.playOnce(ctx, t); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("file", s.path).Msg("ogg source stopped")
			return
		}
	}
}

func (s oggSource) playOnce(ctx context.Context, t *LocalTrack) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}
	var lastGranule uint64
	pages := 0
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if pages == 0 {
				return errEmptySource
			}
			return nil
		}
		if err != nil {
			return err
		}
		count := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(count)/48000*1000) * time.Millisecond
		if duration <= 0 {
			duration = opusFrame
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pages++
		writeSample(t, pmedia.Sample{Data: page, Duration: duration})
	}
}

// ivfSource loops an IVF file.
type ivfSource struct{ path string }

// ivfCodec reads the file header and maps its FourCC to a mime type.
func ivfCodec(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", err
	}
	switch header.FourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported ivf codec %q", header.FourCC)
}

func (s ivfSource) run(ctx context.Context, t *LocalTrack) {
	for ctx.Err() == nil {
		if err := s.playOnce(ctx, t); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("file", s.path).Msg("ivf source stopped")
			return
		}
	}
}

func (s ivfSource) playOnce(ctx context.Context, t *LocalTrack) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	frame := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if frame <= 0 {
		frame = 33 * time.Millisecond
	}
	frames := 0
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		data, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if frames == 0 {
				return errEmptySource
			}
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		frames++
		writeSample(t, pmedia.Sample{Data: data, Duration: frame})
	}
}
