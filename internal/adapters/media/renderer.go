package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/app/session"
	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

const closeWait = 2 * time.Second

// Sink drains one remote track, counting what it receives and optionally
// recording it to disk.
type Sink struct {
	Peer  domain.PeerID
	Track core.RemoteTrack

	packets atomic.Uint64
	bytes   atomic.Uint64
	deleted atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type SinkStats struct {
	Peer    domain.PeerID `json:"peer"`
	TrackID string        `json:"track"`
	Kind    string        `json:"kind"`
	Packets uint64        `json:"packets"`
	Bytes   uint64        `json:"bytes"`
}

func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Peer:    s.Peer,
		TrackID: s.Track.ID(),
		Kind:    s.Track.Kind().String(),
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
	}
}

// loop reads RTP packets until the track ends or the sink is removed.
func (s *Sink) loop(ctx context.Context, w pmedia.Writer, logger *zerolog.Logger) {
	defer close(s.done)
	defer func() {
		if w != nil {
			if err := w.Close(); err != nil {
				logger.Warn().Err(err).Msg("recorder close")
			}
		}
	}()
	for {
		if ctx.Err() != nil || s.deleted.Load() {
			logger.Debug().Msg("sink stopped")
			return
		}
		pkt, _, err := s.Track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("sink read ended")
			return
		}
		if err := s.forward(pkt, w); err != nil {
			logger.Warn().Err(err).Msg("recorder write failed, draining only")
			_ = w.Close()
			w = nil
		}
	}
}

func (s *Sink) forward(pkt *rtp.Packet, w pmedia.Writer) error {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	if w == nil {
		return nil
	}
	return w.WriteRTP(pkt)
}

// Renderer keeps one sink per remote track of the surfaces it follows.
type Renderer struct {
	ctx       context.Context
	recordDir string

	mu    sync.Mutex
	sinks map[string]*Sink
}

func NewRenderer(ctx context.Context, recordDir string) *Renderer {
	return &Renderer{ctx: ctx, recordDir: recordDir, sinks: make(map[string]*Sink)}
}

// Follow renders surfaces until the returned cancel func is called.
func (r *Renderer) Follow(s *session.Surfaces) func() {
	r.Sync(s.List())
	return s.Subscribe(r.Sync)
}

func sinkKey(peer domain.PeerID, trackID string) string {
	return string(peer) + "/" + trackID
}

// Sync starts sinks for tracks that appeared and stops the ones whose
// surface is gone.
func (r *Renderer) Sync(list []session.Surface) {
	want := make(map[string]struct{})
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sf := range list {
		for _, t := range sf.Tracks {
			key := sinkKey(sf.Peer, t.ID())
			want[key] = struct{}{}
			if _, ok := r.sinks[key]; !ok {
				r.sinks[key] = r.start(sf.Peer, t)
			}
		}
	}
	for key, s := range r.sinks {
		if _, ok := want[key]; !ok {
			s.deleted.Store(true)
			s.cancel()
			delete(r.sinks, key)
		}
	}
}

func (r *Renderer) start(peer domain.PeerID, t core.RemoteTrack) *Sink {
	logger := log.With().
		Str("module", "media.sink").
		Str("peer", string(peer)).
		Str("track", t.ID()).
		Logger()

	ctx, cancel := context.WithCancel(r.ctx)
	s := &Sink{Peer: peer, Track: t, cancel: cancel, done: make(chan struct{})}

	var w pmedia.Writer
	if r.recordDir != "" {
		var err error
		w, err = r.recorder(peer, t)
		if err != nil {
			logger.Warn().Err(err).Msg("recorder unavailable, draining only")
		}
	}
	logger.Info().Str("kind", t.Kind().String()).Bool("recording", w != nil).Msg("starting sink")
	go s.loop(ctx, w, &logger)
	return s
}

func (r *Renderer) recorder(peer domain.PeerID, t core.RemoteTrack) (pmedia.Writer, error) {
	if err := os.MkdirAll(r.recordDir, 0o755); err != nil {
		return nil, err
	}
	base := strings.NewReplacer("/", "_", "{", "", "}", "").Replace(string(peer) + "_" + t.ID())
	switch t.Kind() {
	case webrtc.RTPCodecTypeAudio:
		w, err := oggwriter.New(filepath.Join(r.recordDir, base+".ogg"), 48000, 2)
		if err != nil {
			return nil, err
		}
		return w, nil
	case webrtc.RTPCodecTypeVideo:
		w, err := ivfwriter.New(filepath.Join(r.recordDir, base+".ivf"))
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("unknown track kind %s", t.Kind())
}

func (r *Renderer) Stats() []SinkStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SinkStats, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

func (r *Renderer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// Close stops every sink and waits for the recorders to be flushed.
func (r *Renderer) Close() {
	r.mu.Lock()
	sinks := make([]*Sink, 0, len(r.sinks))
	for key, s := range r.sinks {
		s.deleted.Store(true)
		s.cancel()
		sinks = append(sinks, s)
		delete(r.sinks, key)
	}
	r.mu.Unlock()
	timeout := time.After(closeWait)
	for _, s := range sinks {
		select {
		case <-s.done:
		case <-timeout:
			log.Warn().Str("module", "media.sink").Msg("sinks still reading at close")
			return
		}
	}
}
