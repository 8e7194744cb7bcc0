package media

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackLive TrackState = iota
	TrackMuted
	TrackEnded
)

// LocalTrack is one captured track fed by a sample source. A muted track
// keeps its source running but writes nothing.
type LocalTrack struct {
	track  *webrtc.TrackLocalStaticSample
	state  atomic.Int32 // zero is TrackLive
	cancel context.CancelFunc
}

func newLocalTrack(track *webrtc.TrackLocalStaticSample, cancel context.CancelFunc) *LocalTrack {
	return &LocalTrack{track: track, cancel: cancel}
}

func (t *LocalTrack) ID() string                { return t.track.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *LocalTrack) Local() webrtc.TrackLocal  { return t.track }
func (t *LocalTrack) State() TrackState         { return TrackState(t.state.Load()) }
func (t *LocalTrack) Enabled() bool             { return t.State() == TrackLive }
func (t *LocalTrack) Stopped() bool             { return t.State() == TrackEnded }

// SetEnabled toggles between live and muted. An ended track stays ended.
func (t *LocalTrack) SetEnabled(on bool) {
	next := TrackMuted
	if on {
		next = TrackLive
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackEnded {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *LocalTrack) Stop() {
	if TrackState(t.state.Swap(int32(TrackEnded))) == TrackEnded {
		return
	}
	t.cancel()
}
