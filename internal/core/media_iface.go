package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Constraints selects which capture devices GetUserMedia opens.
type Constraints struct {
	Audio bool
	Video bool
}

// MediaDevices grants access to the local camera and microphone.
type MediaDevices interface {
	// GetUserMedia opens the devices or fails with ErrPermissionDenied,
	// ErrDeviceBusy or ErrDeviceNotFound.
	GetUserMedia(ctx context.Context, c Constraints) (LocalStream, error)
}

// LocalTrack is one captured track. Disabling it mutes every call sharing it.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	Stopped() bool
	Stop()
	// Local is what gets attached to a PeerConnection.
	Local() webrtc.TrackLocal
}

// LocalStream is the shared camera+microphone capture.
type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	// Stop ends every track and releases the devices.
	Stop()
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// TracksOf filters the stream's tracks by kind.
func TracksOf(s LocalStream, kind webrtc.RTPCodecType) []LocalTrack {
	if s == nil {
		return nil
	}
	var out []LocalTrack
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
