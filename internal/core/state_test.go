package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextSession(t *testing.T) {
	s, err := NextSession(SessionIdle, SessionStart)
	assert.NoError(t, err)
	assert.Equal(t, SessionActive, s)

	s, err = NextSession(s, SessionStart)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, SessionActive, s)

	s, err = NextSession(s, SessionEnd)
	assert.NoError(t, err)
	assert.Equal(t, SessionIdle, s)

	_, err = NextSession(SessionIdle, SessionEnd)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		name    string
		from    LinkState
		ev      LinkEvent
		want    LinkState
		wantErr bool
	}{
		{name: "dial", from: LinkNone, ev: LinkDial, want: LinkConnecting},
		{name: "accept", from: LinkNone, ev: LinkAccept, want: LinkConnecting},
		{name: "redial after close", from: LinkClosed, ev: LinkDial, want: LinkConnecting},
		{name: "open", from: LinkConnecting, ev: LinkOpened, want: LinkOpen},
		{name: "drop while connecting", from: LinkConnecting, ev: LinkDropped, want: LinkClosed},
		{name: "drop open", from: LinkOpen, ev: LinkDropped, want: LinkClosed},
		{name: "duplicate accept while connecting", from: LinkConnecting, ev: LinkAccept, want: LinkConnecting, wantErr: true},
		{name: "duplicate accept while open", from: LinkOpen, ev: LinkAccept, want: LinkOpen, wantErr: true},
		{name: "duplicate dial", from: LinkOpen, ev: LinkDial, want: LinkOpen, wantErr: true},
		{name: "open twice", from: LinkOpen, ev: LinkOpened, want: LinkOpen, wantErr: true},
		{name: "drop twice", from: LinkClosed, ev: LinkDropped, want: LinkClosed, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextLink(tt.from, tt.ev)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextCall(t *testing.T) {
	s, err := NextCall(CallNone, CallDial)
	assert.NoError(t, err)
	assert.Equal(t, CallRinging, s)

	_, err = NextCall(s, CallIncoming)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err = NextCall(s, CallStream)
	assert.NoError(t, err)
	assert.Equal(t, CallStreaming, s)

	s, err = NextCall(s, CallStream)
	assert.NoError(t, err)
	assert.Equal(t, CallStreaming, s)

	s, err = NextCall(s, CallHangup)
	assert.NoError(t, err)
	assert.Equal(t, CallClosed, s)

	_, err = NextCall(s, CallStream)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "closed", s.String())
}
