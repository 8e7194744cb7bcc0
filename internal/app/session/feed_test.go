package session

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Studyroom/internal/domain"
)

func TestFeed_OrderAndKinds(t *testing.T) {
	f := NewFeed()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return at }

	f.Append(domain.ChatMessage{Text: "hi", Sender: "bob"})
	f.System("carol is online")
	f.Error("could not connect", errors.New("timeout"))

	msgs := f.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, at, msgs[0].At)
	assert.True(t, msgs[1].IsSystem())
	assert.False(t, msgs[1].IsError())
	assert.Equal(t, domain.ErrorIndicator+"could not connect: timeout", msgs[2].Text)
	assert.True(t, msgs[2].IsError())

	msgs[0].Text = "changed"
	assert.Equal(t, "hi", f.Messages()[0].Text)
}

func TestFeed_SubscribeAndClear(t *testing.T) {
	f := NewFeed()
	var got []string
	cancel := f.Subscribe(func(m domain.ChatMessage) { got = append(got, m.Text) })

	f.System("one")
	cancel()
	f.System("two")

	assert.Equal(t, []string{"one"}, got)
	assert.Equal(t, 2, f.Len())
	f.Clear()
	assert.Zero(t, f.Len())
}

func TestSurfaces_AttachRemove(t *testing.T) {
	s := NewSurfaces()
	var updates [][]Surface
	cancel := s.Subscribe(func(l []Surface) { updates = append(updates, l) })
	defer cancel()

	assert.True(t, s.Attach(bob, fakeRemote{id: "a", stream: "s1", kind: webrtc.RTPCodecTypeAudio}))
	assert.False(t, s.Attach(bob, fakeRemote{id: "v", stream: "s1", kind: webrtc.RTPCodecTypeVideo}))
	assert.False(t, s.Attach(bob, fakeRemote{id: "v", stream: "s1", kind: webrtc.RTPCodecTypeVideo}))
	assert.True(t, s.Attach(carol, fakeRemote{id: "a", stream: "s2", kind: webrtc.RTPCodecTypeAudio}))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, bob, list[0].Peer)
	assert.Equal(t, "s1", list[0].StreamID)
	assert.Len(t, list[0].Tracks, 2)
	assert.Len(t, updates, 3)

	assert.True(t, s.Remove(bob))
	assert.False(t, s.Remove(bob))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, carol, s.List()[0].Peer)

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Empty(t, updates[len(updates)-1])
}
