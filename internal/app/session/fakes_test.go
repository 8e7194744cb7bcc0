package session

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/core/mock"
	"github.com/dkeye/Studyroom/internal/domain"
)

type fakeConn struct {
	peer domain.PeerID

	mu      sync.Mutex
	open    bool
	closed  int
	fired   bool
	sent    [][]byte
	sendErr error
	onOpen  func()
	onData  func([]byte)
	onClose func()
	onErr   func(error)
}

func newFakeConn(peer domain.PeerID) *fakeConn { return &fakeConn{peer: peer} }

func (f *fakeConn) Peer() domain.PeerID { return f.peer }

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeConn) OnOpen(fn func()) {
	f.mu.Lock()
	f.onOpen = fn
	open := f.open
	f.mu.Unlock()
	if open {
		fn()
	}
}

func (f *fakeConn) OnData(fn func([]byte)) { f.mu.Lock(); f.onData = fn; f.mu.Unlock() }
func (f *fakeConn) OnError(fn func(error)) { f.mu.Lock(); f.onErr = fn; f.mu.Unlock() }

func (f *fakeConn) OnClose(fn func()) {
	f.mu.Lock()
	f.onClose = fn
	late := f.closed > 0 && !f.fired
	if late {
		f.fired = true
	}
	f.mu.Unlock()
	if late {
		fn()
	}
}

// Close fires the close handler once, like a real connection does.
func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed++
	f.open = false
	fn := f.onClose
	fire := fn != nil && !f.fired
	if fire {
		f.fired = true
	}
	f.mu.Unlock()
	if fire {
		fn()
	}
	return nil
}

func (f *fakeConn) fireOpen() {
	f.mu.Lock()
	f.open = true
	fn := f.onOpen
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeConn) fireData(b []byte) {
	f.mu.Lock()
	fn := f.onData
	f.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeCall struct {
	peer domain.PeerID

	mu       sync.Mutex
	answered int
	answer   core.LocalStream
	closed   int
	onStream func(core.RemoteTrack)
	onClose  func()
	onErr    func(error)
}

func newFakeCall(peer domain.PeerID) *fakeCall { return &fakeCall{peer: peer} }

func (f *fakeCall) Peer() domain.PeerID { return f.peer }

func (f *fakeCall) Answer(s core.LocalStream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered++
	f.answer = s
	return nil
}

func (f *fakeCall) OnStream(fn func(core.RemoteTrack)) { f.mu.Lock(); f.onStream = fn; f.mu.Unlock() }
func (f *fakeCall) OnClose(fn func())                  { f.mu.Lock(); f.onClose = fn; f.mu.Unlock() }
func (f *fakeCall) OnError(fn func(error))             { f.mu.Lock(); f.onErr = fn; f.mu.Unlock() }

func (f *fakeCall) Close() error {
	f.mu.Lock()
	f.closed++
	first := f.closed == 1
	fn := f.onClose
	f.mu.Unlock()
	if first && fn != nil {
		fn()
	}
	return nil
}

func (f *fakeCall) fireStream(t core.RemoteTrack) {
	f.mu.Lock()
	fn := f.onStream
	f.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (f *fakeCall) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return nil }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

type fakeStream struct {
	audio, video *fakeTrack
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		audio: &fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio, enabled: true},
		video: &fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo, enabled: true},
	}
}

func (s *fakeStream) ID() string { return "local" }

func (s *fakeStream) Tracks() []core.LocalTrack { return []core.LocalTrack{s.audio, s.video} }

func (s *fakeStream) Stop() {
	s.audio.Stop()
	s.video.Stop()
}

type fakeRemote struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (r fakeRemote) ID() string                { return r.id }
func (r fakeRemote) StreamID() string          { return r.stream }
func (r fakeRemote) Kind() webrtc.RTPCodecType { return r.kind }

func (r fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// harness wires a Controller to a mocked transport and captures the
// handlers it binds so tests can play the remote side.
type harness struct {
	t       *testing.T
	tr      *mock.MockTransport
	devices *mock.MockMediaDevices
	ctl     *Controller

	mu     sync.Mutex
	onConn func(core.DataConn)
	onCall func(core.MediaCall)
	onErr  func(error)
	onPres func(core.Presence)
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{t: t, tr: mock.NewMockTransport(ctrl), devices: mock.NewMockMediaDevices(ctrl)}

	h.tr.EXPECT().OnConnection(gomock.Any()).Do(func(fn func(core.DataConn)) {
		h.mu.Lock()
		h.onConn = fn
		h.mu.Unlock()
	}).AnyTimes()
	h.tr.EXPECT().OnCall(gomock.Any()).Do(func(fn func(core.MediaCall)) {
		h.mu.Lock()
		h.onCall = fn
		h.mu.Unlock()
	}).AnyTimes()
	h.tr.EXPECT().OnError(gomock.Any()).Do(func(fn func(error)) {
		h.mu.Lock()
		h.onErr = fn
		h.mu.Unlock()
	}).AnyTimes()
	h.tr.EXPECT().OnPresence(gomock.Any()).Do(func(fn func(core.Presence)) {
		h.mu.Lock()
		h.onPres = fn
		h.mu.Unlock()
	}).AnyTimes()
	h.tr.EXPECT().Close().Return(nil).AnyTimes()

	opts := Options{
		User:         "alice",
		Group:        "g1",
		NewTransport: func() core.Transport { return h.tr },
		Devices:      h.devices,
		Constraints:  core.Constraints{Audio: true, Video: true},
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewController(opts)
	require.NoError(t, err)
	h.ctl = c
	return h
}

func (h *harness) start() {
	h.t.Helper()
	h.tr.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil)
	require.NoError(h.t, h.ctl.Start(context.Background()))
}

func (h *harness) inboundConn(dc core.DataConn) {
	h.mu.Lock()
	fn := h.onConn
	h.mu.Unlock()
	fn(dc)
}

func (h *harness) inboundCall(call core.MediaCall) {
	h.mu.Lock()
	fn := h.onCall
	h.mu.Unlock()
	fn(call)
}

func (h *harness) presence(p core.Presence) {
	h.mu.Lock()
	fn := h.onPres
	h.mu.Unlock()
	fn(p)
}

func (h *harness) transportError(err error) {
	h.mu.Lock()
	fn := h.onErr
	h.mu.Unlock()
	fn(err)
}

// openInbound registers an inbound connection from peer and opens it.
func (h *harness) openInbound(peer domain.PeerID) *fakeConn {
	dc := newFakeConn(peer)
	h.inboundConn(dc)
	dc.fireOpen()
	return dc
}

func errorMessages(msgs []domain.ChatMessage) []domain.ChatMessage {
	var out []domain.ChatMessage
	for _, m := range msgs {
		if m.IsError() {
			out = append(out, m)
		}
	}
	return out
}
