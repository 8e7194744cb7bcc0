package rtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

var errAnswered = errors.New("call already answered")

// peerConn is one PeerConnection negotiated under a connectionId. Local
// candidates are held back until the offer or answer has been sent, remote
// ones until the remote description is set.
type peerConn struct {
	t    *Transport
	id   string
	peer domain.PeerID
	kind core.ConnKind
	pc   *webrtc.PeerConnection
	log  zerolog.Logger

	mu            sync.Mutex
	localReady    bool
	localPending  []webrtc.ICECandidateInit
	remoteSet     bool
	remotePending []webrtc.ICECandidateInit
	onClose       func()
	closeFired    bool
	onErr         func(error)

	closed atomic.Bool
}

func (t *Transport) newPeerConn(id string, peer domain.PeerID, kind core.ConnKind) (*peerConn, error) {
	pc, err := t.api.NewPeerConnection(t.pcCfg)
	if err != nil {
		return nil, err
	}
	c := &peerConn{
		t:    t,
		id:   id,
		peer: peer,
		kind: kind,
		pc:   pc,
		log: t.log.With().
			Str("self", string(t.ID())).
			Str("peer", string(peer)).
			Str("conn", id).
			Str("kind", string(kind)).
			Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			c.queueLocal(cand.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.raise(fmt.Errorf("%s: connection failed: %w", c.peer, core.ErrPeerUnavailable))
			c.closeAsync(true)
		case webrtc.PeerConnectionStateClosed:
			c.closeAsync(false)
		}
	})
	return c, nil
}

func (c *peerConn) Peer() domain.PeerID { return c.peer }

// OnClose sets the close handler. On a conn that already closed, fn runs
// right away.
func (c *peerConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	late := fn != nil && c.closed.Load() && !c.closeFired
	if late {
		c.closeFired = true
	}
	c.mu.Unlock()
	if late {
		fn()
	}
}

func (c *peerConn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onErr = fn
}

func (c *peerConn) raise(err error) {
	c.mu.Lock()
	fn := c.onErr
	c.mu.Unlock()
	c.log.Warn().Err(err).Msg("connection error")
	if fn != nil {
		fn(err)
	}
}

// Close tells the remote side and tears the PeerConnection down.
func (c *peerConn) Close() error {
	if !c.shutdown(true) {
		return nil
	}
	err := c.pc.Close()
	c.fireClose()
	return err
}

// closeAsync is used from pion callbacks, which must not block on pc.Close.
func (c *peerConn) closeAsync(notify bool) {
	if !c.shutdown(notify) {
		return
	}
	go func() {
		if err := c.pc.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close error")
		}
	}()
	c.fireClose()
}

// shutdown runs once per connection and reports whether this call did it.
func (c *peerConn) shutdown(notify bool) bool {
	if c.closed.Swap(true) {
		return false
	}
	c.t.forget(c)
	if notify {
		c.send(core.EnvLeave, core.NegotiationPayload{ConnectionID: c.id, Kind: c.kind})
	}
	c.log.Info().Bool("notify", notify).Msg("closed")
	return true
}

func (c *peerConn) fireClose() {
	c.mu.Lock()
	fn := c.onClose
	if fn == nil || c.closeFired {
		c.mu.Unlock()
		return
	}
	c.closeFired = true
	c.mu.Unlock()
	fn()
}

func (c *peerConn) send(t core.EnvelopeType, p core.NegotiationPayload) {
	env, err := core.NewNegotiation(t, c.peer, p)
	if err == nil {
		err = c.t.sig.Send(env)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("type", string(t)).Msg("signal send failed")
	}
}

func (c *peerConn) queueLocal(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.localReady {
		c.localPending = append(c.localPending, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(cand)
}

func (c *peerConn) sendCandidate(cand webrtc.ICECandidateInit) {
	c.send(core.EnvCandidate, core.NegotiationPayload{
		ConnectionID: c.id,
		Kind:         c.kind,
		Candidate:    cand.Candidate,
		SDPMid:       cand.SDPMid,
		SDPMLine:     cand.SDPMLineIndex,
	})
}

// markLocalReady flushes the candidates gathered before our description
// went out.
func (c *peerConn) markLocalReady() {
	c.mu.Lock()
	c.localReady = true
	pending := c.localPending
	c.localPending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		c.sendCandidate(cand)
	}
}

func (c *peerConn) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.remotePending
	c.remotePending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Debug().Err(err).Msg("buffered candidate rejected")
		}
	}
	return nil
}

func (c *peerConn) addRemote(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.remotePending = append(c.remotePending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

func (c *peerConn) offer() error {
	o, err := c.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(o); err != nil {
		return err
	}
	c.send(core.EnvOffer, core.NegotiationPayload{ConnectionID: c.id, Kind: c.kind, SDP: o.SDP})
	c.markLocalReady()
	return nil
}

func (c *peerConn) answer() error {
	a, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(a); err != nil {
		return err
	}
	c.send(core.EnvAnswer, core.NegotiationPayload{ConnectionID: c.id, Kind: c.kind, SDP: a.SDP})
	c.markLocalReady()
	return nil
}

// dataConn carries chat frames over the "chat" data channel.
type dataConn struct {
	*peerConn

	open atomic.Bool

	hmu    sync.Mutex
	dc     *webrtc.DataChannel
	onOpen func()
	onData func([]byte)
	fired  bool
}

func (d *dataConn) bind(dc *webrtc.DataChannel) {
	d.hmu.Lock()
	d.dc = dc
	d.hmu.Unlock()

	dc.OnOpen(func() {
		d.open.Store(true)
		d.fireOpen()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.hmu.Lock()
		fn := d.onData
		d.hmu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	dc.OnClose(func() {
		d.open.Store(false)
		d.closeAsync(false)
	})
	dc.OnError(d.raise)
}

func (d *dataConn) fireOpen() {
	d.hmu.Lock()
	if d.fired || d.onOpen == nil {
		d.hmu.Unlock()
		return
	}
	d.fired = true
	fn := d.onOpen
	d.hmu.Unlock()
	d.log.Info().Msg("data channel open")
	fn()
}

func (d *dataConn) IsOpen() bool { return d.open.Load() && !d.closed.Load() }

func (d *dataConn) OnOpen(fn func()) {
	d.hmu.Lock()
	d.onOpen = fn
	d.hmu.Unlock()
	if d.open.Load() {
		d.fireOpen()
	}
}

func (d *dataConn) OnData(fn func([]byte)) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.onData = fn
}

func (d *dataConn) Send(data []byte) error {
	if d.closed.Load() {
		return core.ErrConnClosed
	}
	d.hmu.Lock()
	dc := d.dc
	d.hmu.Unlock()
	if dc == nil || !d.open.Load() {
		return core.ErrNotOpen
	}
	return dc.Send(data)
}

// mediaCall holds remote tracks that arrive before OnStream is set.
type mediaCall struct {
	*peerConn

	smu      sync.Mutex
	onStream func(core.RemoteTrack)
	early    []core.RemoteTrack
	answered bool
}

func newMediaCall(c *peerConn) *mediaCall {
	m := &mediaCall{peerConn: c}
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.log.Info().
			Str("track_kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		m.deliver(track)
	})
	return m
}

func (m *mediaCall) deliver(t core.RemoteTrack) {
	m.smu.Lock()
	fn := m.onStream
	if fn == nil {
		m.early = append(m.early, t)
		m.smu.Unlock()
		return
	}
	m.smu.Unlock()
	fn(t)
}

func (m *mediaCall) OnStream(fn func(core.RemoteTrack)) {
	m.smu.Lock()
	m.onStream = fn
	early := m.early
	m.early = nil
	m.smu.Unlock()
	for _, t := range early {
		fn(t)
	}
}

// Answer accepts an inbound call; a nil stream answers receive-only.
func (m *mediaCall) Answer(stream core.LocalStream) error {
	m.smu.Lock()
	if m.answered {
		m.smu.Unlock()
		return errAnswered
	}
	m.answered = true
	m.smu.Unlock()

	if m.closed.Load() {
		return core.ErrConnClosed
	}
	if stream != nil {
		if err := m.attach(stream); err != nil {
			return err
		}
	}
	return m.answer()
}

func (m *mediaCall) attach(stream core.LocalStream) error {
	for _, t := range stream.Tracks() {
		sender, err := m.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps the interceptors fed; the reports are not used.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
