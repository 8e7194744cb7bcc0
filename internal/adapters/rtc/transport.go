// Package rtc implements the peer transport over WebRTC. Every data
// connection and every call is its own PeerConnection, negotiated through
// the broker under a connectionId.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

const dataLabel = "chat"

// Signaler carries envelopes to and from the broker.
type Signaler interface {
	Open(ctx context.Context, id domain.PeerID) error
	Send(env core.Envelope) error
	OnEnvelope(fn func(core.Envelope))
	Close() error
}

type Config struct {
	ICEServers []string
	// UDP4Only restricts ICE to IPv4 UDP host candidates.
	UDP4Only bool
}

type Transport struct {
	sig   Signaler
	api   *webrtc.API
	pcCfg webrtc.Configuration
	log   zerolog.Logger

	hmu        sync.RWMutex
	onConn     func(core.DataConn)
	onCall     func(core.MediaCall)
	onErr      func(error)
	onPresence func(core.Presence)

	mu     sync.Mutex
	id     domain.PeerID
	conns  map[string]*peerConn
	closed bool
}

var _ core.Transport = (*Transport)(nil)

// Engine holds the webrtc.API and ICE configuration that every transport
// of a process shares. The API copies its MediaEngine per PeerConnection.
type Engine struct {
	api   *webrtc.API
	pcCfg webrtc.Configuration
}

func NewEngine(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if cfg.UDP4Only {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	pcCfg := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Engine{
		api:   webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		pcCfg: pcCfg,
	}, nil
}

// Transport binds a fresh, unopened transport to sig.
func (e *Engine) Transport(sig Signaler) *Transport {
	return &Transport{
		sig:   sig,
		api:   e.api,
		pcCfg: e.pcCfg,
		log:   log.With().Str("module", "rtc").Logger(),
		conns: make(map[string]*peerConn),
	}
}

// NewTransport builds a one-off engine for sig.
func NewTransport(sig Signaler, cfg Config) (*Transport, error) {
	e, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return e.Transport(sig), nil
}

func (t *Transport) Open(ctx context.Context, id domain.PeerID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrConnClosed
	}
	t.id = id
	t.mu.Unlock()

	t.sig.OnEnvelope(t.handle)
	if err := t.sig.Open(ctx, id); err != nil {
		return err
	}
	t.log.Info().Str("self", string(id)).Msg("transport open")
	return nil
}

func (t *Transport) ID() domain.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Transport) OnConnection(fn func(core.DataConn)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onConn = fn
}

func (t *Transport) OnCall(fn func(core.MediaCall)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onCall = fn
}

func (t *Transport) OnError(fn func(error)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onErr = fn
}

func (t *Transport) OnPresence(fn func(core.Presence)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onPresence = fn
}

func (t *Transport) Connect(ctx context.Context, peer domain.PeerID) (core.DataConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := t.newPeerConn(uuid.NewString(), peer, core.ConnData)
	if err != nil {
		return nil, err
	}
	d := &dataConn{peerConn: c}
	dc, err := c.pc.CreateDataChannel(dataLabel, nil)
	if err != nil {
		_ = c.pc.Close()
		return nil, err
	}
	d.bind(dc)
	if err := t.track(c); err != nil {
		_ = c.pc.Close()
		return nil, err
	}
	if err := c.offer(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("offer: %w", err)
	}
	return d, nil
}

// Call offers the stream's tracks. Kinds the stream lacks are still
// negotiated receive-only so the callee can send them.
func (t *Transport) Call(ctx context.Context, peer domain.PeerID, stream core.LocalStream) (core.MediaCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := t.newPeerConn(uuid.NewString(), peer, core.ConnMedia)
	if err != nil {
		return nil, err
	}
	m := newMediaCall(c)
	m.answered = true
	if stream != nil {
		if err := m.attach(stream); err != nil {
			_ = c.pc.Close()
			return nil, err
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if len(core.TracksOf(stream, kind)) > 0 {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = c.pc.Close()
			return nil, err
		}
	}
	if err := t.track(c); err != nil {
		_ = c.pc.Close()
		return nil, err
	}
	if err := c.offer(); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("offer: %w", err)
	}
	return m, nil
}

// Close hangs up every connection and leaves the broker.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	t.log.Info().Int("conns", len(conns)).Msg("transport closed")
	return t.sig.Close()
}

func connKey(peer domain.PeerID, id string) string {
	return string(peer) + "/" + id
}

func (t *Transport) track(c *peerConn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrConnClosed
	}
	t.conns[connKey(c.peer, c.id)] = c
	return nil
}

func (t *Transport) forget(c *peerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := connKey(c.peer, c.id)
	if t.conns[key] == c {
		delete(t.conns, key)
	}
}

func (t *Transport) lookup(peer domain.PeerID, id string) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[connKey(peer, id)]
}

func (t *Transport) connsOf(peer domain.PeerID) []*peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*peerConn
	for _, c := range t.conns {
		if c.peer == peer {
			out = append(out, c)
		}
	}
	return out
}

// Len is the number of live PeerConnections.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) raise(err error) {
	t.hmu.RLock()
	fn := t.onErr
	t.hmu.RUnlock()
	t.log.Warn().Err(err).Msg("transport error")
	if fn != nil {
		fn(err)
	}
}

func (t *Transport) presence(kind core.PresenceKind, peers []domain.PeerID) {
	t.hmu.RLock()
	fn := t.onPresence
	t.hmu.RUnlock()
	if fn != nil {
		fn(core.Presence{Kind: kind, Peers: peers})
	}
}

// handle runs on the signaler's read goroutine, so envelopes are applied
// in the order the broker relayed them.
func (t *Transport) handle(env core.Envelope) {
	switch env.Type {
	case core.EnvPeers:
		t.presence(core.PresenceRoster, env.Peers)
	case core.EnvPeerJoined:
		t.presence(core.PresenceJoined, env.Peers)
	case core.EnvPeerLeft:
		for _, peer := range env.Peers {
			for _, c := range t.connsOf(peer) {
				c.closeAsync(false)
			}
		}
		t.presence(core.PresenceLeft, env.Peers)
	case core.EnvError, core.EnvIDTaken:
		t.raise(fmt.Errorf("broker: %s", env.Error))
	case core.EnvExpire:
		t.handleExpire(env)
	case core.EnvOffer, core.EnvAnswer, core.EnvCandidate, core.EnvLeave:
		p, err := env.Negotiation()
		if err != nil {
			t.log.Warn().Err(err).Str("type", string(env.Type)).Str("src", string(env.Src)).Msg("bad negotiation payload")
			return
		}
		t.negotiate(env.Type, env.Src, p)
	case core.EnvOpen, core.EnvPong:
	default:
		t.log.Debug().Str("type", string(env.Type)).Msg("ignored envelope")
	}
}

// handleExpire drops the connection whose offer found nobody and reports
// the peer as unavailable; Src names the unreachable peer.
func (t *Transport) handleExpire(env core.Envelope) {
	if p, err := env.Negotiation(); err == nil {
		if c := t.lookup(env.Src, p.ConnectionID); c != nil {
			c.closeAsync(false)
		}
	}
	t.raise(fmt.Errorf("%s: %w", env.Src, core.ErrPeerUnavailable))
}

func (t *Transport) negotiate(typ core.EnvelopeType, src domain.PeerID, p core.NegotiationPayload) {
	if typ == core.EnvOffer {
		t.accept(src, p)
		return
	}
	c := t.lookup(src, p.ConnectionID)
	if c == nil {
		t.log.Debug().Str("type", string(typ)).Str("src", string(src)).Str("conn", p.ConnectionID).Msg("unknown connection")
		return
	}
	switch typ {
	case core.EnvAnswer:
		if err := c.setRemote(webrtc.SDPTypeAnswer, p.SDP); err != nil {
			c.raise(fmt.Errorf("apply answer: %w", err))
			_ = c.Close()
		}
	case core.EnvCandidate:
		cand := webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLine}
		if err := c.addRemote(cand); err != nil {
			c.log.Debug().Err(err).Msg("remote candidate rejected")
		}
	case core.EnvLeave:
		c.closeAsync(false)
	}
}

// accept handles an inbound offer. Data connections are answered right
// away; calls wait for MediaCall.Answer.
func (t *Transport) accept(src domain.PeerID, p core.NegotiationPayload) {
	if t.lookup(src, p.ConnectionID) != nil {
		t.log.Warn().Str("src", string(src)).Str("conn", p.ConnectionID).Msg("duplicate offer")
		return
	}
	c, err := t.newPeerConn(p.ConnectionID, src, p.Kind)
	if err != nil {
		t.raise(fmt.Errorf("accept %s: %w", src, err))
		return
	}

	switch p.Kind {
	case core.ConnData:
		d := &dataConn{peerConn: c}
		c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataLabel {
				c.log.Warn().Str("label", dc.Label()).Msg("unexpected data channel")
				return
			}
			d.bind(dc)
		})
		if !t.prepare(c, p.SDP) {
			return
		}
		t.hmu.RLock()
		fn := t.onConn
		t.hmu.RUnlock()
		if fn == nil {
			_ = c.Close()
			return
		}
		fn(d)
		if c.closed.Load() {
			return
		}
		if err := c.answer(); err != nil {
			c.raise(fmt.Errorf("answer: %w", err))
			_ = c.Close()
		}

	case core.ConnMedia:
		m := newMediaCall(c)
		if !t.prepare(c, p.SDP) {
			return
		}
		t.hmu.RLock()
		fn := t.onCall
		t.hmu.RUnlock()
		if fn == nil {
			_ = c.Close()
			return
		}
		fn(m)

	default:
		t.log.Warn().Str("src", string(src)).Str("kind", string(p.Kind)).Msg("unknown connection kind")
		_ = c.pc.Close()
	}
}

// prepare registers an inbound connection and applies the remote offer.
func (t *Transport) prepare(c *peerConn, sdp string) bool {
	if err := t.track(c); err != nil {
		_ = c.pc.Close()
		return false
	}
	if err := c.setRemote(webrtc.SDPTypeOffer, sdp); err != nil {
		t.raise(fmt.Errorf("apply offer from %s: %w", c.peer, err))
		_ = c.Close()
		return false
	}
	return true
}
