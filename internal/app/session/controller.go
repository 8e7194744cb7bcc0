// Package session runs one participant's group video+chat session: the
// lifecycle, the per-peer links, the chat feed and the remote surfaces.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

var (
	ErrNotActive     = errors.New("session not active")
	ErrEmptyMessage  = errors.New("empty message")
	ErrMissingOption = errors.New("missing controller option")
)

// TransportFactory builds a fresh transport for every Start.
type TransportFactory func() core.Transport

type Options struct {
	User        domain.UserID
	Group       domain.GroupID
	DisplayName string

	NewTransport TransportFactory
	Devices      core.MediaDevices
	Constraints  core.Constraints
	Policy       DuplicatePolicy
	// AutoConnect dials every peer of the roster received on join.
	AutoConnect bool
}

// Controller is the Session Controller. All methods are safe for concurrent
// use; transport callbacks may arrive on any goroutine.
type Controller struct {
	opts   Options
	policy DuplicatePolicy

	mu        sync.Mutex
	state     core.SessionState
	id        domain.PeerID
	transport core.Transport
	ctx       context.Context
	cancel    context.CancelFunc
	local     core.LocalStream
	audioOn   bool
	videoOn   bool
	online    map[domain.PeerID]struct{}

	acquire  singleflight.Group
	links    *Registry
	feed     *Feed
	surfaces *Surfaces
}

func NewController(opts Options) (*Controller, error) {
	if opts.NewTransport == nil || opts.Devices == nil {
		return nil, ErrMissingOption
	}
	user, err := domain.NewUser(opts.User, opts.DisplayName)
	if err != nil {
		return nil, err
	}
	opts.DisplayName = user.Username
	policy := opts.Policy
	if policy == nil {
		policy = TieBreak{}
	}
	return &Controller{
		opts:     opts,
		policy:   policy,
		audioOn:  true,
		videoOn:  true,
		online:   make(map[domain.PeerID]struct{}),
		links:    NewRegistry(),
		feed:     NewFeed(),
		surfaces: NewSurfaces(),
	}, nil
}

// Start moves Idle -> Active: it derives the peer id, builds the transport,
// binds the inbound handlers and registers the id with the broker. It is a
// no-op while Active. On failure the session stays Idle.
func (c *Controller) Start(ctx context.Context) error {
	id, err := domain.NewPeerID(c.opts.User, c.opts.Group)
	if err != nil {
		return err
	}

	c.mu.Lock()
	next, err := core.NextSession(c.state, core.SessionStart)
	if err != nil {
		c.mu.Unlock()
		return nil
	}
	tr := c.opts.NewTransport()
	c.state = next
	c.id = id
	c.transport = tr
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.audioOn, c.videoOn = true, true
	c.online = make(map[domain.PeerID]struct{})
	c.mu.Unlock()

	tr.OnConnection(func(dc core.DataConn) { c.handleConnection(tr, dc) })
	tr.OnCall(func(call core.MediaCall) { c.handleCall(tr, call) })
	tr.OnError(func(err error) { c.handleTransportError(tr, err) })
	tr.OnPresence(func(p core.Presence) { c.handlePresence(tr, p) })

	if err := tr.Open(ctx, id); err != nil {
		c.feed.Error("could not join the group session", err)
		c.mu.Lock()
		if c.transport == tr {
			c.state, _ = core.NextSession(c.state, core.SessionEnd)
			c.transport = nil
			c.cancel()
		}
		c.mu.Unlock()
		_ = tr.Close()
		return fmt.Errorf("open %s: %w", id, err)
	}

	log.Info().Str("module", "app.session").Str("peer", string(id)).Msg("session started")
	c.feed.System(fmt.Sprintf("joined group %s as %s", c.opts.Group, id))
	return nil
}

// End moves Active -> Idle. It stops the local tracks, closes every
// connection and call, drops all surfaces, tears down the transport and
// clears the feed. It is a no-op while Idle.
func (c *Controller) End() error {
	c.mu.Lock()
	next, err := core.NextSession(c.state, core.SessionEnd)
	if err != nil {
		c.mu.Unlock()
		return nil
	}
	c.state = next
	tr := c.transport
	c.transport = nil
	local := c.local
	c.local = nil
	cancel := c.cancel
	links := c.links.Drain()
	c.online = make(map[domain.PeerID]struct{})
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if local != nil {
		local.Stop()
	}
	for _, l := range links {
		if l.Call != nil {
			_ = l.Call.Close()
		}
		if l.Data != nil {
			_ = l.Data.Close()
		}
	}
	c.surfaces.Clear()

	var closeErr error
	if tr != nil {
		closeErr = tr.Close()
	}
	c.feed.Clear()
	log.Info().Str("module", "app.session").Int("links", len(links)).Msg("session ended")
	return closeErr
}

// ConnectToPeer dials peer unless a live link to it already exists. The
// link is reserved before the transport is asked, so a repeated call before
// the first one opens makes no second attempt.
func (c *Controller) ConnectToPeer(ctx context.Context, peer domain.PeerID) error {
	c.mu.Lock()
	if c.state != core.SessionActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	tr := c.transport
	if err := c.links.Reserve(peer); err != nil {
		c.mu.Unlock()
		log.Debug().Str("module", "app.session").Str("peer", string(peer)).Msg("already connected, ignoring")
		return nil
	}
	c.mu.Unlock()

	dc, err := tr.Connect(ctx, peer)
	if err != nil {
		c.mu.Lock()
		if l, ok := c.links.Get(peer); ok && l.Data == nil && l.Outbound && c.currentLocked(tr) {
			c.links.Remove(peer)
		}
		c.mu.Unlock()
		c.feed.Error(fmt.Sprintf("could not connect to %s", peer), err)
		return err
	}

	c.mu.Lock()
	_, ok := c.links.Get(peer)
	if !c.currentLocked(tr) || !ok || c.links.Register(peer, dc, true) != nil {
		// session ended or an inbound connection won the reservation
		c.mu.Unlock()
		_ = dc.Close()
		return nil
	}
	c.mu.Unlock()

	// A conn that closed before its handlers were bound reports it to
	// OnClose right away, which drops the link.
	c.bindData(tr, dc)
	return nil
}

// SendMessage appends one local message and sends it to every open
// connection. Connections that are not open are skipped; nothing is queued.
func (c *Controller) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	if c.state != core.SessionActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	sender := c.opts.DisplayName
	c.mu.Unlock()

	c.feed.Append(domain.ChatMessage{Text: text, Sender: sender, Mine: true, Kind: domain.KindChat})

	payload, err := json.Marshal(domain.ChatPayload{Text: text, Sender: sender})
	if err != nil {
		return err
	}
	sent := 0
	for _, dc := range c.links.OpenConns() {
		if !dc.IsOpen() {
			continue
		}
		if err := dc.Send(payload); err != nil {
			log.Warn().Str("module", "app.session").Err(err).Str("peer", string(dc.Peer())).Msg("send failed")
			continue
		}
		sent++
	}
	log.Debug().Str("module", "app.session").Int("sent_to", sent).Msg("message broadcast")
	return nil
}

// ToggleAudio flips every local audio track and returns the new state.
// Muting applies to all calls sharing the local stream.
func (c *Controller) ToggleAudio() bool {
	return c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips every local video track and returns the new state.
func (c *Controller) ToggleVideo() bool {
	return c.toggle(webrtc.RTPCodecTypeVideo)
}

func (c *Controller) toggle(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	var on bool
	if kind == webrtc.RTPCodecTypeAudio {
		c.audioOn = !c.audioOn
		on = c.audioOn
	} else {
		c.videoOn = !c.videoOn
		on = c.videoOn
	}
	local := c.local
	c.mu.Unlock()

	for _, t := range core.TracksOf(local, kind) {
		t.SetEnabled(on)
	}
	log.Info().Str("module", "app.session").Str("kind", kind.String()).Bool("enabled", on).Msg("toggled local tracks")
	return on
}

func (c *Controller) State() core.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) ID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioOn
}

func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoOn
}

// LocalStream returns the shared capture, nil until first acquired.
func (c *Controller) LocalStream() core.LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Controller) Feed() *Feed                     { return c.feed }
func (c *Controller) Surfaces() *Surfaces             { return c.surfaces }
func (c *Controller) Registry() *Registry             { return c.links }
func (c *Controller) Messages() []domain.ChatMessage { return c.feed.Messages() }
func (c *Controller) Peers() []PeerStatus             { return c.links.Snapshot() }

// Online returns the group members the broker reported, excluding self.
func (c *Controller) Online() []domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PeerID, 0, len(c.online))
	for p := range c.online {
		out = append(out, p)
	}
	return out
}

func (c *Controller) currentLocked(tr core.Transport) bool {
	return c.state == core.SessionActive && c.transport == tr
}

func (c *Controller) current(tr core.Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(tr)
}

// localStream acquires the shared capture on first need. Concurrent callers
// share one acquisition and a failure is reported to the feed once.
func (c *Controller) localStream(tr core.Transport) (core.LocalStream, error) {
	c.mu.Lock()
	if !c.currentLocked(tr) {
		c.mu.Unlock()
		return nil, ErrNotActive
	}
	if c.local != nil {
		s := c.local
		c.mu.Unlock()
		return s, nil
	}
	ctx := c.ctx
	c.mu.Unlock()

	v, err, _ := c.acquire.Do("local", func() (any, error) {
		c.mu.Lock()
		if s := c.local; s != nil {
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()

		stream, err := c.opts.Devices.GetUserMedia(ctx, c.opts.Constraints)
		if err != nil {
			if c.current(tr) {
				c.feed.Error("could not access camera/microphone", err)
			}
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(tr) {
			stream.Stop()
			return nil, ErrNotActive
		}
		if c.local != nil {
			stream.Stop()
			return c.local, nil
		}
		for _, t := range core.TracksOf(stream, webrtc.RTPCodecTypeAudio) {
			t.SetEnabled(c.audioOn)
		}
		for _, t := range core.TracksOf(stream, webrtc.RTPCodecTypeVideo) {
			t.SetEnabled(c.videoOn)
		}
		c.local = stream
		return stream, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(core.LocalStream), nil
}

func (c *Controller) bindData(tr core.Transport, dc core.DataConn) {
	dc.OnOpen(func() { c.handleOpen(tr, dc) })
	dc.OnData(func(b []byte) { c.handleData(tr, dc, b) })
	dc.OnClose(func() { c.handleClose(tr, dc) })
	dc.OnError(func(err error) {
		if c.current(tr) {
			c.feed.Error(fmt.Sprintf("connection error with %s", dc.Peer()), err)
		}
	})
}

func (c *Controller) handleConnection(tr core.Transport, dc core.DataConn) {
	peer := dc.Peer()
	c.mu.Lock()
	if !c.currentLocked(tr) {
		c.mu.Unlock()
		_ = dc.Close()
		return
	}
	var old core.DataConn
	if l, ok := c.links.Get(peer); ok && l.DataState.Live() {
		if c.policy.OnDuplicate(c.id, l, core.ConnData) == KeepExisting {
			c.mu.Unlock()
			log.Info().Str("module", "app.session").Str("peer", string(peer)).Msg("rejected late duplicate connection")
			_ = dc.Close()
			return
		}
		old = c.links.Release(peer)
	}
	if err := c.links.Register(peer, dc, false); err != nil {
		c.mu.Unlock()
		_ = dc.Close()
		return
	}
	c.mu.Unlock()

	if old != nil {
		log.Info().Str("module", "app.session").Str("peer", string(peer)).Msg("replaced connection")
		_ = old.Close()
	}
	c.bindData(tr, dc)
}

func (c *Controller) handleOpen(tr core.Transport, dc core.DataConn) {
	peer := dc.Peer()
	c.mu.Lock()
	if !c.currentLocked(tr) {
		c.mu.Unlock()
		return
	}
	if _, err := c.links.SetDataState(peer, dc, core.LinkOpened); err != nil {
		c.mu.Unlock()
		log.Debug().Str("module", "app.session").Err(err).Str("peer", string(peer)).Msg("open on stale connection")
		return
	}
	l, _ := c.links.Get(peer)
	c.mu.Unlock()

	c.feed.System(fmt.Sprintf("connected to %s", peer))
	if l.Outbound {
		c.startCall(tr, peer)
	}
}

func (c *Controller) handleData(tr core.Transport, dc core.DataConn, raw []byte) {
	if !c.current(tr) {
		return
	}
	var p domain.ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Text == "" {
		log.Warn().Str("module", "app.session").Str("peer", string(dc.Peer())).Msg("dropping malformed chat payload")
		return
	}
	sender := p.Sender
	if sender == "" {
		sender = string(dc.Peer().User())
	}
	c.feed.Append(domain.ChatMessage{Text: p.Text, Sender: sender, Kind: domain.KindChat})
}

func (c *Controller) handleClose(tr core.Transport, dc core.DataConn) {
	peer := dc.Peer()
	c.mu.Lock()
	if !c.currentLocked(tr) {
		c.mu.Unlock()
		return
	}
	prev, _ := c.links.Get(peer)
	if _, err := c.links.SetDataState(peer, dc, core.LinkDropped); err != nil {
		c.mu.Unlock()
		return
	}
	l, _ := c.links.Remove(peer)
	c.mu.Unlock()

	if l.Call != nil {
		_ = l.Call.Close()
	}
	c.surfaces.Remove(peer)
	// a dial that never opened was already reported by the transport
	if prev.DataState == core.LinkOpen {
		c.feed.System(fmt.Sprintf("%s left", peer))
	}
}

// startCall originates the media call once an outbound connection opened.
func (c *Controller) startCall(tr core.Transport, peer domain.PeerID) {
	stream, err := c.localStream(tr)
	if err != nil {
		return
	}

	c.mu.Lock()
	l, ok := c.links.Get(peer)
	if !c.currentLocked(tr) || !ok || l.CallState.Live() {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	call, err := tr.Call(ctx, peer, stream)
	if err != nil {
		if c.current(tr) {
			c.feed.Error(fmt.Sprintf("could not call %s", peer), err)
		}
		return
	}

	c.mu.Lock()
	_, ok = c.links.Get(peer)
	if !c.currentLocked(tr) || !ok || c.links.RegisterCall(peer, call, true) != nil {
		c.mu.Unlock()
		_ = call.Close()
		return
	}
	c.mu.Unlock()

	c.bindCall(tr, call)
}

func (c *Controller) handleCall(tr core.Transport, call core.MediaCall) {
	peer := call.Peer()
	c.mu.Lock()
	if !c.currentLocked(tr) {
		c.mu.Unlock()
		_ = call.Close()
		return
	}
	var old core.MediaCall
	if l, ok := c.links.Get(peer); ok && l.CallState.Live() {
		if c.policy.OnDuplicate(c.id, l, core.ConnMedia) == KeepExisting {
			c.mu.Unlock()
			log.Info().Str("module", "app.session").Str("peer", string(peer)).Msg("rejected late duplicate call")
			_ = call.Close()
			return
		}
		old = l.Call
		c.links.ClearCall(peer, old)
	}
	if err := c.links.RegisterCall(peer, call, false); err != nil {
		c.mu.Unlock()
		_ = call.Close()
		return
	}
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
		c.surfaces.Remove(peer)
	}
	c.bindCall(tr, call)

	stream, err := c.localStream(tr)
	if errors.Is(err, ErrNotActive) {
		return
	}
	if err != nil {
		// reported by localStream; answer receive-only
		stream = nil
	}
	if err := call.Answer(stream); err != nil && c.current(tr) {
		c.feed.Error(fmt.Sprintf("could not answer call from %s", peer), err)
	}
}

func (c *Controller) bindCall(tr core.Transport, call core.MediaCall) {
	peer := call.Peer()
	call.OnStream(func(t core.RemoteTrack) { c.handleStream(tr, call, t) })
	call.OnClose(func() { c.handleCallClose(tr, call) })
	call.OnError(func(err error) {
		if c.current(tr) {
			c.feed.Error(fmt.Sprintf("call error with %s", peer), err)
		}
	})
}

func (c *Controller) handleStream(tr core.Transport, call core.MediaCall, t core.RemoteTrack) {
	peer := call.Peer()
	c.mu.Lock()
	if !c.currentLocked(tr) {
		c.mu.Unlock()
		return
	}
	if _, err := c.links.SetCallState(peer, call, core.CallStream); err != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.surfaces.Attach(peer, t) {
		log.Info().Str("module", "app.session").Str("peer", string(peer)).Str("stream", t.StreamID()).Msg("remote surface created")
	}
}

func (c *Controller) handleCallClose(tr core.Transport, call core.MediaCall) {
	peer := call.Peer()
	c.mu.Lock()
	if !c.currentLocked(tr) || !c.links.ClearCall(peer, call) {
		c.mu.Unlock()
		return
	}
	if l, ok := c.links.Get(peer); ok && !l.DataState.Live() {
		c.links.Remove(peer)
	}
	c.mu.Unlock()

	c.surfaces.Remove(peer)
}

func (c *Controller) handleTransportError(tr core.Transport, err error) {
	if !c.current(tr) {
		return
	}
	log.Warn().Str("module", "app.session").Err(err).Msg("transport error")
	c.feed.Error("signaling error", err)
}

func (c *Controller) handlePresence(tr core.Transport, p core.Presence) {
	c.mu.Lock()
	if !c.currentLocked(tr) {
		c.mu.Unlock()
		return
	}
	self := c.id
	var others []domain.PeerID
	for _, peer := range p.Peers {
		if peer == self {
			continue
		}
		others = append(others, peer)
		if p.Kind == core.PresenceLeft {
			delete(c.online, peer)
		} else {
			c.online[peer] = struct{}{}
		}
	}
	ctx := c.ctx
	c.mu.Unlock()

	if len(others) == 0 {
		return
	}
	switch p.Kind {
	case core.PresenceRoster:
		names := make([]string, len(others))
		for i, peer := range others {
			names[i] = string(peer)
		}
		c.feed.System("online in group: " + strings.Join(names, ", "))
		if c.opts.AutoConnect {
			for _, peer := range others {
				go func() { _ = c.ConnectToPeer(ctx, peer) }()
			}
		}
	case core.PresenceJoined:
		for _, peer := range others {
			c.feed.System(fmt.Sprintf("%s is online", peer))
		}
	case core.PresenceLeft:
		for _, peer := range others {
			c.feed.System(fmt.Sprintf("%s went offline", peer))
		}
	}
}
