package session

import (
	"sort"
	"sync"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// PeerLink is everything the session holds for one remote peer.
type PeerLink struct {
	Peer      domain.PeerID
	Data      core.DataConn
	DataState core.LinkState
	Outbound  bool
	Call      core.MediaCall
	CallState core.CallState
	// CallOutbound is set when this side originated the call.
	CallOutbound bool
}

// PeerStatus is a read-only view of a link.
type PeerStatus struct {
	Peer      domain.PeerID  `json:"peer"`
	Link      core.LinkState `json:"link"`
	Outbound  bool           `json:"outbound"`
	CallState core.CallState `json:"call"`
}

// Registry maps peer ids to their links. Every registration goes through
// core.NextLink or core.NextCall, so a live side cannot be overwritten; the
// controller releases it first when its policy replaces a duplicate.
type Registry struct {
	mu    sync.RWMutex
	links map[domain.PeerID]*PeerLink
}

func NewRegistry() *Registry {
	return &Registry{links: make(map[domain.PeerID]*PeerLink)}
}

func (r *Registry) entry(peer domain.PeerID) *PeerLink {
	l, ok := r.links[peer]
	if !ok {
		l = &PeerLink{Peer: peer}
		r.links[peer] = l
	}
	return l
}

// Reserve marks an outbound dial before a handle exists. It fails while
// the data side is live, so a second dial has nothing to reserve.
func (r *Registry) Reserve(peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.entry(peer)
	next, err := core.NextLink(l.DataState, core.LinkDial)
	if err != nil {
		return err
	}
	l.Data, l.DataState, l.Outbound = nil, next, true
	log.Debug().Str("module", "app.registry").Str("peer", string(peer)).Msg("reserved link")
	return nil
}

// Register attaches conn to peer's link. An outbound conn fills the slot
// Reserve made; any other registration is a dial or accept of its own and
// needs a link that is not live.
func (r *Registry) Register(peer domain.PeerID, conn core.DataConn, outbound bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.entry(peer)
	if outbound && l.Outbound && l.Data == nil && l.DataState == core.LinkConnecting {
		l.Data = conn
	} else {
		ev := core.LinkAccept
		if outbound {
			ev = core.LinkDial
		}
		next, err := core.NextLink(l.DataState, ev)
		if err != nil {
			return err
		}
		l.Data, l.DataState, l.Outbound = conn, next, outbound
	}
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Bool("outbound", outbound).Msg("registered connection")
	return nil
}

// Release ends the data side of peer so a replacement can register, and
// returns the handle it held.
func (r *Registry) Release(peer domain.PeerID) core.DataConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[peer]
	if !ok {
		return nil
	}
	old := l.Data
	if next, err := core.NextLink(l.DataState, core.LinkDropped); err == nil {
		l.DataState = next
	}
	l.Data = nil
	return old
}

func (r *Registry) RegisterCall(peer domain.PeerID, call core.MediaCall, outbound bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.entry(peer)
	ev := core.CallIncoming
	if outbound {
		ev = core.CallDial
	}
	next, err := core.NextCall(l.CallState, ev)
	if err != nil {
		return err
	}
	l.Call, l.CallState, l.CallOutbound = call, next, outbound
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Bool("outbound", outbound).Msg("registered call")
	return nil
}

// Get returns a copy of the link.
func (r *Registry) Get(peer domain.PeerID) (PeerLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[peer]
	if !ok {
		return PeerLink{}, false
	}
	return *l, true
}

// SetDataState applies ev to the data side if conn is still the registered handle.
func (r *Registry) SetDataState(peer domain.PeerID, conn core.DataConn, ev core.LinkEvent) (core.LinkState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[peer]
	if !ok || l.Data != conn {
		return core.LinkNone, core.ErrInvalidTransition
	}
	next, err := core.NextLink(l.DataState, ev)
	if err != nil {
		return l.DataState, err
	}
	l.DataState = next
	return next, nil
}

// SetCallState applies ev to the call side if call is still the registered handle.
func (r *Registry) SetCallState(peer domain.PeerID, call core.MediaCall, ev core.CallEvent) (core.CallState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[peer]
	if !ok || l.Call != call {
		return core.CallNone, core.ErrInvalidTransition
	}
	next, err := core.NextCall(l.CallState, ev)
	if err != nil {
		return l.CallState, err
	}
	l.CallState = next
	return next, nil
}

// ClearCall drops the call side if call is still the registered handle.
func (r *Registry) ClearCall(peer domain.PeerID, call core.MediaCall) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[peer]
	if !ok || l.Call != call {
		return false
	}
	l.CallState, _ = core.NextCall(l.CallState, core.CallHangup)
	l.Call = nil
	return true
}

// Remove deletes both the data and media entries of peer. It is idempotent.
func (r *Registry) Remove(peer domain.PeerID) (PeerLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[peer]
	if !ok {
		return PeerLink{}, false
	}
	delete(r.links, peer)
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("removed link")
	return *l, true
}

// Drain removes every link and returns them.
func (r *Registry) Drain() []PeerLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerLink, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, *l)
	}
	r.links = make(map[domain.PeerID]*PeerLink)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// OpenConns returns the data connections whose link is open.
func (r *Registry) OpenConns() []core.DataConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.DataConn, 0, len(r.links))
	for _, l := range r.links {
		if l.Data != nil && l.DataState == core.LinkOpen {
			out = append(out, l.Data)
		}
	}
	return out
}

func (r *Registry) Snapshot() []PeerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerStatus, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, PeerStatus{Peer: l.Peer, Link: l.DataState, Outbound: l.Outbound, CallState: l.CallState})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
