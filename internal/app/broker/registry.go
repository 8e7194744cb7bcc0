package broker

import (
	"context"
	"sync"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type peerEntry struct {
	Group   domain.GroupID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry holds the live peer ids. An id is owned by exactly one signaling
// connection at a time.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*peerEntry
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[domain.PeerID]*peerEntry)}
}

// Bind claims the session's peer id, failing with core.ErrIDTaken while
// another connection holds it.
func (r *Registry) Bind(group domain.GroupID, sess core.MemberSession, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := sess.Peer()
	if _, ok := r.peers[peer]; ok {
		log.Warn().Str("module", "broker.registry").Str("peer", string(peer)).Msg("id taken")
		return core.ErrIDTaken
	}
	r.peers[peer] = &peerEntry{Group: group, Session: sess, Cancel: cancel}
	log.Info().Str("module", "broker.registry").Str("peer", string(peer)).Str("group", string(group)).Msg("bound peer")
	return nil
}

func (r *Registry) Get(peer domain.PeerID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[peer]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) GroupOf(peer domain.PeerID) (domain.GroupID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[peer]; ok {
		return e.Group, true
	}
	return "", false
}

// Unbind releases peer only if sess still owns it, so a rejected duplicate
// cannot unregister the original holder.
func (r *Registry) Unbind(peer domain.PeerID, sess core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[peer]
	if !ok || e.Session != sess {
		return false
	}
	delete(r.peers, peer)
	log.Info().Str("module", "broker.registry").Str("peer", string(peer)).Msg("unbound peer")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Cancel stops the connection owning peer.
func (r *Registry) Cancel(peer domain.PeerID) bool {
	r.mu.RLock()
	e, ok := r.peers[peer]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "broker.registry").Str("peer", string(peer)).Msg("canceled peer")
	return true
}
