package session

import (
	"sync"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

// Surface is the render target of one remote participant.
type Surface struct {
	Peer     domain.PeerID
	StreamID string
	Tracks   []core.RemoteTrack
}

// Surfaces keeps the declarative list of remote surfaces; renderers
// subscribe to it instead of being driven directly.
type Surfaces struct {
	mu     sync.RWMutex
	byPeer map[domain.PeerID]*Surface
	order  []domain.PeerID
	subs   map[int]func([]Surface)
	nextID int
}

func NewSurfaces() *Surfaces {
	return &Surfaces{
		byPeer: make(map[domain.PeerID]*Surface),
		subs:   make(map[int]func([]Surface)),
	}
}

// Attach creates the peer's surface on its first track and appends later
// tracks to it. It reports whether the surface was created.
func (s *Surfaces) Attach(peer domain.PeerID, track core.RemoteTrack) bool {
	s.mu.Lock()
	sf, ok := s.byPeer[peer]
	if !ok {
		sf = &Surface{Peer: peer, StreamID: track.StreamID()}
		s.byPeer[peer] = sf
		s.order = append(s.order, peer)
	}
	for _, t := range sf.Tracks {
		if t.ID() == track.ID() {
			s.mu.Unlock()
			return false
		}
	}
	sf.Tracks = append(sf.Tracks, track)
	s.mu.Unlock()

	s.notify()
	return !ok
}

// Remove is idempotent.
func (s *Surfaces) Remove(peer domain.PeerID) bool {
	s.mu.Lock()
	if _, ok := s.byPeer[peer]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.byPeer, peer)
	for i, p := range s.order {
		if p == peer {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify()
	return true
}

func (s *Surfaces) Clear() {
	s.mu.Lock()
	had := len(s.byPeer) > 0
	s.byPeer = make(map[domain.PeerID]*Surface)
	s.order = nil
	s.mu.Unlock()

	if had {
		s.notify()
	}
}

func (s *Surfaces) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPeer)
}

// List returns the surfaces in creation order.
func (s *Surfaces) List() []Surface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Surfaces) listLocked() []Surface {
	out := make([]Surface, 0, len(s.order))
	for _, p := range s.order {
		sf := s.byPeer[p]
		tracks := make([]core.RemoteTrack, len(sf.Tracks))
		copy(tracks, sf.Tracks)
		out = append(out, Surface{Peer: sf.Peer, StreamID: sf.StreamID, Tracks: tracks})
	}
	return out
}

// Subscribe calls fn with the full list after every change.
func (s *Surfaces) Subscribe(fn func([]Surface)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Surfaces) notify() {
	s.mu.RLock()
	list := s.listLocked()
	subs := make([]func([]Surface), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(list)
	}
}
