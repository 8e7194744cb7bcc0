package core

import (
	"sort"
	"sync"

	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// groupImpl is a threadsafe in-memory presence set.
// It never closes adapter-owned resources.
type groupImpl struct {
	group  *domain.Group
	mu     sync.RWMutex
	byPeer map[domain.PeerID]MemberSession
}

func NewGroupService(group *domain.Group) GroupService {
	return &groupImpl{
		group:  group,
		byPeer: make(map[domain.PeerID]MemberSession),
	}
}

func (g *groupImpl) Group() *domain.Group { return g.group }

func (g *groupImpl) MemberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byPeer)
}

func (g *groupImpl) AddMember(ms MemberSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byPeer[ms.Peer()] = ms
	log.Debug().Str("module", "core.group").Str("group", string(g.group.ID)).Str("peer", string(ms.Peer())).Msg("member added")
}

func (g *groupImpl) RemoveMember(peer domain.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byPeer, peer)
	log.Debug().Str("module", "core.group").Str("group", string(g.group.ID)).Str("peer", string(peer)).Msg("member removed")
}

func (g *groupImpl) Broadcast(from domain.PeerID, data Frame) PublishResult {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res := PublishResult{}
	for peer, m := range g.byPeer {
		if peer == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.group").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Members returns the sorted peer ids.
func (g *groupImpl) Members() []domain.PeerID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(g.byPeer))
	for peer := range g.byPeer {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
