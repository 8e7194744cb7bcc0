package broker

import (
	"sort"
	"sync"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

// Groups creates presence sets on first join and drops them once empty.
type Groups struct {
	mu     sync.RWMutex
	groups map[domain.GroupID]core.GroupService
}

func NewGroups() *Groups {
	return &Groups{groups: make(map[domain.GroupID]core.GroupService)}
}

func (g *Groups) GetOrCreate(id domain.GroupID) core.GroupService {
	g.mu.RLock()
	group, ok := g.groups[id]
	g.mu.RUnlock()
	if ok {
		return group
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if group, ok = g.groups[id]; ok {
		return group
	}
	group = core.NewGroupService(&domain.Group{ID: id})
	g.groups[id] = group
	return group
}

func (g *Groups) Get(id domain.GroupID) (core.GroupService, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	group, ok := g.groups[id]
	return group, ok
}

func (g *Groups) List() []core.GroupInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]core.GroupInfo, 0, len(g.groups))
	for _, group := range g.groups {
		out = append(out, core.GroupInfo{Group: *group.Group(), MemberCount: group.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopIfEmpty removes the group when nobody is left in it.
func (g *Groups) StopIfEmpty(id domain.GroupID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if group, ok := g.groups[id]; ok && group.MemberCount() == 0 {
		delete(g.groups, id)
	}
}
