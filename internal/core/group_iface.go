package core

import "github.com/dkeye/Studyroom/internal/domain"

// MemberSession binds a registered peer id and its signaling endpoint.
// This is what a group stores and fans out to.
type MemberSession interface {
	Peer() domain.PeerID
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the broker.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// GroupService is the presence set of one group.
// It owns the membership set but never touches transport resources.
type GroupService interface {
	Group() *domain.Group
	MemberCount() int
	Members() []domain.PeerID

	AddMember(ms MemberSession)
	RemoveMember(peer domain.PeerID)
	Broadcast(from domain.PeerID, data Frame) PublishResult
}

type GroupInfo struct {
	domain.Group
	MemberCount int `json:"member_count"`
}

type memberSession struct {
	peer   domain.PeerID
	signal SignalConnection
}

func NewMemberSession(peer domain.PeerID, signal SignalConnection) MemberSession {
	return &memberSession{peer: peer, signal: signal}
}

func (m *memberSession) Peer() domain.PeerID      { return m.peer }
func (m *memberSession) Signal() SignalConnection { return m.signal }
