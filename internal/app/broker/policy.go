package broker

import "github.com/dkeye/Studyroom/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(group core.GroupService, member core.MemberSession) BackpressureAction
}

// SimplePolicy evicts slow members; their peers see peer-left and stop
// waiting on negotiation that will never arrive.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.GroupService, core.MemberSession) BackpressureAction {
	return KickMember
}

// LenientPolicy drops the frame and keeps the member.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(core.GroupService, core.MemberSession) BackpressureAction {
	return DropFrame
}
