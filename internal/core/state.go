package core

import "fmt"

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionActive
)

type SessionEvent int

const (
	SessionStart SessionEvent = iota
	SessionEnd
)

func (s SessionState) String() string {
	if s == SessionActive {
		return "active"
	}
	return "idle"
}

// NextSession is the Idle -> Active -> Idle machine.
func NextSession(s SessionState, ev SessionEvent) (SessionState, error) {
	switch {
	case s == SessionIdle && ev == SessionStart:
		return SessionActive, nil
	case s == SessionActive && ev == SessionEnd:
		return SessionIdle, nil
	}
	return s, fmt.Errorf("session %s on event %d: %w", s, ev, ErrInvalidTransition)
}

// LinkState is the data connection side of a peer link.
type LinkState int

const (
	LinkNone LinkState = iota
	LinkConnecting
	LinkOpen
	LinkClosed
)

type LinkEvent int

const (
	LinkDial LinkEvent = iota
	LinkAccept
	LinkOpened
	LinkDropped
)

var linkStateNames = [...]string{"none", "connecting", "open", "closed"}

func (s LinkState) String() string {
	if int(s) < len(linkStateNames) {
		return linkStateNames[s]
	}
	return fmt.Sprintf("link(%d)", int(s))
}

// Live reports whether the link holds a handle that has not closed.
func (s LinkState) Live() bool { return s == LinkConnecting || s == LinkOpen }

// NextLink rejects a second dial or accept on a live link, so a duplicate
// registration has to be decided explicitly by the caller.
func NextLink(s LinkState, ev LinkEvent) (LinkState, error) {
	switch ev {
	case LinkDial, LinkAccept:
		if !s.Live() {
			return LinkConnecting, nil
		}
	case LinkOpened:
		if s == LinkConnecting {
			return LinkOpen, nil
		}
	case LinkDropped:
		if s.Live() {
			return LinkClosed, nil
		}
	}
	return s, fmt.Errorf("link %s on event %d: %w", s, ev, ErrInvalidTransition)
}

// CallState is the media side of a peer link.
type CallState int

const (
	CallNone CallState = iota
	CallRinging
	CallStreaming
	CallClosed
)

type CallEvent int

const (
	CallDial CallEvent = iota
	CallIncoming
	CallStream
	CallHangup
)

var callStateNames = [...]string{"none", "ringing", "streaming", "closed"}

func (s CallState) String() string {
	if int(s) < len(callStateNames) {
		return callStateNames[s]
	}
	return fmt.Sprintf("call(%d)", int(s))
}

func (s CallState) Live() bool { return s == CallRinging || s == CallStreaming }

// NextCall allows further streams while Streaming; every new track of a
// call arrives as its own event.
func NextCall(s CallState, ev CallEvent) (CallState, error) {
	switch ev {
	case CallDial, CallIncoming:
		if !s.Live() {
			return CallRinging, nil
		}
	case CallStream:
		if s.Live() {
			return CallStreaming, nil
		}
	case CallHangup:
		if s.Live() {
			return CallClosed, nil
		}
	}
	return s, fmt.Errorf("call %s on event %d: %w", s, ev, ErrInvalidTransition)
}
