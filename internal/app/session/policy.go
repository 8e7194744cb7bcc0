package session

import (
	"fmt"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

type DuplicateAction int

const (
	// KeepExisting closes the incoming handle.
	KeepExisting DuplicateAction = iota
	// ReplaceExisting closes the registered handle and registers the incoming one.
	ReplaceExisting
)

// DuplicatePolicy decides what happens when an inbound connection (kind
// data) or call (kind media) arrives for a peer whose link is still live.
type DuplicatePolicy interface {
	OnDuplicate(local domain.PeerID, existing PeerLink, kind core.ConnKind) DuplicateAction
}

// RejectLate keeps whatever was registered first.
type RejectLate struct{}

func (RejectLate) OnDuplicate(domain.PeerID, PeerLink, core.ConnKind) DuplicateAction { return KeepExisting }

// CloseAndReplace always prefers the newest handle.
type CloseAndReplace struct{}

func (CloseAndReplace) OnDuplicate(domain.PeerID, PeerLink, core.ConnKind) DuplicateAction {
	return ReplaceExisting
}

// TieBreak keeps an open link. When both sides dial each other at once the
// outbound attempt of the lower peer id survives on both ends.
type TieBreak struct{}

func (TieBreak) OnDuplicate(local domain.PeerID, existing PeerLink, kind core.ConnKind) DuplicateAction {
	established, outbound := existing.DataState == core.LinkOpen, existing.Outbound
	if kind == core.ConnMedia {
		established, outbound = existing.CallState == core.CallStreaming, existing.CallOutbound
	}
	if established || !outbound {
		return KeepExisting
	}
	if local < existing.Peer {
		return KeepExisting
	}
	return ReplaceExisting
}

// PolicyByName maps config values to policies.
func PolicyByName(name string) (DuplicatePolicy, error) {
	switch name {
	case "", "tiebreak":
		return TieBreak{}, nil
	case "reject":
		return RejectLate{}, nil
	case "replace":
		return CloseAndReplace{}, nil
	}
	return nil, fmt.Errorf("unknown duplicate policy %q", name)
}
