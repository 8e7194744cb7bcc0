package domain

import (
	"fmt"
	"strings"
)

const peerIDSep = "-"

// PeerID is the signaling address of one user inside one group.
type PeerID string

// NewPeerID derives the address of user in group. The same pair always
// yields the same id, so a user opening two sessions in one group collides.
func NewPeerID(user UserID, group GroupID) (PeerID, error) {
	if err := validID(string(user)); err != nil {
		return "", fmt.Errorf("user %q: %w", user, err)
	}
	if err := validID(string(group)); err != nil {
		return "", fmt.Errorf("group %q: %w", group, err)
	}
	return PeerID(string(user) + peerIDSep + string(group)), nil
}

// ParsePeerID splits an id produced by NewPeerID.
func ParsePeerID(id PeerID) (UserID, GroupID, error) {
	user, group, ok := strings.Cut(string(id), peerIDSep)
	if !ok {
		return "", "", fmt.Errorf("peer %q: %w", id, ErrInvalidID)
	}
	if validID(user) != nil || validID(group) != nil {
		return "", "", fmt.Errorf("peer %q: %w", id, ErrInvalidID)
	}
	return UserID(user), GroupID(group), nil
}

func (p PeerID) String() string { return string(p) }

// User returns the user part of the id, or the whole id if it is malformed.
func (p PeerID) User() UserID {
	u, _, ok := strings.Cut(string(p), peerIDSep)
	if !ok {
		return UserID(p)
	}
	return UserID(u)
}
