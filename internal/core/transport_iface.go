package core

import (
	"context"

	"github.com/dkeye/Studyroom/internal/domain"
)

//go:generate mockgen -destination=mock/mock_core.go -package=mock github.com/dkeye/Studyroom/internal/core Transport,MediaDevices

// Transport is the peer signaling/transport provider. It addresses remote
// endpoints by PeerID, carries structured messages over data connections
// and media over calls.
type Transport interface {
	// Open registers id with the signaling broker and blocks until it is accepted.
	Open(ctx context.Context, id domain.PeerID) error
	ID() domain.PeerID

	OnConnection(func(DataConn))
	OnCall(func(MediaCall))
	OnError(func(error))
	OnPresence(func(Presence))

	// Connect opens an outbound data connection; it is not open on return.
	Connect(ctx context.Context, peer domain.PeerID) (DataConn, error)
	// Call originates a media call carrying stream.
	Call(ctx context.Context, peer domain.PeerID, stream LocalStream) (MediaCall, error)

	Close() error
}

// DataConn is a bidirectional message channel with one remote peer.
type DataConn interface {
	Peer() domain.PeerID
	IsOpen() bool
	Send(data []byte) error
	// OnOpen fires once; if the connection is already open fn runs right away.
	OnOpen(fn func())
	OnData(fn func([]byte))
	// OnClose fires once; on a connection that already closed fn runs
	// right away.
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

// MediaCall is a bidirectional media session with one remote peer.
type MediaCall interface {
	Peer() domain.PeerID
	// Answer accepts an inbound call. A nil stream answers receive-only.
	Answer(stream LocalStream) error
	OnStream(fn func(RemoteTrack))
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

type PresenceKind int

const (
	PresenceRoster PresenceKind = iota
	PresenceJoined
	PresenceLeft
)

// Presence is a group roster change reported by the broker.
type Presence struct {
	Kind  PresenceKind
	Peers []domain.PeerID
}
