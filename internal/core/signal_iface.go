package core

import (
	"encoding/json"

	"github.com/dkeye/Studyroom/internal/domain"
)

// Frame is a raw signaling payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

type EnvelopeType string

const (
	EnvOpen       EnvelopeType = "open"
	EnvIDTaken    EnvelopeType = "id-taken"
	EnvError      EnvelopeType = "error"
	EnvPeers      EnvelopeType = "peers"
	EnvPeerJoined EnvelopeType = "peer-joined"
	EnvPeerLeft   EnvelopeType = "peer-left"
	EnvOffer      EnvelopeType = "offer"
	EnvAnswer     EnvelopeType = "answer"
	EnvCandidate  EnvelopeType = "candidate"
	EnvLeave      EnvelopeType = "leave"
	EnvExpire     EnvelopeType = "expire"
	EnvPing       EnvelopeType = "ping"
	EnvPong       EnvelopeType = "pong"
)

// Relayed reports whether the broker forwards this type to Dst.
func (t EnvelopeType) Relayed() bool {
	switch t {
	case EnvOffer, EnvAnswer, EnvCandidate, EnvLeave:
		return true
	}
	return false
}

// Envelope is the signaling wire message shared by broker and peers.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Src     domain.PeerID   `json:"src,omitempty"`
	Dst     domain.PeerID   `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Peers   []domain.PeerID `json:"peers,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type ConnKind string

const (
	ConnData  ConnKind = "data"
	ConnMedia ConnKind = "media"
)

// NegotiationPayload rides in Envelope.Payload for offer/answer/candidate/leave.
type NegotiationPayload struct {
	ConnectionID string   `json:"connectionId"`
	Kind         ConnKind `json:"kind,omitempty"`
	SDP          string   `json:"sdp,omitempty"`
	Candidate    string   `json:"candidate,omitempty"`
	SDPMid       *string  `json:"sdpMid,omitempty"`
	SDPMLine     *uint16  `json:"sdpMLineIndex,omitempty"`
}

func (e Envelope) Negotiation() (NegotiationPayload, error) {
	var p NegotiationPayload
	if len(e.Payload) == 0 {
		return p, ErrBadPayload
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func NewNegotiation(t EnvelopeType, dst domain.PeerID, p NegotiationPayload) (Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Dst: dst, Payload: raw}, nil
}
