// Package broker is the rendezvous the peers signal through: it owns the
// live peer ids, tracks who is online in each group and relays negotiation
// envelopes between peers. It never inspects the payloads it relays.
package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type Hub struct {
	Registry *Registry
	Groups   *Groups
	Policy   Policy
}

func NewHub(policy Policy) *Hub {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Hub{Registry: NewRegistry(), Groups: NewGroups(), Policy: policy}
}

// Join claims the session's peer id and announces it to its group. The
// session receives open followed by the current roster. On a collision it
// receives id-taken and Join returns core.ErrIDTaken; the caller closes it.
func (h *Hub) Join(sess core.MemberSession, cancel context.CancelFunc) error {
	peer := sess.Peer()
	_, groupID, err := domain.ParsePeerID(peer)
	if err != nil {
		h.send(sess, core.Envelope{Type: core.EnvError, Dst: peer, Error: err.Error()})
		return err
	}
	if err := h.Registry.Bind(groupID, sess, cancel); err != nil {
		h.send(sess, core.Envelope{Type: core.EnvIDTaken, Dst: peer, Error: err.Error()})
		return err
	}

	group := h.Groups.GetOrCreate(groupID)
	roster := group.Members()
	group.AddMember(sess)

	h.send(sess, core.Envelope{Type: core.EnvOpen, Dst: peer})
	h.send(sess, core.Envelope{Type: core.EnvPeers, Dst: peer, Peers: roster})
	h.broadcast(group, peer, core.Envelope{Type: core.EnvPeerJoined, Peers: []domain.PeerID{peer}})

	log.Info().Str("module", "broker").Str("peer", string(peer)).Int("online", len(roster)+1).Msg("peer joined")
	return nil
}

// Leave drops the session if it still owns its id and tells the group.
func (h *Hub) Leave(sess core.MemberSession) {
	peer := sess.Peer()
	groupID, ok := h.Registry.GroupOf(peer)
	if !ok || !h.Registry.Unbind(peer, sess) {
		return
	}
	group, ok := h.Groups.Get(groupID)
	if !ok {
		return
	}
	group.RemoveMember(peer)
	h.broadcast(group, peer, core.Envelope{Type: core.EnvPeerLeft, Peers: []domain.PeerID{peer}})
	h.Groups.StopIfEmpty(groupID)
	log.Info().Str("module", "broker").Str("peer", string(peer)).Msg("peer left")
}

// OnFrame handles one inbound frame from a joined session.
func (h *Hub) OnFrame(sess core.MemberSession, data core.Frame) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "broker").Str("peer", string(sess.Peer())).Msg("bad json")
		h.send(sess, core.Envelope{Type: core.EnvError, Error: "bad_payload"})
		return
	}

	switch {
	case env.Type == core.EnvPing:
		h.send(sess, core.Envelope{Type: core.EnvPong})
	case env.Type.Relayed():
		h.relay(sess, env)
	default:
		log.Warn().Str("module", "broker").Str("type", string(env.Type)).Msg("unknown envelope")
		h.send(sess, core.Envelope{Type: core.EnvError, Error: "unknown type " + string(env.Type)})
	}
}

func (h *Hub) relay(from core.MemberSession, env core.Envelope) {
	env.Src = from.Peer()
	dst, ok := h.Registry.Get(env.Dst)
	if env.Dst == "" || !ok {
		if env.Type != core.EnvLeave {
			h.send(from, core.Envelope{Type: core.EnvExpire, Src: env.Dst, Dst: env.Src, Payload: env.Payload})
		}
		log.Debug().Str("module", "broker").Str("src", string(env.Src)).Str("dst", string(env.Dst)).Msg("relay target offline")
		return
	}

	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("relay marshal")
		return
	}
	if err := dst.Signal().TrySend(frame); err != nil {
		h.onSendFailure(dst, err)
	}
}

func (h *Hub) broadcast(group core.GroupService, from domain.PeerID, env core.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("broadcast marshal")
		return
	}
	res := group.Broadcast(from, frame)
	for _, slow := range res.Dropped {
		h.onSendFailure(slow, core.ErrBackpressure)
	}
}

func (h *Hub) onSendFailure(member core.MemberSession, err error) {
	if !errors.Is(err, core.ErrBackpressure) {
		return
	}
	groupID, ok := h.Registry.GroupOf(member.Peer())
	if !ok {
		return
	}
	group, ok := h.Groups.Get(groupID)
	if !ok {
		return
	}
	switch h.Policy.OnBackPressure(group, member) {
	case KickMember:
		log.Warn().Str("module", "broker").Str("peer", string(member.Peer())).Msg("evicting slow peer")
		h.Kick(member.Peer())
	case DropFrame, NoAction:
	}
}

// Kick cancels the connection owning peer; its adapter then calls Leave.
func (h *Hub) Kick(peer domain.PeerID) bool {
	return h.Registry.Cancel(peer)
}

// Members lists the online peers of a group.
func (h *Hub) Members(id domain.GroupID) []domain.PeerID {
	group, ok := h.Groups.Get(id)
	if !ok {
		return []domain.PeerID{}
	}
	return group.Members()
}

func (h *Hub) send(sess core.MemberSession, env core.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("send marshal")
		return
	}
	if err := sess.Signal().TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "broker").Str("peer", string(sess.Peer())).Str("type", string(env.Type)).Msg("send failed")
	}
}
