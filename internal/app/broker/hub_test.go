package broker

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

type recSignal struct {
	mu   sync.Mutex
	envs []core.Envelope
	full bool
}

func (s *recSignal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return core.ErrBackpressure
	}
	var env core.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *recSignal) Close() {}

func (s *recSignal) types() []core.EnvelopeType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.EnvelopeType, len(s.envs))
	for i, e := range s.envs {
		out[i] = e.Type
	}
	return out
}

func (s *recSignal) last() core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envs[len(s.envs)-1]
}

func join(t *testing.T, h *Hub, peer domain.PeerID) (core.MemberSession, *recSignal, *bool) {
	t.Helper()
	sig := &recSignal{}
	sess := core.NewMemberSession(peer, sig)
	canceled := new(bool)
	require.NoError(t, h.Join(sess, func() { *canceled = true }))
	return sess, sig, canceled
}

func frame(t *testing.T, env core.Envelope) core.Frame {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestHub_JoinSendsOpenAndRoster(t *testing.T) {
	h := NewHub(nil)
	_, alice, _ := join(t, h, "alice-math")
	_, bob, _ := join(t, h, "bob-math")
	_, other, _ := join(t, h, "carol-art")

	assert.Equal(t, []core.EnvelopeType{core.EnvOpen, core.EnvPeers, core.EnvPeerJoined}, alice.types())
	assert.Equal(t, []domain.PeerID{"bob-math"}, alice.last().Peers)

	assert.Equal(t, []core.EnvelopeType{core.EnvOpen, core.EnvPeers}, bob.types())
	assert.Equal(t, []domain.PeerID{"alice-math"}, bob.last().Peers)

	assert.Empty(t, other.last().Peers)
	assert.Equal(t, []domain.PeerID{"alice-math", "bob-math"}, h.Members("math"))
	assert.Len(t, h.Groups.List(), 2)
}

func TestHub_DuplicateIDRejected(t *testing.T) {
	h := NewHub(nil)
	first, _, _ := join(t, h, "alice-math")

	sig := &recSignal{}
	dup := core.NewMemberSession("alice-math", sig)
	err := h.Join(dup, func() {})
	require.ErrorIs(t, err, core.ErrIDTaken)
	assert.Equal(t, []core.EnvelopeType{core.EnvIDTaken}, sig.types())

	// the rejected connection going away must not unregister the holder
	h.Leave(dup)
	got, ok := h.Registry.Get("alice-math")
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestHub_JoinRejectsMalformedID(t *testing.T) {
	h := NewHub(nil)
	sig := &recSignal{}
	err := h.Join(core.NewMemberSession("nodash", sig), func() {})
	assert.ErrorIs(t, err, domain.ErrInvalidID)
	assert.Equal(t, []core.EnvelopeType{core.EnvError}, sig.types())
	assert.Zero(t, h.Registry.Len())
}

func TestHub_RelayForcesSource(t *testing.T) {
	h := NewHub(nil)
	alice, _, _ := join(t, h, "alice-math")
	_, bob, _ := join(t, h, "bob-math")

	payload := json.RawMessage(`{"connectionId":"c1","sdp":"v=0"}`)
	h.OnFrame(alice, frame(t, core.Envelope{Type: core.EnvOffer, Src: "mallory-math", Dst: "bob-math", Payload: payload}))

	got := bob.last()
	assert.Equal(t, core.EnvOffer, got.Type)
	assert.Equal(t, domain.PeerID("alice-math"), got.Src)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

func TestHub_RelayToUnknownPeerExpires(t *testing.T) {
	h := NewHub(nil)
	alice, sig, _ := join(t, h, "alice-math")

	payload := json.RawMessage(`{"connectionId":"c1"}`)
	h.OnFrame(alice, frame(t, core.Envelope{Type: core.EnvOffer, Dst: "ghost-math", Payload: payload}))

	got := sig.last()
	assert.Equal(t, core.EnvExpire, got.Type)
	assert.Equal(t, domain.PeerID("ghost-math"), got.Src)
	p, err := got.Negotiation()
	require.NoError(t, err)
	assert.Equal(t, "c1", p.ConnectionID)

	n := len(sig.types())
	h.OnFrame(alice, frame(t, core.Envelope{Type: core.EnvLeave, Dst: "ghost-math"}))
	assert.Len(t, sig.types(), n)
}

func TestHub_PingAndUnknown(t *testing.T) {
	h := NewHub(nil)
	alice, sig, _ := join(t, h, "alice-math")

	h.OnFrame(alice, core.Frame(`{"type":"ping"}`))
	assert.Equal(t, core.EnvPong, sig.last().Type)

	h.OnFrame(alice, core.Frame(`{"type":"subscribe"}`))
	assert.Equal(t, core.EnvError, sig.last().Type)

	h.OnFrame(alice, core.Frame(`{`))
	assert.Equal(t, "bad_payload", sig.last().Error)
}

func TestHub_LeaveAnnouncesAndDropsEmptyGroup(t *testing.T) {
	h := NewHub(nil)
	alice, _, _ := join(t, h, "alice-math")
	bob, bobSig, _ := join(t, h, "bob-math")

	h.Leave(alice)
	got := bobSig.last()
	assert.Equal(t, core.EnvPeerLeft, got.Type)
	assert.Equal(t, []domain.PeerID{"alice-math"}, got.Peers)

	h.Leave(alice)
	h.Leave(bob)
	assert.Zero(t, h.Registry.Len())
	_, ok := h.Groups.Get("math")
	assert.False(t, ok)
	assert.Empty(t, h.Members("math"))
}

func TestHub_BackpressureEvictsSlowPeer(t *testing.T) {
	h := NewHub(SimplePolicy{})
	alice, _, _ := join(t, h, "alice-math")
	_, bob, bobCanceled := join(t, h, "bob-math")

	bob.full = true
	h.OnFrame(alice, frame(t, core.Envelope{Type: core.EnvCandidate, Dst: "bob-math", Payload: json.RawMessage(`{"connectionId":"c1"}`)}))
	assert.True(t, *bobCanceled)
}

func TestHub_LenientPolicyKeepsSlowPeer(t *testing.T) {
	h := NewHub(LenientPolicy{})
	alice, _, _ := join(t, h, "alice-math")
	_, bob, bobCanceled := join(t, h, "bob-math")

	bob.full = true
	h.OnFrame(alice, frame(t, core.Envelope{Type: core.EnvCandidate, Dst: "bob-math", Payload: json.RawMessage(`{"connectionId":"c1"}`)}))
	assert.False(t, *bobCanceled)
}
