package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	dc := newFakeConn(bob)
	require.NoError(t, r.Register(bob, dc, true))
	require.NoError(t, r.RegisterCall(bob, newFakeCall(bob), true))

	l, ok := r.Remove(bob)
	require.True(t, ok)
	assert.Equal(t, core.DataConn(dc), l.Data)
	assert.NotNil(t, l.Call)

	_, ok = r.Remove(bob)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistry_StateChecksHandleIdentity(t *testing.T) {
	r := NewRegistry()
	old, cur := newFakeConn(bob), newFakeConn(bob)
	require.NoError(t, r.Register(bob, cur, false))

	_, err := r.SetDataState(bob, old, core.LinkOpened)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	st, err := r.SetDataState(bob, cur, core.LinkOpened)
	require.NoError(t, err)
	assert.Equal(t, core.LinkOpen, st)

	_, err = r.SetDataState(bob, cur, core.LinkOpened)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = r.SetDataState(carol, cur, core.LinkOpened)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestRegistry_CallLifecycle(t *testing.T) {
	r := NewRegistry()
	call, stale := newFakeCall(bob), newFakeCall(bob)
	require.NoError(t, r.RegisterCall(bob, call, false))

	l, _ := r.Get(bob)
	assert.Equal(t, core.CallRinging, l.CallState)
	assert.Equal(t, core.LinkNone, l.DataState)

	_, err := r.SetCallState(bob, call, core.CallStream)
	require.NoError(t, err)
	_, err = r.SetCallState(bob, call, core.CallStream)
	require.NoError(t, err)

	assert.False(t, r.ClearCall(bob, stale))
	assert.True(t, r.ClearCall(bob, call))
	l, _ = r.Get(bob)
	assert.Equal(t, core.CallClosed, l.CallState)
	assert.Nil(t, l.Call)
}

func TestRegistry_OpenConnsAndSnapshot(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn(bob), newFakeConn(carol)
	require.NoError(t, r.Register(bob, a, true))
	require.NoError(t, r.Register(carol, b, false))
	require.NoError(t, r.Reserve(aaron))
	_, err := r.SetDataState(carol, b, core.LinkOpened)
	require.NoError(t, err)

	conns := r.OpenConns()
	require.Len(t, conns, 1)
	assert.Equal(t, core.DataConn(b), conns[0])

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []domain.PeerID{aaron, bob, carol}, []domain.PeerID{snap[0].Peer, snap[1].Peer, snap[2].Peer})
	assert.Equal(t, core.LinkConnecting, snap[0].Link)
	assert.True(t, snap[0].Outbound)

	drained := r.Drain()
	assert.Len(t, drained, 3)
	assert.Zero(t, r.Len())
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(bob, newFakeConn(bob), true))

	l, _ := r.Get(bob)
	l.DataState = core.LinkClosed

	got, _ := r.Get(bob)
	assert.Equal(t, core.LinkConnecting, got.DataState)
}

func TestRegistry_LiveSideCannotBeOverwritten(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Reserve(bob))
	assert.ErrorIs(t, r.Reserve(bob), core.ErrInvalidTransition)

	out := newFakeConn(bob)
	require.NoError(t, r.Register(bob, out, true))
	assert.ErrorIs(t, r.Register(bob, newFakeConn(bob), true), core.ErrInvalidTransition)
	assert.ErrorIs(t, r.Register(bob, newFakeConn(bob), false), core.ErrInvalidTransition)
	l, _ := r.Get(bob)
	assert.Equal(t, core.DataConn(out), l.Data)

	assert.Equal(t, core.DataConn(out), r.Release(bob))
	l, _ = r.Get(bob)
	assert.Equal(t, core.LinkClosed, l.DataState)
	in := newFakeConn(bob)
	require.NoError(t, r.Register(bob, in, false))
	l, _ = r.Get(bob)
	assert.Equal(t, core.DataConn(in), l.Data)
	assert.False(t, l.Outbound)

	// a late outbound handle no longer matches the released reservation
	assert.ErrorIs(t, r.Register(bob, out, true), core.ErrInvalidTransition)

	call := newFakeCall(bob)
	require.NoError(t, r.RegisterCall(bob, call, true))
	assert.ErrorIs(t, r.RegisterCall(bob, newFakeCall(bob), false), core.ErrInvalidTransition)
	require.True(t, r.ClearCall(bob, call))
	require.NoError(t, r.RegisterCall(bob, newFakeCall(bob), false))
}

func TestRegistry_ReleaseUnknownPeer(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Release(carol))
	assert.Zero(t, r.Len())
}
