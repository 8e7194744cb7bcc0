package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

func TestTieBreak(t *testing.T) {
	tests := []struct {
		name     string
		local    domain.PeerID
		existing PeerLink
		kind     core.ConnKind
		want     DuplicateAction
	}{
		{
			name:     "open link is kept",
			local:    "zoe-g1",
			existing: PeerLink{Peer: bob, DataState: core.LinkOpen, Outbound: true},
			kind:     core.ConnData,
			want:     KeepExisting,
		},
		{
			name:     "connecting inbound is kept",
			local:    "zoe-g1",
			existing: PeerLink{Peer: bob, DataState: core.LinkConnecting},
			kind:     core.ConnData,
			want:     KeepExisting,
		},
		{
			name:     "lower local id keeps outbound",
			local:    "alice-g1",
			existing: PeerLink{Peer: bob, DataState: core.LinkConnecting, Outbound: true},
			kind:     core.ConnData,
			want:     KeepExisting,
		},
		{
			name:     "higher local id yields",
			local:    "zoe-g1",
			existing: PeerLink{Peer: bob, DataState: core.LinkConnecting, Outbound: true},
			kind:     core.ConnData,
			want:     ReplaceExisting,
		},
		{
			name:     "streaming call is kept",
			local:    "zoe-g1",
			existing: PeerLink{Peer: bob, CallState: core.CallStreaming, CallOutbound: true},
			kind:     core.ConnMedia,
			want:     KeepExisting,
		},
		{
			name:     "ringing outbound call yields to lower remote",
			local:    "zoe-g1",
			existing: PeerLink{Peer: bob, DataState: core.LinkOpen, CallState: core.CallRinging, CallOutbound: true},
			kind:     core.ConnMedia,
			want:     ReplaceExisting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TieBreak{}.OnDuplicate(tt.local, tt.existing, tt.kind))
		})
	}
}

// Both ends evaluating the same race must keep the same connection.
func TestTieBreak_Converges(t *testing.T) {
	var a, b domain.PeerID = "alice-g1", "bob-g1"
	atA := TieBreak{}.OnDuplicate(a, PeerLink{Peer: b, DataState: core.LinkConnecting, Outbound: true}, core.ConnData)
	atB := TieBreak{}.OnDuplicate(b, PeerLink{Peer: a, DataState: core.LinkConnecting, Outbound: true}, core.ConnData)

	// a keeps its dial, b drops its own dial in favour of a's.
	assert.Equal(t, KeepExisting, atA)
	assert.Equal(t, ReplaceExisting, atB)
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]DuplicatePolicy{
		"":         TieBreak{},
		"tiebreak": TieBreak{},
		"reject":   RejectLate{},
		"replace":  CloseAndReplace{},
	} {
		got, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := PolicyByName("coin-flip")
	assert.Error(t, err)
}
