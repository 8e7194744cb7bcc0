package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	router "github.com/dkeye/Studyroom/internal/adapters/http"
	"github.com/dkeye/Studyroom/internal/adapters/rtc"
	"github.com/dkeye/Studyroom/internal/app/broker"
	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		arg     string
		want    domain.PeerID
		wantErr bool
	}{
		{arg: "bob", want: "bob-math"},
		{arg: "bob-physics", want: "bob-physics"},
		{arg: "", wantErr: true},
		{arg: "bob-", wantErr: true},
		{arg: "b o b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseTarget(tt.arg, "math")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2024, 1, 1, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, "[09:30:05] bob: hi", formatMessage(domain.ChatMessage{Text: "hi", Sender: "bob", At: at}))
	assert.Equal(t, "[09:30:05] you: hi", formatMessage(domain.ChatMessage{Text: "hi", Sender: "alice", Mine: true, At: at}))
	assert.Equal(t, "* bob joined", formatMessage(domain.ChatMessage{Text: "bob joined", Kind: domain.KindSystem}))
}

func TestAPIURL(t *testing.T) {
	got, err := apiURL("wss://rooms.example.com/api/ws/signal?key=x", "groups/math/peers")
	require.NoError(t, err)
	assert.Equal(t, "https://rooms.example.com/api/groups/math/peers", got)

	got, err = apiURL("ws://localhost:8080/api/ws/signal", "health")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/health", got)

	_, err = apiURL("ftp://x", "health")
	assert.Error(t, err)
}

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func TestFetchPeers(t *testing.T) {
	hub := broker.NewHub(nil)
	cfg := &config.Config{Mode: "test", PingPeriod: time.Minute, ReadLimit: 65536, SendBuffer: 8, RateLimit: 10, RateBurst: 10}
	srv := httptest.NewServer(router.SetupRouter(context.Background(), cfg, hub))
	defer srv.Close()
	require.NoError(t, hub.Join(core.NewMemberSession("bob-math", nopSignal{}), func() {}))

	signalURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	peers, err := fetchPeers(context.Background(), signalURL, "math")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"bob-math"}, peers)

	peers, err = fetchPeers(context.Background(), signalURL, "art")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestTransportFactory_FreshTransportPerStart(t *testing.T) {
	newTransport, err := transportFactory(&config.Peer{
		SignalURL:  "ws://localhost:8080/api/ws/signal",
		ICEServers: []string{"stun:stun.example.org:3478"},
	})
	require.NoError(t, err)

	a, b := newTransport(), newTransport()
	assert.IsType(t, &rtc.Transport{}, a)
	assert.NotSame(t, a, b)
	assert.Zero(t, a.(*rtc.Transport).Len())
}
