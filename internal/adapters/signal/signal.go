// Package signal carries signaling envelopes over WebSocket: the broker side
// controller that feeds the hub, and the client the peers dial it with.
package signal

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/app/broker"
	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	RateLimit  float64
	RateBurst  int
	Secret     string
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 65536
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 50
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 100
	}
	return o
}

type SignalWSController struct {
	Hub  *broker.Hub
	opts Options
}

func NewSignalWSController(hub *broker.Hub, opts Options) *SignalWSController {
	return &SignalWSController{Hub: hub, opts: opts.withDefaults()}
}

// WsSignalConn is the broker's handle on one peer socket. Frames are queued
// on a bounded buffer; a full buffer is reported as backpressure.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued and
// then closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades GET /api/ws/signal?id=<peer>[&key=<secret>] and
// joins the peer to the hub for the lifetime of the socket.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	peer := domain.PeerID(c.Query("id"))
	if _, _, err := domain.ParsePeerID(peer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"type": core.EnvError, "error": "invalid id"})
		return
	}
	if ctl.opts.Secret != "" && subtle.ConstantTimeCompare([]byte(c.Query("key")), []byte(ctl.opts.Secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"type": core.EnvError, "error": "invalid key"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("peer", string(peer)).Msg("new WS connection")

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	sess := core.NewMemberSession(peer, conn)
	ctx, cancel := context.WithCancel(ctx)

	if err := ctl.Hub.Join(sess, cancel); err != nil {
		// flush the rejection, then drop the socket
		conn.Close()
		ctl.writePump(ctx, conn)
		cancel()
		return
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sess, conn)
}
