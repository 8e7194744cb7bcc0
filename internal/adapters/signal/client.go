package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

const openTimeout = 10 * time.Second

var ErrSignalLost = errors.New("signaling connection lost")

// Client is the peer side of the broker socket.
type Client struct {
	url    string
	key    string
	dialer *websocket.Dialer

	wmu  sync.Mutex
	conn *websocket.Conn

	hmu     sync.RWMutex
	handler func(core.Envelope)

	closing atomic.Bool
}

func NewClient(signalURL, key string) *Client {
	return &Client{url: signalURL, key: key, dialer: websocket.DefaultDialer}
}

func (c *Client) OnEnvelope(fn func(core.Envelope)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handler = fn
}

// Open dials the broker as id and waits for it to accept the id. Envelopes
// after the acceptance go to the OnEnvelope handler.
func (c *Client) Open(ctx context.Context, id domain.PeerID) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("id", string(id))
	if c.key != "" {
		q.Set("key", c.key)
	}
	u.RawQuery = q.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial signaling (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("dial signaling: %w", err)
	}

	deadline := time.Now().Add(openTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	var env core.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		_ = ws.Close()
		return fmt.Errorf("await open: %w", err)
	}
	switch env.Type {
	case core.EnvOpen:
	case core.EnvIDTaken:
		_ = ws.Close()
		return core.ErrIDTaken
	default:
		_ = ws.Close()
		return fmt.Errorf("await open: unexpected %q %s", env.Type, env.Error)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c.wmu.Lock()
	c.conn = ws
	c.wmu.Unlock()
	log.Info().Str("module", "signal.client").Str("peer", string(id)).Msg("registered with broker")

	go c.readLoop(ws)
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var env core.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if !c.closing.Load() {
				log.Warn().Err(err).Str("module", "signal.client").Msg("read failed")
				c.dispatch(core.Envelope{Type: core.EnvError, Error: ErrSignalLost.Error()})
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env core.Envelope) {
	c.hmu.RLock()
	fn := c.handler
	c.hmu.RUnlock()
	if fn != nil {
		fn(env)
	}
}

func (c *Client) Send(env core.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil || c.closing.Load() {
		return core.ErrNotOpen
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

func (c *Client) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.conn.Close()
}
