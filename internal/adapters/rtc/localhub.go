package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/app/broker"
	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

const localBuffer = 256

var errSignalLost = errors.New("signaling connection lost")

// LocalHub lets peers in one process signal through a broker.Hub without
// a socket in between.
type LocalHub struct {
	hub *broker.Hub
}

func NewLocalHub(hub *broker.Hub) *LocalHub {
	return &LocalHub{hub: hub}
}

// Signaler returns a fresh, unopened signaler bound to the hub.
func (h *LocalHub) Signaler() *LocalSignaler {
	return &LocalSignaler{hub: h.hub}
}

// memConn is the broker-facing end: frames queue up like on a socket's
// send buffer.
type memConn struct {
	ch chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (m *memConn) TrySend(f core.Frame) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return core.ErrConnClosed
	}
	select {
	case m.ch <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (m *memConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

type LocalSignaler struct {
	hub *broker.Hub

	mu   sync.Mutex
	sess core.MemberSession
	conn *memConn

	hmu     sync.RWMutex
	handler func(core.Envelope)

	closing atomic.Bool
}

var _ Signaler = (*LocalSignaler)(nil)

func (s *LocalSignaler) OnEnvelope(fn func(core.Envelope)) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handler = fn
}

func (s *LocalSignaler) Open(ctx context.Context, id domain.PeerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := &memConn{ch: make(chan core.Frame, localBuffer)}
	sess := core.NewMemberSession(id, conn)
	if err := s.hub.Join(sess, conn.Close); err != nil {
		conn.Close()
		return err
	}

	var env core.Envelope
	if err := json.Unmarshal(<-conn.ch, &env); err != nil || env.Type != core.EnvOpen {
		s.hub.Leave(sess)
		conn.Close()
		return fmt.Errorf("await open: unexpected %q", env.Type)
	}

	s.mu.Lock()
	s.sess, s.conn = sess, conn
	s.mu.Unlock()
	go s.pump(sess, conn)
	return nil
}

// pump delivers frames in order. A closed queue means we hung up or the
// broker evicted us; either way the id is released.
func (s *LocalSignaler) pump(sess core.MemberSession, conn *memConn) {
	for f := range conn.ch {
		var env core.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			log.Warn().Err(err).Str("module", "rtc.local").Msg("bad frame")
			continue
		}
		s.dispatch(env)
	}
	s.hub.Leave(sess)
	if !s.closing.Load() {
		s.dispatch(core.Envelope{Type: core.EnvError, Error: errSignalLost.Error()})
	}
}

func (s *LocalSignaler) dispatch(env core.Envelope) {
	s.hmu.RLock()
	fn := s.handler
	s.hmu.RUnlock()
	if fn != nil {
		fn(env)
	}
}

func (s *LocalSignaler) Send(env core.Envelope) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil || s.closing.Load() {
		return core.ErrNotOpen
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.hub.OnFrame(sess, b)
	return nil
}

func (s *LocalSignaler) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.mu.Lock()
	sess, conn := s.sess, s.conn
	s.mu.Unlock()
	if sess != nil {
		s.hub.Leave(sess)
		conn.Close()
	}
	return nil
}
