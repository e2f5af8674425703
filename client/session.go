package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/atomscat/softswitch-gateway/internal/metrics"
	"github.com/atomscat/softswitch-gateway/options"
	"github.com/atomscat/softswitch-gateway/transport"
)

// session keeps one inbound server connected: dial, run, and re-dial with
// exponential backoff when the connection drops from under us.
type session struct {
	client *Client

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	opt    options.ServerOption
	active *transport.Connection

	log *zap.Logger
}

func newSession(c *Client, opt options.ServerOption) *session {
	ctx, cancel := context.WithCancel(c.ctx)

	return &session{
		client: c,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		opt:    opt,
		log:    c.log.Named("session").With(zap.String("addr", opt.Addr())),
	}
}

func (s *session) start() {
	go s.run()
}

func (s *session) stop() {
	if conn := s.conn(); conn != nil {
		conn.Exit()
	}

	s.cancel()

	if conn := s.conn(); conn != nil {
		_ = conn.Close()
	}

	<-s.done
}

func (s *session) option() options.ServerOption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opt
}

func (s *session) setOption(opt options.ServerOption) {
	s.mu.Lock()
	s.opt = opt
	s.mu.Unlock()
}

func (s *session) conn() *transport.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *session) setConn(conn *transport.Connection) {
	s.mu.Lock()
	s.active = conn
	s.mu.Unlock()
}

func (s *session) run() {
	defer close(s.done)

	opt := s.option()

	minBackoff, maxBackoff := opt.ReconnectMinBackoff, opt.ReconnectMaxBackoff
	if minBackoff <= 0 {
		minBackoff = options.DefaultReconnectMinBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = options.DefaultReconnectMaxBackoff
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = minBackoff
	bo.MaxInterval = maxBackoff
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, err := s.client.dial(s.ctx, s.option())
		if err != nil {
			s.log.Warn("Failed to dial server", zap.Error(err))
			if !s.sleep(bo) {
				return
			}
			continue
		}

		if attempts > 0 {
			metrics.Reconnects.Inc()
		}
		attempts++
		bo.Reset()

		s.setConn(conn)
		conn.Start()

		select {
		case <-conn.Done():
			// Pending API futures died with the connection; pending jobs
			// are lost server-side too, so they were failed as well.
			s.setConn(nil)
			s.log.Warn("Connection lost, scheduling reconnect",
				zap.NamedError("cause", conn.CloseCause()))

		case <-s.ctx.Done():
			_ = conn.Close()
			s.setConn(nil)
			return
		}

		if !s.sleep(bo) {
			return
		}
	}
}

// sleep waits out the next backoff interval, returning false when the
// session was stopped meanwhile.
func (s *session) sleep(bo backoff.BackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}
