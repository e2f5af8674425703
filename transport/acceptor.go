package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Acceptor listens for outbound-mode sessions: FreeSWITCH dials us once
// per call leg and each accepted socket becomes its own Connection.
type Acceptor struct {
	ctx    context.Context
	cancel context.CancelFunc

	addr string
	opts Options

	mu          sync.Mutex
	listener    net.Listener
	activeConns map[*Connection]struct{}

	loopWaiter sync.WaitGroup

	log *zap.Logger
}

func NewAcceptor(parentCtx context.Context, opts Options) *Acceptor {
	opts = opts.withDefaults()
	opts.Mode = ModeOutbound

	ctx, cancel := context.WithCancel(parentCtx)

	return &Acceptor{
		ctx:         ctx,
		cancel:      cancel,
		addr:        net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		opts:        opts,
		activeConns: make(map[*Connection]struct{}),
		log:         opts.Log.Named("acceptor"),
	}
}

// Addr returns the bound listener address, or "" before Listen has bound
// it. Useful when the configured port is 0.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Listen blocks accepting sessions until the context is cancelled or the
// listener fails.
func (a *Acceptor) Listen() error {
	listener, err := reuseport.Listen("tcp", a.addr)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	a.log.Info("Listening for outbound sessions", zap.String("addr", a.addr))

	go func() {
		<-a.ctx.Done()
		if err := listener.Close(); err != nil {
			a.log.Warn("Listener did not close cleanly", zap.Error(err))
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !a.isRunning() || errors.Is(err, net.ErrClosed) {
				a.log.Info("Stopped accepting new sessions")
				a.loopWaiter.Wait()
				return nil
			}
			return err
		}

		esl := NewConnection(a.ctx, conn, a.opts)
		a.addConn(esl)

		a.loopWaiter.Add(1)
		go func() {
			defer a.loopWaiter.Done()
			defer a.removeConn(esl)

			esl.Start()
			esl.Wait()
		}()
	}
}

// Close stops the listener and every active session.
func (a *Acceptor) Close() (err error) {
	a.cancel()

	a.mu.Lock()
	conns := make([]*Connection, 0, len(a.activeConns))
	for conn := range a.activeConns {
		conns = append(conns, conn)
	}
	a.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	a.loopWaiter.Wait()
	return err
}

func (a *Acceptor) isRunning() bool {
	select {
	case <-a.ctx.Done():
		return false
	default:
		return true
	}
}

func (a *Acceptor) addConn(conn *Connection) {
	a.mu.Lock()
	a.activeConns[conn] = struct{}{}
	a.mu.Unlock()
}

func (a *Acceptor) removeConn(conn *Connection) {
	a.mu.Lock()
	delete(a.activeConns, conn)
	a.mu.Unlock()
}
