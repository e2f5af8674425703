package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/atomscat/softswitch-gateway/options"
	"github.com/atomscat/softswitch-gateway/protocol"
	"github.com/atomscat/softswitch-gateway/transport"
)

const (
	defaultPoolSize    = 16
	defaultDialTimeout = 10 * time.Second
)

// Config tunes the facade; the zero value is usable.
type Config struct {
	// PoolSize bounds the shared worker pool for slow callbacks.
	PoolSize int64

	DialTimeout time.Duration

	Log *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	return c
}

// Client is the facade over a pool of inbound ESL sessions keyed by
// host:port. Each session dials its server, authenticates, subscribes,
// and re-dials with backoff when the connection drops.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg     Config
	handler transport.Handler
	pool    *transport.Pool

	mu       sync.Mutex
	sessions map[string]*session

	log *zap.Logger
}

// New builds a Client delivering events and notices to handler.
func New(handler transport.Handler, cfg Config) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		handler:  handler,
		pool:     transport.NewPool(cfg.PoolSize, cfg.Log.Named("pool")),
		sessions: make(map[string]*session),
		log:      cfg.Log,
	}
}

// Pool exposes the shared worker pool so an outbound Acceptor can reuse
// it.
func (c *Client) Pool() *transport.Pool {
	return c.pool
}

// AddServer registers a server and opens its session. Adding an existing
// address replaces the option record; the live connection is only torn
// down when authentication-relevant fields changed.
func (c *Client) AddServer(option options.ServerOption) {
	addr := option.Addr()

	c.mu.Lock()
	existing, ok := c.sessions[addr]
	if ok && existing.option().AuthEquivalent(option) {
		existing.setOption(option)
		c.mu.Unlock()
		return
	}
	if ok {
		existing.stop()
	}

	s := newSession(c, option)
	c.sessions[addr] = s
	c.mu.Unlock()

	s.start()
}

// RemoveServer drops a server and closes its session. Removing an unknown
// address is a no-op.
func (c *Client) RemoveServer(option options.ServerOption) {
	c.removeAddr(option.Addr())
}

func (c *Client) removeAddr(addr string) {
	c.mu.Lock()
	s, ok := c.sessions[addr]
	if ok {
		delete(c.sessions, addr)
	}
	c.mu.Unlock()

	if ok {
		s.stop()
	}
}

// ServerOptions returns a snapshot of the registered options.
func (c *Client) ServerOptions() []options.ServerOption {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]options.ServerOption, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s.option())
	}
	return list
}

func (c *Client) conn(addr string) (*transport.Connection, error) {
	c.mu.Lock()
	s, ok := c.sessions[addr]
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, protocol.ErrNotConnected)
	}

	conn := s.conn()
	if conn == nil {
		return nil, fmt.Errorf("%s: %w", addr, protocol.ErrNotConnected)
	}

	return conn, nil
}

// SendSyncApiCommand runs `api <api> <arg>` and returns the response body.
// A zero timeout falls back to the connection's default.
func (c *Client) SendSyncApiCommand(addr, api, arg string, timeout time.Duration) (string, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return "", err
	}

	ctx := c.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := conn.SendApiCommand(ctx, joinCommand("api", api, arg))
	if err != nil {
		return "", err
	}
	if err := msg.ReplyError(); err != nil {
		return "", err
	}

	return msg.BodyString(), nil
}

// SendAsyncApiCommand runs `bgapi <api> <arg>` and returns the Job-UUID
// after the synchronous reply round-trip. The BACKGROUND_JOB event is
// delivered through the event handler.
func (c *Client) SendAsyncApiCommand(addr, api, arg string) (string, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return "", err
	}

	return conn.SendAsyncApiCommand(c.ctx, joinCommand("", api, arg))
}

// SendBackgroundApiCommand runs `bgapi <api> <arg>` and returns the
// pending job, which completes when the matching BACKGROUND_JOB event
// arrives.
func (c *Client) SendBackgroundApiCommand(addr, api, arg string) (*transport.Job, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return nil, err
	}

	return conn.SendBackgroundApiCommand(c.ctx, joinCommand("", api, arg))
}

// Close shuts down the session for one server, keeping its registration
// removed.
func (c *Client) Close(addr string) error {
	c.removeAddr(addr)
	return nil
}

// CloseAll shuts down every session and the shared pool.
func (c *Client) CloseAll() (err error) {
	c.cancel()

	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}

	err = multierr.Append(err, c.pool.Close())
	return err
}

// BindStore seeds the facade from a Store and keeps reconciling as
// options are added, replaced or removed.
func (c *Client) BindStore(store options.Store) {
	for _, option := range store.List() {
		c.AddServer(option)
	}

	updates := store.ListenToUpdates()
	go func() {
		for update := range updates {
			switch update.Kind {
			case options.UpdatePut:
				c.AddServer(update.Option)
			case options.UpdateRemove:
				c.RemoveServer(update.Option)
			}
		}
	}()
}

func (c *Client) dial(ctx context.Context, option options.ServerOption) (*transport.Connection, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}

	raw, err := d.DialContext(ctx, "tcp", option.Addr())
	if err != nil {
		return nil, err
	}

	return transport.NewConnection(ctx, raw, transport.Options{
		Mode:           transport.ModeInbound,
		Password:       option.Password,
		EventFilter:    option.EventFilter,
		CommandTimeout: option.CommandTimeout,
		IdleTimeout:    option.IdleTimeout,
		Handler:        c.handler,
		Pool:           c.pool,
		Log:            c.log.Named("conn"),
	}), nil
}

func joinCommand(verb, api, arg string) string {
	parts := make([]string, 0, 3)
	if verb != "" {
		parts = append(parts, verb)
	}
	parts = append(parts, api)
	if arg != "" {
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
