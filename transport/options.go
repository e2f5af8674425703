package transport

import (
	"time"

	"go.uber.org/zap"
)

// Mode says which side opened the TCP session.
type Mode int

const (
	// ModeInbound: we dialled the ESL server and authenticate with a
	// password.
	ModeInbound Mode = iota

	// ModeOutbound: FreeSWITCH dialled us for a call leg; we send
	// `connect` and drive the channel.
	ModeOutbound
)

const (
	// DefaultCommandTimeout bounds every synchronous reply wait.
	DefaultCommandTimeout = 120 * time.Second

	// DefaultEventBufferSize is the depth of the per-connection ordered
	// event queue.
	DefaultEventBufferSize = 255

	// defaultSweepInterval paces the background-job deadline sweep when no
	// idle window is configured.
	defaultSweepInterval = 30 * time.Second
)

// Options configures a Connection or, via Acceptor, a whole family of
// outbound connections.
type Options struct {
	// Host and Port are only read by the Acceptor.
	Host string
	Port int

	Mode Mode

	// Password authenticates inbound sessions via Context.Auth.
	Password string

	// EventFilter is forwarded verbatim after auth, e.g. "ALL" or
	// "CHANNEL_ANSWER CHANNEL_HANGUP". Empty disables subscription.
	EventFilter string

	// CommandTimeout bounds synchronous reply waits and background job
	// lifetimes. Zero means DefaultCommandTimeout.
	CommandTimeout time.Duration

	// IdleTimeout is the reader idle window after which a `bgapi status`
	// probe is written. Zero disables probing.
	IdleTimeout time.Duration

	EventBufferSize int

	Handler Handler
	Pool    *Pool

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = DefaultEventBufferSize
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Pool == nil {
		o.Pool = NewPool(8, o.Log)
	}
	return o
}
