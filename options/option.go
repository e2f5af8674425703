package options

import (
	"net"
	"strconv"
	"time"
)

const (
	// DefaultReconnectMinBackoff is the first retry delay after an
	// unexpected disconnect.
	DefaultReconnectMinBackoff = 1 * time.Second

	// DefaultReconnectMaxBackoff caps the retry delay.
	DefaultReconnectMaxBackoff = 60 * time.Second
)

// ServerOption identifies one remote ESL server and how to talk to it.
// (Host, Port) is the identity: two options with the same address are the
// same entry.
type ServerOption struct {
	Host     string
	Port     int
	Password string

	// EventFilter is the subscription expression forwarded verbatim after
	// auth, e.g. "ALL" or "CHANNEL_ANSWER CHANNEL_HANGUP".
	EventFilter string

	// RoutingKey tags events from this server for downstream consumers.
	RoutingKey string

	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration

	CommandTimeout time.Duration
	IdleTimeout    time.Duration
}

// Addr returns the canonical host:port identity.
func (o ServerOption) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// AuthEquivalent reports whether replacing the receiver with other keeps
// the live session valid: replacing an option record only tears the
// connection down when authentication-relevant fields changed.
func (o ServerOption) AuthEquivalent(other ServerOption) bool {
	return o.Password == other.Password && o.EventFilter == other.EventFilter
}

func (o ServerOption) withDefaults() ServerOption {
	if o.ReconnectMinBackoff <= 0 {
		o.ReconnectMinBackoff = DefaultReconnectMinBackoff
	}
	if o.ReconnectMaxBackoff <= 0 {
		o.ReconnectMaxBackoff = DefaultReconnectMaxBackoff
	}
	return o
}
