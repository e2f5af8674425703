package transport

import (
	"github.com/atomscat/softswitch-gateway/protocol"
)

// Handler receives events and lifecycle notices for one connection.
//
// HandleEslEvent runs on the connection's ordered worker: events are
// observed in wire arrival order, and a slow handler applies backpressure
// to that connection only. HandleDisconnectNotice is terminal for the
// connection and runs on the shared pool.
type Handler interface {
	HandleEslEvent(ctx *Context, event *protocol.EslEvent)
	HandleDisconnectNotice(remoteAddr string, ctx *Context)
}

// ConnectHandler is implemented by outbound-mode handlers. OnConnect is
// called once per accepted session, on the shared pool, with the promoted
// `connect` reply as the initial channel data. It may be slow: dialplan
// logic lives here, and concurrent sessions must not serialise behind it.
type ConnectHandler interface {
	OnConnect(ctx *Context, event *protocol.EslEvent)
}

// AuthHandler is implemented by inbound-mode handlers. It runs on the
// shared pool when the server sends auth/request and must complete
// authentication, normally via ctx.Auth.
type AuthHandler interface {
	HandleAuthRequest(ctx *Context) error
}
