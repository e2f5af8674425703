package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/atomscat/softswitch-gateway/protocol"
)

// Context is the handle passed to handler callbacks. It binds the
// connection and the default command timeout; callbacks borrow it for
// their own duration and must not retain it past the connection.
type Context struct {
	conn    *Connection
	timeout time.Duration
}

func newContext(c *Connection) *Context {
	return &Context{conn: c, timeout: c.opts.CommandTimeout}
}

func (x *Context) RemoteAddr() string {
	return x.conn.RemoteAddr()
}

func (x *Context) State() State {
	return x.conn.State()
}

func (x *Context) background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), x.timeout)
}

// SendApiCommand runs `api <command>` under the default timeout and
// returns the reply body.
func (x *Context) SendApiCommand(command string) (string, error) {
	ctx, cancel := x.background()
	defer cancel()

	msg, err := x.conn.SendApiCommand(ctx, "api "+command)
	if err != nil {
		return "", err
	}
	if err := msg.ReplyError(); err != nil {
		return "", err
	}

	return msg.BodyString(), nil
}

// SendBackgroundApiCommand runs `bgapi <command>` and returns the pending
// job.
func (x *Context) SendBackgroundApiCommand(command string) (*Job, error) {
	ctx, cancel := x.background()
	defer cancel()

	return x.conn.SendBackgroundApiCommand(ctx, command)
}

// Execute injects a dialplan application on the connection's own channel
// and awaits the command reply.
func (x *Context) Execute(app, arg string) (*protocol.EslMessage, error) {
	msg := protocol.NewSendMsg().
		AddCallCommand("execute").
		AddExecuteAppName(app)
	if arg != "" {
		msg.AddExecuteAppArg(arg)
	}

	ctx, cancel := x.background()
	defer cancel()

	return x.conn.SendSendMsg(ctx, msg)
}

// ExecuteOn injects a dialplan application on a specific channel UUID.
func (x *Context) ExecuteOn(channelUUID, app, arg string) (*protocol.EslMessage, error) {
	msg := protocol.NewSendMsgFor(channelUUID).
		AddCallCommand("execute").
		AddExecuteAppName(app)
	if arg != "" {
		msg.AddExecuteAppArg(arg)
	}

	ctx, cancel := x.background()
	defer cancel()

	return x.conn.SendSendMsg(ctx, msg)
}

// Auth answers an auth/request with `auth <password>` and, on `+OK`,
// moves the connection to Ready.
func (x *Context) Auth(password string) error {
	ctx, cancel := x.background()
	defer cancel()

	msg, err := x.conn.SendApiCommand(ctx, "auth "+password)
	if err != nil {
		return err
	}

	if !msg.ReplyOk() {
		return fmt.Errorf("%w: %s", protocol.ErrAuthFailed, msg.ReplyText())
	}

	x.conn.setState(StateReady)
	return nil
}

// Subscribe forwards the event subscription expression verbatim via
// `event plain <filter>`.
func (x *Context) Subscribe(filter string) error {
	ctx, cancel := x.background()
	defer cancel()

	msg, err := x.conn.SendApiCommand(ctx, "event plain "+filter)
	if err != nil {
		return err
	}

	return msg.ReplyError()
}

// Close tears the underlying connection down.
func (x *Context) Close() error {
	return x.conn.Close()
}
