package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// SendMsg builds the line sequence of one `sendmsg` unit. Lines keep
// insertion order; the writer adds terminators.
type SendMsg struct {
	lines []string
}

// NewSendMsg starts a sendmsg addressed to the connection's own channel
// (outbound mode).
func NewSendMsg() *SendMsg {
	return &SendMsg{lines: []string{"sendmsg"}}
}

// NewSendMsgFor starts a sendmsg addressed to a specific channel UUID.
func NewSendMsgFor(channelUUID string) *SendMsg {
	return &SendMsg{lines: []string{"sendmsg " + channelUUID}}
}

// AddCallCommand sets the call command, e.g. "execute" or "hangup".
func (m *SendMsg) AddCallCommand(command string) *SendMsg {
	return m.AddLine("call-command", command)
}

// AddExecuteAppName sets the dialplan application to run.
func (m *SendMsg) AddExecuteAppName(name string) *SendMsg {
	return m.AddLine("execute-app-name", name)
}

// AddExecuteAppArg sets the dialplan application argument.
func (m *SendMsg) AddExecuteAppArg(arg string) *SendMsg {
	return m.AddLine("execute-app-arg", arg)
}

// AddLoops sets how many times the application repeats.
func (m *SendMsg) AddLoops(count int) *SendMsg {
	return m.AddLine("loops", fmt.Sprintf("%d", count))
}

// AddAsync marks the unit async so execution does not block the channel.
func (m *SendMsg) AddAsync() *SendMsg {
	return m.AddLine("async", "true")
}

// AddEventLock serialises this unit with respect to other sendmsg units on
// the channel.
func (m *SendMsg) AddEventLock() *SendMsg {
	return m.AddLine("event-lock", "true")
}

// AttachEventUUID stamps a fresh Event-UUID onto the unit and returns it,
// so the caller can correlate the CHANNEL_EXECUTE_COMPLETE event.
func (m *SendMsg) AttachEventUUID() string {
	id := uuid.NewString()
	m.AddLine(HeaderEventUUID, id)
	return id
}

// AddLine appends an arbitrary `name: value` line.
func (m *SendMsg) AddLine(name, value string) *SendMsg {
	m.lines = append(m.lines, name+": "+value)
	return m
}

// MsgLines returns the unit's lines in insertion order.
func (m *SendMsg) MsgLines() []string {
	lines := make([]string, len(m.lines))
	copy(lines, m.lines)
	return lines
}
