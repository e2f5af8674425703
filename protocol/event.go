package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// EslEvent is the semantic view over an event-typed EslMessage: the event
// headers live in the frame body, not the frame headers.
type EslEvent struct {
	headers    *headerBlock
	body       string
	replyEvent bool
}

// NewEslEvent promotes an event-typed message into an EslEvent by parsing
// its body according to the frame's content type.
func NewEslEvent(msg *EslMessage) (*EslEvent, error) {
	switch msg.ContentType() {
	case ContentTypeEventPlain:
		headers, body, err := parsePlainEventBody(msg.Body())
		if err != nil {
			return nil, err
		}
		return &EslEvent{headers: headers, body: body}, nil

	case ContentTypeEventJSON:
		return parseJSONEvent(msg.Body())

	case ContentTypeEventXML:
		// Never emitted by this runtime; kept verbatim for the caller.
		ev := &EslEvent{headers: newHeaderBlock(), body: msg.BodyString()}
		return ev, nil

	default:
		return nil, fmt.Errorf("content type %q does not carry an event", msg.RawContentType())
	}
}

// NewReplyEvent wraps a command/reply as an event. Outbound mode promotes
// the `connect` reply this way: its headers are the initial channel data.
func NewReplyEvent(msg *EslMessage) *EslEvent {
	return &EslEvent{
		headers:    msg.headers,
		body:       msg.BodyString(),
		replyEvent: true,
	}
}

// Name returns the Event-Name header. Empty for promoted reply events.
func (e *EslEvent) Name() string {
	return e.headers.get(HeaderEventName)
}

// JobUUID returns the Job-UUID header, set on BACKGROUND_JOB events.
func (e *EslEvent) JobUUID() string {
	return e.headers.get(HeaderJobUUID)
}

func (e *EslEvent) HasHeader(name string) bool {
	return e.headers.has(name)
}

// Header returns the URL-decoded value of an event header.
func (e *EslEvent) Header(name string) string {
	return e.headers.get(name)
}

// RawHeader returns the event header value exactly as received.
func (e *EslEvent) RawHeader(name string) string {
	return e.headers.rawValue(name)
}

// HeaderNames returns event header names in wire order.
func (e *EslEvent) HeaderNames() []string {
	return e.headers.headerNames()
}

// Body returns the event message body (DTMF payloads and the like).
func (e *EslEvent) Body() string {
	return e.body
}

// BodyLines splits the event body on line terminators.
func (e *EslEvent) BodyLines() []string {
	if e.body == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(e.body, "\n"), "\n")
}

// IsReplyEvent reports whether this event was promoted from a command
// reply rather than received as a wire event.
func (e *EslEvent) IsReplyEvent() bool {
	return e.replyEvent
}

// parsePlainEventBody parses a text/event-plain body: a nested header
// block, then, when that block carries its own Content-Length, exactly that
// many bytes of event message body.
func parsePlainEventBody(body []byte) (*headerBlock, string, error) {
	r := bufio.NewReader(bytes.NewReader(body))

	headers, err := readHeaderBlock(r, true)
	if err != nil {
		return nil, "", err
	}

	if !headers.has(HeaderContentLength) {
		return headers, "", nil
	}

	length, err := strconv.Atoi(strings.TrimSpace(headers.rawValue(HeaderContentLength)))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse %q: %w",
			headers.rawValue(HeaderContentLength), ErrInvalidContentLength)
	}

	if length <= 0 {
		return headers, "", nil
	}

	msgBody := make([]byte, length)
	if _, err := io.ReadFull(r, msgBody); err != nil {
		return nil, "", fmt.Errorf("reading %d event body bytes: %w", length, ErrUnexpectedEOF)
	}

	return headers, string(msgBody), nil
}

// parseJSONEvent maps a text/event-json body onto event headers. The
// server folds the message body into the `_body` key.
func parseJSONEvent(body []byte) (*EslEvent, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("failed to parse event-json body: %w", ErrMalformedHeader)
	}

	ev := &EslEvent{headers: newHeaderBlock()}
	parsed.ForEach(func(key, value gjson.Result) bool {
		if key.String() == "_body" {
			ev.body = value.String()
			return true
		}
		ev.headers.add(key.String(), value.String())
		return true
	})

	return ev, nil
}
