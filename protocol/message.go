package protocol

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// headerBlock is an ordered Name -> Value mapping. FreeSWITCH URL-encodes
// values with %NN escapes; decoding happens on Get, not on parse, and the
// decoded form is cached. Raw values stay available untouched.
type headerBlock struct {
	mu      sync.Mutex
	names   []string
	raw     map[string]string
	decoded map[string]string
}

func newHeaderBlock() *headerBlock {
	return &headerBlock{
		raw:     make(map[string]string),
		decoded: make(map[string]string),
	}
}

func (h *headerBlock) add(name, value string) {
	if _, ok := h.raw[name]; !ok {
		h.names = append(h.names, name)
	}
	h.raw[name] = value
}

func (h *headerBlock) has(name string) bool {
	_, ok := h.raw[name]
	return ok
}

func (h *headerBlock) rawValue(name string) string {
	return h.raw[name]
}

// get returns the URL-decoded value for name. PathUnescape keeps literal
// '+' intact, which matters for E.164 caller IDs.
func (h *headerBlock) get(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if v, ok := h.decoded[name]; ok {
		return v
	}

	raw, ok := h.raw[name]
	if !ok {
		return ""
	}

	v, err := url.PathUnescape(raw)
	if err != nil {
		v = raw
	}

	h.decoded[name] = v
	return v
}

func (h *headerBlock) headerNames() []string {
	names := make([]string, len(h.names))
	copy(names, h.names)
	return names
}

// EslMessage is a single parsed protocol frame.
type EslMessage struct {
	headers     *headerBlock
	contentType ContentType
	body        []byte
}

// ContentType returns the classified content type of the frame.
func (m *EslMessage) ContentType() ContentType {
	return m.contentType
}

// RawContentType returns the Content-Type header exactly as received.
func (m *EslMessage) RawContentType() string {
	return m.headers.rawValue(HeaderContentType)
}

func (m *EslMessage) HasHeader(name string) bool {
	return m.headers.has(name)
}

// Header returns the URL-decoded value of a header, or "" when absent.
func (m *EslMessage) Header(name string) string {
	return m.headers.get(name)
}

// RawHeader returns the header value exactly as received.
func (m *EslMessage) RawHeader(name string) string {
	return m.headers.rawValue(name)
}

// HeaderNames returns header names in wire order.
func (m *EslMessage) HeaderNames() []string {
	return m.headers.headerNames()
}

func (m *EslMessage) Body() []byte {
	return m.body
}

func (m *EslMessage) BodyString() string {
	return string(m.body)
}

// ContentLength returns the parsed Content-Length, or 0 when absent or
// unparseable.
func (m *EslMessage) ContentLength() int {
	n, err := strconv.Atoi(strings.TrimSpace(m.headers.rawValue(HeaderContentLength)))
	if err != nil {
		return 0
	}
	return n
}

// ReplyText returns the decoded Reply-Text header.
func (m *EslMessage) ReplyText() string {
	return m.headers.get(HeaderReplyText)
}

// ReplyOk reports whether the Reply-Text marks success.
func (m *EslMessage) ReplyOk() bool {
	return strings.HasPrefix(m.ReplyText(), replyOkPrefix)
}

// ReplyError returns a *CommandError when Reply-Text carries a `-ERR `
// marker, and nil otherwise. api/response failures put the marker in the
// body instead of a header, so both are checked.
func (m *EslMessage) ReplyError() error {
	if reply := m.ReplyText(); strings.HasPrefix(reply, replyErrPrefix) {
		return &CommandError{ReplyText: strings.TrimPrefix(reply, replyErrPrefix)}
	}

	if m.contentType == ContentTypeApiResponse {
		if body := m.BodyString(); strings.HasPrefix(body, replyErrPrefix) {
			return &CommandError{ReplyText: strings.TrimSpace(strings.TrimPrefix(body, replyErrPrefix))}
		}
	}

	return nil
}
