package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedHeader      = errors.New("header line is malformed, it is missing a ':' separator")
	ErrUnexpectedEOF        = errors.New("stream ended before a full frame could be parsed")
	ErrInvalidContentLength = errors.New("Content-Length header is not a valid integer")

	// ErrUnsupportedContentType is a warning, not a stream failure: the
	// frame is still handed to the connection handler as unknown.
	ErrUnsupportedContentType = errors.New("frame carries an unrecognised content type")

	ErrMissingJobUUID = errors.New("bgapi reply is missing the Job-UUID header")
	ErrCommandFailed  = errors.New("command was rejected by the server")

	ErrTimeout          = errors.New("timed out waiting for the server to reply")
	ErrConnectionClosed = errors.New("connection is closed")
	ErrNotConnected     = errors.New("no connection is established for this server")
	ErrDuplicateJobID   = errors.New("a background job with this Job-UUID is already pending")
	ErrAuthFailed       = errors.New("server rejected authentication")
)

// CommandError carries the reason text of a `-ERR ...` reply. It unwraps to
// ErrCommandFailed so callers can match the class without the reason.
type CommandError struct {
	ReplyText string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command was rejected by the server: %s", e.ReplyText)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}
