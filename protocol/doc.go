// This package implements parsing and serialising of FreeSWITCH Event
// Socket Library (ESL) frames.
//
// ESL is a line-oriented ASCII protocol spoken over cleartext TCP. Both
// directions carry the same frame shape:
//
// - `EslMessage` - A single protocol frame: a header block, optionally
//                  followed by a body.
// - `EslEvent`   - A semantic view over an EslMessage whose content type
//                  marks it as an event.
// - `SendMsg`    - A dialplan injection unit written with the `sendmsg`
//                  command.
//
// === General Syntax
//
// - lines are `\n` delimited
// - a frame is a run of `Name: Value` header lines terminated by a blank
//   line
// - if the header block carries `Content-Length: N` with N > 0, exactly N
//   bytes of body follow the blank line; otherwise the next frame starts
//   immediately
// - header values may be URL-encoded (`%NN` escapes); they are decoded on
//   access, not on parse
//
// For example, an api response:
//
//   ```
//   Content-Type: api/response\n
//   Content-Length: 6\n
//   \n
//   STATUS
//   ```
//
// === Content types
//
// The server classifies every frame through its `Content-Type` header:
//
// - `auth/request`           - server wants `auth <password>` (inbound mode)
// - `command/reply`          - reply to a non-api command
// - `api/response`           - reply to an `api` command
// - `text/event-plain`       - an event, body is a second header block
// - `text/event-json`        - an event, body is a JSON object
// - `text/event-xml`         - an event, body is an XML document
// - `text/disconnect-notice` - the server is about to drop the socket
// - `text/rude-rejection`    - connection refused by ACL
//
// Anything else is passed through as an unknown frame rather than rejected;
// servers grow content types faster than clients do.
//
// === Events
//
// A `text/event-plain` body is itself a header block. When that inner block
// carries its own `Content-Length`, the event has a message body (DTMF
// payloads and the like) of exactly that many bytes after the inner blank
// line. The outer Content-Length is authoritative: event bodies may contain
// `\n\n` without terminating the frame.
//
// === Command replies
//
// Replies carry a `Reply-Text` header. A `+OK` prefix means success, a
// `-ERR ` prefix means failure with the remainder as the reason. Replies on
// one socket arrive in the order the commands were written, which is what
// makes FIFO correlation sound.
//
// === Commands
//
// Commands are written as one or more `\n`-terminated lines followed by an
// extra `\n`. The `sendmsg` command is a multi-line command whose lines are
// produced by a SendMsg; batches of SendMsg units are separated by blank
// lines and the batch still ends in `\n\n`.
package protocol
