package protocol

import (
	"io"
	"strings"
)

const (
	// LineTerminator ends every command line.
	LineTerminator = "\n"
	// MessageTerminator ends every command frame.
	MessageTerminator = "\n\n"
)

// WriteCommand writes a single-line command: `command\n\n`.
func WriteCommand(w io.Writer, command string) error {
	_, err := io.WriteString(w, command+MessageTerminator)
	return err
}

// WriteCommandLines writes a multi-line command: each line followed by
// `\n`, with an extra `\n` closing the frame.
func WriteCommandLines(w io.Writer, lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString(LineTerminator)
	}
	sb.WriteString(LineTerminator)

	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteSendMsgs writes a batch of sendmsg units. Each unit's lines end in
// `\n` and a blank line separates units, so a batch of one degenerates to
// the multi-line command shape.
func WriteSendMsgs(w io.Writer, msgs []*SendMsg) error {
	var sb strings.Builder
	for _, msg := range msgs {
		for _, line := range msg.MsgLines() {
			sb.WriteString(line)
			sb.WriteString(LineTerminator)
		}
		sb.WriteString(LineTerminator)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
