package voip

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	// ReadBufferSize bounds a single control read.
	ReadBufferSize = 8192

	// LengthPrefixSize is the width of the decimal length header on server frames.
	LengthPrefixSize = 10
)

// FrameKind tells which interpreter a control frame belongs to.
type FrameKind int

const (
	FrameEmpty FrameKind = iota
	FrameJSON
	FrameText
)

func (k FrameKind) String() string {
	switch k {
	case FrameJSON:
		return "json"
	case FrameText:
		return "text"
	default:
		return "empty"
	}
}

// Frame is one classified control frame. JSON frames carry the raw object in
// Payload; text frames carry their lines with terminators removed.
type Frame struct {
	Kind    FrameKind
	Payload []byte
	Lines   []string
}

// ClassifyFrame cuts a read buffer at the first NUL byte and classifies what
// is left. Anything after the NUL is discarded.
func ClassifyFrame(buf []byte) Frame {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	buf = bytes.TrimSpace(buf)
	if len(buf) == 0 {
		return Frame{Kind: FrameEmpty}
	}

	if buf[0] == '{' {
		return Frame{Kind: FrameJSON, Payload: buf}
	}

	var lines []string
	for _, line := range strings.Split(strings.ToValidUTF8(string(buf), "�"), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return Frame{Kind: FrameText, Lines: lines}
}

// Request is a client to server JSON control frame.
type Request struct {
	ClientID *int64  `json:"client_id"`
	Command  *string `json:"command"`
	Message  *string `json:"message,omitempty"`
}

// Reply is a server to client ack or nack.
type Reply struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// RosterUpdate is a full roster snapshot.
type RosterUpdate struct {
	Command string   `json:"command"`
	Users   []string `json:"users"`
}

// ChatMessage is a relayed text message.
type ChatMessage struct {
	Command string      `json:"command"`
	Message ChatPayload `json:"message"`
}

// ChatPayload is the body of a relayed text message.
type ChatPayload struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// EncodeFrame marshals v and prepends the zero padded length header.
func EncodeFrame(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	frame := make([]byte, 0, LengthPrefixSize+len(body))
	frame = fmt.Appendf(frame, "%0*d", LengthPrefixSize, len(body))
	frame = append(frame, body...)
	return frame, nil
}

// readFrame reads one length prefixed server frame from r and returns its body.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, LengthPrefixSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var n int
	for _, c := range header {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid length header %q", header)
		}
		n = n*10 + int(c-'0')
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// PadClientID renders a client id the way rosters carry it.
func PadClientID(id uint32) string {
	return fmt.Sprintf("%08d", id)
}
