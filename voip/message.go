package voip

import (
	"fmt"
	"strings"
)

// Message is one parsed text protocol line.
type Message struct {
	Prefix  string
	Command string
	Params  []string
}

// ParseMessage parses a single text protocol line. It returns nil for blank
// lines and for a prefix with no command after it.
func ParseMessage(line string) *Message {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeft(line, " ")
	if line == "" {
		return nil
	}

	msg := &Message{
		Params: make([]string, 0),
	}

	if line[0] == ':' {
		parts := strings.SplitN(line[1:], " ", 2)
		if len(parts) < 2 {
			return nil
		}
		msg.Prefix = parts[0]
		line = strings.TrimLeft(parts[1], " ")
		if line == "" {
			return nil
		}
	}

	parts := strings.SplitN(line, " ", 2)
	msg.Command = strings.ToUpper(parts[0])
	if len(parts) < 2 {
		return msg
	}

	rest := parts[1]
	for rest != "" {
		if rest[0] == ':' {
			msg.Params = append(msg.Params, rest[1:])
			break
		}

		parts := strings.SplitN(rest, " ", 2)
		if parts[0] != "" {
			msg.Params = append(msg.Params, parts[0])
		}
		if len(parts) < 2 {
			break
		}
		rest = parts[1]
	}

	return msg
}

// Param returns the i-th parameter or "" when absent.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// String returns the wire representation of the message without CRLF.
func (m *Message) String() string {
	var builder strings.Builder

	if m.Prefix != "" {
		builder.WriteString(":")
		builder.WriteString(m.Prefix)
		builder.WriteString(" ")
	}

	builder.WriteString(m.Command)

	for i, param := range m.Params {
		builder.WriteString(" ")

		// the last parameter is sent as trailing when it needs to be
		if i == len(m.Params)-1 && (param == "" || strings.Contains(param, " ") || strings.HasPrefix(param, ":")) {
			builder.WriteString(":")
		}
		builder.WriteString(param)
	}

	return builder.String()
}

// FormatHostmask formats a nick!user@host ident.
func FormatHostmask(nick, user, host string) string {
	return fmt.Sprintf("%s!%s@%s", nick, user, host)
}
