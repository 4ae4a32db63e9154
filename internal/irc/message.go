package irc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircmsg"
	"golang.org/x/text/encoding/charmap"

	"github.com/matt0x6f/ircbot/internal/constants"
	"github.com/matt0x6f/ircbot/internal/logger"
)

// ErrLineTooLong is returned when an outbound line exceeds the protocol limit.
var ErrLineTooLong = errors.New("line too long")

var crlf = []byte("\r\n")

// Message is one received protocol frame.
type Message struct {
	// Prefix is the message source without the leading colon, or empty.
	Prefix string
	Command Command
	// RawCmd is the command token as received.
	RawCmd string
	Params []string
	// RawParams is everything after the command token, unsplit.
	RawParams string
}

// ParseFrame parses the next CRLF terminated frame in buf starting at pos.
// It returns the message and the position after the frame. When buf holds no
// complete frame, it returns a nil message and pos unchanged. An empty frame
// is consumed and yields a nil message.
func ParseFrame(buf []byte, pos int) (*Message, int) {
	if pos >= len(buf) {
		return nil, pos
	}
	end := bytes.Index(buf[pos:], crlf)
	if end < 0 {
		return nil, pos
	}
	end += pos
	next := end + 2
	if end == pos {
		return nil, next
	}
	frame := string(buf[pos:end])
	logger.Log.Debug().Str("line", frame).Msg("Received")

	msg := &Message{}
	if frame[0] == ':' {
		prefix, rest, found := strings.Cut(frame[1:], " ")
		msg.Prefix = prefix
		if !found {
			rest = ""
		}
		frame = rest
	}

	cmd, rest, _ := strings.Cut(frame, " ")
	msg.RawCmd = cmd
	msg.Command = ParseCommand(cmd)
	if rest == "" {
		return msg, next
	}
	msg.RawParams = rest
	for p := rest; ; {
		if strings.HasPrefix(p, ":") {
			msg.Params = append(msg.Params, p[1:])
			break
		}
		tok, tail, more := strings.Cut(p, " ")
		msg.Params = append(msg.Params, tok)
		if !more {
			break
		}
		p = tail
	}
	return msg, next
}

// Param returns the i-th parameter or an empty string.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Nick returns the nickname part of the prefix.
func (m *Message) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	nick, _, _ = strings.Cut(nick, "@")
	return nick
}

func (m *Message) String() string {
	var sb strings.Builder
	if m.Prefix != "" {
		sb.WriteByte(':')
		sb.WriteString(m.Prefix)
		sb.WriteByte(' ')
	}
	sb.WriteString(m.RawCmd)
	if m.RawParams != "" {
		sb.WriteByte(' ')
		sb.WriteString(m.RawParams)
	}
	return sb.String()
}

// formatLine serializes a command with its parameters. With trailing set,
// the last parameter is always sent with a leading colon.
func formatLine(cmd Command, trailing bool, params ...string) ([]byte, error) {
	m := ircmsg.MakeMessage(nil, "", cmd.String(), params...)
	if trailing && len(params) > 0 {
		m.ForceTrailing()
	}
	line, err := m.Line()
	if err != nil {
		return nil, fmt.Errorf("failed to format %s: %w", cmd, err)
	}
	if len(line) > constants.MaxLineLength {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrLineTooLong, cmd, len(line))
	}
	return []byte(line), nil
}

// formatRaw builds "<cmd> <args>\r\n" without any quoting.
func formatRaw(cmd, args string) ([]byte, error) {
	if strings.ContainsAny(args, "\r\n\x00") {
		return nil, fmt.Errorf("invalid characters in arguments for %s", cmd)
	}
	line := cmd
	if args != "" {
		line += " " + args
	}
	line += "\r\n"
	if len(line) > constants.MaxLineLength {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrLineTooLong, cmd, len(line))
	}
	return []byte(line), nil
}

const ctcpDelim = "\x01"

// ctcpAction unwraps a CTCP ACTION payload.
func ctcpAction(text string) (string, bool) {
	if !strings.HasPrefix(text, ctcpDelim+"ACTION ") {
		return text, false
	}
	text = strings.TrimPrefix(text, ctcpDelim+"ACTION ")
	return strings.TrimSuffix(text, ctcpDelim), true
}

// decodeText returns s unchanged if it is valid UTF-8 and decodes it as
// ISO-8859-1 otherwise.
func decodeText(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil {
		return strings.ToValidUTF8(s, "�")
	}
	return out
}

// splitText cuts text into chunks of at most limit bytes without splitting
// UTF-8 sequences. Line breaks start a new chunk.
func splitText(text string, limit int) []string {
	var chunks []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r", ""), "\n") {
		for len(line) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if line != "" {
			chunks = append(chunks, line)
		}
	}
	return chunks
}
