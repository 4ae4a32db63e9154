package irc

import (
	"strings"
	"time"

	"github.com/matt0x6f/ircbot/internal/logger"
)

// ctcpVersion is the answer to CTCP VERSION
const ctcpVersion = "ircbot"

// ctcpRequest splits a CTCP payload into its command and argument.
func ctcpRequest(text string) (cmd, args string, ok bool) {
	if len(text) < 2 || !strings.HasPrefix(text, ctcpDelim) {
		return "", "", false
	}
	body := strings.TrimSuffix(text[1:], ctcpDelim)
	cmd, args, _ = strings.Cut(body, " ")
	if cmd == "" {
		return "", "", false
	}
	return strings.ToUpper(cmd), args, true
}

// handleCTCP answers the CTCP queries a client is expected to support.
// Unknown queries are ignored.
func (s *Server) handleCTCP(from, cmd, args string) {
	var reply string
	switch cmd {
	case "VERSION":
		reply = ctcpVersion
	case "TIME":
		reply = time.Now().Format(time.RFC1123Z)
	case "PING":
		reply = args
	case "CLIENTINFO":
		reply = "ACTION CLIENTINFO PING TIME VERSION"
	default:
		logger.Log.Debug().Str("server", s.id).Str("from", from).Str("ctcp", cmd).Msg("Ignoring CTCP query")
		return
	}
	body := cmd
	if reply != "" {
		body += " " + reply
	}
	if err := s.sendText(NOTICE, from, ctcpDelim+body+ctcpDelim); err != nil {
		logger.Log.Warn().Err(err).Str("server", s.id).Str("to", from).Msg("Cannot answer CTCP query")
	}
}
