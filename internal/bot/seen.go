package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/storage"
)

// SeenHandler answers "seen <nick>" from the message archive.
func SeenHandler(st *storage.Storage) Handler {
	return func(e *Event) {
		nick, _, _ := strings.Cut(e.Arg, " ")
		if nick == "" {
			e.Reply("usage: seen <nick>")
			return
		}
		if strings.EqualFold(nick, e.Nick) {
			e.Reply("I'm right here.")
			return
		}
		if strings.EqualFold(nick, e.From) {
			e.Reply("Looking for yourself, " + e.From + "?")
			return
		}
		seen, err := st.LastSeen(e.ServerID, nick)
		if err != nil {
			logger.Log.Error().Err(err).Str("event_id", e.ID.String()).Str("nick", nick).Msg("Seen lookup failed")
			e.Reply("Sorry, I cannot look that up right now.")
			return
		}
		if seen == nil {
			e.Reply(fmt.Sprintf("I have not seen %s.", nick))
			return
		}
		e.Reply(describeSeen(seen, time.Now()))
	}
}

func describeSeen(s *storage.Seen, now time.Time) string {
	where := "in a private message"
	if s.Channel != nil {
		where = "in " + *s.Channel
	}
	ago := now.Sub(s.Timestamp).Truncate(time.Second)
	if ago < 0 {
		ago = 0
	}
	var what string
	switch s.MessageType {
	case storage.TypeJoin:
		what = "joining " + strings.TrimPrefix(where, "in ")
	case storage.TypePart:
		what = "leaving " + strings.TrimPrefix(where, "in ")
	case storage.TypeAction:
		what = fmt.Sprintf("%s, doing: * %s %s", where, s.Nick, s.Message)
	default:
		what = fmt.Sprintf("%s, saying: %s", where, s.Message)
	}
	return fmt.Sprintf("%s was last seen %s ago %s", s.Nick, ago, what)
}
