package bot

import (
	"strings"

	"github.com/google/uuid"
)

// EventType selects what a handler is called for.
type EventType int

const (
	// EventBotCommand is a prefixed command in a channel, or any private message
	EventBotCommand EventType = iota
	// EventPrivMsg is any PRIVMSG in a channel or private
	EventPrivMsg
	// EventConnected is raised when the login to a server succeeded
	EventConnected
	// EventChanJoined is raised when the bot entered a channel
	EventChanJoined
	// EventJoined is raised when another user joined a channel
	EventJoined
	// EventParted is raised when another user left a channel
	EventParted
)

func (t EventType) String() string {
	switch t {
	case EventBotCommand:
		return "botcommand"
	case EventPrivMsg:
		return "privmsg"
	case EventConnected:
		return "connected"
	case EventChanJoined:
		return "chanjoined"
	case EventJoined:
		return "joined"
	case EventParted:
		return "parted"
	}
	return "unknown"
}

// Origin filters for AddHandler
const (
	// OriginPrivate matches any private message
	OriginPrivate = ":"
	// OriginChannel matches any channel
	OriginChannel = "#"
)

// Event is the snapshot a handler works on. Handlers run on worker
// goroutines and must not touch the server; replies go through Response.
type Event struct {
	// ID correlates the log lines of one handler run
	ID   uuid.UUID
	Type EventType

	ServerID string
	// Nick is the bot's own nick when the event was raised
	Nick string
	// Channel is empty for private messages and connection events
	Channel string
	// Origin is the channel name, or the sender's nick for private messages
	Origin string
	// Command is the command word of a bot command, without prefix
	Command string
	// From is the sender of a message or the user who joined or parted
	From string
	// Arg is the command argument of a bot command or the message text
	Arg    string
	Action bool

	response Response
}

// Response collects the messages a handler wants to send.
func (e *Event) Response() *Response {
	return &e.response
}

// ReplyTo is where an answer to this event goes: the channel, or the sender
// of a private message.
func (e *Event) ReplyTo() string {
	if e.Channel != "" {
		return e.Channel
	}
	return e.From
}

// Reply queues a plain message to ReplyTo.
func (e *Event) Reply(msg string) {
	e.response.AddMsg(e.ReplyTo(), msg, false)
}

type responseMsg struct {
	to     string
	msg    string
	action bool
}

// Response holds outgoing messages. They are sent once the handler returned
// within its budget.
type Response struct {
	msgs []responseMsg
}

// AddMsg queues msg for to, as a CTCP ACTION if action is set.
func (r *Response) AddMsg(to, msg string, action bool) {
	if to == "" || msg == "" {
		return
	}
	r.msgs = append(r.msgs, responseMsg{to: to, msg: msg, action: action})
}

// Len returns the number of queued messages.
func (r *Response) Len() int {
	return len(r.msgs)
}

func isChannel(name string) bool {
	return name != "" && strings.ContainsRune("#&+!", rune(name[0]))
}

// parseCommand splits a message into a bot command and its argument. In
// channels only messages starting with prefix are commands; in private
// messages the prefix is optional.
func parseCommand(msg, prefix string, private bool) (cmd, arg string, ok bool) {
	text := msg
	if prefix != "" && strings.HasPrefix(text, prefix) {
		text = text[len(prefix):]
	} else if !private {
		return "", "", false
	}
	cmd, arg, _ = strings.Cut(strings.TrimSpace(text), " ")
	if cmd == "" {
		return "", "", false
	}
	return cmd, strings.TrimSpace(arg), true
}
