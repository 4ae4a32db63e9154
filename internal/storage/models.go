package storage

import "time"

// Message types stored in the archive
const (
	TypePrivmsg = "privmsg"
	TypeAction  = "action"
	TypeJoin    = "join"
	TypePart    = "part"
)

// Message is one archived channel or private message
type Message struct {
	ID       int64  `db:"id" json:"id"`
	ServerID string `db:"server_id" json:"server_id"`
	// Channel is nil for private messages
	Channel     *string   `db:"channel" json:"channel"`
	User        string    `db:"user" json:"user"`
	Message     string    `db:"message" json:"message"`
	MessageType string    `db:"message_type" json:"message_type"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
	RawLine     string    `db:"raw_line" json:"raw_line"`
}

// Seen is the last activity of a nick on a server
type Seen struct {
	ServerID    string    `db:"server_id" json:"server_id"`
	Nick        string    `db:"nick" json:"nick"`
	Channel     *string   `db:"channel" json:"channel"`
	Message     string    `db:"message" json:"message"`
	MessageType string    `db:"message_type" json:"message_type"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
}
