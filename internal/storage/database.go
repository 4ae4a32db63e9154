package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/matt0x6f/ircbot/internal/logger"
)

// ErrClosed is returned by writes after Close
var ErrClosed = errors.New("storage is closed")

const insertMessage = `INSERT INTO messages (server_id, channel, user, message, message_type, timestamp, raw_line)
          VALUES (:server_id, :channel, :user, :message, :message_type, :timestamp, :raw_line)`

const upsertSeen = `INSERT INTO seen (server_id, nick, channel, message, message_type, timestamp)
          VALUES (:server_id, :user, :channel, :message, :message_type, :timestamp)
          ON CONFLICT(server_id, nick) DO UPDATE SET
              channel = excluded.channel,
              message = excluded.message,
              message_type = excluded.message_type,
              timestamp = excluded.timestamp
          WHERE excluded.timestamp >= seen.timestamp`

// Storage is the message archive. Writes are buffered and flushed in
// batches from a background goroutine.
type Storage struct {
	db            *sqlx.DB
	writeBuffer   chan Message
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
	closedMu      sync.RWMutex
	closed        bool
}

// NewStorage opens or creates the archive at dbPath
func NewStorage(dbPath string, bufferSize int, flushInterval time.Duration) (*Storage, error) {
	// Enable WAL mode for better concurrent writes
	db, err := sqlx.Connect("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection in WAL mode
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	if bufferSize < 1 {
		bufferSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	s := &Storage{
		db:            db,
		writeBuffer:   make(chan Message, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// Close flushes buffered messages and closes the database
func (s *Storage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closedMu.Lock()
		s.closed = true
		s.closedMu.Unlock()

		close(s.stopCh)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Storage) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// flushLoop periodically flushes the write buffer
func (s *Storage) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.flushBuffer()
			return
		case <-ticker.C:
			s.flushBuffer()
		}
	}
}

// flushBuffer writes all buffered messages in one transaction
func (s *Storage) flushBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]Message, 0, len(s.writeBuffer))
drain:
	for {
		select {
		case msg := <-s.writeBuffer:
			messages = append(messages, msg)
		default:
			break drain
		}
	}
	if len(messages) == 0 {
		return
	}
	if err := s.insert(messages); err != nil {
		logger.Log.Error().Err(err).Int("count", len(messages)).Msg("Error flushing messages")
	}
}

func (s *Storage) insert(messages []Message) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExec(insertMessage, messages); err != nil {
		return fmt.Errorf("failed to insert messages: %w", err)
	}
	for _, msg := range messages {
		if _, err := tx.NamedExec(upsertSeen, msg); err != nil {
			return fmt.Errorf("failed to update seen: %w", err)
		}
	}
	return tx.Commit()
}

func normalize(msg Message) Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if msg.MessageType == "" {
		msg.MessageType = TypePrivmsg
	}
	return msg
}

// WriteMessage queues a message for batch insertion. A full buffer is
// flushed synchronously.
func (s *Storage) WriteMessage(msg Message) error {
	if s.isClosed() {
		return ErrClosed
	}
	msg = normalize(msg)

	select {
	case s.writeBuffer <- msg:
		return nil
	default:
	}
	s.flushBuffer()
	select {
	case s.writeBuffer <- msg:
		return nil
	default:
		return fmt.Errorf("write buffer full and flush failed")
	}
}

// WriteMessageSync writes a message immediately, after anything buffered
func (s *Storage) WriteMessageSync(msg Message) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.flushBuffer()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert([]Message{normalize(msg)})
}

// GetMessages returns the latest messages of a channel, or of private
// messages when channel is empty, in chronological order
func (s *Storage) GetMessages(serverID string, channel string, limit int) ([]Message, error) {
	var messages []Message
	var err error

	if channel != "" {
		err = s.db.Select(&messages,
			`SELECT * FROM messages
			 WHERE server_id = ? AND channel = ? COLLATE NOCASE
			 ORDER BY timestamp DESC, id DESC
			 LIMIT ?`,
			serverID, channel, limit)
	} else {
		err = s.db.Select(&messages,
			`SELECT * FROM messages
			 WHERE server_id = ? AND channel IS NULL
			 ORDER BY timestamp DESC, id DESC
			 LIMIT ?`,
			serverID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastSeen returns the last recorded activity of nick, or nil
func (s *Storage) LastSeen(serverID, nick string) (*Seen, error) {
	var seen Seen
	err := s.db.Get(&seen,
		`SELECT server_id, nick, channel, message, message_type, timestamp FROM seen
		 WHERE server_id = ? AND nick = ?`,
		serverID, strings.TrimSpace(nick))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last seen: %w", err)
	}
	return &seen, nil
}

// PruneBefore deletes archived messages older than t
func (s *Storage) PruneBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM messages WHERE timestamp < ?", t.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return res.RowsAffected()
}
