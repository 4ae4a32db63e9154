package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStorage(t *testing.T, bufferSize int) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "archive.db"), bufferSize, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string {
	return &s
}

func TestWriteMessageIsFlushed(t *testing.T) {
	s := openStorage(t, 16)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.WriteMessage(Message{
			ServerID:  "libera",
			Channel:   strPtr("#go"),
			User:      "alice",
			Message:   text,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	assert.Eventually(t, func() bool {
		msgs, err := s.GetMessages("libera", "#go", 10)
		return err == nil && len(msgs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := s.GetMessages("libera", "#go", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Message)
	assert.Equal(t, "three", msgs[1].Message)
	assert.Equal(t, TypePrivmsg, msgs[1].MessageType)
}

func TestWriteMessageSyncAndPrivate(t *testing.T) {
	s := openStorage(t, 1)
	require.NoError(t, s.WriteMessageSync(Message{ServerID: "libera", User: "bob", Message: "psst"}))

	msgs, err := s.GetMessages("libera", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Channel)
	assert.Equal(t, "psst", msgs[0].Message)
}

func TestWriteMessageFlushesFullBuffer(t *testing.T) {
	s := openStorage(t, 1)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.WriteMessage(Message{ServerID: "libera", User: "carol", Message: "spam"}))
	}
	require.NoError(t, s.Close())
}

func TestLastSeen(t *testing.T) {
	s := openStorage(t, 4)
	seen, err := s.LastSeen("libera", "alice")
	require.NoError(t, err)
	assert.Nil(t, seen)

	early := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteMessageSync(Message{ServerID: "libera", Channel: strPtr("#go"), User: "Alice", Message: "hello", Timestamp: early.Add(time.Minute)}))
	require.NoError(t, s.WriteMessageSync(Message{ServerID: "libera", Channel: strPtr("#go"), User: "alice", Message: "stale", Timestamp: early}))
	require.NoError(t, s.WriteMessageSync(Message{ServerID: "oftc", Channel: strPtr("#go"), User: "alice", Message: "elsewhere", Timestamp: early}))

	seen, err = s.LastSeen("libera", "ALICE")
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "hello", seen.Message)
	require.NotNil(t, seen.Channel)
	assert.Equal(t, "#go", *seen.Channel)
	assert.True(t, seen.Timestamp.Equal(early.Add(time.Minute)))
}

func TestPruneBefore(t *testing.T) {
	s := openStorage(t, 4)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.WriteMessageSync(Message{ServerID: "libera", User: "a", Message: "old", Timestamp: old}))
	require.NoError(t, s.WriteMessageSync(Message{ServerID: "libera", User: "a", Message: "new"}))

	n, err := s.PruneBefore(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWriteAfterClose(t *testing.T) {
	s := openStorage(t, 4)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.WriteMessage(Message{ServerID: "libera", User: "a", Message: "x"}), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openStorage(t, 4)
	require.NoError(t, Migrate(s.db))
}
