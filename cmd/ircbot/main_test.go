package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/matt0x6f/ircbot/internal/bot"
	"github.com/matt0x6f/ircbot/internal/security"
	"github.com/matt0x6f/ircbot/internal/storage"
)

func TestSayHandler(t *testing.T) {
	ev := &bot.Event{Channel: "#chan", From: "alice", Arg: "my name"}
	sayHandler(ev)
	other := &bot.Event{Channel: "#chan", From: "alice", Arg: "hello"}
	sayHandler(other)
	empty := &bot.Event{Channel: "#chan", From: "alice"}
	sayHandler(empty)

	assert.Equal(t, 1, ev.Response().Len())
	assert.Equal(t, 1, other.Response().Len())
	assert.Zero(t, empty.Response().Len())
}

func TestBierHandler(t *testing.T) {
	random := &bot.Event{Channel: "#chan", From: "alice"}
	bierHandler(random)
	assert.Equal(t, 1, random.Response().Len())

	single := &bot.Event{Channel: "#chan", From: "alice", Arg: "bob"}
	bierHandler(single)
	assert.Equal(t, 1, single.Response().Len())

	several := &bot.Event{Channel: "#chan", From: "alice", Arg: "bob carol"}
	bierHandler(several)
	assert.Zero(t, several.Response().Len())
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ircbot.yaml")
	content := "servers:\n  - id: test\n    host: irc.example.org\n    nick: bot\n    channels: [\"#chan\"]\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckCommand(t *testing.T) {
	path := writeConfig(t, "")
	out, err := execute(t, "", "check", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "test irc.example.org:6667 nick=bot channels=#chan")

	_, err = execute(t, "", "check", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPasswordCommands(t *testing.T) {
	keyring.MockInit()
	_, err := execute(t, "hunter2\n", "password", "set", "test")
	require.NoError(t, err)
	password, err := security.NewKeychain().GetPassword("test")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	out, err := execute(t, "", "password", "status", "test")
	require.NoError(t, err)
	assert.Equal(t, "test: stored\n", out)

	_, err = execute(t, "", "password", "delete", "test")
	require.NoError(t, err)
	password, err = security.NewKeychain().GetPassword("test")
	require.NoError(t, err)
	assert.Empty(t, password)

	out, err = execute(t, "", "password", "status", "test")
	require.NoError(t, err)
	assert.Equal(t, "test: not stored\n", out)
}

func TestHistoryAndPrune(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "archive.db")
	path := writeConfig(t, "storage:\n  path: "+dbPath+"\n")

	require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0o755))
	st, err := storage.NewStorage(dbPath, 10, time.Second)
	require.NoError(t, err)
	channel := "#chan"
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, st.WriteMessageSync(storage.Message{ServerID: "test", Channel: &channel, User: "alice", Message: "old news", Timestamp: old}))
	require.NoError(t, st.WriteMessageSync(storage.Message{ServerID: "test", Channel: &channel, User: "bob", Message: "waves", MessageType: storage.TypeAction}))
	require.NoError(t, st.Close())

	out, err := execute(t, "", "history", "test", "#chan", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "<alice> old news")
	assert.Contains(t, out, "* bob waves")

	out, err = execute(t, "", "prune", "--older-than", "24h", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 1 messages")

	out, err = execute(t, "", "history", "test", "#chan", "-c", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "old news")
}

func TestHistoryWithoutStorage(t *testing.T) {
	_, err := execute(t, "", "history", "test", "-c", writeConfig(t, ""))
	assert.ErrorContains(t, err, "no storage path")
}
