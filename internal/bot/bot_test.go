package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt0x6f/ircbot/internal/irc"
	"github.com/matt0x6f/ircbot/internal/metrics"
	"github.com/matt0x6f/ircbot/internal/service"
	"github.com/matt0x6f/ircbot/internal/storage"
	"github.com/matt0x6f/ircbot/internal/threadpool"
)

const (
	testTick = 20 * time.Millisecond
	waitFor  = 2 * time.Second
)

// fakeConn is a transport whose peer is the test. Writes are acknowledged
// on the reactor and a QUIT makes the peer hang up.
type fakeConn struct {
	svc    *service.Service
	srv    *irc.Server
	closed bool

	mu    sync.Mutex
	lines []string
}

func (c *fakeConn) Write(buf []byte, id any) error {
	line := strings.TrimSuffix(string(buf), "\r\n")
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	c.svc.Post(func() { c.srv.TransportSent(c, id) })
	if strings.HasPrefix(line, "QUIT") {
		c.svc.Post(c.Close)
	}
	return nil
}

func (c *fakeConn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.srv.TransportClosed(c)
}

func (c *fakeConn) RemoteHost() string {
	return "irc.example.org"
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

type botHarness struct {
	t      *testing.T
	b      *Bot
	srv    *irc.Server
	conns  chan *fakeConn
	conn   *fakeConn
	rc     chan int
	cancel context.CancelFunc
}

func testOptions() Options {
	svcOpts := service.DefaultOptions()
	svcOpts.TickInterval = testTick
	svcOpts.ShutdownTickInterval = testTick
	return Options{
		Service: svcOpts,
		Threads: threadpool.Options{NThreads: 2},
	}
}

func newBotHarness(t *testing.T, opts Options) *botHarness {
	t.Helper()
	h := &botHarness{
		t:     t,
		b:     New(opts),
		conns: make(chan *fakeConn, 4),
		rc:    make(chan int, 1),
	}
	h.srv = irc.NewServer(h.b.Service(), irc.ServerOptions{
		ID:   "test",
		Host: "irc.example.org",
		Port: 6667,
		Nick: "bot",
	}, func(s *irc.Server) (irc.Transport, error) {
		c := &fakeConn{svc: h.b.Service(), srv: s}
		h.conns <- c
		return c, nil
	})
	h.b.AddServer(h.srv)
	h.srv.Join("#chan")
	return h
}

// start runs the bot and logs in on the fake connection.
func (h *botHarness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.rc <- h.b.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.rc:
		case <-time.After(waitFor):
		}
	})

	select {
	case h.conn = <-h.conns:
	case <-time.After(waitFor):
		require.FailNow(h.t, "bot did not connect")
	}
	h.onReactor(func() { h.srv.TransportConnected(h.conn) })
	h.feed(
		":irc.example.org NOTICE * :hello",
		":irc.example.org 001 bot :Welcome",
	)
	h.waitSent("JOIN #chan")
}

func (h *botHarness) onReactor(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	h.b.Service().Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(waitFor):
		require.FailNow(h.t, "reactor did not run posted function")
	}
}

func (h *botHarness) feed(lines ...string) {
	h.t.Helper()
	data := []byte(strings.Join(lines, "\r\n") + "\r\n")
	h.onReactor(func() { h.srv.TransportData(h.conn, data) })
}

func (h *botHarness) joinChannel() {
	h.feed(
		":bot!b@host JOIN #chan",
		":irc.example.org 353 bot = #chan :@op bot",
		":irc.example.org 366 bot #chan :End of /NAMES list.",
	)
}

func (h *botHarness) waitSent(line string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, l := range h.conn.sent() {
			if l == line {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "waiting for %q", line)
}

func (h *botHarness) stop() int {
	h.t.Helper()
	h.cancel()
	select {
	case rc := <-h.rc:
		return rc
	case <-time.After(waitFor):
		require.FailNow(h.t, "bot did not stop")
	}
	return -1
}

func TestBotCommandRepliesInChannel(t *testing.T) {
	h := newBotHarness(t, testOptions())
	h.b.AddHandler(EventBotCommand, "", OriginChannel, "say", func(e *Event) {
		e.Reply(e.Arg)
	})
	h.start()
	h.joinChannel()

	h.feed(":alice!a@host PRIVMSG #chan :!say hello world")
	h.waitSent("PRIVMSG #chan :hello world")

	assert.Equal(t, service.ExitSuccess, h.stop())
	assert.Contains(t, h.conn.sent(), "QUIT")
}

func TestPrivateCommandWithoutPrefix(t *testing.T) {
	h := newBotHarness(t, testOptions())
	args := make(chan string, 1)
	h.b.AddHandler(EventBotCommand, "test", OriginPrivate, "help", func(e *Event) {
		args <- e.Arg
		e.Response().AddMsg(e.From, "commands: help", false)
	})
	h.b.AddHandler(EventBotCommand, "other", "", "", func(e *Event) {
		e.Reply("wrong server")
	})
	h.start()

	h.feed(":alice!a@host PRIVMSG bot :help me")
	h.waitSent("PRIVMSG alice :commands: help")
	assert.Equal(t, "me", <-args)
	assert.NotContains(t, h.conn.sent(), "PRIVMSG alice :wrong server")
}

func TestConnectedHandlerResponds(t *testing.T) {
	h := newBotHarness(t, testOptions())
	h.b.AddHandler(EventConnected, "", "", "", func(e *Event) {
		e.Response().AddMsg("NickServ", "identify secret", false)
	})
	h.start()
	h.waitSent("PRIVMSG NickServ :identify secret")
}

func TestTimedOutHandlerResponseIsDiscarded(t *testing.T) {
	h := newBotHarness(t, testOptions())
	release := make(chan struct{})
	h.b.AddHandler(EventBotCommand, "", "", "slow", func(e *Event) {
		<-release
		e.Reply("late")
	})
	timeouts := metrics.BotHandlers.WithLabelValues(EventBotCommand.String(), "timeout")
	before := testutil.ToFloat64(timeouts)
	h.start()

	h.feed(":alice!a@host PRIVMSG #chan :!slow")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(timeouts) > before
	}, waitFor, 5*time.Millisecond)
	close(release)

	assert.Never(t, func() bool {
		for _, l := range h.conn.sent() {
			if strings.Contains(l, "late") {
				return true
			}
		}
		return false
	}, 10*testTick, testTick)
}

func TestChannelEventsArchiveAndNotify(t *testing.T) {
	st, err := storage.NewStorage(filepath.Join(t.TempDir(), "archive.db"), 1, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	opts := testOptions()
	opts.Storage = st
	opts.Notify = true
	h := newBotHarness(t, opts)
	notes := make(chan string, 4)
	h.b.notify = func(title, message string) error {
		notes <- title + "|" + message
		return nil
	}

	entered := make(chan string, 1)
	h.b.AddHandler(EventChanJoined, "", "", "", func(e *Event) {
		entered <- e.Channel
	})
	h.b.AddHandler(EventJoined, "", "#chan", "", func(e *Event) {
		e.Reply("Hallo " + e.From + "!")
	})
	h.start()
	h.joinChannel()

	select {
	case name := <-entered:
		assert.Equal(t, "#chan", name)
	case <-time.After(waitFor):
		require.FailNow(t, "no channel joined event")
	}

	h.feed(":carol!c@host JOIN #chan")
	h.waitSent("PRIVMSG #chan :Hallo carol!")

	h.feed(":carol!c@host PRIVMSG #chan :hey bot, ping")
	select {
	case note := <-notes:
		assert.Equal(t, "ircbot|#chan <carol> hey bot, ping", note)
	case <-time.After(waitFor):
		require.FailNow(t, "no notification")
	}

	require.Eventually(t, func() bool {
		seen, err := st.LastSeen("test", "carol")
		return err == nil && seen != nil && seen.MessageType == storage.TypePrivmsg &&
			seen.Message == "hey bot, ping"
	}, waitFor, 10*time.Millisecond)
}

func TestStartupFailsWhenServerCannotConnect(t *testing.T) {
	b := New(testOptions())
	srv := irc.NewServer(b.Service(), irc.ServerOptions{ID: "down", Host: "irc.example.org", Nick: "bot"},
		func(*irc.Server) (irc.Transport, error) {
			return nil, errors.New("unreachable")
		})
	b.AddServer(srv)
	b.AddServer(srv)
	assert.Len(t, b.Servers(), 1)
	assert.Same(t, srv, b.Server("down"))

	assert.Equal(t, service.ExitFailure, b.Run(context.Background()))
	assert.False(t, b.Pool().Active())
}

func TestHandlerMatching(t *testing.T) {
	channelCmd := &Event{Type: EventBotCommand, ServerID: "libera", Channel: "#go", Origin: "#go", From: "alice", Command: "say"}
	privateCmd := &Event{Type: EventBotCommand, ServerID: "libera", Origin: "alice", From: "alice", Command: "help"}
	joined := &Event{Type: EventJoined, ServerID: "libera", Channel: "#go", Origin: "#go", From: "bob"}
	connected := &Event{Type: EventConnected, ServerID: "libera"}

	cases := []struct {
		name  string
		entry handlerEntry
		ev    *Event
		want  bool
	}{
		{"any", handlerEntry{typ: EventBotCommand}, channelCmd, true},
		{"wrong type", handlerEntry{typ: EventPrivMsg}, channelCmd, false},
		{"server id", handlerEntry{typ: EventBotCommand, serverID: "libera"}, channelCmd, true},
		{"other server", handlerEntry{typ: EventBotCommand, serverID: "oftc"}, channelCmd, false},
		{"any channel", handlerEntry{typ: EventBotCommand, origin: OriginChannel}, channelCmd, true},
		{"any channel private", handlerEntry{typ: EventBotCommand, origin: OriginChannel}, privateCmd, false},
		{"private", handlerEntry{typ: EventBotCommand, origin: OriginPrivate}, privateCmd, true},
		{"private channel", handlerEntry{typ: EventBotCommand, origin: OriginPrivate}, channelCmd, false},
		{"private connected", handlerEntry{typ: EventConnected, origin: OriginPrivate}, connected, false},
		{"named channel", handlerEntry{typ: EventBotCommand, origin: "#GO"}, channelCmd, true},
		{"other channel", handlerEntry{typ: EventBotCommand, origin: "#rust"}, channelCmd, false},
		{"named nick", handlerEntry{typ: EventBotCommand, origin: "Alice"}, privateCmd, true},
		{"command filter", handlerEntry{typ: EventBotCommand, filter: "SAY"}, channelCmd, true},
		{"other command", handlerEntry{typ: EventBotCommand, filter: "bier"}, channelCmd, false},
		{"nick filter", handlerEntry{typ: EventJoined, filter: "bob"}, joined, true},
		{"other nick", handlerEntry{typ: EventJoined, filter: "carol"}, joined, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.entry.matches(tc.ev))
		})
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		msg     string
		private bool
		cmd     string
		arg     string
		ok      bool
	}{
		{"!say hello  there ", false, "say", "hello  there", true},
		{"!bier", false, "bier", "", true},
		{"say hello", false, "", "", false},
		{"!", false, "", "", false},
		{"help me", true, "help", "me", true},
		{"!help", true, "help", "", true},
		{"   ", true, "", "", false},
	}
	for _, tc := range cases {
		cmd, arg, ok := parseCommand(tc.msg, "!", tc.private)
		assert.Equal(t, tc.ok, ok, tc.msg)
		assert.Equal(t, tc.cmd, cmd, tc.msg)
		assert.Equal(t, tc.arg, arg, tc.msg)
	}
}

func TestEventReplyTarget(t *testing.T) {
	ev := &Event{Channel: "#go", From: "alice"}
	ev.Reply("hi")
	ev.Response().AddMsg("", "dropped", false)
	ev.Response().AddMsg("bob", "", false)
	assert.Equal(t, 1, ev.Response().Len())
	assert.Equal(t, "#go", ev.response.msgs[0].to)

	private := &Event{From: "alice"}
	assert.Equal(t, "alice", private.ReplyTo())
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "botcommand", EventBotCommand.String())
	assert.Equal(t, "parted", EventParted.String())
	assert.Equal(t, "unknown", EventType(42).String())
}
