// Package bot wires IRC sessions, the reactor and the worker pool into a
// small bot framework: handlers are matched against incoming events and run
// as pool jobs, their responses are sent on the reactor.
package bot

import (
	"context"
	"strings"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/google/uuid"

	"github.com/matt0x6f/ircbot/internal/connection"
	"github.com/matt0x6f/ircbot/internal/constants"
	"github.com/matt0x6f/ircbot/internal/irc"
	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/metrics"
	"github.com/matt0x6f/ircbot/internal/service"
	"github.com/matt0x6f/ircbot/internal/storage"
	"github.com/matt0x6f/ircbot/internal/threadpool"
)

// stopTimeout bounds waiting for workers after the reactor stopped
const stopTimeout = 5 * time.Second

// Handler is called on a worker goroutine for every matching event.
type Handler func(e *Event)

// Options configures a Bot.
type Options struct {
	Service service.Options
	Threads threadpool.Options
	// CommandPrefix marks bot commands in channels, "!" by default
	CommandPrefix string
	// LogAsync writes log lines through the worker pool while it runs
	LogAsync bool
	// Storage archives messages, joins and parts when set
	Storage *storage.Storage
	// Notify shows a desktop notification when the bot's nick is mentioned
	Notify      bool
	NotifyTitle string
}

type handlerEntry struct {
	typ      EventType
	serverID string
	origin   string
	filter   string
	handler  Handler
}

// Bot owns the reactor, the worker pool and a set of servers. Apart from
// New and Run, its methods must be called before Run or on the reactor
// goroutine.
type Bot struct {
	opts Options
	svc  *service.Service
	pool *threadpool.Pool

	servers  []*irc.Server
	byID     map[string]*irc.Server
	handlers []handlerEntry

	notify func(title, message string) error
}

// New creates a bot with its reactor and a stopped worker pool.
func New(opts Options) *Bot {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "!"
	}
	if opts.NotifyTitle == "" {
		opts.NotifyTitle = "ircbot"
	}
	b := &Bot{
		opts: opts,
		svc:  service.New(opts.Service),
		byID: make(map[string]*irc.Server),
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
	b.pool = threadpool.New(opts.Threads, b.svc)
	b.svc.Tick.Register(b, b.onTick, 0)
	b.svc.Startup.Register(b, b.onStartup, 0)
	b.svc.Shutdown.Register(b, b.onShutdown, 0)
	return b
}

// Service returns the reactor.
func (b *Bot) Service() *service.Service {
	return b.svc
}

// Pool returns the worker pool.
func (b *Bot) Pool() *threadpool.Pool {
	return b.pool
}

// Servers returns the servers in the order they were added.
func (b *Bot) Servers() []*irc.Server {
	return b.servers
}

// Server returns the server with the given id.
func (b *Bot) Server(id string) *irc.Server {
	return b.byID[id]
}

// NewServer creates a server connecting over TCP, resolving remote names
// through the pool unless numericHosts is set, and adds it to the bot.
func (b *Bot) NewServer(opts irc.ServerOptions, numericHosts bool) *irc.Server {
	dial := irc.ConnectionDialer(b.pool, connection.ClientOptions{
		Host:         opts.Host,
		Port:         opts.Port,
		TLS:          opts.TLS,
		NumericHosts: numericHosts,
	})
	s := irc.NewServer(b.svc, opts, dial)
	b.AddServer(s)
	return s
}

// AddServer adds a server created on the bot's reactor. It is connected on
// startup and disconnected on shutdown.
func (b *Bot) AddServer(s *irc.Server) {
	if _, ok := b.byID[s.ID()]; ok {
		logger.Log.Warn().Str("server", s.ID()).Msg("Server already added")
		return
	}
	b.servers = append(b.servers, s)
	b.byID[s.ID()] = s
	s.Connected.Register(b, b.serverConnected, 0)
	s.MsgReceived.Register(b, b.msgReceived, 0)
	s.Joined.Register(b, b.chanJoined, 0)
}

// AddHandler registers h for events of type t. An empty serverID matches
// every server. origin is OriginChannel, OriginPrivate, a channel or nick
// name, or empty for any. filter is the command word for bot commands and
// the nick of the sender for other events; empty matches everything.
func (b *Bot) AddHandler(t EventType, serverID, origin, filter string, h Handler) {
	b.handlers = append(b.handlers, handlerEntry{
		typ:      t,
		serverID: serverID,
		origin:   origin,
		filter:   filter,
		handler:  h,
	})
}

// Run starts the pool and the reactor and blocks until shutdown. It returns
// the process exit code.
func (b *Bot) Run(ctx context.Context) int {
	if err := b.pool.Start(); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to start thread pool")
		return service.ExitFailure
	}
	if b.opts.LogAsync {
		logger.SetAsync(b.pool)
	}

	rc := b.svc.Run(ctx)

	logger.SetAsync(nil)
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := b.pool.Stop(stopCtx); err != nil {
		logger.Log.Warn().Err(err).Msg("Thread pool did not stop cleanly")
	}
	return rc
}

func (b *Bot) onTick(_ *service.Service, _ struct{}) {
	b.pool.Tick()
}

func (b *Bot) onStartup(_ *service.Service, args *service.StartupArgs) {
	for _, s := range b.servers {
		if err := s.Connect(); err != nil {
			args.RC = service.ExitFailure
		}
	}
}

func (b *Bot) onShutdown(_ *service.Service, _ struct{}) {
	for _, s := range b.servers {
		s.Disconnected.Register(b, b.serverDown, 0)
		b.svc.ShutdownLock()
		s.Disconnect()
	}
}

func (b *Bot) serverDown(s *irc.Server, _ struct{}) {
	s.Disconnected.Unregister(b, b.serverDown, 0)
	b.svc.ShutdownUnlock()
}

func (b *Bot) serverConnected(s *irc.Server, _ struct{}) {
	b.raise(&Event{
		Type:     EventConnected,
		ServerID: s.ID(),
		Nick:     s.Nick(),
	})
}

func (b *Bot) msgReceived(s *irc.Server, args *irc.MsgReceivedArgs) {
	ev := Event{
		ServerID: s.ID(),
		Nick:     s.Nick(),
		Origin:   args.From,
		From:     args.From,
		Arg:      args.Message,
		Action:   args.Action,
	}
	if isChannel(args.To) {
		ev.Channel = args.To
		ev.Origin = args.To
	}

	b.archive(s, &ev)
	b.highlight(&ev)

	msg := ev
	msg.Type = EventPrivMsg
	b.raise(&msg)

	if args.Action {
		return
	}
	cmd, arg, ok := parseCommand(args.Message, b.opts.CommandPrefix, ev.Channel == "")
	if !ok {
		return
	}
	command := ev
	command.Type = EventBotCommand
	command.Command = cmd
	command.Arg = arg
	b.raise(&command)
}

func (b *Bot) chanJoined(s *irc.Server, ch *irc.Channel) {
	ch.Joined.Register(b, b.userJoined, 0)
	ch.Parted.Register(b, b.userParted, 0)
	b.raise(&Event{
		Type:     EventChanJoined,
		ServerID: s.ID(),
		Nick:     s.Nick(),
		Channel:  ch.Name(),
		Origin:   ch.Name(),
	})
}

func (b *Bot) userJoined(ch *irc.Channel, nick string) {
	b.channelUser(ch, nick, EventJoined, storage.TypeJoin)
}

func (b *Bot) userParted(ch *irc.Channel, nick string) {
	b.channelUser(ch, nick, EventParted, storage.TypePart)
}

func (b *Bot) channelUser(ch *irc.Channel, nick string, t EventType, msgType string) {
	s := ch.Server()
	ev := &Event{
		Type:     t,
		ServerID: s.ID(),
		Nick:     s.Nick(),
		Channel:  ch.Name(),
		Origin:   ch.Name(),
		From:     nick,
	}
	b.store(storage.Message{
		ServerID:    ev.ServerID,
		Channel:     &ev.Channel,
		User:        nick,
		MessageType: msgType,
	})
	b.raise(ev)
}

// matches reports whether the handler entry applies to ev.
func (h *handlerEntry) matches(ev *Event) bool {
	if h.typ != ev.Type {
		return false
	}
	if h.serverID != "" && h.serverID != ev.ServerID {
		return false
	}
	switch h.origin {
	case "":
	case OriginChannel:
		if ev.Channel == "" {
			return false
		}
	case OriginPrivate:
		if ev.Channel != "" || ev.From == "" {
			return false
		}
	default:
		if !strings.EqualFold(h.origin, ev.Origin) {
			return false
		}
	}
	if h.filter == "" {
		return true
	}
	if ev.Type == EventBotCommand {
		return strings.EqualFold(h.filter, ev.Command)
	}
	return strings.EqualFold(h.filter, ev.From)
}

// raise runs every matching handler as a pool job with its own copy of ev.
func (b *Bot) raise(ev *Event) {
	for i := range b.handlers {
		h := &b.handlers[i]
		if !h.matches(ev) {
			continue
		}
		run := *ev
		run.ID = uuid.New()
		run.response = Response{}
		handler := h.handler
		job := threadpool.NewJob(func(arg any) {
			handler(arg.(*Event))
		}, &run, constants.HandlerTicks)
		job.Finished.Register(b, b.handlerFinished, 0)
		if err := b.pool.TryEnqueue(job); err != nil {
			metrics.BotHandlers.WithLabelValues(run.Type.String(), "rejected").Inc()
			logger.Log.Warn().
				Err(err).
				Str("event_id", run.ID.String()).
				Str("event", run.Type.String()).
				Msg("Cannot run bot handler")
			continue
		}
		logger.Log.Debug().
			Str("event_id", run.ID.String()).
			Str("event", run.Type.String()).
			Str("server", run.ServerID).
			Str("origin", run.Origin).
			Str("command", run.Command).
			Msg("Bot handler started")
	}
}

// handlerFinished sends the response of a handler that completed in time.
func (b *Bot) handlerFinished(job *threadpool.Job, _ struct{}) {
	ev := job.Arg().(*Event)
	if !job.HasCompleted() {
		metrics.BotHandlers.WithLabelValues(ev.Type.String(), "timeout").Inc()
		logger.Log.Warn().
			Str("event_id", ev.ID.String()).
			Str("event", ev.Type.String()).
			Str("server", ev.ServerID).
			Msg("Bot handler timed out, response discarded")
		return
	}
	metrics.BotHandlers.WithLabelValues(ev.Type.String(), "completed").Inc()
	s := b.byID[ev.ServerID]
	if s == nil {
		return
	}
	for _, m := range ev.response.msgs {
		if err := s.SendMsg(m.to, m.msg, m.action); err != nil {
			logger.Log.Warn().
				Err(err).
				Str("event_id", ev.ID.String()).
				Str("server", ev.ServerID).
				Str("to", m.to).
				Msg("Cannot send bot response")
		}
	}
}

// archive queues a received message for the message store.
func (b *Bot) archive(s *irc.Server, ev *Event) {
	msg := storage.Message{
		ServerID:    s.ID(),
		User:        ev.From,
		Message:     ev.Arg,
		MessageType: storage.TypePrivmsg,
	}
	if ev.Action {
		msg.MessageType = storage.TypeAction
	}
	if ev.Channel != "" {
		channel := ev.Channel
		msg.Channel = &channel
	}
	b.store(msg)
}

func (b *Bot) store(msg storage.Message) {
	st := b.opts.Storage
	if st == nil {
		return
	}
	msg.Timestamp = time.Now()
	err := b.pool.TrySubmit(func() {
		if err := st.WriteMessage(msg); err != nil {
			logger.Log.Error().Err(err).Str("server", msg.ServerID).Msg("Failed to archive message")
		}
	}, constants.HandlerTicks)
	if err != nil {
		logger.Log.Warn().Err(err).Str("server", msg.ServerID).Msg("Dropping archive write")
	}
}

// highlight shows a desktop notification for messages mentioning the bot.
func (b *Bot) highlight(ev *Event) {
	if !b.opts.Notify || ev.Nick == "" {
		return
	}
	if !strings.Contains(strings.ToLower(ev.Arg), strings.ToLower(ev.Nick)) {
		return
	}
	title := b.opts.NotifyTitle
	text := ev.From + ": " + ev.Arg
	if ev.Channel != "" {
		text = ev.Channel + " <" + ev.From + "> " + ev.Arg
	}
	notify := b.notify
	err := b.pool.TrySubmit(func() {
		if err := notify(title, text); err != nil {
			logger.Log.Debug().Err(err).Msg("Desktop notification failed")
		}
	}, constants.HandlerTicks)
	if err != nil {
		logger.Log.Debug().Err(err).Msg("Cannot queue desktop notification")
	}
}
