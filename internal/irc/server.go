// Package irc implements IRC message framing, the client session state
// machine and channel membership tracking on top of the reactor.
package irc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/matt0x6f/ircbot/internal/connection"
	"github.com/matt0x6f/ircbot/internal/constants"
	"github.com/matt0x6f/ircbot/internal/event"
	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/metrics"
	"github.com/matt0x6f/ircbot/internal/service"
)

// ErrNotConnected is returned for sends while the session is not active.
var ErrNotConnected = errors.New("not connected")

// State is the session state of a Server.
type State int

// Every state of a session in progress is negative; only StateActive is
// positive.
const (
	StateConnecting State = -3
	StateLoggingIn  State = -2
	StateSocketOpen State = -1
	StateIdle       State = 0
	StateActive     State = 1
)

func (s State) String() string {
	switch s {
	case StateLoggingIn:
		return "logging-in"
	case StateSocketOpen:
		return "socket-open"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateConnecting:
		return "connecting"
	}
	return "unknown"
}

// ServerOptions describes one IRC network.
type ServerOptions struct {
	ID       string
	Host     string
	Port     int
	TLS      bool
	Nick     string
	User     string
	RealName string
	Password string
	// QuitMessage is sent with QUIT on Disconnect.
	QuitMessage string
	// FloodRate limits outbound lines per second, 0 disables the limit.
	FloodRate  float64
	FloodBurst int
}

// MsgReceivedArgs describes a received PRIVMSG.
type MsgReceivedArgs struct {
	From    string
	To      string
	Message string
	// Action is set for CTCP ACTION messages, Message holds the unwrapped text.
	Action bool
}

type lineID int

// Server is a session with one IRC network that reconnects on its own. All
// methods must be called on the reactor goroutine.
type Server struct {
	// Connected is raised when the login succeeded.
	Connected *event.Event[*Server, struct{}]
	// Disconnected is raised whenever the session ends.
	Disconnected *event.Event[*Server, struct{}]
	MsgReceived  *event.Event[*Server, *MsgReceivedArgs]
	// RawReceived is raised for every received message before it is handled.
	RawReceived *event.Event[*Server, *Message]
	// Joined and Parted are raised when the bot enters or leaves a channel.
	Joined *event.Event[*Server, *Channel]
	Parted *event.Event[*Server, *Channel]

	svc  *service.Service
	dial Dialer
	opts ServerOptions

	id    string
	nick  string
	name  string
	state State

	conn    Transport
	recv    []byte
	queue   [][]byte
	sending int
	limiter *rate.Limiter

	reachedActive  bool
	quitting       bool
	loginTicks     int
	idleTicks      int
	pongTicks      int
	quitTicks      int
	backoff        int
	reconnectTicks int

	wanted   []string
	channels map[string]*Channel
}

// NewServer creates a session. With a nil dial, plain TCP or TLS connections
// to opts.Host are used.
func NewServer(svc *service.Service, opts ServerOptions, dial Dialer) *Server {
	if opts.ID == "" {
		opts.ID = opts.Host
	}
	if opts.User == "" {
		opts.User = opts.Nick
	}
	if opts.RealName == "" {
		opts.RealName = opts.Nick
	}
	if dial == nil {
		dial = ConnectionDialer(nil, connection.ClientOptions{Host: opts.Host, Port: opts.Port, TLS: opts.TLS})
	}
	limit := rate.Inf
	if opts.FloodRate > 0 {
		limit = rate.Limit(opts.FloodRate)
	}
	burst := opts.FloodBurst
	if burst < 1 {
		burst = 1
	}

	s := &Server{
		svc:      svc,
		dial:     dial,
		opts:     opts,
		id:       opts.ID,
		nick:     opts.Nick,
		limiter:  rate.NewLimiter(limit, burst),
		channels: make(map[string]*Channel),
	}
	s.Connected = event.New[*Server, struct{}](s)
	s.Disconnected = event.New[*Server, struct{}](s)
	s.MsgReceived = event.New[*Server, *MsgReceivedArgs](s)
	s.RawReceived = event.New[*Server, *Message](s)
	s.Joined = event.New[*Server, *Channel](s)
	s.Parted = event.New[*Server, *Channel](s)
	svc.Tick.Register(s, s.onTick, 0)
	return s
}

// ID returns the configured identifier of this server.
func (s *Server) ID() string {
	return s.id
}

// Name returns the name the server advertised on login, falling back to the
// remote host.
func (s *Server) Name() string {
	if s.name != "" {
		return s.name
	}
	if s.conn != nil {
		return s.conn.RemoteHost()
	}
	return s.opts.Host
}

// Nick returns the current nickname.
func (s *Server) Nick() string {
	return s.nick
}

// State returns the session state.
func (s *Server) State() State {
	return s.state
}

// Channels returns the tracked channels sorted by name.
func (s *Server) Channels() []*Channel {
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Channel returns the tracked channel with the given name.
func (s *Server) Channel(name string) *Channel {
	return s.channels[channelKey(name)]
}

func channelKey(name string) string {
	return strings.ToLower(name)
}

func (s *Server) isSelf(nick string) bool {
	return strings.EqualFold(nick, s.nick)
}

// Connect starts a new session. It does nothing while a transport exists and
// fails when no transport could be created.
func (s *Server) Connect() error {
	if s.conn != nil {
		return nil
	}
	s.quitting = false
	s.reachedActive = false
	s.reconnectTicks = 0
	t, err := s.dial(s)
	if err != nil {
		logger.Log.Error().Err(err).Str("server", s.id).Msg("Cannot connect")
		return fmt.Errorf("failed to connect %s: %w", s.id, err)
	}
	s.conn = t
	s.state = StateConnecting
	logger.Log.Info().Str("server", s.id).Str("host", s.opts.Host).Int("port", s.opts.Port).Msg("Connecting")
	return nil
}

// Disconnect ends the session. An active session sends QUIT and ends when
// the server closes the connection, otherwise the transport is closed right
// away. Without a transport, Disconnected is raised immediately.
func (s *Server) Disconnect() {
	s.quitting = true
	s.reconnectTicks = 0
	if s.conn == nil {
		s.state = StateIdle
		s.Disconnected.Raise(event.AnyID, struct{}{})
		return
	}
	if s.state == StateActive {
		logger.Log.Info().Str("server", s.id).Msg("Quitting")
		var err error
		if s.opts.QuitMessage == "" {
			err = s.send(QUIT)
		} else {
			err = s.sendText(QUIT, s.opts.QuitMessage)
		}
		if err == nil {
			s.quitTicks = constants.PongTicks
			return
		}
	}
	s.conn.Close()
}

// Join requests membership in channel. The request is remembered and
// repeated after every reconnect.
func (s *Server) Join(channel string) {
	if !s.wants(channel) {
		s.wanted = append(s.wanted, channel)
	}
	if s.state != StateActive {
		return
	}
	ch := s.ensureChannel(channel)
	if ch.state == ChannelNotJoined {
		ch.join()
	}
}

// Part leaves channel and forgets the join request.
func (s *Server) Part(channel string) {
	s.unwant(channel)
	ch := s.Channel(channel)
	if ch == nil {
		return
	}
	if s.state == StateActive && ch.state != ChannelNotJoined {
		ch.part()
		return
	}
	s.dropChannel(ch)
}

func (s *Server) unwant(channel string) {
	for i, name := range s.wanted {
		if strings.EqualFold(name, channel) {
			s.wanted = append(s.wanted[:i], s.wanted[i+1:]...)
			return
		}
	}
}

func (s *Server) wants(channel string) bool {
	for _, name := range s.wanted {
		if strings.EqualFold(name, channel) {
			return true
		}
	}
	return false
}

// SendMsg sends a PRIVMSG to a nick or channel, split into as many lines as
// needed. With action set, the text is sent as CTCP ACTION.
func (s *Server) SendMsg(to, msg string, action bool) error {
	if s.state != StateActive {
		return ErrNotConnected
	}
	// ":nick!user@host " is prepended when the line is relayed
	overhead := len(":!@ ") + len(s.nick) + constants.RelayUserHostLength
	overhead += len("PRIVMSG ") + len(to) + len(" :") + len(crlf)
	if action {
		overhead += len(ctcpDelim + "ACTION " + ctcpDelim)
	}
	limit := constants.MaxLineLength - overhead
	if limit <= 0 {
		return fmt.Errorf("%w: target %q", ErrLineTooLong, to)
	}
	for _, chunk := range splitText(msg, limit) {
		if action {
			chunk = ctcpDelim + "ACTION " + chunk + ctcpDelim
		}
		if err := s.sendText(PRIVMSG, to, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendCmd sends cmd followed by args exactly as given.
func (s *Server) SendCmd(cmd Command, args string) error {
	if s.state != StateActive {
		return ErrNotConnected
	}
	if cmd == CmdUnknown {
		return fmt.Errorf("cannot send unknown command")
	}
	line, err := formatRaw(cmd.String(), args)
	if err != nil {
		return err
	}
	s.enqueue(line)
	return nil
}

// send queues a formatted command on the current transport in any state.
func (s *Server) send(cmd Command, params ...string) error {
	return s.sendLine(cmd, false, params)
}

// sendText is send with the last parameter always in trailing form.
func (s *Server) sendText(cmd Command, params ...string) error {
	return s.sendLine(cmd, true, params)
}

func (s *Server) sendLine(cmd Command, trailing bool, params []string) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	line, err := formatLine(cmd, trailing, params...)
	if err != nil {
		return err
	}
	s.enqueue(line)
	return nil
}

func (s *Server) sendRaw(cmd Command, args string) {
	if s.conn == nil {
		return
	}
	line, err := formatRaw(cmd.String(), args)
	if err != nil {
		logger.Log.Warn().Err(err).Str("server", s.id).Msg("Dropping outbound line")
		return
	}
	s.enqueue(line)
}

func (s *Server) enqueue(line []byte) {
	s.queue = append(s.queue, line)
	s.flush()
}

// flush hands queued lines to the transport while the write ring and the
// flood limiter allow.
func (s *Server) flush() {
	for s.conn != nil && len(s.queue) > 0 && s.sending < constants.WriteRingSize {
		if !s.limiter.Allow() {
			return
		}
		line := s.queue[0]
		if err := s.conn.Write(line, lineID(len(line))); err != nil {
			logger.Log.Debug().Err(err).Str("server", s.id).Msg("Transport not accepting data")
			return
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.sending++
	}
}

// TransportConnected handles an established transport.
func (s *Server) TransportConnected(t Transport) {
	if t != s.conn {
		return
	}
	logger.Log.Info().Str("server", s.id).Str("remote", t.RemoteHost()).Msg("Connected, waiting for server")
	s.state = StateSocketOpen
	s.loginTicks = constants.LoginTimeoutTicks
	s.recv = make([]byte, 0, constants.ReceiveBufferSize)
}

// TransportClosed handles the end of a transport.
func (s *Server) TransportClosed(t Transport) {
	if t != s.conn {
		return
	}
	s.conn = nil
	wasActive := s.state == StateActive
	s.state = StateIdle
	s.recv = nil
	s.queue = nil
	s.sending = 0
	s.loginTicks = 0
	s.idleTicks = 0
	s.pongTicks = 0
	s.quitTicks = 0
	if wasActive {
		metrics.SessionActive.WithLabelValues(s.id).Set(0)
	}

	for _, ch := range s.Channels() {
		ch.reset()
		s.dropChannel(ch)
	}

	if s.quitting {
		logger.Log.Info().Str("server", s.id).Msg("Disconnected")
	} else {
		s.backoff = constants.LongBackoffTicks
		if s.reachedActive {
			s.backoff = constants.ShortBackoffTicks
		}
		s.reconnectTicks = s.backoff
		logger.Log.Warn().Str("server", s.id).Int("ticks", s.backoff).Msg("Connection lost, reconnecting later")
	}
	s.Disconnected.Raise(event.AnyID, struct{}{})
}

// TransportSent handles completion of a queued line.
func (s *Server) TransportSent(t Transport, _ any) {
	if t != s.conn {
		return
	}
	if s.sending > 0 {
		s.sending--
	}
	metrics.MessagesSent.WithLabelValues(s.id).Inc()
	s.flush()
}

// TransportData handles received bytes.
func (s *Server) TransportData(t Transport, buf []byte) {
	if t != s.conn {
		return
	}
	s.idleTicks = constants.IdleTicks
	s.pongTicks = 0
	if s.state == StateSocketOpen {
		s.login()
	}

	if len(s.recv)+len(buf) > constants.ReceiveBufferSize {
		logger.Log.Error().Str("server", s.id).Msg("Receive buffer overflow")
		t.Close()
		return
	}
	s.recv = append(s.recv, buf...)

	pos := 0
	for s.conn == t {
		msg, next := ParseFrame(s.recv, pos)
		if next == pos {
			break
		}
		pos = next
		if msg != nil {
			s.handleMessage(msg)
		}
	}
	if s.conn != t {
		return
	}

	rest := len(s.recv) - pos
	if rest > constants.ReceiveSlack {
		logger.Log.Error().Str("server", s.id).Int("bytes", rest).Msg("Protocol error, line too long")
		t.Close()
		return
	}
	s.recv = s.recv[:copy(s.recv, s.recv[pos:])]
}

func (s *Server) login() {
	logger.Log.Debug().Str("server", s.id).Str("nick", s.nick).Msg("Logging in")
	s.state = StateLoggingIn
	if s.opts.Password != "" {
		if err := s.send(PASS, s.opts.Password); err != nil {
			logger.Log.Warn().Err(err).Str("server", s.id).Msg("Cannot send password")
		}
	}
	s.sendNick()
	if err := s.sendText(USER, s.opts.User, "0", "*", s.opts.RealName); err != nil {
		logger.Log.Error().Err(err).Str("server", s.id).Msg("Cannot send USER")
	}
}

func (s *Server) sendNick() {
	s.sendRaw(NICK, s.nick)
}

func (s *Server) handleMessage(msg *Message) {
	metrics.MessagesReceived.WithLabelValues(s.id, msg.Command.Name()).Inc()
	s.RawReceived.Raise(event.AnyID, msg)
	if s.conn == nil {
		return
	}

	switch msg.Command {
	case PING:
		s.sendRaw(PONG, msg.RawParams)

	case RPL_WELCOME:
		if s.state == StateLoggingIn || s.state == StateSocketOpen {
			s.welcome(msg)
		}

	case ERR_NICKNAMEINUSE:
		if s.state == StateLoggingIn {
			s.nick += "_"
			logger.Log.Info().Str("server", s.id).Str("nick", s.nick).Msg("Nick in use, trying another")
			s.sendNick()
		}

	case NICK:
		if len(msg.Params) > 0 && s.isSelf(msg.Nick()) {
			s.nick = msg.Params[0]
		}

	case JOIN:
		if len(msg.Params) > 0 && s.isSelf(msg.Nick()) {
			s.ensureChannel(msg.Params[0])
		}

	case PRIVMSG:
		if len(msg.Params) < 2 {
			return
		}
		text := decodeText(msg.Params[1])
		if cmd, args, ok := ctcpRequest(text); ok && cmd != "ACTION" {
			if s.state == StateActive {
				s.handleCTCP(msg.Nick(), cmd, args)
			}
			break
		}
		text, action := ctcpAction(text)
		s.MsgReceived.Raise(event.AnyID, &MsgReceivedArgs{
			From:    msg.Nick(),
			To:      msg.Params[0],
			Message: text,
			Action:  action,
		})

	case ERROR:
		logger.Log.Warn().Str("server", s.id).Str("reason", msg.Param(0)).Msg("Server error")
	}

	for _, ch := range s.Channels() {
		if s.conn == nil {
			return
		}
		if s.channels[channelKey(ch.name)] == ch {
			ch.handleMessage(msg)
		}
	}
	for _, ch := range s.Channels() {
		if ch.failed {
			s.dropChannel(ch)
		}
	}
}

func (s *Server) welcome(msg *Message) {
	s.state = StateActive
	s.reachedActive = true
	s.loginTicks = 0
	s.idleTicks = constants.IdleTicks
	s.pongTicks = 0
	if msg.Prefix != "" {
		s.name = msg.Prefix
	}
	if nick := msg.Param(0); nick != "" {
		s.nick = nick
	}
	metrics.SessionActive.WithLabelValues(s.id).Set(1)
	logger.Log.Info().Str("server", s.id).Str("name", s.Name()).Str("nick", s.nick).Msg("Logged in")

	for _, name := range s.wanted {
		ch := s.ensureChannel(name)
		if ch.state == ChannelNotJoined {
			ch.join()
		}
	}
	s.Connected.Raise(event.AnyID, struct{}{})
}

func (s *Server) ensureChannel(name string) *Channel {
	key := channelKey(name)
	if ch, ok := s.channels[key]; ok {
		return ch
	}
	ch := newChannel(s, name)
	ch.Entered.Register(s, s.channelEntered, 0)
	ch.Left.Register(s, s.channelParted, 0)
	ch.Failed.Register(s, s.channelFailed, 0)
	s.channels[key] = ch
	return ch
}

func (s *Server) dropChannel(ch *Channel) {
	key := channelKey(ch.name)
	if s.channels[key] != ch {
		return
	}
	delete(s.channels, key)
	ch.destroy()
}

func (s *Server) channelEntered(ch *Channel, _ struct{}) {
	s.Joined.Raise(event.AnyID, ch)
}

func (s *Server) channelParted(ch *Channel, _ struct{}) {
	s.Parted.Raise(event.AnyID, ch)
}

func (s *Server) channelFailed(ch *Channel, _ struct{}) {
	s.unwant(ch.name)
	s.Parted.Raise(event.AnyID, ch)
}

// channelLeft is called by a channel the bot was removed from.
func (s *Server) channelLeft(ch *Channel) {
	if s.conn != nil && s.wants(ch.name) {
		ch.scheduleRejoin()
		return
	}
	s.dropChannel(ch)
}

func (s *Server) onTick(_ *service.Service, _ struct{}) {
	if s.conn == nil {
		s.tickReconnect()
		return
	}

	switch s.state {
	case StateSocketOpen, StateLoggingIn:
		if s.loginTicks > 0 {
			s.loginTicks--
			if s.loginTicks == 0 {
				logger.Log.Warn().Str("server", s.id).Msg("Login timeout")
				s.conn.Close()
				return
			}
		}
	case StateActive:
		if s.quitTicks > 0 {
			s.quitTicks--
			if s.quitTicks == 0 {
				logger.Log.Info().Str("server", s.id).Msg("No reply to QUIT, closing")
				s.conn.Close()
				return
			}
		}
		if !s.tickKeepalive() {
			return
		}
		for _, ch := range s.Channels() {
			if s.channels[channelKey(ch.name)] == ch {
				ch.tick()
			}
		}
	}
	s.flush()
}

// tickKeepalive pings an idle server and closes the transport when it does
// not answer. It reports whether the transport is still open.
func (s *Server) tickKeepalive() bool {
	if s.pongTicks > 0 {
		s.pongTicks--
		if s.pongTicks == 0 {
			logger.Log.Warn().Str("server", s.id).Msg("Ping timeout")
			s.conn.Close()
			return false
		}
		return true
	}
	if s.idleTicks > 0 {
		s.idleTicks--
		if s.idleTicks == 0 {
			logger.Log.Debug().Str("server", s.id).Msg("Idle, sending PING")
			if err := s.send(PING, s.Name()); err != nil {
				logger.Log.Warn().Err(err).Str("server", s.id).Msg("Cannot send PING")
			}
			s.pongTicks = constants.PongTicks
		}
	}
	return true
}

func (s *Server) tickReconnect() {
	if s.reconnectTicks == 0 {
		return
	}
	s.reconnectTicks--
	if s.reconnectTicks > 0 {
		return
	}
	metrics.Reconnects.WithLabelValues(s.id).Inc()
	if err := s.Connect(); err != nil {
		s.reconnectTicks = s.backoff
	}
}

// Destroy stops the session and releases it.
func (s *Server) Destroy() {
	s.svc.Tick.Unregister(s, s.onTick, 0)
	s.quitting = true
	if s.conn != nil {
		s.conn.Close()
	}
	for _, ch := range s.Channels() {
		s.dropChannel(ch)
	}
	s.Parted.Destroy()
	s.Joined.Destroy()
	s.RawReceived.Destroy()
	s.MsgReceived.Destroy()
	s.Disconnected.Destroy()
	s.Connected.Destroy()
}

func (s *Server) String() string {
	return fmt.Sprintf("server(%s %s %s)", s.id, s.Name(), s.state)
}
