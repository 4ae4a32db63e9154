package irc

import (
	"sort"
	"strings"

	"github.com/matt0x6f/ircbot/internal/constants"
	"github.com/matt0x6f/ircbot/internal/event"
	"github.com/matt0x6f/ircbot/internal/logger"
)

// ChannelState is the membership state of the bot in a channel.
type ChannelState int

const (
	ChannelNotJoined ChannelState = iota
	ChannelJoinRequested
	ChannelJoined
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNotJoined:
		return "not-joined"
	case ChannelJoinRequested:
		return "join-requested"
	case ChannelJoined:
		return "joined"
	}
	return "unknown"
}

// nickPrefixes are membership markers servers put in front of NAMES entries.
const nickPrefixes = "~&@%+"

// Channel tracks one channel on a Server and its member nicks. It is only
// used on the reactor goroutine.
type Channel struct {
	// Entered is raised once the member list is complete after a join.
	Entered *event.Event[*Channel, struct{}]
	// Left is raised when the bot leaves a joined channel.
	Left *event.Event[*Channel, struct{}]
	// Failed is raised when the server reports the channel does not exist.
	Failed *event.Event[*Channel, struct{}]
	// Joined and Parted carry the nick of another user entering or leaving.
	Joined *event.Event[*Channel, string]
	Parted *event.Event[*Channel, string]

	server      *Server
	name        string
	state       ChannelState
	nicks       map[string]struct{}
	syncTicks   int
	rejoinTicks int
	failed      bool
}

func newChannel(server *Server, name string) *Channel {
	c := &Channel{
		server: server,
		name:   name,
		nicks:  make(map[string]struct{}),
	}
	c.Entered = event.New[*Channel, struct{}](c)
	c.Left = event.New[*Channel, struct{}](c)
	c.Failed = event.New[*Channel, struct{}](c)
	c.Joined = event.New[*Channel, string](c)
	c.Parted = event.New[*Channel, string](c)
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Server returns the server this channel belongs to.
func (c *Channel) Server() *Server {
	return c.server
}

// State returns the current membership state.
func (c *Channel) State() ChannelState {
	return c.state
}

// IsJoined reports whether the join completed.
func (c *Channel) IsJoined() bool {
	return c.state == ChannelJoined
}

// Nicks returns the other members of the channel, sorted.
func (c *Channel) Nicks() []string {
	out := make([]string, 0, len(c.nicks))
	for nick := range c.nicks {
		out = append(out, nick)
	}
	sort.Strings(out)
	return out
}

// HasNick reports whether nick is a known member.
func (c *Channel) HasNick(nick string) bool {
	_, ok := c.nicks[nick]
	return ok
}

func (c *Channel) is(name string) bool {
	return strings.EqualFold(c.name, name)
}

// join sends JOIN and waits for the member list.
func (c *Channel) join() {
	c.clear()
	c.rejoinTicks = 0
	c.state = ChannelJoinRequested
	c.syncTicks = constants.ChannelSyncTicks
	if err := c.server.send(JOIN, c.name); err != nil {
		logger.Log.Warn().Err(err).Str("channel", c.name).Msg("Cannot send JOIN")
	}
}

// part sends PART for this channel.
func (c *Channel) part() {
	c.syncTicks = 0
	c.rejoinTicks = 0
	if err := c.server.send(PART, c.name); err != nil {
		logger.Log.Warn().Err(err).Str("channel", c.name).Msg("Cannot send PART")
	}
}

func (c *Channel) clear() {
	clear(c.nicks)
}

// reset drops all state without sending anything.
func (c *Channel) reset() {
	wasJoined := c.state == ChannelJoined
	c.clear()
	c.state = ChannelNotJoined
	c.syncTicks = 0
	c.rejoinTicks = 0
	if wasJoined {
		c.Left.Raise(event.AnyID, struct{}{})
	}
}

// leave handles the bot being removed from the channel.
func (c *Channel) leave() {
	if c.state == ChannelNotJoined {
		return
	}
	c.reset()
	c.server.channelLeft(c)
}

func (c *Channel) scheduleRejoin() {
	c.rejoinTicks = constants.ChannelRejoinTicks
}

func (c *Channel) tick() {
	switch {
	case c.state == ChannelJoinRequested && c.syncTicks > 0:
		c.syncTicks--
		if c.syncTicks > 0 {
			return
		}
		logger.Log.Warn().Str("server", c.server.id).Str("channel", c.name).Msg("No member list received, rejoining")
		c.clear()
		c.state = ChannelNotJoined
		c.part()
		c.scheduleRejoin()
	case c.state == ChannelNotJoined && c.rejoinTicks > 0:
		c.rejoinTicks--
		if c.rejoinTicks == 0 {
			c.join()
		}
	}
}

func (c *Channel) handleMessage(msg *Message) {
	switch msg.Command {
	case JOIN:
		if len(msg.Params) == 0 || !c.is(msg.Params[0]) {
			return
		}
		nick := msg.Nick()
		if c.server.isSelf(nick) {
			if c.state != ChannelJoinRequested {
				c.clear()
				c.rejoinTicks = 0
				c.state = ChannelJoinRequested
				c.syncTicks = constants.ChannelSyncTicks
			}
			return
		}
		c.nicks[nick] = struct{}{}
		c.Joined.Raise(event.AnyID, nick)

	case PART:
		if len(msg.Params) == 0 || !c.is(msg.Params[0]) {
			return
		}
		c.removeNick(msg.Nick())

	case QUIT:
		c.removeNick(msg.Nick())

	case KICK:
		if len(msg.Params) < 2 || !c.is(msg.Params[0]) {
			return
		}
		c.removeNick(msg.Params[1])

	case NICK:
		if len(msg.Params) != 1 {
			return
		}
		old := msg.Nick()
		if _, ok := c.nicks[old]; ok {
			delete(c.nicks, old)
			c.nicks[msg.Params[0]] = struct{}{}
		}

	case RPL_NAMREPLY:
		if len(msg.Params) != 4 || !c.is(msg.Params[2]) || c.state == ChannelNotJoined {
			return
		}
		for _, nick := range strings.Split(msg.Params[3], " ") {
			nick = strings.TrimLeft(nick, nickPrefixes)
			if nick == "" || c.server.isSelf(nick) {
				continue
			}
			c.nicks[nick] = struct{}{}
		}

	case RPL_ENDOFNAMES:
		if len(msg.Params) < 2 || !c.is(msg.Params[1]) || c.state != ChannelJoinRequested {
			return
		}
		c.state = ChannelJoined
		c.syncTicks = 0
		logger.Log.Info().Str("server", c.server.id).Str("channel", c.name).Int("nicks", len(c.nicks)).Msg("Joined channel")
		c.Entered.Raise(event.AnyID, struct{}{})

	case ERR_NOSUCHCHANNEL:
		if len(msg.Params) < 2 || !c.is(msg.Params[1]) {
			return
		}
		logger.Log.Warn().Str("server", c.server.id).Str("channel", c.name).Msg("No such channel")
		c.clear()
		c.state = ChannelNotJoined
		c.syncTicks = 0
		c.rejoinTicks = 0
		c.failed = true
		c.Failed.Raise(event.AnyID, struct{}{})
	}
}

// removeNick handles a member leaving. If the member is the bot itself, the
// channel is left.
func (c *Channel) removeNick(nick string) {
	if c.server.isSelf(nick) {
		c.leave()
		return
	}
	if _, ok := c.nicks[nick]; !ok {
		return
	}
	delete(c.nicks, nick)
	c.Parted.Raise(event.AnyID, nick)
}

func (c *Channel) destroy() {
	c.Parted.Destroy()
	c.Joined.Destroy()
	c.Failed.Destroy()
	c.Left.Destroy()
	c.Entered.Destroy()
}
