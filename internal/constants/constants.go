package constants

import "time"

// Reactor timing. Every timeout below is counted in ticks of DefaultTickInterval.
const (
	// DefaultTickInterval is the period of the reactor's tick event
	DefaultTickInterval = 1 * time.Second

	// ShutdownGraceTicks bounds how long outstanding shutdown locks can delay exit
	ShutdownGraceTicks = 5

	// MaxPanicHandlers is the size of the reactor's panic handler table
	MaxPanicHandlers = 8
)

// Connection limits
const (
	// ConnectTimeoutTicks is how long a non-blocking connect may take
	ConnectTimeoutTicks = 6

	// ResolveTimeoutTicks is the budget of a reverse DNS lookup job
	ResolveTimeoutTicks = 6

	// ReadBufferSize is the most a single read callback delivers
	ReadBufferSize = 4096

	// WriteRingSize is the number of write records a connection can queue
	WriteRingSize = 16
)

// IRC session timing and limits
const (
	// ReceiveBufferSize is the per-session accumulation buffer for frames
	ReceiveBufferSize = 8192

	// ReceiveSlack is how much unparsed data may be left over before the
	// session treats the peer as broken
	ReceiveSlack = 4096

	// LoginTimeoutTicks is the wait for the welcome numeric after connecting
	LoginTimeoutTicks = 30

	// IdleTicks is the silence after which the session sends a PING
	IdleTicks = 120

	// PongTicks is the wait for any traffic after that PING
	PongTicks = 20

	// ShortBackoffTicks delays a reconnect after a session that got active
	ShortBackoffTicks = 5

	// LongBackoffTicks delays a reconnect after a session that never got active
	LongBackoffTicks = 60

	// MaxLineLength is the protocol line limit including CRLF
	MaxLineLength = 512

	// RelayUserHostLength is the room kept for user@host in the prefix a
	// server adds when it relays our messages
	RelayUserHostLength = 74
)

// Channel timing
const (
	// ChannelSyncTicks is the wait for the end of NAMES after JOIN
	ChannelSyncTicks = 30

	// ChannelRejoinTicks is the cooldown between the self-healing PART and JOIN
	ChannelRejoinTicks = 10
)

// Bot layer
const (
	// HandlerTicks is the budget of a bot handler job
	HandlerTicks = 5
)

// Worker pool defaults
const (
	DefaultMaxThreads        = 128
	DefaultThreadsPerCPU     = 2
	DefaultNThreads          = 8
	DefaultMinQueueLen       = 64
	DefaultMaxQueueLen       = 1024
	DefaultQueueLenPerThread = 2
)
