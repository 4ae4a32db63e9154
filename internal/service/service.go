// Package service implements the reactor: a single goroutine that owns every
// descriptor interest set, the periodic tick, signal driven shutdown and the
// hand-off point for work finished on other goroutines.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/ircbot/internal/constants"
	"github.com/matt0x6f/ircbot/internal/daemon"
	"github.com/matt0x6f/ircbot/internal/event"
	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/metrics"
)

// State is the reactor lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Exit codes returned by Run
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// Readiness flags passed to Notify
const (
	Read  = 1 << iota
	Write
)

// ErrTooManyPanicHandlers is returned when the panic handler table is full
var ErrTooManyPanicHandlers = errors.New("too many panic handlers")

// StartupArgs is raised with the startup event. Handlers set RC to a non-zero
// value to keep the loop from starting.
type StartupArgs struct {
	RC int
}

// PanicHandler is notified before the reactor unwinds after Panic.
type PanicHandler func(msg string)

// Options configures the reactor.
type Options struct {
	// TickInterval is the period of the tick event
	TickInterval time.Duration
	// ShutdownTickInterval is the tick period forced while shutdown locks are held
	ShutdownTickInterval time.Duration
	// UID and GID to switch to before the loop starts; -1 keeps the current ids
	UID int
	GID int
	// PIDFile is handed to the new owner when dropping privileges
	PIDFile string
	// Signals that request shutdown; defaults to SIGINT and SIGTERM
	Signals []os.Signal
}

// DefaultOptions returns one-second ticks and no privilege change.
func DefaultOptions() Options {
	return Options{
		TickInterval:         constants.DefaultTickInterval,
		ShutdownTickInterval: constants.DefaultTickInterval,
		UID:                  -1,
		GID:                  -1,
	}
}

type fatal struct {
	msg string
}

// Service is the reactor. Apart from Post, Notify, NewDescriptor, Quit and
// State, its methods must be called on the reactor goroutine, which is the
// goroutine executing Run.
type Service struct {
	Startup    *event.Event[*Service, *StartupArgs]
	Shutdown   *event.Event[*Service, struct{}]
	Tick       *event.Event[*Service, struct{}]
	ReadyRead  *event.Event[*Service, int]
	ReadyWrite *event.Event[*Service, int]
	EventsDone *event.Event[*Service, struct{}]

	opts  Options
	state atomic.Int32
	exit  func(code int)

	readSet  map[int]struct{}
	writeSet map[int]struct{}
	nfds     int

	shutdownRef   int
	shutdownTicks int

	panicHandlers []PanicHandler
	panicked      bool
	looping       bool

	ticker    *time.Ticker
	interval  time.Duration
	quit      chan struct{}
	quitOnce  sync.Once
	wake      chan struct{}
	lastFD    atomic.Int64
	pendingMu sync.Mutex
	ready     map[int]int
	posted    []func()
}

// New creates a reactor in the uninitialized state.
func New(opts Options) *Service {
	d := DefaultOptions()
	if opts.TickInterval <= 0 {
		opts.TickInterval = d.TickInterval
	}
	if opts.ShutdownTickInterval <= 0 {
		opts.ShutdownTickInterval = d.ShutdownTickInterval
	}
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	s := &Service{
		opts:        opts,
		exit:        os.Exit,
		readSet:     make(map[int]struct{}),
		writeSet:    make(map[int]struct{}),
		shutdownRef: -1,
		interval:    opts.TickInterval,
		quit:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
		ready:       make(map[int]int),
	}
	s.Startup = event.New[*Service, *StartupArgs](s)
	s.Shutdown = event.New[*Service, struct{}](s)
	s.Tick = event.New[*Service, struct{}](s)
	s.ReadyRead = event.New[*Service, int](s)
	s.ReadyWrite = event.New[*Service, int](s)
	s.EventsDone = event.New[*Service, struct{}](s)
	return s
}

// State returns the lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// NewDescriptor allocates a descriptor id for a new I/O source. Ids start at
// 1 because 0 is the wildcard raise id of readiness events.
func (s *Service) NewDescriptor() int {
	return int(s.lastFD.Add(1))
}

// RegisterRead adds fd to the read interest set.
func (s *Service) RegisterRead(fd int) {
	if _, ok := s.readSet[fd]; ok {
		return
	}
	s.readSet[fd] = struct{}{}
	if fd >= s.nfds {
		s.nfds = fd + 1
	}
	metrics.ReactorDescriptors.WithLabelValues("read").Set(float64(len(s.readSet)))
}

// UnregisterRead removes fd from the read interest set.
func (s *Service) UnregisterRead(fd int) {
	if _, ok := s.readSet[fd]; !ok {
		return
	}
	delete(s.readSet, fd)
	s.reduceNfds(fd)
	metrics.ReactorDescriptors.WithLabelValues("read").Set(float64(len(s.readSet)))
}

// RegisterWrite adds fd to the write interest set.
func (s *Service) RegisterWrite(fd int) {
	if _, ok := s.writeSet[fd]; ok {
		return
	}
	s.writeSet[fd] = struct{}{}
	if fd >= s.nfds {
		s.nfds = fd + 1
	}
	metrics.ReactorDescriptors.WithLabelValues("write").Set(float64(len(s.writeSet)))
}

// UnregisterWrite removes fd from the write interest set.
func (s *Service) UnregisterWrite(fd int) {
	if _, ok := s.writeSet[fd]; !ok {
		return
	}
	delete(s.writeSet, fd)
	s.reduceNfds(fd)
	metrics.ReactorDescriptors.WithLabelValues("write").Set(float64(len(s.writeSet)))
}

func (s *Service) reduceNfds(fd int) {
	if fd+1 != s.nfds {
		return
	}
	for s.nfds > 0 {
		top := s.nfds - 1
		_, r := s.readSet[top]
		_, w := s.writeSet[top]
		if r || w {
			break
		}
		s.nfds--
	}
}

// MaxFD returns one more than the highest descriptor with any interest.
func (s *Service) MaxFD() int {
	return s.nfds
}

// WantsRead reports whether fd has read interest.
func (s *Service) WantsRead(fd int) bool {
	_, ok := s.readSet[fd]
	return ok
}

// WantsWrite reports whether fd has write interest.
func (s *Service) WantsWrite(fd int) bool {
	_, ok := s.writeSet[fd]
	return ok
}

// Notify reports readiness of fd from an I/O goroutine. Readiness for a
// descriptor without matching interest at dispatch time is dropped.
func (s *Service) Notify(fd, flags int) {
	s.pendingMu.Lock()
	s.ready[fd] |= flags
	s.pendingMu.Unlock()
	s.poke()
}

// Post queues fn to run on the reactor goroutine. It never blocks.
func (s *Service) Post(fn func()) {
	s.pendingMu.Lock()
	s.posted = append(s.posted, fn)
	s.pendingMu.Unlock()
	s.poke()
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Quit requests an orderly shutdown, like a termination signal.
func (s *Service) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// SetTickInterval changes the tick period, taking effect immediately when
// the loop is running.
func (s *Service) SetTickInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.interval = d
	if s.ticker != nil {
		s.ticker.Reset(d)
	}
}

// ShutdownLock extends the shutdown grace period until ShutdownUnlock.
// Locks taken before shutdown starts are ignored.
func (s *Service) ShutdownLock() {
	if s.shutdownRef == 0 {
		s.SetTickInterval(s.opts.ShutdownTickInterval)
	}
	if s.shutdownRef >= 0 {
		s.shutdownRef++
	}
}

// ShutdownUnlock releases a lock taken with ShutdownLock.
func (s *Service) ShutdownUnlock() {
	if s.shutdownRef > 0 {
		s.shutdownRef--
	}
}

// RegisterPanic adds h to the handlers notified by Panic.
func (s *Service) RegisterPanic(h PanicHandler) error {
	if len(s.panicHandlers) >= constants.MaxPanicHandlers {
		return ErrTooManyPanicHandlers
	}
	s.panicHandlers = append(s.panicHandlers, h)
	return nil
}

// UnregisterPanic removes h from the panic handlers.
func (s *Service) UnregisterPanic(h PanicHandler) {
	code := reflect.ValueOf(h).Pointer()
	for i, ph := range s.panicHandlers {
		if reflect.ValueOf(ph).Pointer() == code {
			s.panicHandlers = append(s.panicHandlers[:i], s.panicHandlers[i+1:]...)
			return
		}
	}
}

// Panic reports an unrecoverable local failure. Inside the loop it notifies
// the panic handlers and unwinds to the loop, which starts an orderly
// shutdown. Anywhere else, Startup handlers included, the process exits.
// Must be called on the reactor goroutine.
func (s *Service) Panic(msg string) {
	running := s.looping
	if running {
		for _, h := range s.panicHandlers {
			h(msg)
		}
	}
	logger.SetAsync(nil)
	logger.Log.WithLevel(zerolog.FatalLevel).Msg(msg)
	if running {
		panic(fatal{msg: msg})
	}
	s.exit(ExitFailure)
}

// Run raises startup and, if no handler vetoed it, runs the loop until
// shutdown completes. It returns the process exit code.
func (s *Service) Run(ctx context.Context) int {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateRunning)) {
		logger.Log.Error().Str("state", s.State().String()).Msg("Service cannot run")
		return ExitFailure
	}
	defer s.state.Store(int32(StateStopped))

	if err := daemon.DropPrivileges(s.opts.UID, s.opts.GID, s.opts.PIDFile); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to drop privileges")
		return ExitFailure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.opts.Signals...)
	defer signal.Stop(sigCh)

	s.ticker = time.NewTicker(s.interval)
	defer func() {
		s.ticker.Stop()
		s.ticker = nil
	}()

	if rc := s.raiseStartup(); rc != ExitSuccess {
		return rc
	}

	logger.Log.Info().Msg("Service started")

	ls := &loopState{sig: sigCh, quit: s.quit, done: ctx.Done()}
	s.looping = true
	for s.shutdownRef != 0 {
		if !s.iterate(ls) {
			break
		}
	}
	s.looping = false
	s.EventsDone.Raise(event.AnyID, struct{}{})

	logger.Log.Info().Msg("Service shutting down")
	if s.panicked {
		return ExitFailure
	}
	return ExitSuccess
}

func (s *Service) raiseStartup() (rc int) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(fatal); !ok {
				panic(r)
			}
			rc = ExitFailure
		}
	}()
	args := &StartupArgs{RC: ExitSuccess}
	s.Startup.Raise(event.AnyID, args)
	return args.RC
}

// loopState holds the wake sources of the loop. Channels that can only fire
// once are set to nil after firing so a closed channel does not spin the loop.
type loopState struct {
	sig  <-chan os.Signal
	quit <-chan struct{}
	done <-chan struct{}

	shutdownRequest bool
	tickPending     bool
}

// iterate runs one loop iteration and reports whether the loop goes on.
// A Panic inside the iteration is recovered here and turned into a
// shutdown request, or ends the loop if shutdown was already underway.
func (s *Service) iterate(ls *loopState) (cont bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(fatal); !ok {
			panic(r)
		}
		s.panicked = true
		if s.State() == StateShuttingDown {
			cont = false
			return
		}
		ls.shutdownRequest = true
		cont = true
	}()

	s.EventsDone.Raise(event.AnyID, struct{}{})

	if !ls.shutdownRequest && !ls.tickPending && !s.hasPending() {
		select {
		case <-ls.sig:
			ls.shutdownRequest = true
		case <-ls.quit:
			ls.quit = nil
			ls.shutdownRequest = true
		case <-ls.done:
			ls.done = nil
			ls.shutdownRequest = true
		case <-s.ticker.C:
			ls.tickPending = true
		case <-s.wake:
		}
	}
	s.poll(ls)

	if ls.shutdownRequest {
		ls.shutdownRequest = false
		if s.State() == StateShuttingDown {
			logger.Log.Warn().Msg("Repeated shutdown request, exiting now")
			s.shutdownRef = 0
			return false
		}
		s.state.Store(int32(StateShuttingDown))
		s.shutdownRef = 0
		s.shutdownTicks = constants.ShutdownGraceTicks
		s.Shutdown.Raise(event.AnyID, struct{}{})
		return true
	}

	if ls.tickPending {
		ls.tickPending = false
		if s.shutdownTicks > 0 {
			s.shutdownTicks--
			if s.shutdownTicks == 0 {
				s.shutdownRef = 0
				return false
			}
		}
		metrics.ReactorTicks.Inc()
		s.Tick.Raise(event.AnyID, struct{}{})
		return true
	}

	s.dispatchReady()
	return true
}

// poll collects wake sources that fired besides the one that woke the loop.
func (s *Service) poll(ls *loopState) {
	select {
	case <-ls.sig:
		ls.shutdownRequest = true
	default:
	}
	select {
	case <-ls.quit:
		ls.quit = nil
		ls.shutdownRequest = true
	default:
	}
	select {
	case <-ls.done:
		ls.done = nil
		ls.shutdownRequest = true
	default:
	}
	select {
	case <-s.ticker.C:
		ls.tickPending = true
	default:
	}
}
func (s *Service) hasPending() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.ready) > 0 || len(s.posted) > 0
}

// dispatchReady raises write readiness before read readiness, each in
// ascending descriptor order, then runs posted functions.
func (s *Service) dispatchReady() {
	s.pendingMu.Lock()
	ready := s.ready
	posted := s.posted
	if len(ready) > 0 {
		s.ready = make(map[int]int)
	}
	s.posted = nil
	s.pendingMu.Unlock()

	if len(ready) > 0 {
		fds := make([]int, 0, len(ready))
		for fd := range ready {
			if fd < s.nfds {
				fds = append(fds, fd)
			}
		}
		sort.Ints(fds)
		for _, fd := range fds {
			if ready[fd]&Write != 0 && s.WantsWrite(fd) {
				s.ReadyWrite.Raise(fd, fd)
			}
		}
		for _, fd := range fds {
			if ready[fd]&Read != 0 && s.WantsRead(fd) {
				s.ReadyRead.Raise(fd, fd)
			}
		}
	}

	for _, fn := range posted {
		fn()
	}
}
