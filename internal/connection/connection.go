// Package connection implements a reactor-driven TCP connection with optional
// TLS, a bounded write ring and application level read backpressure.
//
// Blocking socket calls happen on small driver goroutines owned by each
// Connection. They never touch connection state; they hand their result over
// and report readiness to the reactor, where the state machine runs.
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/matt0x6f/ircbot/internal/constants"
	"github.com/matt0x6f/ircbot/internal/event"
	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/metrics"
	"github.com/matt0x6f/ircbot/internal/service"
	"github.com/matt0x6f/ircbot/internal/threadpool"
)

var (
	// ErrWriteRingFull is returned by Write when all write records are in use
	ErrWriteRingFull = errors.New("write ring full")

	// ErrClosed is returned for operations on a closing connection
	ErrClosed = errors.New("connection closed")

	// ErrNotHandling is returned by ConfirmDataReceived without a held buffer
	ErrNotHandling = errors.New("no received data is being handled")
)

// Mode selects how a new connection starts.
type Mode int

const (
	// ModeNormal starts reading immediately
	ModeNormal Mode = iota
	// ModeWait registers no interest until Activate or Write
	ModeWait
	// ModeConnecting waits for a dial in progress
	ModeConnecting
)

type phase int

const (
	phaseConnecting phase = iota
	phaseHandshake
	phaseActive
	phaseClosing
	phaseDestroyed
)

func (p phase) String() string {
	switch p {
	case phaseConnecting:
		return "connecting"
	case phaseHandshake:
		return "handshake"
	case phaseActive:
		return "active"
	case phaseClosing:
		return "closing"
	case phaseDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// JobRunner is the part of the worker pool used for reverse DNS lookups.
type JobRunner interface {
	Active() bool
	Enqueue(job *threadpool.Job) error
	Cancel(job *threadpool.Job)
}

// Options configures a connection created from an existing socket.
type Options struct {
	Mode Mode
	// TLS wraps the socket in a client TLS session before it becomes active
	TLS       bool
	TLSConfig *tls.Config
}

// DataReceivedArgs carries one read buffer. Buf is valid until the handler
// returns. A handler that keeps working on it sets Handling, which suspends
// reads and keeps Buf valid until ConfirmDataReceived.
type DataReceivedArgs struct {
	Buf      []byte
	Handling bool
}

type writeRecord struct {
	buf []byte
	pos int
	id  any
}

type ioResult struct {
	n   int
	err error
}

type dialResult struct {
	conn net.Conn
	err  error
}

// Connection is one socket driven by the reactor. All methods must be called
// on the reactor goroutine.
type Connection struct {
	Connected    *event.Event[*Connection, struct{}]
	Closed       *event.Event[*Connection, struct{}]
	DataReceived *event.Event[*Connection, *DataReceivedArgs]
	DataSent     *event.Event[*Connection, any]

	svc  *service.Service
	pool JobRunner
	fd   int

	conn      net.Conn
	tlsConfig *tls.Config
	phase     phase
	waiting   bool

	connectTicks int
	cancelDial   context.CancelFunc

	recs  [constants.WriteRingSize]writeRecord
	nrecs int
	base  int

	args  DataReceivedArgs
	rdbuf [constants.ReadBufferSize]byte

	deleteScheduled bool
	numeric         bool
	addr            string
	name            string
	data            any
	deleter         func(any)
	resolveJob      *threadpool.Job

	readArmed bool
	writeBusy bool
	armRead   chan struct{}
	writeReq  chan []byte

	mu        sync.Mutex
	abandoned bool
	readRes   *ioResult
	writeRes  *ioResult
	dialRes   *dialResult
	hsRes     *ioResult
}

func newConnection(svc *service.Service, pool JobRunner, tlsConfig *tls.Config) *Connection {
	c := &Connection{
		svc:       svc,
		pool:      pool,
		fd:        svc.NewDescriptor(),
		tlsConfig: tlsConfig,
	}
	c.Connected = event.New[*Connection, struct{}](c)
	c.Closed = event.New[*Connection, struct{}](c)
	c.DataReceived = event.New[*Connection, *DataReceivedArgs](c)
	c.DataSent = event.New[*Connection, any](c)

	svc.ReadyRead.Register(c, c.onReadable, c.fd)
	svc.ReadyWrite.Register(c, c.onWritable, c.fd)
	metrics.ConnectionsOpen.Inc()
	return c
}

// New wraps an established socket.
func New(svc *service.Service, pool JobRunner, conn net.Conn, opts Options) *Connection {
	var cfg *tls.Config
	if opts.TLS {
		cfg = opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
	}
	c := newConnection(svc, pool, cfg)
	c.conn = conn

	if cfg != nil {
		c.startHandshake()
		return c
	}
	c.phase = phaseActive
	c.startDrivers()
	if opts.Mode == ModeWait {
		c.waiting = true
		return c
	}
	c.wantReadWrite()
	return c
}

// newConnecting creates a connection whose socket is being dialed by dial.
func newConnecting(svc *service.Service, pool JobRunner, tlsConfig *tls.Config, dial func(ctx context.Context) (net.Conn, error)) *Connection {
	c := newConnection(svc, pool, tlsConfig)
	c.phase = phaseConnecting
	c.connectTicks = constants.ConnectTimeoutTicks
	svc.Tick.Register(c, c.checkPending, 0)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	go func() {
		conn, err := dial(ctx)
		c.mu.Lock()
		if c.abandoned {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		c.dialRes = &dialResult{conn: conn, err: err}
		c.mu.Unlock()
		svc.Notify(c.fd, service.Write)
	}()

	c.wantReadWrite()
	return c
}

// FD returns the reactor descriptor id of this connection.
func (c *Connection) FD() int {
	return c.fd
}

// RemoteAddr returns the numeric peer address.
func (c *Connection) RemoteAddr() string {
	if c.addr == "" {
		return "<unknown>"
	}
	return c.addr
}

// RemoteHost returns the resolved peer name, or the numeric address.
func (c *Connection) RemoteHost() string {
	if c.name != "" {
		return c.name
	}
	return c.RemoteAddr()
}

// SetRemoteAddrString records a peer address without any lookup.
func (c *Connection) SetRemoteAddrString(addr string) {
	c.addr = addr
	c.name = ""
}

// SetRemoteAddr records the numeric peer address and, unless numericOnly,
// starts a background reverse lookup for its name.
func (c *Connection) SetRemoteAddr(addr net.Addr, numericOnly bool) {
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	c.addr = host
	c.name = ""

	if numericOnly || c.resolveJob != nil || c.pool == nil || !c.pool.Active() {
		return
	}
	args := &resolveArgs{addr: host}
	job := threadpool.NewJob(resolveProc, args, constants.ResolveTimeoutTicks)
	job.Finished.Register(c, c.resolveFinished, 0)
	c.resolveJob = job
	if err := c.pool.Enqueue(job); err != nil {
		job.Finished.Unregister(c, c.resolveFinished, 0)
		c.resolveJob = nil
		logger.Log.Debug().Err(err).Str("remote", host).Msg("Reverse lookup not started")
	}
}

type resolveArgs struct {
	addr string
	name string
	err  error
}

func resolveProc(arg any) {
	ra := arg.(*resolveArgs)
	names, err := net.LookupAddr(ra.addr)
	if err != nil {
		ra.err = err
		return
	}
	if len(names) > 0 {
		ra.name = strings.TrimSuffix(names[0], ".")
	}
}

func (c *Connection) resolveFinished(job *threadpool.Job, _ struct{}) {
	job.Finished.Unregister(c, c.resolveFinished, 0)
	if c.resolveJob == job {
		c.resolveJob = nil
	}
	if !job.HasCompleted() {
		logger.Log.Debug().Str("remote", c.addr).Msg("Reverse lookup timed out")
		return
	}
	ra := job.Arg().(*resolveArgs)
	if ra.err != nil || ra.name == "" || ra.addr != c.addr {
		return
	}
	c.name = ra.name
	logger.Log.Debug().Str("remote", c.addr).Str("host", c.name).Msg("Resolved remote host")
}

// SetData attaches user data. The previous value is handed to its deleter.
func (c *Connection) SetData(data any, deleter func(any)) {
	if c.deleter != nil {
		c.deleter(c.data)
	}
	c.data = data
	c.deleter = deleter
}

// Data returns the value attached with SetData.
func (c *Connection) Data() any {
	return c.data
}

// Handling reports whether reads are suspended by a DataReceived handler.
func (c *Connection) Handling() bool {
	return c.args.Handling
}

// Pending returns the number of queued write records.
func (c *Connection) Pending() int {
	return c.nrecs
}

// Write queues buf for sending. buf must stay untouched until DataSent is
// raised with id; DataSent is not raised for a nil id. Write fails with
// ErrWriteRingFull when all write records are in use.
func (c *Connection) Write(buf []byte, id any) error {
	if c.phase >= phaseClosing {
		return ErrClosed
	}
	if c.nrecs == len(c.recs) {
		return ErrWriteRingFull
	}
	rec := &c.recs[(c.base+c.nrecs)%len(c.recs)]
	*rec = writeRecord{buf: buf, id: id}
	c.nrecs++
	c.waiting = false
	c.wantReadWrite()
	return nil
}

// Activate resumes reading unless a DataReceived handler still holds the
// read buffer.
func (c *Connection) Activate() {
	if c.args.Handling || c.phase >= phaseClosing {
		return
	}
	logger.Log.Debug().Str("remote", c.RemoteAddr()).Msg("Unblocking reads")
	c.waiting = false
	c.wantReadWrite()
}

// ConfirmDataReceived releases the read buffer held by a handler.
func (c *Connection) ConfirmDataReceived() error {
	if !c.args.Handling {
		return ErrNotHandling
	}
	c.args.Handling = false
	c.Activate()
	return nil
}

// Close raises Closed and closes the socket. The connection is destroyed at
// the end of the current reactor iteration.
func (c *Connection) Close() {
	if c.deleteScheduled || c.phase == phaseDestroyed {
		return
	}
	c.Closed.Raise(event.AnyID, struct{}{})
	c.deleteLater()
}

func (c *Connection) deleteLater() {
	if c.deleteScheduled {
		return
	}
	c.deleteScheduled = true
	c.phase = phaseClosing
	c.shutdownSocket()
	c.svc.EventsDone.Register(c, c.onEventsDone, 0)
}

func (c *Connection) onEventsDone(_ *service.Service, _ struct{}) {
	c.svc.EventsDone.Unregister(c, c.onEventsDone, 0)
	c.deleteScheduled = false
	c.Destroy()
}

func (c *Connection) shutdownSocket() {
	if c.cancelDial != nil {
		c.cancelDial()
	}
	c.mu.Lock()
	c.abandoned = true
	r := c.dialRes
	c.dialRes = nil
	c.mu.Unlock()
	if r != nil && r.conn != nil {
		_ = r.conn.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Destroy releases the connection. Queued write records are reported through
// DataSent. Destroy is ignored while a deferred destruction is pending.
func (c *Connection) Destroy() {
	if c.phase == phaseDestroyed || c.deleteScheduled {
		return
	}
	wasClosing := c.phase == phaseClosing
	c.phase = phaseDestroyed

	c.svc.UnregisterRead(c.fd)
	c.svc.UnregisterWrite(c.fd)
	for ; c.nrecs > 0; c.nrecs-- {
		rec := c.recs[c.base]
		c.recs[c.base] = writeRecord{}
		c.base = (c.base + 1) % len(c.recs)
		if rec.id != nil {
			c.DataSent.Raise(event.AnyID, rec.id)
		}
	}
	if !wasClosing {
		c.shutdownSocket()
	}
	c.svc.Tick.Unregister(c, c.checkPending, 0)
	c.svc.ReadyRead.Unregister(c, c.onReadable, c.fd)
	c.svc.ReadyWrite.Unregister(c, c.onWritable, c.fd)
	if c.resolveJob != nil {
		if c.pool != nil {
			c.pool.Cancel(c.resolveJob)
		}
		c.resolveJob.Finished.Unregister(c, c.resolveFinished, 0)
		c.resolveJob = nil
	}
	if c.deleter != nil {
		c.deleter(c.data)
		c.deleter = nil
	}
	c.data = nil
	if c.armRead != nil {
		close(c.armRead)
		close(c.writeReq)
	}
	c.DataSent.Destroy()
	c.DataReceived.Destroy()
	c.Closed.Destroy()
	c.Connected.Destroy()
	metrics.ConnectionsOpen.Dec()
}

func (c *Connection) startDrivers() {
	c.armRead = make(chan struct{}, 1)
	c.writeReq = make(chan []byte, 1)
	go c.readLoop(c.conn, c.armRead)
	go c.writeLoop(c.conn, c.writeReq)
}

func (c *Connection) readLoop(conn net.Conn, arm <-chan struct{}) {
	for range arm {
		n, err := conn.Read(c.rdbuf[:])
		c.mu.Lock()
		c.readRes = &ioResult{n: n, err: err}
		c.mu.Unlock()
		c.svc.Notify(c.fd, service.Read)
	}
}

func (c *Connection) writeLoop(conn net.Conn, req <-chan []byte) {
	for buf := range req {
		n, err := conn.Write(buf)
		c.mu.Lock()
		c.writeRes = &ioResult{n: n, err: err}
		c.mu.Unlock()
		c.svc.Notify(c.fd, service.Write)
	}
}

func (c *Connection) startHandshake() {
	c.phase = phaseHandshake
	if c.connectTicks == 0 {
		c.connectTicks = constants.ConnectTimeoutTicks
		c.svc.Tick.Register(c, c.checkPending, 0)
	}
	tc := tls.Client(c.conn, c.tlsConfig)
	c.conn = tc
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	go func() {
		err := tc.HandshakeContext(ctx)
		c.mu.Lock()
		c.hsRes = &ioResult{err: err}
		c.mu.Unlock()
		c.svc.Notify(c.fd, service.Read)
	}()
	c.wantReadWrite()
}

// wantReadWrite derives reactor interest from the current state and keeps
// the driver goroutines busy accordingly.
func (c *Connection) wantReadWrite() {
	if c.phase >= phaseClosing {
		return
	}
	wantWrite := c.phase == phaseConnecting || c.nrecs > 0
	wantRead := c.phase == phaseHandshake ||
		(c.phase == phaseActive && !c.args.Handling && !c.waiting)

	if wantWrite {
		c.svc.RegisterWrite(c.fd)
	} else {
		c.svc.UnregisterWrite(c.fd)
	}
	if wantRead {
		c.svc.RegisterRead(c.fd)
	} else {
		c.svc.UnregisterRead(c.fd)
	}

	if c.phase != phaseActive {
		return
	}
	if wantRead {
		if !c.readArmed {
			c.readArmed = true
			c.armRead <- struct{}{}
		} else if c.hasReadResult() {
			c.svc.Notify(c.fd, service.Read)
		}
	}
	if c.nrecs > 0 && !c.writeBusy {
		rec := &c.recs[c.base]
		c.writeBusy = true
		c.writeReq <- rec.buf[rec.pos:]
	}
}

func (c *Connection) hasReadResult() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readRes != nil
}

func (c *Connection) takeDial() *dialResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.dialRes
	c.dialRes = nil
	return r
}

func (c *Connection) takeHandshake() *ioResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.hsRes
	c.hsRes = nil
	return r
}

func (c *Connection) takeRead() *ioResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.readRes
	c.readRes = nil
	return r
}

func (c *Connection) takeWrite() *ioResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.writeRes
	c.writeRes = nil
	return r
}

func (c *Connection) checkPending(_ *service.Service, _ struct{}) {
	if c.phase != phaseConnecting && c.phase != phaseHandshake {
		return
	}
	if c.connectTicks > 0 {
		c.connectTicks--
		if c.connectTicks == 0 {
			logger.Log.Info().Str("remote", c.RemoteAddr()).Msg("Timeout connecting")
			c.svc.UnregisterWrite(c.fd)
			c.Close()
		}
	}
}

func (c *Connection) becomeActive() {
	c.phase = phaseActive
	c.connectTicks = 0
	c.cancelDial = nil
	c.svc.Tick.Unregister(c, c.checkPending, 0)
	c.startDrivers()
	c.wantReadWrite()
	logger.Log.Debug().Str("remote", c.RemoteAddr()).Msg("Connection established")
	c.Connected.Raise(event.AnyID, struct{}{})
}

func (c *Connection) onWritable(_ *service.Service, _ int) {
	switch c.phase {
	case phaseConnecting:
		r := c.takeDial()
		if r == nil {
			return
		}
		if r.err != nil {
			logger.Log.Info().Err(r.err).Str("remote", c.RemoteAddr()).Msg("Connection failed")
			c.Close()
			return
		}
		c.conn = r.conn
		if c.cancelDial != nil {
			c.cancelDial()
		}
		c.SetRemoteAddr(r.conn.RemoteAddr(), c.numeric)
		if c.tlsConfig != nil {
			c.startHandshake()
			return
		}
		c.becomeActive()
	case phaseActive:
		c.doWrite()
	}
}

func (c *Connection) doWrite() {
	r := c.takeWrite()
	if r == nil {
		logger.Log.Debug().Str("remote", c.RemoteAddr()).Msg("Ignoring spurious write readiness")
		return
	}
	c.writeBusy = false
	if r.n > 0 {
		metrics.BytesSent.Add(float64(r.n))
	}
	if r.err != nil {
		logger.Log.Warn().Err(r.err).Str("remote", c.RemoteAddr()).Msg("Error writing")
		c.Close()
		return
	}
	if c.nrecs == 0 {
		logger.Log.Error().Str("remote", c.RemoteAddr()).Msg("Write completed with empty buffer")
		c.wantReadWrite()
		return
	}
	rec := &c.recs[c.base]
	rec.pos += r.n
	if rec.pos < len(rec.buf) {
		c.wantReadWrite()
		return
	}
	id := rec.id
	*rec = writeRecord{}
	c.base = (c.base + 1) % len(c.recs)
	c.nrecs--
	c.wantReadWrite()
	if id != nil {
		c.DataSent.Raise(event.AnyID, id)
	}
}

func (c *Connection) onReadable(_ *service.Service, _ int) {
	switch c.phase {
	case phaseHandshake:
		r := c.takeHandshake()
		if r == nil {
			return
		}
		if r.err != nil {
			logger.Log.Warn().Err(r.err).Str("remote", c.RemoteAddr()).Msg("TLS handshake failed")
			c.Close()
			return
		}
		c.becomeActive()
	case phaseActive:
		c.doRead()
	}
}

func (c *Connection) doRead() {
	if c.args.Handling {
		logger.Log.Warn().Str("remote", c.RemoteAddr()).Msg("New data while read buffer still handled")
		return
	}
	r := c.takeRead()
	if r == nil {
		logger.Log.Info().Str("remote", c.RemoteAddr()).Msg("Ignoring spurious read")
		return
	}
	c.readArmed = false

	if r.n > 0 {
		metrics.BytesReceived.Add(float64(r.n))
		c.args.Buf = c.rdbuf[:r.n]
		c.DataReceived.Raise(event.AnyID, &c.args)
		if c.phase != phaseActive {
			return
		}
		if c.args.Handling {
			logger.Log.Debug().Str("remote", c.RemoteAddr()).Msg("Blocking reads")
		}
	}
	if r.err != nil {
		if !errors.Is(r.err, io.EOF) {
			logger.Log.Warn().Err(r.err).Str("remote", c.RemoteAddr()).Msg("Error reading")
		}
		c.Close()
		return
	}
	c.wantReadWrite()
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection(%d %s %s)", c.fd, c.RemoteAddr(), c.phase)
}
