package connection

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt0x6f/ircbot/internal/service"
	"github.com/matt0x6f/ircbot/internal/threadpool"
)

func newReactor() *service.Service {
	opts := service.DefaultOptions()
	opts.TickInterval = 5 * time.Millisecond
	opts.ShutdownTickInterval = 5 * time.Millisecond
	return service.New(opts)
}

// runReactor runs svc with setup executed on the reactor goroutine at startup.
func runReactor(t *testing.T, svc *service.Service, setup func()) {
	t.Helper()
	svc.Startup.Register(t, func(*service.Service, *service.StartupArgs) { setup() }, 0)
	done := make(chan int, 1)
	go func() { done <- svc.Run(context.Background()) }()
	select {
	case rc := <-done:
		require.Equal(t, service.ExitSuccess, rc)
	case <-time.After(5 * time.Second):
		svc.Quit()
		t.Fatal("reactor did not finish")
	}
}

func TestWriteRingBackpressureAndOrder(t *testing.T) {
	svc := newReactor()
	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})

	var errs []error
	var sent []int
	var payload bytes.Buffer
	for i := 0; i < 16; i++ {
		payload.WriteString("line")
		payload.WriteByte(byte('a' + i))
	}
	received := make(chan []byte, 1)
	startReading := make(chan struct{})
	go func() {
		<-startReading
		buf := make([]byte, payload.Len())
		_, _ = io.ReadFull(peer, buf)
		received <- buf
	}()

	runReactor(t, svc, func() {
		c := New(svc, nil, local, Options{Mode: ModeWait})
		c.DataSent.Register(t, func(_ *Connection, id any) {
			sent = append(sent, id.(int))
			if len(sent) == 16 {
				svc.Quit()
			}
		}, 0)
		for i := 0; i < 17; i++ {
			buf := []byte("line")
			buf = append(buf, byte('a'+i))
			errs = append(errs, c.Write(buf, i))
		}
		assert.Equal(t, 16, c.Pending())
		close(startReading)
	})

	for i := 0; i < 16; i++ {
		assert.NoError(t, errs[i])
	}
	assert.ErrorIs(t, errs[16], ErrWriteRingFull)

	want := make([]int, 16)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, sent)
	assert.Equal(t, payload.Bytes(), <-received)
}

func TestWriteWithNilIDRaisesNoDataSent(t *testing.T) {
	svc := newReactor()
	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	go func() { _, _ = io.Copy(io.Discard, peer) }()

	var sent []any
	runReactor(t, svc, func() {
		c := New(svc, nil, local, Options{Mode: ModeWait})
		c.DataSent.Register(t, func(_ *Connection, id any) {
			sent = append(sent, id)
			svc.Quit()
		}, 0)
		require.NoError(t, c.Write([]byte("anonymous"), nil))
		require.NoError(t, c.Write([]byte("tagged"), "tag"))
	})
	assert.Equal(t, []any{"tag"}, sent)
}

func TestHandlingSuspendsReads(t *testing.T) {
	svc := newReactor()
	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	go func() {
		_, _ = peer.Write([]byte("first"))
		_, _ = peer.Write([]byte("second"))
	}()

	var chunks []string
	var deliveredWhileHeld int
	runReactor(t, svc, func() {
		c := New(svc, nil, local, Options{})
		held := false
		ticksHeld := 0
		c.DataReceived.Register(t, func(_ *Connection, args *DataReceivedArgs) {
			chunks = append(chunks, string(args.Buf))
			if held {
				deliveredWhileHeld++
			}
			if len(chunks) == 1 {
				args.Handling = true
				held = true
				return
			}
			svc.Quit()
		}, 0)
		svc.Tick.Register(c, func(*service.Service, struct{}) {
			if !held {
				return
			}
			ticksHeld++
			if ticksHeld == 5 {
				assert.True(t, c.Handling())
				held = false
				assert.NoError(t, c.ConfirmDataReceived())
				assert.ErrorIs(t, c.ConfirmDataReceived(), ErrNotHandling)
			}
		}, 0)
	})

	assert.Equal(t, []string{"first", "second"}, chunks)
	assert.Zero(t, deliveredWhileHeld)
}

func TestCloseDrainsPendingWritesAfterClosed(t *testing.T) {
	svc := newReactor()
	local, peer := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })

	var order []string
	runReactor(t, svc, func() {
		c := New(svc, nil, local, Options{Mode: ModeWait})
		c.Closed.Register(t, func(*Connection, struct{}) { order = append(order, "closed") }, 0)
		c.DataSent.Register(t, func(_ *Connection, id any) {
			order = append(order, id.(string))
		}, 0)
		c.SetData("attached", func(v any) { order = append(order, "deleted:"+v.(string)) })

		require.NoError(t, c.Write([]byte("a"), "a"))
		require.NoError(t, c.Write([]byte("b"), "b"))
		require.NoError(t, c.Write([]byte("c"), "c"))
		c.Close()
		c.Close()
		c.Destroy()
		assert.Equal(t, []string{"closed"}, order)
		assert.ErrorIs(t, c.Write([]byte("d"), "d"), ErrClosed)
		svc.Post(svc.Quit)
	})

	assert.Equal(t, []string{"closed", "a", "b", "c", "deleted:attached"}, order)
}

func TestPeerEOFClosesConnection(t *testing.T) {
	svc := newReactor()
	local, peer := net.Pipe()

	closed := 0
	runReactor(t, svc, func() {
		c := New(svc, nil, local, Options{})
		c.Closed.Register(t, func(*Connection, struct{}) {
			closed++
			svc.Quit()
		}, 0)
		_ = peer.Close()
	})
	assert.Equal(t, 1, closed)
}

func TestConnectTimeoutCloses(t *testing.T) {
	svc := newReactor()
	var events []string
	ticks := 0
	runReactor(t, svc, func() {
		c := newConnecting(svc, nil, nil, func(ctx context.Context) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		c.Connected.Register(t, func(*Connection, struct{}) { events = append(events, "connected") }, 0)
		c.Closed.Register(t, func(*Connection, struct{}) {
			events = append(events, "closed")
			svc.Quit()
		}, 0)
		svc.Tick.Register(t, func(*service.Service, struct{}) { ticks++ }, 0)
	})
	assert.Equal(t, []string{"closed"}, events)
	assert.GreaterOrEqual(t, ticks, 6)
}

func TestClientConnectsOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("hello\r\n"))
		_, _ = io.Copy(io.Discard, conn)
	}()

	svc := newReactor()
	var events []string
	var remote string
	runReactor(t, svc, func() {
		c, err := NewClient(svc, nil, ClientOptions{
			Host: "127.0.0.1",
			Port: ln.Addr().(*net.TCPAddr).Port,
		})
		require.NoError(t, err)
		c.Connected.Register(t, func(c *Connection, _ struct{}) {
			events = append(events, "connected")
			remote = c.RemoteAddr()
		}, 0)
		c.DataReceived.Register(t, func(_ *Connection, args *DataReceivedArgs) {
			events = append(events, string(args.Buf))
			c.Close()
			svc.Quit()
		}, 0)
	})
	assert.Equal(t, []string{"connected", "hello\r\n"}, events)
	assert.Equal(t, "127.0.0.1", remote)
}

func TestClientConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	svc := newReactor()
	closed := false
	runReactor(t, svc, func() {
		c, err := NewClient(svc, nil, ClientOptions{Host: "127.0.0.1", Port: port})
		require.NoError(t, err)
		c.Closed.Register(t, func(*Connection, struct{}) {
			closed = true
			svc.Quit()
		}, 0)
	})
	assert.True(t, closed)
}

func TestClientRejectsUnusableFamily(t *testing.T) {
	svc := newReactor()
	_, err := NewClient(svc, nil, ClientOptions{Host: "127.0.0.1", Port: 6667, Proto: ProtoIPv6})
	assert.ErrorIs(t, err, ErrNoAddress)
}

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "irc.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

func TestClientTLSHandshake(t *testing.T) {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", selfSignedConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("secure\r\n"))
		_, _ = io.Copy(io.Discard, conn)
	}()

	svc := newReactor()
	var events []string
	runReactor(t, svc, func() {
		c, err := NewClient(svc, nil, ClientOptions{
			Host:      "127.0.0.1",
			Port:      ln.Addr().(*net.TCPAddr).Port,
			TLS:       true,
			TLSConfig: &tls.Config{InsecureSkipVerify: true},
		})
		require.NoError(t, err)
		c.Connected.Register(t, func(*Connection, struct{}) { events = append(events, "connected") }, 0)
		c.Closed.Register(t, func(*Connection, struct{}) {
			events = append(events, "closed")
			svc.Quit()
		}, 0)
		c.DataReceived.Register(t, func(_ *Connection, args *DataReceivedArgs) {
			events = append(events, string(args.Buf))
			c.Close()
		}, 0)
	})
	assert.Equal(t, []string{"connected", "secure\r\n", "closed"}, events)
}

type fakeRunner struct {
	active bool
	jobs   []*threadpool.Job
}

func (f *fakeRunner) Active() bool { return f.active }

func (f *fakeRunner) Enqueue(job *threadpool.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeRunner) Cancel(*threadpool.Job) {}

func TestSetRemoteAddrStartsSingleLookup(t *testing.T) {
	svc := newReactor()
	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	runner := &fakeRunner{active: true}
	c := New(svc, runner, local, Options{Mode: ModeWait})

	addr := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 6667}
	c.SetRemoteAddr(addr, true)
	assert.Empty(t, runner.jobs)
	assert.Equal(t, "192.0.2.7", c.RemoteAddr())
	assert.Equal(t, "192.0.2.7", c.RemoteHost())

	c.SetRemoteAddr(addr, false)
	c.SetRemoteAddr(addr, false)
	assert.Len(t, runner.jobs, 1)

	runner.active = false
	c.SetRemoteAddrString("irc.example.net")
	assert.Equal(t, "irc.example.net", c.RemoteHost())
}

func TestSetDataCallsPreviousDeleter(t *testing.T) {
	svc := newReactor()
	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	c := New(svc, nil, local, Options{Mode: ModeWait})

	var deleted []any
	c.SetData(1, func(v any) { deleted = append(deleted, v) })
	c.SetData(2, nil)
	assert.Equal(t, []any{1}, deleted)
	assert.Equal(t, 2, c.Data())
}
