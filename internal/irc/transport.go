package irc

import (
	"github.com/matt0x6f/ircbot/internal/connection"
)

// Transport is the byte stream a Server talks over.
type Transport interface {
	Write(buf []byte, id any) error
	Close()
	RemoteHost() string
}

// Dialer opens a transport for s. The transport reports its lifecycle back
// through s.TransportConnected, s.TransportClosed, s.TransportData and
// s.TransportSent.
type Dialer func(s *Server) (Transport, error)

// ConnectionDialer returns a Dialer creating reactor driven TCP connections.
func ConnectionDialer(pool connection.JobRunner, opts connection.ClientOptions) Dialer {
	return func(s *Server) (Transport, error) {
		conn, err := connection.NewClient(s.svc, pool, opts)
		if err != nil {
			return nil, err
		}
		conn.Connected.Register(s, func(c *connection.Connection, _ struct{}) {
			s.TransportConnected(c)
		}, 0)
		conn.Closed.Register(s, func(c *connection.Connection, _ struct{}) {
			s.TransportClosed(c)
		}, 0)
		conn.DataReceived.Register(s, func(c *connection.Connection, args *connection.DataReceivedArgs) {
			s.TransportData(c, args.Buf)
		}, 0)
		conn.DataSent.Register(s, func(c *connection.Connection, id any) {
			s.TransportSent(c, id)
		}, 0)
		return conn, nil
	}
}
