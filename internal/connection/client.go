package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/idna"

	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/service"
)

// Proto restricts the address families tried by NewClient.
type Proto int

const (
	ProtoAny Proto = iota
	ProtoIPv4
	ProtoIPv6
)

// ClientOptions describes an outgoing TCP connection.
type ClientOptions struct {
	Host         string
	Port         int
	Proto        Proto
	TLS          bool
	CertFile     string
	KeyFile      string
	NumericHosts bool
	// TLSConfig overrides the generated client TLS configuration
	TLSConfig *tls.Config
}

// lookupTimeout bounds the synchronous forward lookup in NewClient
const lookupTimeout = 5 * time.Second

// ErrNoAddress is returned when the host resolves to no usable address
var ErrNoAddress = errors.New("no usable address")

// NewClient resolves opts.Host and starts connecting to each of its addresses
// in turn. It fails when the host cannot be resolved or TLS client
// credentials cannot be loaded; connection failures are reported later
// through Closed.
func NewClient(svc *service.Service, pool JobRunner, opts ClientOptions) (*Connection, error) {
	host, err := idna.Lookup.ToASCII(opts.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid host name %q: %w", opts.Host, err)
	}

	var cfg *tls.Config
	if opts.TLS {
		cfg, err = clientTLSConfig(host, opts)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		logger.Log.Error().Err(err).Str("host", host).Msg("Cannot get address info")
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	addrs := filterAddrs(ips, opts.Proto, opts.Port)
	if len(addrs) == 0 {
		logger.Log.Error().Str("host", host).Msg("Cannot connect, no usable address")
		return nil, fmt.Errorf("%w for %s", ErrNoAddress, host)
	}

	c := newConnecting(svc, pool, cfg, func(ctx context.Context) (net.Conn, error) {
		return dialAny(ctx, addrs)
	})
	c.numeric = opts.NumericHosts
	c.SetRemoteAddrString(addrs[0])
	return c, nil
}

func clientTLSConfig(host string, opts ClientOptions) (*tls.Config, error) {
	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" && net.ParseIP(host) == nil {
		cfg.ServerName = host
	}
	if opts.CertFile != "" {
		keyFile := opts.KeyFile
		if keyFile == "" {
			keyFile = opts.CertFile
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}
	return cfg, nil
}

func filterAddrs(ips []net.IPAddr, proto Proto, port int) []string {
	var out []string
	for _, ip := range ips {
		is4 := ip.IP.To4() != nil
		if proto == ProtoIPv4 && !is4 || proto == ProtoIPv6 && is4 {
			continue
		}
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return out
}

func dialAny(ctx context.Context, addrs []string) (net.Conn, error) {
	var d net.Dialer
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logger.Log.Debug().Err(err).Str("addr", addr).Msg("Connect attempt failed")
	}
	return nil, lastErr
}
