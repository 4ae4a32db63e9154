// Package metrics holds the Prometheus collectors shared by the reactor,
// connections, IRC sessions and the worker pool, and serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matt0x6f/ircbot/internal/logger"
)

var (
	// Registry is the registry every collector in this package is bound to
	Registry = prometheus.NewRegistry()

	// ReactorTicks counts tick events raised by the reactor
	ReactorTicks = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "ircbot_reactor_ticks_total",
		Help: "Number of periodic ticks raised by the reactor",
	})

	// ReactorDescriptors is the number of descriptors with read or write interest
	ReactorDescriptors = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "ircbot_reactor_descriptors",
		Help: "Descriptors currently registered with the reactor",
	}, []string{"interest"})

	// ConnectionsOpen tracks live connections
	ConnectionsOpen = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "ircbot_connections_open",
		Help: "Connections that have not been destroyed yet",
	})

	// BytesReceived counts bytes read from all connections
	BytesReceived = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "ircbot_bytes_received_total",
		Help: "Bytes read from sockets",
	})

	// BytesSent counts bytes written to all connections
	BytesSent = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "ircbot_bytes_sent_total",
		Help: "Bytes written to sockets",
	})

	// MessagesReceived counts parsed protocol messages per server and command
	MessagesReceived = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ircbot_messages_received_total",
		Help: "IRC messages received",
	}, []string{"server", "command"})

	// MessagesSent counts outbound protocol lines per server
	MessagesSent = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ircbot_messages_sent_total",
		Help: "IRC lines sent",
	}, []string{"server"})

	// SessionActive is 1 while a server session is logged in
	SessionActive = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "ircbot_session_active",
		Help: "Whether the IRC session is logged in",
	}, []string{"server"})

	// Reconnects counts scheduled reconnect attempts per server
	Reconnects = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ircbot_reconnects_total",
		Help: "Reconnect attempts scheduled after a lost connection",
	}, []string{"server"})

	// JobsTotal counts pool jobs by outcome
	JobsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ircbot_pool_jobs_total",
		Help: "Worker pool jobs by outcome",
	}, []string{"outcome"})

	// PoolWorkers is the number of running worker goroutines
	PoolWorkers = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "ircbot_pool_workers",
		Help: "Worker goroutines in the pool",
	})

	// PoolQueueDepth is the number of jobs waiting for a worker
	PoolQueueDepth = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "ircbot_pool_queue_depth",
		Help: "Jobs waiting in the pool queue",
	})

	// BotHandlers counts bot handler executions by event type and result
	BotHandlers = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ircbot_bot_handlers_total",
		Help: "Bot handler executions",
	}, []string{"event", "result"})
)

// Server exposes the registry on an HTTP endpoint.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server listening on addr once started.
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves metrics in the background
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Str("addr", s.srv.Addr).Msg("Metrics server failed")
		}
	}()
	logger.Log.Info().Str("addr", s.srv.Addr).Msg("Metrics server started")
}

// Shutdown stops the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
