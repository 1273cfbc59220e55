package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Timer metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engage_ticks_total",
			Help: "Total qualifying ticks counted toward watch thresholds",
		},
	)

	CompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engage_completions_total",
			Help: "Total sessions that reached their watch threshold",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engage_active_sessions",
			Help: "Number of engagement sessions currently tracked",
		},
	)

	RunningClocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engage_running_clocks",
			Help: "Number of sessions whose tick clock is currently registered",
		},
	)

	// Claim metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_claims_total",
			Help: "Completion claims delivered to the reward endpoint",
		},
		[]string{"result"},
	)

	ClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engage_claim_duration_seconds",
			Help:    "Claim delivery duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Storage metrics
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_store_errors_total",
			Help: "Storage operation failures",
		},
		[]string{"op"},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_http_requests_total",
			Help: "Total API requests handled",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		CompletionsTotal,
		ActiveSessions,
		RunningClocks,
		ClaimsTotal,
		ClaimDuration,
		StoreErrors,
		HTTPRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
