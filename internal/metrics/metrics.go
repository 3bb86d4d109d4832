package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botsentry/internal/config"
)

// Metrics holds the Prometheus instruments for the classification engine.
type Metrics struct {
	registry *prometheus.Registry

	Classifications  *prometheus.CounterVec
	LayerErrors      *prometheus.CounterVec
	Enforcements     *prometheus.CounterVec
	PersistErrors    *prometheus.CounterVec
	ClassifyDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botsentry_classifications_total",
				Help: "Total classifications by verdict and recommended action",
			},
			[]string{"verdict", "action"},
		),
		LayerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botsentry_layer_errors_total",
				Help: "Extractor failures by layer",
			},
			[]string{"layer"},
		),
		Enforcements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botsentry_enforcements_total",
				Help: "Enforcement outcomes by action",
			},
			[]string{"action"},
		),
		PersistErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botsentry_persist_errors_total",
				Help: "Storage write failures by operation",
			},
			[]string{"op"},
		),
		ClassifyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botsentry_classify_duration_seconds",
				Help:    "End-to-end classification latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"verdict"},
		),
	}
	m.registry.MustRegister(
		m.Classifications,
		m.LayerErrors,
		m.Enforcements,
		m.PersistErrors,
		m.ClassifyDuration,
	)
	return m
}

func (m *Metrics) ObserveClassification(isBot bool, action string, took time.Duration) {
	if m == nil {
		return
	}
	verdict := "human"
	if isBot {
		verdict = "bot"
	}
	m.Classifications.WithLabelValues(verdict, action).Inc()
	m.ClassifyDuration.WithLabelValues(verdict).Observe(took.Seconds())
}

func (m *Metrics) ObserveLayerError(layer string) {
	if m == nil {
		return
	}
	m.LayerErrors.WithLabelValues(layer).Inc()
}

func (m *Metrics) ObserveEnforcement(action string) {
	if m == nil {
		return
	}
	m.Enforcements.WithLabelValues(action).Inc()
}

func (m *Metrics) ObservePersistError(op string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(op).Inc()
}

// Server exposes the registry on its own listener, separate from the
// classification API.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

func NewServer(cfg config.MetricsConfig, m *Metrics, logger *slog.Logger) *Server {
	if !cfg.Enabled || m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Start() {
	if s == nil {
		return
	}
	go func() {
		if s.logger != nil {
			s.logger.Info("metrics server listening", "addr", s.server.Addr)
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("metrics server error", "err", err)
			}
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
