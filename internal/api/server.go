package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"botsentry/internal/config"
	"botsentry/internal/engine"
	"botsentry/internal/ml"
	"botsentry/internal/model"
	"botsentry/internal/storage"
)

// Retrainer triggers an ensemble rebuild on demand.
type Retrainer interface {
	Retrain(ctx context.Context, cfg config.RetrainConfig) (*ml.Report, error)
}

type Server struct {
	cfg      *config.Manager
	engine   *engine.Engine
	store    storage.Store
	ensemble *ml.Ensemble
	trainer  Retrainer
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string    `json:"status"`
	Time       string    `json:"time"`
	Version    string    `json:"version"`
	ConfigPath string    `json:"config_path"`
	Uptime     string    `json:"uptime"`
	Model      mlStatus  `json:"model"`
	API        apiStatus `json:"api"`
	Storage    bool      `json:"storage_enabled"`
	Geo        bool      `json:"geo_enabled"`
	Export     bool      `json:"export_enabled"`
}

type mlStatus struct {
	Loaded    bool   `json:"loaded"`
	Version   string `json:"version,omitempty"`
	Samples   int    `json:"samples,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func Start(ctx context.Context, cfg *config.Manager, eng *engine.Engine, store storage.Store, ensemble *ml.Ensemble, trainer Retrainer, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:      cfg,
		engine:   eng,
		store:    store,
		ensemble: ensemble,
		trainer:  trainer,
		logger:   logger,
		version:  version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/classify", server.handleClassify)
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/blacklist", server.handleBlacklist)
	mux.HandleFunc("/blacklist/", server.handleBlacklistEntry)
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/retrain", server.handleRetrain)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var rc model.RequestContext
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if rc.IP == "" {
		rc.IP = clientIP(r)
	}
	result, err := s.engine.Classify(r.Context(), &rc)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	status := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Uptime:     time.Since(s.engine.Started()).Round(time.Second).String(),
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage:    cfg.Storage.Enabled,
		Geo:        cfg.Geo.Enabled,
		Export:     cfg.Export.Enabled,
	}
	if s.ensemble != nil {
		if set := s.ensemble.Current(); set != nil {
			status.Model = mlStatus{
				Loaded:    true,
				Version:   set.Version,
				Samples:   set.Samples,
				CreatedAt: set.CreatedAt.Format(time.RFC3339Nano),
			}
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats := model.Statistics{GeneratedAt: time.Now().UTC(), TopMethods: map[string]int{}}
	if s.store != nil {
		var err error
		stats, err = s.store.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	stats.StorageAvailable = s.store != nil
	stats.GeoAvailable = s.cfg.Get().Geo.Enabled
	if s.ensemble != nil {
		if set := s.ensemble.Current(); set != nil {
			stats.ModelSetLoaded = true
			stats.ModelSetVersion = set.Version
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage disabled"})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.ListBlacklist(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleBlacklistEntry serves DELETE /blacklist/{ip}: deactivate one
// entry and drop its cached verdict.
func (s *Server) handleBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage disabled"})
		return
	}
	ip := strings.TrimPrefix(r.URL.Path, "/blacklist/")
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing ip"})
		return
	}
	if err := s.store.DeactivateBlacklist(r.Context(), ip); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.engine.InvalidateIP(ip)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "ip": ip})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	list := s.engine.Events().List(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.trainer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "trainer unavailable"})
		return
	}
	report, err := s.trainer.Retrain(r.Context(), s.cfg.Get().ML.Retrain)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.SplitN(fwd, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
