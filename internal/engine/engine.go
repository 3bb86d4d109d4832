package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/config"
	"botsentry/internal/events"
	"botsentry/internal/export"
	"botsentry/internal/geo"
	"botsentry/internal/metrics"
	"botsentry/internal/ml"
	"botsentry/internal/model"
	"botsentry/internal/ratelimit"
	"botsentry/internal/storage"
)

// ErrNilRequest is the only error Classify returns: a structurally
// unusable input. Everything else degrades to partial evidence.
var ErrNilRequest = errors.New("engine: nil request context")

// Engine runs the full classification pipeline: concurrent signal
// extractors, ML ensemble scoring, max-dominant aggregation, the
// decision ladder, and automated enforcement.
type Engine struct {
	cfg        *config.Manager
	logger     *slog.Logger
	metrics    *metrics.Metrics
	store      storage.Store
	geo        *geo.Resolver
	export     *export.Publisher
	events     *events.Store
	limiter    *ratelimit.Limiter
	ensemble   *ml.Ensemble
	reputation *reputationChecker
	enforcer   *enforcer
	started    time.Time
}

type Options struct {
	Config   *config.Manager
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Store    storage.Store
	Geo      *geo.Resolver
	Export   *export.Publisher
	Events   *events.Store
	Limiter  *ratelimit.Limiter
	Ensemble *ml.Ensemble
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewStaticManager(config.DefaultConfig())
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(time.Minute)
	}
	eventStore := opts.Events
	if eventStore == nil {
		eventStore = events.NewStore(cfg.Get().Events.StoreLimit)
	}
	enf := cfg.Get().Enforcement
	reputation := newReputationChecker(opts.Store, enf.BlacklistCacheTTL.Std(), enf.ThreatCacheTTL.Std())
	return &Engine{
		cfg:        cfg,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		store:      opts.Store,
		geo:        opts.Geo,
		export:     opts.Export,
		events:     eventStore,
		limiter:    limiter,
		ensemble:   opts.Ensemble,
		reputation: reputation,
		enforcer:   newEnforcer(opts.Store, limiter, eventStore, opts.Metrics, reputation),
		started:    time.Now().UTC(),
	}
}

func (e *Engine) Events() *events.Store       { return e.events }
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }
func (e *Engine) Started() time.Time          { return e.started }

// InvalidateIP drops cached reputation verdicts for an IP, used by the
// admin API after manual blacklist changes.
func (e *Engine) InvalidateIP(ip string) {
	e.reputation.invalidate(ip)
}

type layerOutcome struct {
	name   string
	result model.LayerResult
	err    error
}

// Classify runs the pipeline for one request. Extractors run
// concurrently under a shared deadline; a failed or timed-out extractor
// contributes zero confidence and the rest still count. The returned
// error is non-nil only for a nil request.
func (e *Engine) Classify(ctx context.Context, rc *model.RequestContext) (model.AggregateResult, error) {
	if rc == nil {
		return model.AggregateResult{}, ErrNilRequest
	}
	started := time.Now()
	cfg := e.cfg.Get()
	// The caller's context stays untouched; a missing timestamp is filled
	// on a copy.
	if rc.Timestamp.IsZero() {
		clone := *rc
		clone.Timestamp = time.Now().UTC()
		rc = &clone
	}

	layers := e.runExtractors(ctx, rc, cfg)

	// The ML layer consumes the heuristic layers' outputs, so it runs
	// after the join.
	features := ml.ExtractFeatures(rc, layers)
	if mlLayer, ok := e.scoreEnsemble(features, cfg); ok {
		layers["ml_ensemble"] = mlLayer
	}

	confidence := aggregate(layers, cfg.Detection.LayerWeights)
	confidence = math.Round(confidence*10000) / 10000
	crawler := crawlerCategory(rc.UserAgent)
	isBot, risk, action := decide(confidence, crawler, cfg.Detection.Thresholds)

	result := model.AggregateResult{
		IsBot:             isBot,
		Confidence:        confidence,
		Methods:           collectMethods(layers),
		RiskLevel:         risk,
		RecommendedAction: action,
		Layers:            layers,
		Timestamp:         time.Now().UTC(),
	}

	if e.geo.Available() {
		if info, err := e.geo.Lookup(rc.IP); err == nil && info != nil {
			result.Geo = info
		}
	}

	e.persistDetection(ctx, rc, result, features)

	if result.IsBot && result.Confidence >= 0.7 {
		severity := "medium"
		if result.Confidence >= 0.8 {
			severity = "high"
		}
		e.enforcer.recordEvent(ctx, model.SecurityEvent{
			EventType:   "bot_detected",
			Severity:    severity,
			IP:          rc.IP,
			UserAgent:   rc.UserAgent,
			Description: fmt.Sprintf("bot detected with %.3f confidence", result.Confidence),
			Details: map[string]any{
				"risk_level":    string(result.RiskLevel),
				"methods_count": len(result.Methods),
			},
		})
	}

	// Crawler overrides are verdicts, not offenses.
	if result.IsBot && crawler == "" {
		if err := e.enforcer.apply(ctx, rc, result, cfg.Enforcement); err != nil && e.logger != nil {
			e.logger.Warn("enforcement failed", "ip", rc.IP, "err", err)
		}
	}

	e.export.Publish(ctx, rc.IP, result)
	e.metrics.ObserveClassification(result.IsBot, string(result.RecommendedAction), time.Since(started))
	if e.logger != nil {
		e.logger.Info("request classified",
			"ip", rc.IP,
			"is_bot", result.IsBot,
			"confidence", result.Confidence,
			"risk_level", result.RiskLevel,
			"action", result.RecommendedAction,
		)
	}
	return result, nil
}

// runExtractors fans the heuristic extractors out under one deadline and
// keeps only layers that produced evidence.
func (e *Engine) runExtractors(ctx context.Context, rc *model.RequestContext, cfg *config.Config) map[string]model.LayerResult {
	deadline := cfg.Detection.ExtractorTimeout.Std()
	if deadline <= 0 {
		deadline = 250 * time.Millisecond
	}
	extractCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	extractors := []struct {
		name string
		run  func(context.Context) (model.LayerResult, error)
	}{
		{"ip_reputation", func(c context.Context) (model.LayerResult, error) {
			return e.reputation.analyzeIPReputation(c, rc.IP)
		}},
		{"user_agent", func(context.Context) (model.LayerResult, error) {
			return analyzeUserAgent(rc.UserAgent, cfg.Detection.UserAgent), nil
		}},
		{"headers", func(context.Context) (model.LayerResult, error) {
			return analyzeHeaders(rc.Headers), nil
		}},
		{"behavioral", func(context.Context) (model.LayerResult, error) {
			return analyzeBehavior(rc.Behavioral, cfg.Detection.Behavior), nil
		}},
		{"fingerprint", func(context.Context) (model.LayerResult, error) {
			return analyzeFingerprint(rc.Fingerprint), nil
		}},
		{"request_patterns", func(c context.Context) (model.LayerResult, error) {
			return analyzeRequestPatterns(c, e.store, rc, cfg.Detection.Patterns, cfg.Detection.HoneypotPaths)
		}},
	}

	outcomes := make(chan layerOutcome, len(extractors))
	var wg sync.WaitGroup
	for _, ex := range extractors {
		wg.Add(1)
		go func(name string, run func(context.Context) (model.LayerResult, error)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes <- layerOutcome{name: name, err: fmt.Errorf("extractor panic: %v", r)}
				}
			}()
			result, err := run(extractCtx)
			outcomes <- layerOutcome{name: name, result: result, err: err}
		}(ex.name, ex.run)
	}
	wg.Wait()
	close(outcomes)

	layers := make(map[string]model.LayerResult, len(extractors))
	for out := range outcomes {
		if out.err != nil {
			e.metrics.ObserveLayerError(out.name)
			if e.logger != nil {
				e.logger.Warn("extractor failed", "layer", out.name, "err", out.err)
			}
			continue
		}
		if out.result.Confidence > 0 {
			layers[out.name] = out.result
		}
	}
	return layers
}

// scoreEnsemble turns the live model set's weighted vote into a layer.
// No trained set means no ML layer, never a guessed one.
func (e *Engine) scoreEnsemble(features []float64, cfg *config.Config) (model.LayerResult, bool) {
	if e.ensemble == nil {
		return model.LayerResult{}, false
	}
	set := e.ensemble.Current()
	confidence, perModel, ok := set.Score(features, cfg.ML.ModelWeights)
	if !ok || confidence <= 0 {
		return model.LayerResult{}, false
	}
	methods := []string{"ml_ensemble"}
	details := make(map[string]any, len(perModel))
	for name, prob := range perModel {
		details[name] = prob
		if prob > 0.7 {
			methods = append(methods, "ml_"+name+"_positive")
		}
	}
	return model.LayerResult{Confidence: confidence, Methods: methods, Details: details}, true
}

func (e *Engine) persistDetection(ctx context.Context, rc *model.RequestContext, result model.AggregateResult, features []float64) {
	if e.store == nil {
		return
	}
	status := "clean"
	if result.IsBot {
		status = "bot"
	}
	rec := model.DetectionRecord{
		ID:          uuid.NewString(),
		IP:          rc.IP,
		UserAgent:   rc.UserAgent,
		Fingerprint: rc.Fingerprint,
		IsBot:       result.IsBot,
		Confidence:  result.Confidence,
		Methods:     result.Methods,
		URLPath:     rc.URLPath,
		Method:      rc.Method,
		Referrer:    rc.Referrer,
		Status:      status,
		Features:    features,
		Timestamp:   result.Timestamp,
	}
	if result.Geo != nil {
		rec.CountryCode = result.Geo.Country
		rec.City = result.Geo.City
	}
	if err := e.store.SaveDetection(ctx, rec); err != nil {
		e.metrics.ObservePersistError("save_detection")
		if e.logger != nil {
			e.logger.Warn("detection log failed", "ip", rc.IP, "err", err)
		}
	}
}
