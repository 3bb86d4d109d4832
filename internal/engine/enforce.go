package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/config"
	"botsentry/internal/events"
	"botsentry/internal/metrics"
	"botsentry/internal/model"
	"botsentry/internal/ratelimit"
	"botsentry/internal/storage"
)

// enforcer executes the automated response ladder after a high-confidence
// classification: blacklist at the auto-block threshold and above, strict
// rate limiting next, then passive monitoring. Per-IP striped locks keep
// concurrent detections of the same IP from double-applying.
type enforcer struct {
	store      storage.Store
	limiter    *ratelimit.Limiter
	events     *events.Store
	metrics    *metrics.Metrics
	reputation *reputationChecker
	locks      [64]sync.Mutex
}

func newEnforcer(store storage.Store, limiter *ratelimit.Limiter, eventStore *events.Store, m *metrics.Metrics, reputation *reputationChecker) *enforcer {
	return &enforcer{
		store:      store,
		limiter:    limiter,
		events:     eventStore,
		metrics:    m,
		reputation: reputation,
	}
}

func (e *enforcer) lockFor(ip string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return &e.locks[h.Sum32()%uint32(len(e.locks))]
}

// apply runs the response ladder for one classified request. Crawler
// overrides never reach here; the caller only enforces punishable
// verdicts.
func (e *enforcer) apply(ctx context.Context, rc *model.RequestContext, result model.AggregateResult, cfg config.EnforcementConfig) error {
	if rc == nil || rc.IP == "" || !result.IsBot {
		return nil
	}
	mu := e.lockFor(rc.IP)
	mu.Lock()
	defer mu.Unlock()

	// The side effect follows the recommended action, so enforcement and
	// decision never disagree under tuned thresholds.
	switch {
	case result.RecommendedAction == model.ActionBlock ||
		result.Confidence >= cfg.AutoBlockThreshold ||
		result.RiskLevel == model.RiskCritical:
		e.metrics.ObserveEnforcement("blacklist")
		return e.blacklist(ctx, rc, result)
	case result.RecommendedAction == model.ActionChallenge:
		e.limiter.Tighten(rc.IP, cfg.StrictLimit, cfg.StrictTTL.Std())
		e.metrics.ObserveEnforcement("rate_limit")
		e.recordEvent(ctx, model.SecurityEvent{
			EventType:   "rate_limit_applied",
			Severity:    "medium",
			IP:          rc.IP,
			UserAgent:   rc.UserAgent,
			Description: "strict rate limiting applied",
			Details: map[string]any{
				"limit":       cfg.StrictLimit,
				"ttl_seconds": cfg.StrictTTL.Std().Seconds(),
			},
		})
	case result.RecommendedAction == model.ActionMonitor:
		e.limiter.Monitor(rc.IP, cfg.MonitorTTL.Std())
		e.metrics.ObserveEnforcement("monitor")
	}
	return nil
}

func (e *enforcer) blacklist(ctx context.Context, rc *model.RequestContext, result model.AggregateResult) error {
	methods := result.Methods
	if len(methods) > 5 {
		methods = methods[:5]
	}
	entry := model.BlacklistEntry{
		IP:              rc.IP,
		Reason:          fmt.Sprintf("automated detection - %s risk", result.RiskLevel),
		ConfidenceScore: result.Confidence,
		DetectionMethod: strings.Join(methods, ", "),
	}
	if e.store != nil {
		if err := e.store.UpsertBlacklist(ctx, entry); err != nil {
			e.metrics.ObservePersistError("upsert_blacklist")
			return err
		}
	}
	if e.reputation != nil {
		e.reputation.invalidate(rc.IP)
	}
	e.recordEvent(ctx, model.SecurityEvent{
		EventType:   "ip_blocked",
		Severity:    "critical",
		IP:          rc.IP,
		UserAgent:   rc.UserAgent,
		Description: fmt.Sprintf("IP auto-blacklisted (confidence %.3f)", result.Confidence),
		Details: map[string]any{
			"confidence":  result.Confidence,
			"risk_level":  string(result.RiskLevel),
			"methods":     methods,
			"auto_action": true,
		},
	})
	return nil
}

// recordEvent appends to the in-memory ring and best-effort persists.
func (e *enforcer) recordEvent(ctx context.Context, ev model.SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if e.events != nil {
		e.events.Record(ev)
	}
	if e.store != nil {
		if err := e.store.SaveSecurityEvent(ctx, ev); err != nil {
			e.metrics.ObservePersistError("save_security_event")
		}
	}
}
