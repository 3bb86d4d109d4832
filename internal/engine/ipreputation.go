package engine

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"botsentry/internal/model"
	"botsentry/internal/storage"
)

// datacenterPrefixes are leading octets of large cloud and hosting
// providers. A coarse first-octet match is intentionally cheap; real
// reputation comes from the blacklist and threat intel tables.
var datacenterPrefixes = []string{
	"52.", "54.", "3.", "13.", "15.",
	"35.", "34.", "104.",
	"40.", "20.",
	"167.", "138.", "159.",
}

// reputationChecker answers blacklist and threat lookups with short-TTL
// caches in front of the store, so the hot path rarely touches the
// database for repeat offenders.
type reputationChecker struct {
	store          storage.Store
	blacklistCache *expirable.LRU[string, bool]
	threatCache    *expirable.LRU[string, []model.ThreatRecord]
}

func newReputationChecker(store storage.Store, blacklistTTL, threatTTL time.Duration) *reputationChecker {
	return &reputationChecker{
		store:          store,
		blacklistCache: expirable.NewLRU[string, bool](4096, nil, blacklistTTL),
		threatCache:    expirable.NewLRU[string, []model.ThreatRecord](4096, nil, threatTTL),
	}
}

func (r *reputationChecker) isBlacklisted(ctx context.Context, ip string) (bool, error) {
	if cached, ok := r.blacklistCache.Get(ip); ok {
		return cached, nil
	}
	if r.store == nil {
		return false, nil
	}
	blocked, err := r.store.IsBlacklisted(ctx, ip)
	if err != nil {
		return false, err
	}
	r.blacklistCache.Add(ip, blocked)
	return blocked, nil
}

func (r *reputationChecker) threats(ctx context.Context, ip string) ([]model.ThreatRecord, error) {
	if cached, ok := r.threatCache.Get(ip); ok {
		return cached, nil
	}
	if r.store == nil {
		return nil, nil
	}
	threats, err := r.store.ThreatsFor(ctx, ip)
	if err != nil {
		return nil, err
	}
	r.threatCache.Add(ip, threats)
	return threats, nil
}

// invalidate drops the cached verdicts for an IP after an enforcement
// write, so a fresh blacklist entry takes effect immediately.
func (r *reputationChecker) invalidate(ip string) {
	r.blacklistCache.Remove(ip)
	r.threatCache.Remove(ip)
}

// analyzeIPReputation scores blacklist membership, threat intelligence,
// and datacenter origin for one IP.
func (r *reputationChecker) analyzeIPReputation(ctx context.Context, ip string) (model.LayerResult, error) {
	if ip == "" {
		return model.LayerResult{}, nil
	}

	var methods []string
	var confidence float64

	blocked, err := r.isBlacklisted(ctx, ip)
	if err != nil {
		return model.LayerResult{}, err
	}
	if blocked {
		methods = append(methods, "ip_blacklisted")
		confidence = 0.95
	}

	threats, err := r.threats(ctx, ip)
	if err != nil {
		return model.LayerResult{}, err
	}
	for _, threat := range threats {
		methods = append(methods, "threat_"+string(threat.Type))
		confidence = math.Max(confidence, threat.Confidence)
	}

	if isDatacenterIP(ip) {
		methods = append(methods, "datacenter_ip")
		confidence = math.Max(confidence, 0.40)
	}

	return model.LayerResult{Confidence: confidence, Methods: methods}, nil
}

func isDatacenterIP(ip string) bool {
	for _, prefix := range datacenterPrefixes {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	return false
}
