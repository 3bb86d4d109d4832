package engine

import (
	"encoding/base64"
	"testing"

	"botsentry/internal/config"
	"botsentry/internal/model"
)

func uaConfig() config.UserAgentConfig {
	return config.UserAgentConfig{MinLength: 20, MaxLength: 1000, EntropyFloor: 3.0}
}

func hasMethod(r model.LayerResult, tag string) bool {
	for _, m := range r.Methods {
		if m == tag {
			return true
		}
	}
	return false
}

func TestUserAgentPatternMaxNotSum(t *testing.T) {
	// Matches both the automation and generic rows; the score must be the
	// strongest single match, not their sum.
	r := analyzeUserAgent("selenium webdriver bot crawler", uaConfig())
	if r.Confidence != 0.99 {
		t.Fatalf("expected max weight 0.99, got %v", r.Confidence)
	}
	if !hasMethod(r, "pattern_automation") || !hasMethod(r, "pattern_generic") {
		t.Fatalf("expected both categories in methods: %v", r.Methods)
	}
}

func TestUserAgentMissing(t *testing.T) {
	r := analyzeUserAgent("", uaConfig())
	if r.Confidence != 0.85 {
		t.Fatalf("expected 0.85 for missing UA, got %v", r.Confidence)
	}
	if !hasMethod(r, "missing_user_agent") {
		t.Fatalf("expected missing_user_agent method")
	}
}

func TestUserAgentShortLength(t *testing.T) {
	r := analyzeUserAgent("tiny", uaConfig())
	if !hasMethod(r, "extremely_short_ua") {
		t.Fatalf("expected extremely_short_ua: %v", r.Methods)
	}
	if r.Confidence < 0.7 {
		t.Fatalf("expected confidence >= 0.7 for extremely short UA, got %v", r.Confidence)
	}
}

func TestUserAgentOSInconsistency(t *testing.T) {
	r := analyzeUserAgent("Mozilla/5.0 (Windows NT 2.0; Win64; x64) SomeBrowser/1.0 Extra/2.0 More", uaConfig())
	if !hasMethod(r, "impossible_windows_version") {
		t.Fatalf("expected impossible_windows_version: %v", r.Methods)
	}
}

func TestUserAgentChromeMissingSafari(t *testing.T) {
	r := analyzeUserAgent("Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 Chrome/120.0.0.0", uaConfig())
	if !hasMethod(r, "chrome_missing_safari") {
		t.Fatalf("expected chrome_missing_safari: %v", r.Methods)
	}
}

func TestCrawlerCategory(t *testing.T) {
	if got := crawlerCategory("Googlebot/2.1 (+http://www.google.com/bot.html)"); got != "search" {
		t.Fatalf("expected search, got %q", got)
	}
	if got := crawlerCategory("facebookexternalhit/1.1"); got != "social" {
		t.Fatalf("expected social, got %q", got)
	}
	if got := crawlerCategory("curl/8.0"); got != "" {
		t.Fatalf("expected no crawler category for curl, got %q", got)
	}
}

func TestHeadersMissingEssentials(t *testing.T) {
	r := analyzeHeaders(nil)
	if !hasMethod(r, "missing_essential_headers") {
		t.Fatalf("expected missing_essential_headers")
	}
	// Four missing essentials at 0.15 each.
	if r.Confidence < 0.6 {
		t.Fatalf("expected confidence >= 0.6, got %v", r.Confidence)
	}
}

func TestHeadersGenericAccept(t *testing.T) {
	headers := model.Headers{
		{Name: "Host", Value: "example.com"},
		{Name: "Connection", Value: "keep-alive"},
		{Name: "User-Agent", Value: "x"},
		{Name: "Accept", Value: "*/*"},
		{Name: "Accept-Language", Value: "en-US"},
		{Name: "Accept-Encoding", Value: "gzip"},
	}
	r := analyzeHeaders(headers)
	if !hasMethod(r, "non_browser_accept") || !hasMethod(r, "generic_accept_header") {
		t.Fatalf("expected accept header flags: %v", r.Methods)
	}
}

func TestHeadersProxyStacking(t *testing.T) {
	headers := model.Headers{
		{Name: "Host", Value: "example.com"},
		{Name: "Connection", Value: "keep-alive"},
		{Name: "User-Agent", Value: "x"},
		{Name: "Accept", Value: "text/html"},
		{Name: "Accept-Language", Value: "en-US"},
		{Name: "Accept-Encoding", Value: "gzip"},
		{Name: "X-Forwarded-For", Value: "1.2.3.4"},
		{Name: "X-Real-IP", Value: "1.2.3.4"},
		{Name: "X-Requested-With", Value: "XMLHttpRequest"},
	}
	r := analyzeHeaders(headers)
	if !hasMethod(r, "multiple_proxy_headers") {
		t.Fatalf("expected multiple_proxy_headers: %v", r.Methods)
	}
}

func TestHeaderOrderScore(t *testing.T) {
	browser := []string{"host", "connection", "user-agent", "accept", "accept-language", "accept-encoding", "referer"}
	if got := headerOrderScore(browser); got != 1.0 {
		t.Fatalf("expected 1.0 for browser order, got %v", got)
	}
	scrambled := []string{"accept", "host", "user-agent"}
	if got := headerOrderScore(scrambled); got >= 0.5 {
		t.Fatalf("expected low score for scrambled order, got %v", got)
	}
	if got := headerOrderScore(nil); got != 0 {
		t.Fatalf("expected 0 for empty, got %v", got)
	}
}

func TestBehaviorZeroInteraction(t *testing.T) {
	cfg := config.DefaultConfig().Detection.Behavior
	r := analyzeBehavior(&model.Telemetry{TimeSpent: 8000}, cfg)
	for _, want := range []string{"no_mouse_movement", "no_keyboard_interaction", "no_scrolling", "zero_interaction_rate"} {
		if !hasMethod(r, want) {
			t.Fatalf("expected %s in methods: %v", want, r.Methods)
		}
	}
	if r.Confidence != 1.0 {
		t.Fatalf("expected capped confidence 1.0, got %v", r.Confidence)
	}
}

func TestBehaviorImpossibleClickSpeed(t *testing.T) {
	cfg := config.DefaultConfig().Detection.Behavior
	r := analyzeBehavior(&model.Telemetry{
		MouseMovements: 100,
		MouseEntropy:   4,
		ClickIntervals: []float64{10, 12, 9, 11, 10},
		ScrollEvents:   3,
		KeyboardEvents: 5,
		TimeSpent:      4000,
		WebGLSupport:   true,
	}, cfg)
	if !hasMethod(r, "impossible_click_speed") {
		t.Fatalf("expected impossible_click_speed: %v", r.Methods)
	}
}

func TestBehaviorNilTelemetry(t *testing.T) {
	cfg := config.DefaultConfig().Detection.Behavior
	r := analyzeBehavior(nil, cfg)
	if r.Confidence != 0 || len(r.Methods) != 0 {
		t.Fatalf("nil telemetry must produce no evidence, got %+v", r)
	}
}

func encodeFingerprint(raw string) string {
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func TestFingerprintMissing(t *testing.T) {
	r := analyzeFingerprint("")
	if r.Confidence != 0.30 || !hasMethod(r, "missing_fingerprint") {
		t.Fatalf("expected missing fingerprint signal, got %+v", r)
	}
}

func TestFingerprintDecodeError(t *testing.T) {
	r := analyzeFingerprint("%%%not-base64%%%")
	if !hasMethod(r, "fingerprint_decode_error") {
		t.Fatalf("expected decode error method: %v", r.Methods)
	}
	if r.Confidence != 0.20 {
		t.Fatalf("expected 0.20, got %v", r.Confidence)
	}
}

func TestFingerprintSuspiciousComponents(t *testing.T) {
	fp := encodeFingerprint("screen:500x500x24|webgl:unavailable|canvas:abc|fonts:count:0")
	r := analyzeFingerprint(fp)
	for _, want := range []string{
		"suspicious_screen_fingerprint",
		"suspicious_webgl_fingerprint",
		"suspicious_canvas_fingerprint",
		"no_fonts_detected",
	} {
		if !hasMethod(r, want) {
			t.Fatalf("expected %s in methods: %v", want, r.Methods)
		}
	}
}

func TestFingerprintCleanBrowser(t *testing.T) {
	fp := encodeFingerprint("screen:2560x1440x24|webgl:ANGLE (NVIDIA)|canvas:a1b2c3d4e5f6|audio:124.04347|fonts:count:42|plugins:5")
	r := analyzeFingerprint(fp)
	if r.Confidence != 0 {
		t.Fatalf("expected 0 for clean fingerprint, got %v (%v)", r.Confidence, r.Methods)
	}
}

func TestAggregateMaxDominant(t *testing.T) {
	weights := config.DefaultConfig().Detection.LayerWeights
	layers := map[string]model.LayerResult{
		"user_agent": {Confidence: 0.9, Methods: []string{"a"}},
		"headers":    {Confidence: 0.2, Methods: []string{"b"}},
	}
	got := aggregate(layers, weights)
	// (0.9+0)*1.0 dominant, plus 0.05 for the second contributing layer.
	want := 0.95
	if got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAggregateMethodBoostCapped(t *testing.T) {
	weights := config.LayerWeights{UserAgent: 1, IPReputation: 1, Headers: 1, Behavioral: 1, RequestPatterns: 1, Fingerprint: 1, MLEnsemble: 1}
	layers := map[string]model.LayerResult{
		"user_agent": {Confidence: 0.5, Methods: []string{"a", "b", "c", "d", "e", "f"}},
	}
	got := aggregate(layers, weights)
	// Boost caps at 0.3 regardless of method count.
	if got != 0.8 {
		t.Fatalf("expected 0.8, got %v", got)
	}
}

func TestAggregateEmpty(t *testing.T) {
	if got := aggregate(nil, config.DefaultConfig().Detection.LayerWeights); got != 0 {
		t.Fatalf("expected 0 for no layers, got %v", got)
	}
}

func TestDecisionLadder(t *testing.T) {
	th := config.DefaultConfig().Detection.Thresholds
	cases := []struct {
		confidence float64
		isBot      bool
		risk       model.RiskLevel
		action     model.Action
	}{
		{0.95, true, model.RiskCritical, model.ActionBlock},
		{0.75, true, model.RiskHigh, model.ActionChallenge},
		{0.55, false, model.RiskMedium, model.ActionMonitor},
		{0.35, false, model.RiskLow, model.ActionLog},
		{0.1, false, model.RiskMinimal, model.ActionAllow},
	}
	for _, tc := range cases {
		isBot, risk, action := decide(tc.confidence, "", th)
		if isBot != tc.isBot || risk != tc.risk || action != tc.action {
			t.Fatalf("confidence %v: got (%v,%s,%s), want (%v,%s,%s)",
				tc.confidence, isBot, risk, action, tc.isBot, tc.risk, tc.action)
		}
	}
}

func TestDecisionCrawlerOverride(t *testing.T) {
	th := config.DefaultConfig().Detection.Thresholds
	isBot, _, action := decide(0.95, "search", th)
	if !isBot {
		t.Fatalf("crawler must be classified as bot")
	}
	if action.Punitive() {
		t.Fatalf("crawler action must be non-punitive, got %s", action)
	}
	// Low-confidence crawler is still a bot.
	isBot, _, _ = decide(0.2, "social", th)
	if !isBot {
		t.Fatalf("crawler override must force is_bot at any confidence")
	}
}

func TestHoneypotPath(t *testing.T) {
	honeypots := []string{"/wp-admin", "/.env"}
	if !isHoneypotPath("/wp-admin/setup.php", honeypots) {
		t.Fatalf("expected honeypot match")
	}
	if isHoneypotPath("/products", honeypots) {
		t.Fatalf("unexpected honeypot match")
	}
}

func TestDatacenterIP(t *testing.T) {
	if !isDatacenterIP("52.12.34.56") {
		t.Fatalf("expected datacenter match")
	}
	if isDatacenterIP("198.51.100.1") {
		t.Fatalf("unexpected datacenter match")
	}
}
