package engine

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"botsentry/internal/config"
	"botsentry/internal/model"
)

type uaPattern struct {
	re       *regexp.Regexp
	weight   float64
	category string
}

// uaPatterns is ordered by category. Matching takes the maximum matched
// weight, never a sum, so a UA hitting several rows scores as its single
// strongest match.
var uaPatterns = []uaPattern{
	{regexp.MustCompile(`(?i)facebook|facebookexternalhit|facebot|facebookcatalog`), 0.98, "social"},
	{regexp.MustCompile(`(?i)twitter|twitterbot|tweetmeme`), 0.95, "social"},
	{regexp.MustCompile(`(?i)linkedin|linkedinbot`), 0.95, "social"},
	{regexp.MustCompile(`(?i)instagram|instagrambot`), 0.95, "social"},

	{regexp.MustCompile(`(?i)google|googlebot|googleother|adsbot-google`), 0.92, "search"},
	{regexp.MustCompile(`(?i)bing|bingbot|msnbot|bingpreview`), 0.90, "search"},
	{regexp.MustCompile(`(?i)yahoo|slurp|yahooseeker`), 0.90, "search"},
	{regexp.MustCompile(`(?i)baidu|baiduspider|baiduimagebot`), 0.90, "search"},
	{regexp.MustCompile(`(?i)yandex|yandexbot|yandexmobilebot`), 0.90, "search"},
	{regexp.MustCompile(`(?i)duckduckgo|duckduckbot`), 0.88, "search"},

	{regexp.MustCompile(`(?i)selenium|webdriver`), 0.99, "automation"},
	{regexp.MustCompile(`(?i)puppeteer|playwright|chromium`), 0.98, "automation"},
	{regexp.MustCompile(`(?i)phantomjs|phantom|slimerjs`), 0.97, "automation"},
	{regexp.MustCompile(`(?i)headless|chrome-headless`), 0.96, "automation"},

	{regexp.MustCompile(`(?i)curl|wget|httpie`), 0.95, "script"},
	{regexp.MustCompile(`(?i)python-requests|python-urllib|python-httpx`), 0.94, "script"},
	{regexp.MustCompile(`(?i)nodejs|node\.js|axios|fetch`), 0.92, "script"},
	{regexp.MustCompile(`(?i)ruby|mechanize|httparty`), 0.93, "script"},
	{regexp.MustCompile(`(?i)java|apache-httpclient|okhttp`), 0.91, "script"},
	{regexp.MustCompile(`(?i)go-http-client|golang`), 0.90, "script"},

	{regexp.MustCompile(`(?i)\bbot\b|crawler|spider|scraper|scrape`), 0.85, "generic"},
	{regexp.MustCompile(`(?i)monitor|check|test|scan|probe`), 0.80, "monitoring"},
	{regexp.MustCompile(`(?i)feed|rss|sitemap|link.?check`), 0.75, "utility"},
}

// crawlerCategories are pattern categories of well-known crawlers that
// get a non-punitive action even at high confidence.
var crawlerCategories = map[string]bool{"social": true, "search": true}

var chromeVersionRe = regexp.MustCompile(`Chrome/(\d+)\.(\d+)\.(\d+)\.(\d+)`)
var windowsNTRe = regexp.MustCompile(`Windows NT ([\d.]+)`)
var macOSRe = regexp.MustCompile(`Mac OS X ([\d_]+)`)

// analyzeUserAgent scores the user-agent string. A missing UA is itself a
// strong signal since every real browser sends one.
func analyzeUserAgent(ua string, cfg config.UserAgentConfig) model.LayerResult {
	if ua == "" {
		return model.LayerResult{
			Confidence: 0.85,
			Methods:    []string{"missing_user_agent"},
		}
	}

	var methods []string
	var confidence float64
	details := make(map[string]any)

	var matched []string
	for _, p := range uaPatterns {
		if p.re.MatchString(ua) {
			matched = append(matched, p.category)
			if p.weight > confidence {
				confidence = p.weight
			}
			methods = append(methods, "pattern_"+p.category)
		}
	}
	if len(matched) > 0 {
		details["pattern_matches"] = matched
	}

	switch {
	case len(ua) < cfg.MinLength:
		methods = append(methods, "extremely_short_ua")
		confidence = math.Max(confidence, 0.80)
	case len(ua) < 50:
		methods = append(methods, "short_ua")
		confidence = math.Max(confidence, 0.60)
	case len(ua) > cfg.MaxLength:
		methods = append(methods, "extremely_long_ua")
		confidence = math.Max(confidence, 0.70)
	}

	if m := chromeVersionRe.FindStringSubmatch(ua); m != nil {
		major, _ := strconv.Atoi(m[1])
		if major < 70 || major > 150 {
			methods = append(methods, "suspicious_chrome_version")
			confidence = math.Max(confidence, 0.50)
			details["chrome_version"] = major
		}
	}

	if issues := checkOSConsistency(ua); len(issues) > 0 {
		methods = append(methods, issues...)
		confidence = math.Max(confidence, 0.45)
	}
	if issues := checkBrowserFeatures(ua); len(issues) > 0 {
		methods = append(methods, issues...)
		confidence = math.Max(confidence, 0.40)
	}

	if entropy := stringEntropy(ua); entropy < cfg.EntropyFloor {
		methods = append(methods, "low_entropy_ua")
		confidence = math.Max(confidence, 0.35)
		details["entropy"] = entropy
	}

	if len(details) == 0 {
		details = nil
	}
	return model.LayerResult{Confidence: confidence, Methods: methods, Details: details}
}

// crawlerCategory returns the matched crawler category for a UA, or ""
// when it is not a well-known social/search crawler.
func crawlerCategory(ua string) string {
	for _, p := range uaPatterns {
		if crawlerCategories[p.category] && p.re.MatchString(ua) {
			return p.category
		}
	}
	return ""
}

func checkOSConsistency(ua string) []string {
	var issues []string
	if m := windowsNTRe.FindStringSubmatch(ua); m != nil {
		version := m[1]
		switch version {
		case "1.0", "2.0", "3.0":
			issues = append(issues, "impossible_windows_version")
		default:
			if major, err := strconv.ParseFloat(strings.SplitN(version, ".", 2)[0], 64); err == nil && major > 15 {
				issues = append(issues, "future_windows_version")
			}
		}
	}
	if m := macOSRe.FindStringSubmatch(ua); m != nil {
		version := strings.ReplaceAll(m[1], "_", ".")
		if major, err := strconv.Atoi(strings.SplitN(version, ".", 2)[0]); err != nil {
			issues = append(issues, "malformed_macos_version")
		} else if major > 15 || major < 10 {
			issues = append(issues, "suspicious_macos_version")
		}
	}
	return issues
}

func checkBrowserFeatures(ua string) []string {
	var issues []string
	if strings.Contains(ua, "Chrome") {
		if !strings.Contains(ua, "Safari") {
			issues = append(issues, "chrome_missing_safari")
		}
		if !strings.Contains(ua, "WebKit") {
			issues = append(issues, "chrome_missing_webkit")
		}
	}
	if strings.Contains(ua, "Firefox") && !strings.Contains(ua, "Gecko") {
		issues = append(issues, "firefox_missing_gecko")
	}
	if strings.Contains(ua, "Safari") && !strings.Contains(ua, "Version") && !strings.Contains(ua, "Chrome") {
		issues = append(issues, "safari_missing_version")
	}
	return issues
}

// stringEntropy is the Shannon entropy of the string in bits per
// character. Synthetic UAs built from a few repeated tokens land well
// below real browser strings.
func stringEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	var total int
	for _, r := range s {
		counts[r]++
		total++
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
