package engine

import (
	"math"
	"regexp"
	"strings"

	"botsentry/internal/model"
)

var essentialHeaders = []string{"accept", "accept-language", "accept-encoding", "user-agent"}

var proxyHeaders = []string{
	"x-forwarded-for", "x-real-ip", "x-cluster-client-ip",
	"x-forwarded-proto", "x-requested-with", "x-forwarded-host",
}

// typicalHeaderOrder is the leading header sequence real browsers send.
var typicalHeaderOrder = []string{
	"host", "connection", "user-agent", "accept",
	"accept-language", "accept-encoding", "referer",
}

var acceptLanguageRe = regexp.MustCompile(`[a-z]{2}(-[A-Z]{2})?`)

// analyzeHeaders scores the request header set: missing essentials,
// non-browser accept values, proxy-header stacking, wire order, and a
// malformed DNT value. Signals here accumulate, capped at 1.0.
func analyzeHeaders(headers model.Headers) model.LayerResult {
	var methods []string
	var confidence float64
	details := make(map[string]any)

	var missing []string
	for _, name := range essentialHeaders {
		if !headers.Has(name) {
			missing = append(missing, name)
			confidence += 0.15
		}
	}
	if len(missing) > 0 {
		methods = append(methods, "missing_essential_headers")
		details["missing_headers"] = missing
	}

	if accept := headers.Get("accept"); accept != "" {
		if !strings.HasPrefix(accept, "text/html") {
			methods = append(methods, "non_browser_accept")
			confidence += 0.35
		}
		if strings.TrimSpace(accept) == "*/*" {
			methods = append(methods, "generic_accept_header")
			confidence += 0.25
		}
	}

	if lang := headers.Get("accept-language"); lang != "" {
		if !acceptLanguageRe.MatchString(lang) {
			methods = append(methods, "malformed_accept_language")
			confidence += 0.30
		}
	}

	if conn := strings.ToLower(headers.Get("connection")); conn != "" {
		if conn != "keep-alive" && conn != "close" {
			methods = append(methods, "unusual_connection_header")
			confidence += 0.20
		}
	}

	var found []string
	for _, name := range proxyHeaders {
		if headers.Has(name) {
			found = append(found, name)
		}
	}
	if len(found) > 2 {
		methods = append(methods, "multiple_proxy_headers")
		confidence += 0.25
		details["proxy_headers"] = found
	}

	if score := headerOrderScore(headers.Names()); score < 0.5 {
		methods = append(methods, "unusual_header_order")
		confidence += 0.15
		details["order_score"] = score
	}

	if dnt := headers.Get("dnt"); dnt != "" {
		if dnt != "0" && dnt != "1" {
			methods = append(methods, "invalid_dnt_header")
			confidence += 0.10
		}
	}

	if len(details) == 0 {
		details = nil
	}
	return model.LayerResult{
		Confidence: math.Min(confidence, 1.0),
		Methods:    methods,
		Details:    details,
	}
}

// headerOrderScore measures positional agreement with the typical
// browser prefix, 1.0 when the first headers line up exactly.
func headerOrderScore(names []string) float64 {
	if len(names) == 0 {
		return 0
	}
	var matches int
	for i, expected := range typicalHeaderOrder {
		if i < len(names) && names[i] == expected {
			matches++
		}
	}
	return float64(matches) / float64(len(typicalHeaderOrder))
}
