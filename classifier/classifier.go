// Package classifier implements the Block Classifier: a pure function
// from a fetch/extract observation to one decision among {proceed,
// escalate, pause, fail}. It holds no state and performs no I/O — see
// resilience.CircuitBreaker's ErrorClassifier for the pattern this
// package generalizes (an exhausted tier is treated like an open
// circuit by the planner, not by this package).
package classifier

import (
	"strings"

	"github.com/corvid-labs/harvest/core"
)

// Decision is the closed set of outcomes the classifier may return.
type Decision string

const (
	DecisionProceed            Decision = "proceed"
	DecisionEscalateToBrowser  Decision = "escalate-to-browser"
	DecisionEscalateToProvider Decision = "escalate-to-provider"
	DecisionPauseManualAccess  Decision = "pause-manual-access"
	DecisionPauseLoginRefresh  Decision = "pause-login-refresh"
	DecisionPauseCaptchaSolve  Decision = "pause-captcha-solve"
	DecisionPauseSelectorFix   Decision = "pause-selector-fix"
	DecisionFailNetwork        Decision = "fail-network"
	DecisionFailUnknown        Decision = "fail-unknown"
)

// defaultBlockMarkers are well-known anti-bot interstitial phrases
// checked against the response body, case-insensitively.
var defaultBlockMarkers = []string{
	"checking your browser",
	"just a moment",
	"captcha",
	"cf-browser-verification",
	"cf-mitigated",
}

// defaultJSGateMarkers indicate a page that renders nothing useful
// without executing JavaScript.
var defaultJSGateMarkers = []string{
	"__next_data__",
	"data-reactroot",
	"ng-version",
}

// Observation is everything the classifier is allowed to look at — all
// signals are observable facts, never probabilistic inference.
type Observation struct {
	StatusCode        int
	Body              string
	Duration          float64 // seconds
	Engine            core.EngineKind
	SessionPresent    bool
	RequiredFields    int
	ExtractedFields   int
	IsNetworkError    bool
	NetworkRetriesOut bool
	RobotsNoIndex     bool
	ProviderExhausted bool
	BrowserExhausted  bool
	ProviderEnabled   bool
	Domain            core.DomainConfig
}

// Classifier maps an Observation to a Decision plus a human-auditable
// reason string. The default markers may be overridden per domain for
// unusual interstitials.
type Classifier struct {
	blockMarkers  []string
	jsGateMarkers []string
}

// New returns the default classifier using the well-known marker sets.
func New() *Classifier {
	return &Classifier{
		blockMarkers:  defaultBlockMarkers,
		jsGateMarkers: defaultJSGateMarkers,
	}
}

// WithMarkers returns a classifier using a domain-specific marker set
// instead of the defaults, for domains with unusual interstitials.
func WithMarkers(blockMarkers, jsGateMarkers []string) *Classifier {
	return &Classifier{blockMarkers: blockMarkers, jsGateMarkers: jsGateMarkers}
}

// Classify is the pure decision function described in spec.md §4.3.
func (c *Classifier) Classify(obs Observation) (Decision, string) {
	if obs.IsNetworkError {
		if obs.NetworkRetriesOut {
			return DecisionFailNetwork, "network error, retries exhausted"
		}
		return DecisionFailNetwork, "network error"
	}

	bodyLower := strings.ToLower(obs.Body)
	blocked := obs.StatusCode == 401 || obs.StatusCode == 403 || obs.StatusCode == 429
	hasBlockMarker := containsAny(bodyLower, c.blockMarkers)
	jsGated := containsAny(bodyLower, c.jsGateMarkers) && obs.StatusCode == 200 && obs.ExtractedFields == 0 && obs.RequiredFields > 0
	robotsEmpty := obs.RobotsNoIndex && obs.ExtractedFields == 0

	if blocked || hasBlockMarker || jsGated || robotsEmpty {
		if hasCaptchaMarker(bodyLower) && (obs.ProviderExhausted || !obs.ProviderEnabled) {
			return DecisionPauseCaptchaSolve, "captcha markers observed, provider tier exhausted or disabled"
		}

		if blocked && !obs.SessionPresent && obs.Domain.RequiresSession == core.SessionRequired {
			return DecisionPauseManualAccess, "auth-class block with no session and domain requires one"
		}
		if blocked && obs.SessionPresent {
			return DecisionPauseLoginRefresh, "auth-class block with a present but stale session"
		}

		if obs.Engine == core.EngineBrowser && obs.BrowserExhausted {
			return DecisionEscalateToProvider, "browser tier exhausted under block signals"
		}
		return DecisionEscalateToBrowser, "block/anti-bot signal observed"
	}

	if obs.StatusCode >= 200 && obs.StatusCode < 300 {
		if obs.RequiredFields > 0 && obs.ExtractedFields == 0 {
			return DecisionPauseSelectorFix, "valid page, zero required extractions"
		}
		return DecisionProceed, "status ok, extraction satisfied"
	}

	return DecisionFailUnknown, "unclassified response"
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func hasCaptchaMarker(bodyLower string) bool {
	return strings.Contains(bodyLower, "captcha")
}
