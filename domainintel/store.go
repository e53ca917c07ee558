// Package domainintel implements the Domain Intelligence Store: per
// (domain, engine) learned counters and a derived per-domain
// classification the planner and classifier consult. Two
// implementations share the Store interface — an in-memory map for
// tests/single-process use and a Redis-backed one (redis.go) grounded
// in the teacher's atomic-pipeline registry update pattern.
package domainintel

import (
	"context"

	"github.com/corvid-labs/harvest/core"
)

// minAttemptsForBias gates any decision the planner derives from
// stored counters, per spec.md §4.1.
const minAttemptsForBias = 5

// blockRateWindow is the number of most recent attempts per domain
// used to recompute block rates.
const blockRateWindow = 20

// Store is the Domain Intelligence contract.
type Store interface {
	// Lookup returns per-engine metrics and the domain's learned
	// classification. A domain with no history returns empty stats and
	// a DomainConfig classed public with no session requirement, not an
	// error.
	Lookup(ctx context.Context, domain string) (map[core.EngineKind]core.EngineStats, core.DomainConfig, error)

	// RecordOutcome updates counters for (domain, engine) and
	// recomputes the domain's block rate over the last N>=20 attempts.
	// In the Redis store the counters and window commit in one
	// transaction; the human-class streak is updated in a later step,
	// so an error from that step leaves the counters already recorded.
	RecordOutcome(ctx context.Context, outcome Outcome) error

	// Classify derives the domain's access class and session
	// requirement from stored counters. Pure derivation — no writes.
	Classify(ctx context.Context, domain string) (core.DomainConfig, error)
}

// Outcome is one run attempt's result against a domain, as observed by
// the Run Executor.
type Outcome struct {
	Domain            string
	Engine            core.EngineKind
	Success           bool
	RecordsExtracted  int
	Escalations       int
	HadCaptcha        bool
	ResponseCode      int
}

// classify is the pure derivation shared by both Store
// implementations: access-class becomes human if block-rate-403 >=
// 0.8 with >=5 attempts, infra if block-rate-403 is high but
// captcha-rate is low and the provider historically succeeds, else
// public. requires-session becomes required once human class is
// stable over >=5 attempts.
func classify(domain string, window []attemptRecord, stats map[core.EngineKind]core.EngineStats, humanStreak int) core.DomainConfig {
	cfg := core.DomainConfig{Domain: domain, AccessClass: core.AccessPublic, RequiresSession: core.SessionNo}

	if len(window) < minAttemptsForBias {
		return cfg
	}

	var block403, captcha, providerSuccess, providerAttempts int
	for _, a := range window {
		if a.ResponseCode == 403 {
			block403++
		}
		if a.HadCaptcha {
			captcha++
		}
		if a.Engine == core.EngineProvider {
			providerAttempts++
			if a.Success {
				providerSuccess++
			}
		}
	}

	blockRate403 := float64(block403) / float64(len(window))
	captchaRate := float64(captcha) / float64(len(window))
	cfg.BlockRate403 = blockRate403
	cfg.CaptchaRate = captchaRate
	if providerAttempts > 0 {
		cfg.ProviderSuccess = float64(providerSuccess) / float64(providerAttempts)
	}

	switch {
	case blockRate403 >= 0.8:
		cfg.AccessClass = core.AccessHuman
	case blockRate403 >= 0.5 && captchaRate < 0.2 && cfg.ProviderSuccess > 0.5:
		cfg.AccessClass = core.AccessInfra
	default:
		cfg.AccessClass = core.AccessPublic
	}

	if cfg.AccessClass == core.AccessHuman && humanStreak >= minAttemptsForBias {
		cfg.RequiresSession = core.SessionRequired
	} else if cfg.AccessClass == core.AccessHuman {
		cfg.RequiresSession = core.SessionPreferred
	}

	return cfg
}

type attemptRecord struct {
	Engine       core.EngineKind
	Success      bool
	ResponseCode int
	HadCaptcha   bool
}
