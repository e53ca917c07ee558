// Package sessionpool keeps a bounded set of live browser sessions keyed
// by (domain, proxy-identity), computes their trust on demand, and
// retires them deterministically once any hard limit is crossed.
package sessionpool

import (
	"time"

	"github.com/corvid-labs/harvest/core"
)

const (
	trustFloorDefault = 100.0
	ageGraceMinutes   = 60
	agePenaltyPerMin  = 0.5
	failurePenalty    = 15.0
	recentSuccessBonus = 20.0
	recentSuccessWindow = 5 * time.Minute
	usesGrace         = 50
	usePenaltyPerUse  = 0.5

	hardRetireUses = 200
	hardRetireAge  = 2 * time.Hour
	hardRetireStreak = 3
)

// ComputeTrust derives the trust scalar for a session at instant now.
// It is never stored — recomputed on every acquire. The weights
// satisfy the hard-retirement invariants in spec.md §4.2 and match the
// worked example in spec.md §8 scenario 5.
func ComputeTrust(s core.BrowserSession, now time.Time) float64 {
	trust := trustFloorDefault

	ageMinutes := now.Sub(s.CreatedAt).Minutes()
	if ageMinutes > ageGraceMinutes {
		trust -= (ageMinutes - ageGraceMinutes) * agePenaltyPerMin
	}

	trust -= float64(s.ConsecutiveFailures) * failurePenalty

	if !s.LastUsed.IsZero() && now.Sub(s.LastUsed) <= recentSuccessWindow {
		trust += recentSuccessBonus
	}

	if s.TotalUses > usesGrace {
		trust -= float64(s.TotalUses-usesGrace) * usePenaltyPerUse
	}

	if trust < 0 {
		trust = 0
	}
	if trust > 100 {
		trust = 100
	}
	return trust
}

// IsHardRetired reports whether s must be retired regardless of trust:
// trust < 40, 3 consecutive failures, 200 total uses, or age > 2 hours.
func IsHardRetired(s core.BrowserSession, now time.Time) bool {
	if ComputeTrust(s, now) < TrustFloor {
		return true
	}
	if s.ConsecutiveFailures >= hardRetireStreak {
		return true
	}
	if s.TotalUses >= hardRetireUses {
		return true
	}
	if now.Sub(s.CreatedAt) >= hardRetireAge {
		return true
	}
	return false
}

// TrustFloor is the minimum trust required to reuse a session. It is
// overridable via core.Config.Session.TrustFloor; this is the spec
// default (40).
var TrustFloor = float64(core.DefaultSessionTrustFloor)
