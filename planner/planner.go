// Package planner implements the Engine Escalation Planner: given a
// job, learned domain statistics, and the attempts already made in
// this run, it picks the next extraction tier and stops the run when
// the tier budget or a terminal classifier signal says to. It is
// grounded in the teacher's tiered-capability-provider pattern
// (cheapest capability first, escalate on failure) and treats an
// exhausted tier the way resilience.CircuitBreaker treats an open
// circuit.
package planner

import (
	"github.com/corvid-labs/harvest/classifier"
	"github.com/corvid-labs/harvest/core"
)

const maxTotalAttempts = 3

// minSampleSize gates any learned bias: fewer than this many attempts
// for a (domain, engine) pair and the planner ignores its stats.
const minSampleSize = 5

// Input is everything the planner needs to choose the next tier.
type Input struct {
	Job             core.Job
	HTTPStats       core.EngineStats
	BrowserStats    core.EngineStats
	SessionPresent  bool
	PreviousAttempts []core.EngineAttempt
	LastDecision    classifier.Decision
}

// Decision is the planner's chosen next tier plus the audit reason
// recorded on the run's engine-attempts list.
type Decision struct {
	Engine     core.EngineKind
	BiasReason string
	Stop       bool
	StopReason string
}

// Next selects the next engine tier for in.
func Next(in Input) Decision {
	if len(in.PreviousAttempts) >= maxTotalAttempts {
		return Decision{Stop: true, StopReason: "max attempts reached"}
	}

	if mode, ok := explicitMode(in.Job.EngineMode); ok {
		if len(in.PreviousAttempts) > 0 {
			// An explicit engine-mode never escalates beyond itself.
			return Decision{Stop: true, StopReason: "explicit engine-mode, no escalation allowed"}
		}
		return Decision{Engine: mode, BiasReason: "explicit engine-mode"}
	}

	if len(in.PreviousAttempts) == 0 {
		return firstAttempt(in)
	}

	return fromLastDecision(in)
}

func explicitMode(mode core.EngineMode) (core.EngineKind, bool) {
	switch mode {
	case core.EngineModeHTTP:
		return core.EngineHTTP, true
	case core.EngineModeBrowser:
		return core.EngineBrowser, true
	case core.EngineModeProvider:
		return core.EngineProvider, true
	default:
		return "", false
	}
}

func firstAttempt(in Input) Decision {
	if in.Job.RequiresAuth {
		return Decision{Engine: core.EngineBrowser, BiasReason: "job requires auth"}
	}

	if in.HTTPStats.Attempts >= minSampleSize && in.HTTPStats.SuccessRate() < 0.20 {
		return Decision{Engine: core.EngineBrowser, BiasReason: "http success-rate below 0.20 over 5+ attempts"}
	}
	if in.BrowserStats.Attempts >= minSampleSize && in.BrowserStats.SuccessRate() > 0.85 {
		return Decision{Engine: core.EngineBrowser, BiasReason: "browser success-rate above 0.85 over 5+ attempts"}
	}

	return Decision{Engine: core.EngineHTTP, BiasReason: "default starting tier"}
}

func fromLastDecision(in Input) Decision {
	last := in.PreviousAttempts[len(in.PreviousAttempts)-1]

	switch in.LastDecision {
	case classifier.DecisionEscalateToBrowser:
		if last.Engine == core.EngineBrowser {
			return Decision{Stop: true, StopReason: "next tier equals current tier"}
		}
		return Decision{Engine: core.EngineBrowser, BiasReason: "classifier requested browser escalation"}
	case classifier.DecisionEscalateToProvider:
		if last.Engine == core.EngineProvider {
			return Decision{Stop: true, StopReason: "next tier equals current tier"}
		}
		return Decision{Engine: core.EngineProvider, BiasReason: "classifier requested provider escalation"}
	default:
		return Decision{Stop: true, StopReason: "classifier returned a pause or terminal decision"}
	}
}
