// Package engines defines the uniform Extraction Engine contract
// (spec.md §4.5) and the factory-registration scaffold tiers register
// into. The three tiers (engines/httpfetch, engines/browser,
// engines/provider) and the shared selector-evaluation helpers in
// engines/extract all depend on this package; it depends on nothing
// engine-specific so it stays import-cycle-free.
package engines

import (
	"context"
	"time"

	"github.com/corvid-labs/harvest/core"
)

// Options tunes one fetch-and-extract attempt. Zero-value Options is
// valid — every field has an engine-specific default.
type Options struct {
	// Timeout bounds this single attempt: 20s default for T1, 30s for
	// T2 navigation, 60s for T3 (spec.md §5).
	Timeout time.Duration
}

// FetchInput is everything an Engine needs to perform one
// fetch-and-extract attempt, per spec.md §4.5's uniform contract.
type FetchInput struct {
	URL     string
	Fields  []core.FieldMap
	List    *core.ListConfig
	Session *core.BrowserSession
	Domain  core.DomainConfig
	Options Options
}

// FetchResult is the uniform outcome of a fetch-and-extract attempt,
// consumed directly by the Block Classifier's Observation.
type FetchResult struct {
	Records         []core.Record
	StatusCode      int
	BodySize        int
	Body            string // raw body/rendered text, for classifier marker matching — never persisted
	Signals         []string
	CapturedSession *core.BrowserSession
	Metadata        core.EngineMetadata
}

// Engine is the contract every extraction tier implements. A single
// FetchAndExtract call performs one attempt: a single-page fetch or,
// in list mode, whatever listing crawl the tier supports (each
// implementation documents how far its list mode goes).
type Engine interface {
	Tier() core.EngineKind
	FetchAndExtract(ctx context.Context, in FetchInput) (FetchResult, error)
}
