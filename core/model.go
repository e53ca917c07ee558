package core

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// RunStatus is the lifecycle state of a Run. The legal transitions are
// queued->running->{completed,failed,waiting-for-human}, and
// waiting-for-human->queued on intervention resolution. An expired
// intervention task leaves the run paused rather than transitioning
// it — expiry is advisory, never a failure. No other transition is
// valid.
type RunStatus string

const (
	RunStatusQueued           RunStatus = "queued"
	RunStatusRunning          RunStatus = "running"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusWaitingForHuman  RunStatus = "waiting-for-human"
)

// CanTransition reports whether moving from s to next is a legal step
// in the Run lifecycle.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed || next == RunStatusWaitingForHuman
	case RunStatusWaitingForHuman:
		return next == RunStatusQueued
	default:
		return false
	}
}

// FailureCode classifies why a Run ended in RunStatusFailed.
type FailureCode string

const (
	FailureNone        FailureCode = ""
	FailureBlocked     FailureCode = "blocked"
	FailureRateLimited FailureCode = "rate-limited"
	FailureTimeout     FailureCode = "timeout"
	FailureNetwork     FailureCode = "network"
	FailureBadResponse FailureCode = "bad-response"
	FailureUnknown     FailureCode = "unknown"
)

// EngineKind identifies one of the three extraction tiers.
type EngineKind string

const (
	EngineHTTP     EngineKind = "http"
	EngineBrowser  EngineKind = "browser"
	EngineProvider EngineKind = "provider"
)

// EngineMode is the job-level override for which tier(s) the planner
// may use.
type EngineMode string

const (
	EngineModeAuto     EngineMode = "auto"
	EngineModeHTTP     EngineMode = "http"
	EngineModeBrowser  EngineMode = "browser"
	EngineModeProvider EngineMode = "provider"
)

// CrawlMode selects single-page vs list/pagination extraction.
type CrawlMode string

const (
	CrawlSingle CrawlMode = "single"
	CrawlList   CrawlMode = "list"
)

// AccessClass is a learned label for a domain's scrape difficulty.
type AccessClass string

const (
	AccessPublic AccessClass = "public"
	AccessInfra  AccessClass = "infra"
	AccessHuman  AccessClass = "human"
)

// SessionRequirement expresses whether a domain needs a captured
// browser session to be reachable at all.
type SessionRequirement string

const (
	SessionNo        SessionRequirement = "no"
	SessionPreferred SessionRequirement = "preferred"
	SessionRequired  SessionRequirement = "required"
)

// TypedFieldKind is the closed set of post-extraction field
// classifiers a SelectorSpec may request.
type TypedFieldKind string

const (
	TypedNone    TypedFieldKind = ""
	TypedPhone   TypedFieldKind = "phone"
	TypedEmail   TypedFieldKind = "email"
	TypedAddress TypedFieldKind = "address"
	TypedInteger TypedFieldKind = "integer"
)

// SelectorSpec is a closed, typed selector description — never a
// free-form map. attr/regex/typed are optional and distinguished by
// presence, matching the tagged-union design note in spec.md §9.
type SelectorSpec struct {
	CSS   string
	Attr  *string
	All   bool
	Regex *string
	Typed TypedFieldKind
}

// ListConfig configures list-mode crawling: resolve item links off a
// listing page, follow pagination, and bound both dimensions.
type ListConfig struct {
	ItemLinksSelector    SelectorSpec
	PaginationSelector   *SelectorSpec
	MaxPages             int
	MaxItems             int
}

// Job is read-only to the core; it is owned by the external Job CRUD
// surface (spec.md §1) and only consumed here.
type Job struct {
	ID            string
	TargetURL     string
	Fields        []string
	RequiresAuth  bool
	Crawl         CrawlMode
	List          *ListConfig
	EngineMode    EngineMode
	BrowserProfile *string
}

// FieldMap pairs a job and field name with its SelectorSpec. The
// (JobID, Field) pair is unique.
type FieldMap struct {
	JobID    string
	Field    string
	Selector SelectorSpec
}

// HTTPMeta is T1's per-attempt diagnostic metadata.
type HTTPMeta struct {
	FinalURL      string
	RedirectCount int
	ContentType   string
	Charset       string
}

// BrowserMeta is T2's per-attempt diagnostic metadata.
type BrowserMeta struct {
	NavigationMS     int64
	ConsentDismissed bool
	CapturedSession  bool
}

// ProviderMeta is T3's per-attempt diagnostic metadata.
type ProviderMeta struct {
	CreditsUsed int
	RenderJS    bool
	Country     string
}

// EngineMetadata is a tagged union of per-tier diagnostic metadata: Kind
// selects which of HTTP/Browser/Provider is populated. Only one is ever
// non-nil, matching the tagged-union design note in spec.md §9.
type EngineMetadata struct {
	Kind     EngineKind
	HTTP     *HTTPMeta
	Browser  *BrowserMeta
	Provider *ProviderMeta
}

// EngineAttempt is one tier's fetch-and-extract attempt within a Run,
// recorded for audit regardless of outcome.
type EngineAttempt struct {
	Engine       EngineKind
	ResponseCode int
	BodySize     int
	Signals      []string
	Metadata     EngineMetadata
	Decision     string
	BiasReason   string
	Timestamp    time.Time
	Success      bool
}

// Run is one attempt-cycle to extract data from a job's target. Status
// transitions are validated via RunStatus.CanTransition; nothing else
// may mutate Status directly.
type Run struct {
	ID                string
	JobID             string
	Status            RunStatus
	Attempt           int
	MaxAttempts       int
	RequestedStrategy EngineMode
	ResolvedStrategy  EngineKind
	FailureCode       FailureCode
	TraceID           string
	ParentSpanID      string
	Attempts          []EngineAttempt
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// RunEventLevel is the severity of a RunEvent.
type RunEventLevel string

const (
	EventInfo  RunEventLevel = "info"
	EventWarn  RunEventLevel = "warn"
	EventError RunEventLevel = "error"
)

// RunEvent is one strictly creation-ordered entry in a Run's append-only
// log. Seq is assigned by the Event Stream on Append and is strictly
// monotonic within a single RunID — it is what subscribers use to
// detect gaps and to resume a live feed after catching up on history.
type RunEvent struct {
	RunID     string
	Seq       int64
	Level     RunEventLevel
	Message   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// Record is one extracted row: an opaque JSON-shaped object whose keys
// are the Job's field names.
type Record struct {
	RunID  string
	Fields map[string]interface{}
}

// EngineStats is per (domain, engine) learned counters.
type EngineStats struct {
	Attempts         int
	Successes        int
	AvgEscalations   float64
	AvgCostPerRecord float64
}

// DomainStats is the Domain Intelligence Store's unique key per
// (domain, engine), only ever written by the Run Executor.
type DomainStats struct {
	Domain      string
	Engine      EngineKind
	Stats       EngineStats
	FirstSeen   time.Time
	LastUpdated time.Time
}

// SuccessRate derives the cumulative success rate for this row. It is
// a simple cumulative ratio, not a moving average, per spec.md §4.1.
func (s EngineStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// DomainConfig is the learned, per-domain classification the planner
// and classifier consult.
type DomainConfig struct {
	Domain           string
	AccessClass      AccessClass
	RequiresSession  SessionRequirement
	BlockRate403     float64
	CaptchaRate      float64
	ProviderSuccess  float64
	BlockPatterns    []string
}

// BrowserSession is a reusable cookie/storage-state bundle keyed by
// (domain, proxy-identity). Trust is always derived, never stored.
type BrowserSession struct {
	Domain              string
	ProxyIdentity        string
	Cookies              []byte
	StorageState         []byte
	UserAgent            string
	ViewportWidth        int
	ViewportHeight       int
	CreatedAt            time.Time
	LastUsed             time.Time
	TotalUses            int
	ConsecutiveFailures  int
	CaptchaCount         int
}

// Key returns the Session Pool map key for this session.
func (s BrowserSession) Key() string {
	return s.Domain + "__" + s.ProxyIdentity
}

// InterventionType is the closed set of reasons a Run can pause for a
// human.
type InterventionType string

const (
	InterventionManualAccess InterventionType = "manual-access"
	InterventionLoginRefresh InterventionType = "login-refresh"
	InterventionCaptchaSolve InterventionType = "captcha-solve"
	InterventionSelectorFix  InterventionType = "selector-fix"
	InterventionFieldConfirm InterventionType = "field-confirm"
)

// InterventionStatus is the lifecycle of an InterventionTask.
type InterventionStatus string

const (
	InterventionPending    InterventionStatus = "pending"
	InterventionInProgress InterventionStatus = "in-progress"
	InterventionResolved   InterventionStatus = "resolved"
	InterventionExpired    InterventionStatus = "expired"
	InterventionCancelled  InterventionStatus = "cancelled"
)

// InterventionResolution is the structured outcome attached when a
// task is resolved.
type InterventionResolution struct {
	ResolverIdentity string
	Note             string
	CapturedSession  *BrowserSession
}

// InterventionTask is a persisted, first-class paused state for a Run.
type InterventionTask struct {
	ID            string
	JobID         string
	RunID         *string
	Type          InterventionType
	Status        InterventionStatus
	TriggerReason string
	Payload       map[string]interface{}
	Priority      int
	ExpiresAt     time.Time
	Resolution    *InterventionResolution
	CreatedAt     time.Time
}

// HashResolverIdentity bcrypt-hashes the operator-supplied identity
// token before it is persisted on an InterventionResolution, so a
// leaked intervention-task record never exposes the raw token.
func HashResolverIdentity(identity string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(identity), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyResolverIdentity reports whether identity is the plaintext that
// produced hash via HashResolverIdentity.
func VerifyResolverIdentity(hash, identity string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(identity)) == nil
}

// APIKeyUsage tracks a T3 provider credit counter, deactivated when
// depleted.
type APIKeyUsage struct {
	Key          string
	CreditsUsed  int
	CreditsLimit int
	Active       bool
}

// HasBudget reports whether the key is active and still has budget.
func (u APIKeyUsage) HasBudget() bool {
	return u.Active && (u.CreditsLimit == 0 || u.CreditsUsed < u.CreditsLimit)
}
