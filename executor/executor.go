// Package executor implements the Run Executor (spec.md §4.7): given a
// run id, it runs exactly one end-to-end attempt cycle — lease the run,
// consult Domain Intelligence, resolve a session, ask the Planner for a
// starting tier, loop fetch-and-extract/classify/escalate until the
// Classifier says proceed/pause/fail, and emit every step to the Event
// Stream. It is grounded in the teacher's orchestration/executor.go and
// orchestration/workflow_executor.go (a single synchronous attempt
// cycle with panic recovery), with the attempt-loop escalation shape
// coming from the teacher's tiered-capability pattern already adapted
// in the planner package.
package executor

import (
	"context"
	"fmt"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/corvid-labs/harvest/classifier"
	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/domainintel"
	"github.com/corvid-labs/harvest/engines"
	"github.com/corvid-labs/harvest/events"
	"github.com/corvid-labs/harvest/intervention"
	"github.com/corvid-labs/harvest/planner"
	"github.com/corvid-labs/harvest/sessionpool"
)

// maxTierAttempts bounds the within-run attempt loop, mirroring
// planner's own escalation ceiling (spec.md §4.7 step 6).
const maxTierAttempts = 3

// defaultProxyIdentity is used when a deployment has no per-job proxy
// assignment; the Session Pool keys purely on (domain, proxy-identity)
// so a single shared identity still gets correct serialization.
const defaultProxyIdentity = "default"

// backoffBaseSeconds and backoffCapSeconds implement the cross-run
// backoff formula in spec.md §4.7: min(300, 10 * 3^(attempt-1)).
const (
	backoffBaseSeconds = 10
	backoffCapSeconds  = 300
)

// Deps are the Run Executor's required collaborators. Every field is a
// narrow interface or a concrete package already responsible for its
// own concern; the executor owns none of their state.
type Deps struct {
	Store        Store
	DomainIntel  domainintel.Store
	Sessions     *sessionpool.Pool
	Engines      *engines.Registry
	Intervention *intervention.Controller
	Events       events.Sink
	Classifier   *classifier.Classifier
	Scheduler    Scheduler

	// ProxyIdentity identifies which proxy/egress identity this
	// executor instance acts under for Session Pool keys. Defaults to
	// "default" when empty.
	ProxyIdentity string

	Logger    core.Logger
	Telemetry core.Telemetry
}

// Executor is the Run Executor's reference implementation.
type Executor struct {
	store        Store
	domainIntel  domainintel.Store
	sessions     *sessionpool.Pool
	engineReg    *engines.Registry
	intervention *intervention.Controller
	events       events.Sink
	classifier   *classifier.Classifier
	scheduler    Scheduler

	proxyIdentity string

	logger    core.Logger
	telemetry core.Telemetry
}

// New builds an Executor. Logger/Telemetry/Scheduler default to no-ops
// and Classifier to classifier.New() when left unset, matching the
// teacher's constructor style.
func New(deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("harvest/executor")
	}
	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = NoOpScheduler{}
	}
	cls := deps.Classifier
	if cls == nil {
		cls = classifier.New()
	}
	proxyIdentity := deps.ProxyIdentity
	if proxyIdentity == "" {
		proxyIdentity = defaultProxyIdentity
	}

	return &Executor{
		store:         deps.Store,
		domainIntel:   deps.DomainIntel,
		sessions:      deps.Sessions,
		engineReg:     deps.Engines,
		intervention:  deps.Intervention,
		events:        deps.Events,
		classifier:    cls,
		scheduler:     scheduler,
		proxyIdentity: proxyIdentity,
		logger:        logger,
		telemetry:     telemetry,
	}
}

// Run executes exactly one attempt cycle for runID, per spec.md §4.7's
// seven steps. A panic anywhere in the cycle is recovered and converted
// into a fail-unknown outcome rather than crashing the worker goroutine
// that called Run, mirroring orchestration/executor_panic_test.go's
// expectations of the teacher's SmartExecutor.
func (e *Executor) Run(ctx context.Context, runID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			e.logger.ErrorWithContext(ctx, "run executor panicked", map[string]interface{}{
				"operation": "executor_run_panic", "run_id": runID, "panic": fmt.Sprintf("%v", r), "stack": stack,
			})
			if failErr := e.store.FailRun(ctx, runID, core.FailureUnknown); failErr != nil {
				e.logger.ErrorWithContext(ctx, "failed to mark panicked run failed", map[string]interface{}{
					"run_id": runID, "error": failErr.Error(),
				})
			}
			e.emit(ctx, runID, events.Error(runID, "run.failed", map[string]interface{}{"failure_code": string(core.FailureUnknown), "reason": "panic"}))
			err = core.NewFrameworkError("executor.Run", "run", fmt.Errorf("recovered panic: %v", r))
		}
	}()

	ctx, span := e.telemetry.StartSpan(ctx, "executor.run")
	defer span.End()

	// Step 1: load run, job, field-map; refuse if not runnable.
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		span.RecordError(err)
		return core.NewFrameworkError("executor.Run", "run", err)
	}
	if run.Status != core.RunStatusQueued && run.Status != core.RunStatusRunning {
		return core.NewFrameworkError("executor.Run", "run", core.ErrRunNotRunnable)
	}

	job, err := e.store.LoadJob(ctx, run.JobID)
	if err != nil {
		span.RecordError(err)
		return core.NewFrameworkError("executor.Run", "job", err)
	}
	fields, err := e.store.LoadFieldMaps(ctx, run.JobID)
	if err != nil {
		span.RecordError(err)
		return core.NewFrameworkError("executor.Run", "job", err)
	}

	// Step 2: compare-and-set queued -> running.
	leased, err := e.store.TryLeaseRun(ctx, runID)
	if err != nil {
		span.RecordError(err)
		return core.NewFrameworkError("executor.Run", "run", err)
	}
	if !leased {
		e.logger.DebugWithContext(ctx, "run lease not acquired, skipping", map[string]interface{}{"run_id": runID})
		return nil
	}
	run.Status = core.RunStatusRunning
	e.emit(ctx, runID, events.Info(runID, "run.started", map[string]interface{}{"job_id": run.JobID}))

	domain := hostOf(job.TargetURL)

	// Step 3: consult Domain Intelligence.
	stats, domainCfg, err := e.domainIntel.Lookup(ctx, domain)
	if err != nil {
		span.RecordError(err)
		return core.NewFrameworkError("executor.Run", "domainintel", err)
	}

	// Step 4: session resolution.
	session, pausedForSession, err := e.resolveSession(ctx, run, domain, domainCfg)
	if err != nil {
		return err
	}
	if pausedForSession {
		return nil
	}

	// Step 5: planner picks the initial engine.
	decision := planner.Next(planner.Input{
		Job:              job,
		HTTPStats:        stats[core.EngineHTTP],
		BrowserStats:     stats[core.EngineBrowser],
		SessionPresent:   session != nil,
		PreviousAttempts: nil,
	})
	if decision.Stop {
		return e.fail(ctx, run, core.FailureUnknown, "planner stopped before first attempt: "+decision.StopReason)
	}

	// Step 6: bounded attempt loop.
	return e.attemptLoop(ctx, run, job, fields, domain, domainCfg, session, decision)
}

// resolveSession implements spec.md §4.7 step 4. It returns
// (session, paused, err); paused is true when the run has been paused
// for manual access and the caller must return immediately.
func (e *Executor) resolveSession(ctx context.Context, run *core.Run, domain string, domainCfg core.DomainConfig) (*core.BrowserSession, bool, error) {
	if e.sessions == nil {
		return nil, false, nil
	}

	session, err := e.sessions.Acquire(ctx, domain, e.proxyIdentity)
	if err != nil {
		return nil, false, core.NewFrameworkError("executor.Run", "session", err)
	}

	if session == nil && domainCfg.RequiresSession == core.SessionRequired {
		if _, pauseErr := e.intervention.PauseRun(ctx, run, domain, core.InterventionManualAccess,
			"domain requires a session and none is available", nil); pauseErr != nil {
			return nil, false, core.NewFrameworkError("executor.Run", "intervention", pauseErr)
		}
		if recErr := e.domainIntel.RecordOutcome(ctx, domainintel.Outcome{Domain: domain, Engine: core.EngineBrowser, Success: false}); recErr != nil {
			e.logger.WarnWithContext(ctx, "failed to record domain outcome for session-required pause", map[string]interface{}{"domain": domain, "error": recErr.Error()})
		}
		e.emit(ctx, run.ID, events.Warn(run.ID, "intervention.created", map[string]interface{}{"type": string(core.InterventionManualAccess), "domain": domain}))
		return nil, true, nil
	}
	return session, false, nil
}

// attemptLoop implements spec.md §4.7 step 6: call the engine, classify
// the result, and either proceed, escalate, pause, or fail.
func (e *Executor) attemptLoop(ctx context.Context, run *core.Run, job core.Job, fields []core.FieldMap, domain string, domainCfg core.DomainConfig, session *core.BrowserSession, decision planner.Decision) error {
	var lastDecision classifier.Decision
	var previousAttempts []core.EngineAttempt
	sessionInPlay := session != nil

	for attemptIdx := 0; attemptIdx < maxTierAttempts; attemptIdx++ {
		tier := decision.Engine
		eng, err := e.engineReg.Build(tier, nil)
		if err != nil {
			return e.fail(ctx, run, core.FailureUnknown, "no engine registered for tier "+string(tier))
		}

		start := time.Now()
		result, fetchErr := eng.FetchAndExtract(ctx, engines.FetchInput{
			URL:     job.TargetURL,
			Fields:  fields,
			List:    job.List,
			Session: session,
			Domain:  domainCfg,
			Options: engines.Options{},
		})
		duration := time.Since(start)

		obs := e.observationFor(tier, result, fetchErr, duration, session != nil, domainCfg, fields, previousAttempts)
		decisionKind, reason := e.classifier.Classify(obs)

		attempt := core.EngineAttempt{
			Engine:       tier,
			ResponseCode: result.StatusCode,
			BodySize:     result.BodySize,
			Signals:      result.Signals,
			Metadata:     result.Metadata,
			Decision:     string(decisionKind),
			BiasReason:   decision.BiasReason,
			Timestamp:    start,
			Success:      decisionKind == classifier.DecisionProceed,
		}
		if appendErr := e.store.AppendAttempt(ctx, run.ID, attempt); appendErr != nil {
			return core.NewFrameworkError("executor.Run", "run", appendErr)
		}
		previousAttempts = append(previousAttempts, attempt)
		e.emit(ctx, run.ID, events.Info(run.ID, "engine.attempt", map[string]interface{}{
			"engine": string(tier), "status_code": result.StatusCode, "decision": string(decisionKind), "reason": reason, "bias_reason": decision.BiasReason,
		}))

		switch {
		case decisionKind == classifier.DecisionProceed:
			return e.proceed(ctx, run, domain, tier, result, session, sessionInPlay)

		case isEscalate(decisionKind):
			if sessionInPlay {
				if markErr := e.sessions.MarkFailure(ctx, domain, e.proxyIdentity); markErr != nil {
					e.logger.WarnWithContext(ctx, "failed to mark session failure", map[string]interface{}{"domain": domain, "error": markErr.Error()})
				}
				sessionInPlay = false
				session = nil
			}
			lastDecision = decisionKind
			decision = planner.Next(planner.Input{
				Job:              job,
				HTTPStats:        domainIntelStats(ctx, e.domainIntel, domain, core.EngineHTTP),
				BrowserStats:     domainIntelStats(ctx, e.domainIntel, domain, core.EngineBrowser),
				SessionPresent:   session != nil,
				PreviousAttempts: previousAttempts,
				LastDecision:     lastDecision,
			})
			if decision.Stop {
				code := failureCodeForExhaustedEscalation(result)
				return e.failWithRetry(ctx, run, job, code, "escalation exhausted: "+decision.StopReason, tier)
			}
			continue

		case isPause(decisionKind):
			if sessionInPlay {
				e.sessions.Release(ctx, domain, e.proxyIdentity)
			}
			return e.pause(ctx, run, domain, decisionKind, reason)

		default: // fail-network, fail-unknown
			code := core.FailureUnknown
			if decisionKind == classifier.DecisionFailNetwork {
				code = core.FailureNetwork
			}
			if sessionInPlay {
				if markErr := e.sessions.MarkFailure(ctx, domain, e.proxyIdentity); markErr != nil {
					e.logger.WarnWithContext(ctx, "failed to mark session failure", map[string]interface{}{"domain": domain, "error": markErr.Error()})
				}
			}
			return e.failWithRetry(ctx, run, job, code, reason, tier)
		}
	}

	return e.failWithRetry(ctx, run, job, core.FailureUnknown, "max tier attempts reached", decision.Engine)
}

// proceed persists the winning attempt's records and reports success.
func (e *Executor) proceed(ctx context.Context, run *core.Run, domain string, tier core.EngineKind, result engines.FetchResult, session *core.BrowserSession, sessionInPlay bool) error {
	if err := e.store.PersistRecords(ctx, run.ID, result.Records); err != nil {
		return e.fail(ctx, run, core.FailureUnknown, "record persistence failed: "+err.Error())
	}
	if err := e.domainIntel.RecordOutcome(ctx, domainintel.Outcome{
		Domain: domain, Engine: tier, Success: true, RecordsExtracted: len(result.Records),
	}); err != nil {
		e.logger.WarnWithContext(ctx, "failed to record domain success", map[string]interface{}{"domain": domain, "error": err.Error()})
	}

	if result.CapturedSession != nil {
		if err := e.sessions.Create(ctx, *result.CapturedSession); err != nil {
			e.logger.WarnWithContext(ctx, "failed to persist captured session", map[string]interface{}{"domain": domain, "error": err.Error()})
		}
	} else if sessionInPlay {
		hadCaptcha := containsSignal(result.Signals, "captcha")
		if err := e.sessions.MarkSuccess(ctx, domain, e.proxyIdentity, hadCaptcha); err != nil {
			e.logger.WarnWithContext(ctx, "failed to mark session success", map[string]interface{}{"domain": domain, "error": err.Error()})
		}
	}

	if err := e.store.CompleteRun(ctx, run.ID); err != nil {
		return core.NewFrameworkError("executor.Run", "run", err)
	}
	e.emit(ctx, run.ID, events.Info(run.ID, "run.completed", map[string]interface{}{"records": len(result.Records), "engine": string(tier)}))
	return nil
}

// pause routes a pause-* classifier decision to the Intervention Engine.
func (e *Executor) pause(ctx context.Context, run *core.Run, domain string, decisionKind classifier.Decision, reason string) error {
	kind := interventionTypeFor(decisionKind)
	if _, err := e.intervention.PauseRun(ctx, run, domain, kind, reason, nil); err != nil {
		return core.NewFrameworkError("executor.Run", "intervention", err)
	}
	if err := e.domainIntel.RecordOutcome(ctx, domainintel.Outcome{Domain: domain, Success: false}); err != nil {
		e.logger.WarnWithContext(ctx, "failed to record domain outcome for pause", map[string]interface{}{"domain": domain, "error": err.Error()})
	}
	e.emit(ctx, run.ID, events.Warn(run.ID, "intervention.created", map[string]interface{}{"type": string(kind), "reason": reason, "domain": domain}))
	return nil
}

// fail marks the run failed with no cross-run retry scheduling.
func (e *Executor) fail(ctx context.Context, run *core.Run, code core.FailureCode, reason string) error {
	if err := e.store.FailRun(ctx, run.ID, code); err != nil {
		return core.NewFrameworkError("executor.Run", "run", err)
	}
	e.emit(ctx, run.ID, events.Error(run.ID, "run.failed", map[string]interface{}{"failure_code": string(code), "reason": reason}))
	return nil
}

// failWithRetry marks the run failed and, for fail-network/
// fail-rate-limited codes with attempts remaining, schedules a new run
// per spec.md §4.7's exponential backoff.
func (e *Executor) failWithRetry(ctx context.Context, run *core.Run, job core.Job, code core.FailureCode, reason string, lastTier core.EngineKind) error {
	if err := e.fail(ctx, run, code, reason); err != nil {
		return err
	}
	if err := e.domainIntel.RecordOutcome(ctx, domainintel.Outcome{Domain: hostOf(job.TargetURL), Engine: lastTier, Success: false}); err != nil {
		e.logger.WarnWithContext(ctx, "failed to record domain failure", map[string]interface{}{"error": err.Error()})
	}

	if code != core.FailureNetwork && code != core.FailureRateLimited {
		return nil
	}
	maxAttempts := run.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if run.Attempt >= maxAttempts {
		e.logger.InfoWithContext(ctx, "run exhausted max attempts, no retry scheduled", map[string]interface{}{"run_id": run.ID, "attempt": run.Attempt})
		return nil
	}

	backoff := backoffFor(run.Attempt)
	strategy := core.EngineMode(lastTier)
	if err := e.scheduler.ScheduleRetry(ctx, job, run.Attempt+1, strategy, backoff); err != nil {
		e.logger.WarnWithContext(ctx, "failed to schedule retry run", map[string]interface{}{"run_id": run.ID, "error": err.Error()})
	}
	return nil
}

func (e *Executor) observationFor(tier core.EngineKind, result engines.FetchResult, fetchErr error, duration time.Duration, sessionPresent bool, domainCfg core.DomainConfig, fields []core.FieldMap, previousAttempts []core.EngineAttempt) classifier.Observation {
	requiredFields, extractedFields := countFields(fields, result)

	browserAttempts, providerAttempts := 0, 0
	for _, a := range previousAttempts {
		switch a.Engine {
		case core.EngineBrowser:
			browserAttempts++
		case core.EngineProvider:
			providerAttempts++
		}
	}
	providerEnabled := false
	for _, t := range e.engineReg.Tiers() {
		if t == core.EngineProvider {
			providerEnabled = true
		}
	}

	if fetchErr != nil {
		return classifier.Observation{
			Engine: tier, SessionPresent: sessionPresent, Domain: domainCfg,
			IsNetworkError: true, NetworkRetriesOut: len(previousAttempts)+1 >= maxTierAttempts,
			Duration: duration.Seconds(),
		}
	}

	return classifier.Observation{
		StatusCode:        result.StatusCode,
		Body:              result.Body,
		Duration:          duration.Seconds(),
		Engine:            tier,
		SessionPresent:    sessionPresent,
		RequiredFields:    requiredFields,
		ExtractedFields:   extractedFields,
		ProviderExhausted: providerAttempts > 0,
		BrowserExhausted:  browserAttempts >= maxTierAttempts-1,
		ProviderEnabled:   providerEnabled,
		Domain:            domainCfg,
	}
}

// countFields reports how many fields the job's field map requires
// versus how many the attempt actually extracted, for the classifier's
// jsGated/selector-fix checks. required is the job's own configured
// field count, not derived from the (possibly empty) result — a
// JS-gated page with zero records must still report its true
// requirement so the classifier can tell "nothing to extract" apart
// from "extraction ran but found nothing".
func countFields(fields []core.FieldMap, result engines.FetchResult) (required, extracted int) {
	required = len(fields)
	for _, rec := range result.Records {
		extracted += len(rec.Fields)
	}
	return required, extracted
}

func (e *Executor) emit(ctx context.Context, runID string, event core.RunEvent) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Append(ctx, event); err != nil {
		e.logger.WarnWithContext(ctx, "failed to append run event", map[string]interface{}{"run_id": runID, "error": err.Error()})
	}
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.Hostname()
}

func isEscalate(d classifier.Decision) bool {
	return d == classifier.DecisionEscalateToBrowser || d == classifier.DecisionEscalateToProvider
}

func isPause(d classifier.Decision) bool {
	switch d {
	case classifier.DecisionPauseManualAccess, classifier.DecisionPauseLoginRefresh,
		classifier.DecisionPauseCaptchaSolve, classifier.DecisionPauseSelectorFix:
		return true
	default:
		return false
	}
}

func interventionTypeFor(d classifier.Decision) core.InterventionType {
	switch d {
	case classifier.DecisionPauseLoginRefresh:
		return core.InterventionLoginRefresh
	case classifier.DecisionPauseCaptchaSolve:
		return core.InterventionCaptchaSolve
	case classifier.DecisionPauseSelectorFix:
		return core.InterventionSelectorFix
	default:
		return core.InterventionManualAccess
	}
}

// failureCodeForExhaustedEscalation derives a failure code when the
// planner stops after an escalate-* decision rather than an explicit
// fail-*/pause-* one (e.g. the browser tier also came back blocked).
// 429s are folded into "blocked" by the classifier's own marker logic,
// so the distinction spec.md §7 draws between blocked and rate-limited
// is recovered here from the raw status code.
func failureCodeForExhaustedEscalation(result engines.FetchResult) core.FailureCode {
	switch result.StatusCode {
	case 429:
		return core.FailureRateLimited
	case 401, 403:
		return core.FailureBlocked
	default:
		return core.FailureUnknown
	}
}

func containsSignal(signals []string, substr string) bool {
	for _, s := range signals {
		if s == substr {
			return true
		}
	}
	return false
}

func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := backoffBaseSeconds
	for i := 1; i < attempt; i++ {
		seconds *= 3
		if seconds >= backoffCapSeconds {
			seconds = backoffCapSeconds
			break
		}
	}
	if seconds > backoffCapSeconds {
		seconds = backoffCapSeconds
	}
	return time.Duration(seconds) * time.Second
}

// domainIntelStats is a small helper so the re-planning call inside the
// attempt loop reads the same way the initial planner call does,
// without threading a second (stats, cfg) tuple through the loop.
func domainIntelStats(ctx context.Context, store domainintel.Store, domain string, tier core.EngineKind) core.EngineStats {
	stats, _, err := store.Lookup(ctx, domain)
	if err != nil {
		return core.EngineStats{}
	}
	return stats[tier]
}
