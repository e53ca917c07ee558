// Package sqlite is the durable persistence layer behind the Run
// Executor (executor.Store), the Event Stream (events.Store), and the
// Intervention Engine (intervention.Store), grounded directly in the
// example pack's internal/db package: goose-managed migrations over a
// single pure-Go modernc.org/sqlite connection, WAL mode, one
// open connection. cmd/harvestd wires this in for any deployment that
// isn't purely in-memory; domain intelligence and session state keep
// their own Redis/on-disk backends (domainintel.RedisStore,
// sessionpool.Pool) since those already had a durable story.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/events"
	"github.com/corvid-labs/harvest/executor"
	"github.com/corvid-labs/harvest/intervention"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the sqlite-backed persistence layer. A single value
// satisfies executor.Store, events.Store, and intervention.Store —
// their method sets don't collide, so cmd/harvestd wires one *Store
// into all three rather than juggling separate connections.
type Store struct {
	conn *sql.DB
}

// Open connects to the database at path (created if absent) and
// applies every pending migration via goose before returning. Governed
// by the same "one open connection, WAL mode" discipline as the
// example pack's db.Open, since SQLite's single-writer model makes
// connection pooling counterproductive here.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	migrationsSub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsSub)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: applying migrations: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

// --- Job CRUD (the external surface executor.Store.LoadJob/LoadFieldMaps read from) ---

// CreateJob inserts a job and its field maps in one transaction.
func (s *Store) CreateJob(ctx context.Context, job core.Job, fields []core.FieldMap) error {
	fieldsJSON, err := json.Marshal(job.Fields)
	if err != nil {
		return fmt.Errorf("sqlite: marshaling job fields: %w", err)
	}
	var listJSON []byte
	if job.List != nil {
		if listJSON, err = json.Marshal(job.List); err != nil {
			return fmt.Errorf("sqlite: marshaling job list config: %w", err)
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, target_url, fields_json, requires_auth, crawl, list_json, engine_mode, browser_profile)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TargetURL, string(fieldsJSON), boolToInt(job.RequiresAuth), string(job.Crawl), nullableString(listJSON), string(job.EngineMode), job.BrowserProfile,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert job: %w", err)
	}

	for _, fm := range fields {
		selJSON, err := json.Marshal(fm.Selector)
		if err != nil {
			return fmt.Errorf("sqlite: marshaling field selector: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO field_maps (job_id, field, selector_json) VALUES (?, ?, ?)`,
			job.ID, fm.Field, string(selJSON),
		); err != nil {
			return fmt.Errorf("sqlite: insert field map: %w", err)
		}
	}

	return tx.Commit()
}

// CreateRun inserts a queued run row for a job.
func (s *Store) CreateRun(ctx context.Context, run core.Run) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO runs (id, job_id, status, attempt, max_attempts, requested_strategy, resolved_strategy, failure_code, trace_id, parent_span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, string(run.Status), run.Attempt, run.MaxAttempts, string(run.RequestedStrategy), string(run.ResolvedStrategy), string(run.FailureCode), run.TraceID, run.ParentSpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}
	return nil
}

// --- executor.Store ---

func (s *Store) LoadRun(ctx context.Context, runID string) (*core.Run, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, job_id, status, attempt, max_attempts, requested_strategy, resolved_strategy, failure_code, trace_id, parent_span_id, created_at, started_at, finished_at
		 FROM runs WHERE id = ?`, runID)

	var run core.Run
	var status, reqStrategy, resStrategy, failureCode string
	var createdAt string
	var startedAt, finishedAt sql.NullString
	if err := row.Scan(&run.ID, &run.JobID, &status, &run.Attempt, &run.MaxAttempts, &reqStrategy, &resStrategy, &failureCode, &run.TraceID, &run.ParentSpanID, &createdAt, &startedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrRunNotFound
		}
		return nil, fmt.Errorf("sqlite: load run %s: %w", runID, err)
	}
	run.Status = core.RunStatus(status)
	run.RequestedStrategy = core.EngineMode(reqStrategy)
	run.ResolvedStrategy = core.EngineKind(resStrategy)
	run.FailureCode = core.FailureCode(failureCode)
	run.CreatedAt = parseTime(createdAt)
	run.StartedAt = parseNullTime(startedAt)
	run.FinishedAt = parseNullTime(finishedAt)

	attempts, err := s.loadAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Attempts = attempts
	return &run, nil
}

func (s *Store) loadAttempts(ctx context.Context, runID string) ([]core.EngineAttempt, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT engine, response_code, body_size, signals_json, metadata_json, decision, bias_reason, attempted_at, success
		 FROM engine_attempts WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load attempts for run %s: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []core.EngineAttempt
	for rows.Next() {
		var a core.EngineAttempt
		var engine string
		var signalsJSON, metadataJSON, attemptedAt string
		var success int
		if err := rows.Scan(&engine, &a.ResponseCode, &a.BodySize, &signalsJSON, &metadataJSON, &a.Decision, &a.BiasReason, &attemptedAt, &success); err != nil {
			return nil, fmt.Errorf("sqlite: scan attempt: %w", err)
		}
		a.Engine = core.EngineKind(engine)
		a.Timestamp = parseTime(attemptedAt)
		a.Success = success != 0
		if err := json.Unmarshal([]byte(signalsJSON), &a.Signals); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal attempt signals: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal attempt metadata: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (core.Job, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, target_url, fields_json, requires_auth, crawl, list_json, engine_mode, browser_profile
		 FROM jobs WHERE id = ?`, jobID)

	var job core.Job
	var fieldsJSON string
	var requiresAuth int
	var crawl, engineMode string
	var listJSON, browserProfile sql.NullString
	if err := row.Scan(&job.ID, &job.TargetURL, &fieldsJSON, &requiresAuth, &crawl, &listJSON, &engineMode, &browserProfile); err != nil {
		if err == sql.ErrNoRows {
			return core.Job{}, core.NewFrameworkError("sqlite.LoadJob", "job", core.ErrRunNotFound)
		}
		return core.Job{}, fmt.Errorf("sqlite: load job %s: %w", jobID, err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &job.Fields); err != nil {
		return core.Job{}, fmt.Errorf("sqlite: unmarshal job fields: %w", err)
	}
	job.RequiresAuth = requiresAuth != 0
	job.Crawl = core.CrawlMode(crawl)
	job.EngineMode = core.EngineMode(engineMode)
	if browserProfile.Valid {
		job.BrowserProfile = &browserProfile.String
	}
	if listJSON.Valid {
		var list core.ListConfig
		if err := json.Unmarshal([]byte(listJSON.String), &list); err != nil {
			return core.Job{}, fmt.Errorf("sqlite: unmarshal job list config: %w", err)
		}
		job.List = &list
	}
	return job, nil
}

func (s *Store) LoadFieldMaps(ctx context.Context, jobID string) ([]core.FieldMap, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT field, selector_json FROM field_maps WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load field maps for job %s: %w", jobID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []core.FieldMap
	for rows.Next() {
		fm := core.FieldMap{JobID: jobID}
		var selJSON string
		if err := rows.Scan(&fm.Field, &selJSON); err != nil {
			return nil, fmt.Errorf("sqlite: scan field map: %w", err)
		}
		if err := json.Unmarshal([]byte(selJSON), &fm.Selector); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal field selector: %w", err)
		}
		out = append(out, fm)
	}
	return out, rows.Err()
}

// TryLeaseRun performs the compare-and-set queued->running atomically
// via a single conditional UPDATE — SQLite's single-writer connection
// makes this safe without an explicit transaction, the same way the
// example pack's UPDATE ... WHERE guards are relied on for CAS-style
// writes against sqlite.
func (s *Store) TryLeaseRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(core.RunStatusRunning), time.Now().UTC().Format(time.RFC3339Nano), runID, string(core.RunStatusQueued),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: lease run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: lease run %s: %w", runID, err)
	}
	if affected == 1 {
		return true, nil
	}

	var exists int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return false, fmt.Errorf("sqlite: checking run %s exists: %w", runID, err)
	}
	if exists == 0 {
		return false, core.ErrRunNotFound
	}
	return false, nil
}

func (s *Store) AppendAttempt(ctx context.Context, runID string, attempt core.EngineAttempt) error {
	signalsJSON, err := json.Marshal(attempt.Signals)
	if err != nil {
		return fmt.Errorf("sqlite: marshal attempt signals: %w", err)
	}
	metadataJSON, err := json.Marshal(attempt.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal attempt metadata: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO engine_attempts (run_id, engine, response_code, body_size, signals_json, metadata_json, decision, bias_reason, attempted_at, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, string(attempt.Engine), attempt.ResponseCode, attempt.BodySize, string(signalsJSON), string(metadataJSON), attempt.Decision, attempt.BiasReason,
		attempt.Timestamp.UTC().Format(time.RFC3339Nano), boolToInt(attempt.Success),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append attempt for run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) PersistRecords(ctx context.Context, runID string, records []core.Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range records {
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("sqlite: marshal record fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO records (run_id, fields_json) VALUES (?, ?)`, runID, string(fieldsJSON)); err != nil {
			return fmt.Errorf("sqlite: insert record: %w", err)
		}
	}
	return tx.Commit()
}

// ListRecords returns every record a run has persisted, for the
// operator-facing read surface in cmd/harvestd (executor.Store itself
// never needs to read records back).
func (s *Store) ListRecords(ctx context.Context, runID string) ([]core.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT fields_json FROM records WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query records: %w", err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var fieldsJSON string
		if err := rows.Scan(&fieldsJSON); err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		rec := core.Record{RunID: runID}
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal record fields: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CompleteRun(ctx context.Context, runID string) error {
	return s.terminate(ctx, runID, core.RunStatusCompleted, core.FailureNone)
}

func (s *Store) FailRun(ctx context.Context, runID string, code core.FailureCode) error {
	return s.terminate(ctx, runID, core.RunStatusFailed, code)
}

func (s *Store) terminate(ctx context.Context, runID string, status core.RunStatus, code core.FailureCode) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, failure_code = ?, finished_at = ? WHERE id = ?`,
		string(status), string(code), time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: terminate run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: terminate run %s: %w", runID, err)
	}
	if affected == 0 {
		return core.ErrRunNotFound
	}
	return nil
}

// SetRunStatus satisfies intervention.RunGateway, so cmd/harvestd can
// hand the same *Store to the Intervention Controller it hands to the
// Run Executor.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status core.RunStatus) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("sqlite: set run status %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: set run status %s: %w", runID, err)
	}
	if affected == 0 {
		return core.ErrRunNotFound
	}
	return nil
}

// --- intervention.Store ---

func (s *Store) Create(ctx context.Context, task core.InterventionTask) error {
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: marshal intervention payload: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO intervention_tasks (id, job_id, run_id, type, status, trigger_reason, payload_json, priority, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.JobID, task.RunID, string(task.Type), string(task.Status), task.TriggerReason, string(payloadJSON), task.Priority,
		task.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create intervention task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, taskID string) (core.InterventionTask, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, job_id, run_id, type, status, trigger_reason, payload_json, priority, expires_at, resolution_json, created_at
		 FROM intervention_tasks WHERE id = ?`, taskID)
	task, err := scanInterventionTask(row)
	if err == sql.ErrNoRows {
		return core.InterventionTask{}, core.ErrTaskNotFound
	}
	if err != nil {
		return core.InterventionTask{}, fmt.Errorf("sqlite: get intervention task %s: %w", taskID, err)
	}
	return task, nil
}

func (s *Store) Update(ctx context.Context, task core.InterventionTask) error {
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: marshal intervention payload: %w", err)
	}
	var resolutionJSON sql.NullString
	if task.Resolution != nil {
		b, err := json.Marshal(task.Resolution)
		if err != nil {
			return fmt.Errorf("sqlite: marshal intervention resolution: %w", err)
		}
		resolutionJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE intervention_tasks SET status = ?, payload_json = ?, resolution_json = ? WHERE id = ?`,
		string(task.Status), string(payloadJSON), resolutionJSON, task.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update intervention task %s: %w", task.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update intervention task %s: %w", task.ID, err)
	}
	if affected == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

func (s *Store) PendingForJob(ctx context.Context, jobID string) ([]core.InterventionTask, error) {
	return s.queryInterventionTasks(ctx,
		`SELECT id, job_id, run_id, type, status, trigger_reason, payload_json, priority, expires_at, resolution_json, created_at
		 FROM intervention_tasks WHERE job_id = ? AND status = ?`, jobID, string(core.InterventionPending))
}

func (s *Store) PendingForDomain(ctx context.Context, domain string) ([]core.InterventionTask, error) {
	// Payload is JSON; json_extract requires SQLite's JSON1 extension,
	// which modernc.org/sqlite builds in by default.
	return s.queryInterventionTasks(ctx,
		`SELECT id, job_id, run_id, type, status, trigger_reason, payload_json, priority, expires_at, resolution_json, created_at
		 FROM intervention_tasks WHERE status = ? AND json_extract(payload_json, '$.domain') = ?`,
		string(core.InterventionPending), domain)
}

func (s *Store) PendingExpiringBefore(ctx context.Context, cutoff time.Time) ([]core.InterventionTask, error) {
	return s.queryInterventionTasks(ctx,
		`SELECT id, job_id, run_id, type, status, trigger_reason, payload_json, priority, expires_at, resolution_json, created_at
		 FROM intervention_tasks WHERE status = ? AND expires_at < ?`,
		string(core.InterventionPending), cutoff.UTC().Format(time.RFC3339Nano))
}

func (s *Store) queryInterventionTasks(ctx context.Context, query string, args ...interface{}) ([]core.InterventionTask, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query intervention tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []core.InterventionTask
	for rows.Next() {
		task, err := scanInterventionTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan intervention task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanInterventionTask(scanner interface{ Scan(...interface{}) error }) (core.InterventionTask, error) {
	var task core.InterventionTask
	var runID sql.NullString
	var taskType, status string
	var payloadJSON string
	var expiresAt, createdAt string
	var resolutionJSON sql.NullString

	if err := scanner.Scan(&task.ID, &task.JobID, &runID, &taskType, &status, &task.TriggerReason, &payloadJSON, &task.Priority, &expiresAt, &resolutionJSON, &createdAt); err != nil {
		return core.InterventionTask{}, err
	}
	task.Type = core.InterventionType(taskType)
	task.Status = core.InterventionStatus(status)
	task.ExpiresAt = parseTime(expiresAt)
	task.CreatedAt = parseTime(createdAt)
	if runID.Valid {
		task.RunID = &runID.String
	}
	if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
		return core.InterventionTask{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if resolutionJSON.Valid {
		var resolution core.InterventionResolution
		if err := json.Unmarshal([]byte(resolutionJSON.String), &resolution); err != nil {
			return core.InterventionTask{}, fmt.Errorf("unmarshal resolution: %w", err)
		}
		task.Resolution = &resolution
	}
	return task, nil
}

// --- events.Store ---

func (s *Store) Append(ctx context.Context, event core.RunEvent) (core.RunEvent, error) {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return core.RunEvent{}, fmt.Errorf("sqlite: marshal event metadata: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return core.RunEvent{}, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lastSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = ?`, event.RunID).Scan(&lastSeq); err != nil {
		return core.RunEvent{}, fmt.Errorf("sqlite: next event seq: %w", err)
	}
	event.Seq = lastSeq + 1
	event.CreatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, level, message, metadata_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, string(event.Level), event.Message, string(metadataJSON), event.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return core.RunEvent{}, fmt.Errorf("sqlite: append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.RunEvent{}, fmt.Errorf("sqlite: commit event append: %w", err)
	}
	return event, nil
}

func (s *Store) ListSince(ctx context.Context, runID string, afterSeq int64, limit int) ([]core.RunEvent, error) {
	query := `SELECT run_id, seq, level, message, metadata_json, created_at FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events since %d for run %s: %w", afterSeq, runID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []core.RunEvent
	for rows.Next() {
		var e core.RunEvent
		var level, metadataJSON, createdAt string
		if err := rows.Scan(&e.RunID, &e.Seq, &level, &e.Message, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e.Level = core.RunEventLevel(level)
		e.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal event metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LatestSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("sqlite: latest seq for run %s: %w", runID, err)
	}
	return seq, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

var (
	_ executor.Store     = (*Store)(nil)
	_ events.Store       = (*Store)(nil)
	_ intervention.Store = (*Store)(nil)
)
