// Package store provides the sqlite-backed datastore shared by all four
// daemons: the append-only action log, analyzer state records, the
// committed observation collection, and the per-analyzer scratch
// collections used during commit. It is the concrete implementation of
// the actionlog.Store, analyzerstate.Store and commit.Store interfaces.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ptocore/ptocore/pkg/actionlog"
	"github.com/ptocore/ptocore/pkg/analyzerstate"
	"github.com/ptocore/ptocore/pkg/commit"
	"github.com/ptocore/ptocore/pkg/observation"
)

// DB is the shared sqlite connection pool backing every store interface
// this package implements.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// the schema migration.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	// the action log's monotonic-id guarantee and the analyzer-state CAS
	// both depend on a single writer; sqlite's own locking serializes
	// writers regardless, but pinning the pool to one connection avoids
	// SQLITE_BUSY churn under WAL.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB}

	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()

		return nil, err
	}

	return db, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.sql.ExecContext(ctx, `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS action_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		timespans TEXT NOT NULL,
		upload_ids TEXT,
		output_formats TEXT,
		output_types TEXT,
		analyzer_id TEXT,
		git_url TEXT,
		git_commit TEXT,
		max_action_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS analyzers (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		wish TEXT NOT NULL DEFAULT '',
		input_formats TEXT,
		input_types TEXT,
		output_types TEXT,
		command_line TEXT,
		working_dir TEXT,
		execution_result TEXT,
		error_domain TEXT,
		error_reason TEXT,
		action_id INTEGER NOT NULL DEFAULT 0,
		sensitivity_margin_ns INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		analyzer_id TEXT,
		conditions TEXT,
		time TEXT,
		path TEXT,
		value TEXT,
		sources TEXT,
		action_ids TEXT,
		hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_observations_hash ON observations(hash);
	CREATE INDEX IF NOT EXISTS idx_observations_analyzer ON observations(analyzer_id);

	CREATE TABLE IF NOT EXISTS scratch_observations (
		scope TEXT NOT NULL,
		id TEXT PRIMARY KEY,
		analyzer_id TEXT,
		conditions TEXT,
		time TEXT,
		path TEXT,
		value TEXT,
		sources TEXT,
		output_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_scratch_scope ON scratch_observations(scope);

	CREATE TABLE IF NOT EXISTS validate_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		upload_id TEXT NOT NULL,
		valid INTEGER NOT NULL,
		requested_at TEXT NOT NULL,
		handled INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS upload_metadata (
		upload_id TEXT PRIMARY KEY,
		complete INTEGER NOT NULL DEFAULT 0,
		format TEXT,
		start_time TEXT,
		stop_time TEXT,
		action_id INTEGER,
		valid INTEGER NOT NULL DEFAULT 1,
		uploaded_at TEXT NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("store: migrating schema: %w", err)
	}

	return nil
}

// --- actionlog.Store ---

// Append implements actionlog.Store. The assigned id comes from sqlite's
// own AUTOINCREMENT sequence, which is the atomic fetch-and-add the action
// log's ordering guarantee depends on.
func (db *DB) Append(ctx context.Context, e actionlog.NewEntry) (int64, error) {
	timespansJSON, err := json.Marshal(e.Timespans)
	if err != nil {
		return 0, err
	}

	uploadIDsJSON, _ := json.Marshal(e.UploadIDs)
	outputFormatsJSON, _ := json.Marshal(e.OutputFormats)
	outputTypesJSON, _ := json.Marshal(e.OutputTypes)

	res, err := db.sql.ExecContext(ctx, `
		INSERT INTO action_log (action, timespans, upload_ids, output_formats, output_types, analyzer_id, git_url, git_commit, max_action_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(e.Action), string(timespansJSON), string(uploadIDsJSON), string(outputFormatsJSON), string(outputTypesJSON), e.AnalyzerID, e.GitURL, e.GitCommit, e.MaxActionID)
	if err != nil {
		return 0, fmt.Errorf("store: appending action log entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: reading assigned action id: %w", err)
	}

	return id, nil
}

const actionLogColumns = "id, action, timespans, upload_ids, output_formats, output_types, analyzer_id, git_url, git_commit, max_action_id"

func scanActionLogEntry(scan func(dest ...any) error) (actionlog.Entry, error) {
	var (
		e                                                       actionlog.Entry
		action                                                  string
		timespansJSON, uploadIDsJSON, outputFormatsJSON, outputTypesJSON sql.NullString
	)

	if err := scan(&e.ID, &action, &timespansJSON, &uploadIDsJSON, &outputFormatsJSON, &outputTypesJSON, &e.AnalyzerID, &e.GitURL, &e.GitCommit, &e.MaxActionID); err != nil {
		return actionlog.Entry{}, err
	}

	e.Action = actionlog.Action(action)

	if timespansJSON.Valid {
		_ = json.Unmarshal([]byte(timespansJSON.String), &e.Timespans)
	}

	if uploadIDsJSON.Valid {
		_ = json.Unmarshal([]byte(uploadIDsJSON.String), &e.UploadIDs)
	}

	if outputFormatsJSON.Valid {
		_ = json.Unmarshal([]byte(outputFormatsJSON.String), &e.OutputFormats)
	}

	if outputTypesJSON.Valid {
		_ = json.Unmarshal([]byte(outputTypesJSON.String), &e.OutputTypes)
	}

	return e, nil
}

// InputActions implements actionlog.Store.
func (db *DB) InputActions(ctx context.Context, inputTypes, inputFormats []string) ([]actionlog.Entry, error) {
	rows, err := db.sql.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM action_log ORDER BY id DESC`, actionLogColumns))
	if err != nil {
		return nil, fmt.Errorf("store: querying input actions: %w", err)
	}
	defer rows.Close()

	var out []actionlog.Entry

	for rows.Next() {
		e, err := scanActionLogEntry(rows.Scan)
		if err != nil {
			return nil, err
		}

		if actionlog.Intersects(e.OutputTypes, inputTypes) || actionlog.Intersects(e.OutputFormats, inputFormats) {
			out = append(out, e)
		}
	}

	return out, rows.Err()
}

// OutputActions implements actionlog.Store.
func (db *DB) OutputActions(ctx context.Context, analyzerID string) ([]actionlog.Entry, error) {
	rows, err := db.sql.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM action_log WHERE analyzer_id = ? ORDER BY id DESC`, actionLogColumns), analyzerID)
	if err != nil {
		return nil, fmt.Errorf("store: querying output actions: %w", err)
	}
	defer rows.Close()

	var out []actionlog.Entry

	for rows.Next() {
		e, err := scanActionLogEntry(rows.Scan)
		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// UploadAction implements actionlog.Store: it matches an entry whose
// upload_ids is exactly the single-element array [uploadID].
func (db *DB) UploadAction(ctx context.Context, uploadID string) (actionlog.Entry, bool, error) {
	want, _ := json.Marshal([]string{uploadID})

	row := db.sql.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM action_log WHERE action = ? AND upload_ids = ?`, actionLogColumns), string(actionlog.ActionUpload), string(want))

	e, err := scanActionLogEntry(row.Scan)
	if err == sql.ErrNoRows {
		return actionlog.Entry{}, false, nil
	}

	if err != nil {
		return actionlog.Entry{}, false, fmt.Errorf("store: querying upload action: %w", err)
	}

	return e, true, nil
}

// --- analyzerstate.Store ---

func scanAnalyzerRecord(scan func(dest ...any) error) (*analyzerstate.Record, error) {
	var (
		r                                                                   analyzerstate.Record
		state, wish                                                        string
		inputFormatsJSON, inputTypesJSON, outputTypesJSON, commandLineJSON sql.NullString
		executionResultJSON, errorDomain, errorReason                     sql.NullString
		marginNS                                                           int64
	)

	if err := scan(&r.ID, &state, &wish, &inputFormatsJSON, &inputTypesJSON, &outputTypesJSON, &commandLineJSON, &r.WorkingDir, &executionResultJSON, &errorDomain, &errorReason, &r.ActionID, &marginNS); err != nil {
		return nil, err
	}

	r.State = analyzerstate.State(state)
	r.Wish = analyzerstate.Wish(wish)
	r.SensitivityMargin = time.Duration(marginNS)

	if inputFormatsJSON.Valid {
		_ = json.Unmarshal([]byte(inputFormatsJSON.String), &r.InputFormats)
	}

	if inputTypesJSON.Valid {
		_ = json.Unmarshal([]byte(inputTypesJSON.String), &r.InputTypes)
	}

	if outputTypesJSON.Valid {
		_ = json.Unmarshal([]byte(outputTypesJSON.String), &r.OutputTypes)
	}

	if commandLineJSON.Valid {
		_ = json.Unmarshal([]byte(commandLineJSON.String), &r.CommandLine)
	}

	if executionResultJSON.Valid && executionResultJSON.String != "" {
		var er analyzerstate.ExecutionResult
		if err := json.Unmarshal([]byte(executionResultJSON.String), &er); err == nil {
			r.ExecutionResult = &er
		}
	}

	if errorDomain.Valid && errorDomain.String != "" {
		r.Error = &analyzerstate.ErrorInfo{Domain: analyzerstate.Domain(errorDomain.String), Reason: errorReason.String}
	}

	return &r, nil
}

const analyzerColumns = "id, state, wish, input_formats, input_types, output_types, command_line, working_dir, execution_result, error_domain, error_reason, action_id, sensitivity_margin_ns"

// Get implements analyzerstate.Store.
func (db *DB) Get(ctx context.Context, analyzerID string) (*analyzerstate.Record, error) {
	row := db.sql.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM analyzers WHERE id = ?`, analyzerColumns), analyzerID)

	r, err := scanAnalyzerRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: no such analyzer: %s", analyzerID)
	}

	if err != nil {
		return nil, fmt.Errorf("store: querying analyzer %s: %w", analyzerID, err)
	}

	return r, nil
}

// Transition implements analyzerstate.Store as a compare-and-swap inside
// one transaction: the SELECT's WHERE clause pins both id and the expected
// `from` state, so a row that has already moved on yields
// ErrTransitionFailed and nothing is written; otherwise the mutated record
// is written back by id before the transaction commits.
func (db *DB) Transition(ctx context.Context, analyzerID string, from, to analyzerstate.State, mutate func(*analyzerstate.Record)) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM analyzers WHERE id = ? AND state = ?`, analyzerColumns), analyzerID, string(from))

	r, err := scanAnalyzerRecord(row.Scan)
	if err == sql.ErrNoRows {
		return &analyzerstate.ErrTransitionFailed{AnalyzerID: analyzerID, From: from, To: to}
	}

	if err != nil {
		return fmt.Errorf("store: reading analyzer for transition: %w", err)
	}

	r.State = to

	if mutate != nil {
		mutate(r)
	}

	if err := writeAnalyzerRecord(ctx, tx, r); err != nil {
		return err
	}

	return tx.Commit()
}

func writeAnalyzerRecord(ctx context.Context, tx *sql.Tx, r *analyzerstate.Record) error {
	inputFormatsJSON, _ := json.Marshal(r.InputFormats)
	inputTypesJSON, _ := json.Marshal(r.InputTypes)
	outputTypesJSON, _ := json.Marshal(r.OutputTypes)
	commandLineJSON, _ := json.Marshal(r.CommandLine)

	var executionResultJSON []byte
	if r.ExecutionResult != nil {
		executionResultJSON, _ = json.Marshal(r.ExecutionResult)
	}

	var errorDomain, errorReason string
	if r.Error != nil {
		errorDomain, errorReason = string(r.Error.Domain), r.Error.Reason
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE analyzers SET state=?, wish=?, input_formats=?, input_types=?, output_types=?, command_line=?,
			working_dir=?, execution_result=?, error_domain=?, error_reason=?, action_id=?, sensitivity_margin_ns=?
		WHERE id=?
	`, string(r.State), string(r.Wish), string(inputFormatsJSON), string(inputTypesJSON), string(outputTypesJSON), string(commandLineJSON),
		r.WorkingDir, string(executionResultJSON), errorDomain, errorReason, r.ActionID, int64(r.SensitivityMargin), r.ID)

	return err
}

// RegisterAnalyzer inserts a brand-new analyzer record in StateDisabled,
// used by the Supervisor when it discovers a module it has not seen
// before.
func (db *DB) RegisterAnalyzer(ctx context.Context, r *analyzerstate.Record) error {
	inputFormatsJSON, _ := json.Marshal(r.InputFormats)
	inputTypesJSON, _ := json.Marshal(r.InputTypes)
	outputTypesJSON, _ := json.Marshal(r.OutputTypes)
	commandLineJSON, _ := json.Marshal(r.CommandLine)

	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO analyzers (id, state, wish, input_formats, input_types, output_types, command_line, working_dir, action_id, sensitivity_margin_ns)
		VALUES (?, ?, '', ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, string(analyzerstate.StateDisabled), string(inputFormatsJSON), string(inputTypesJSON), string(outputTypesJSON), string(commandLineJSON), r.WorkingDir, int64(r.SensitivityMargin))

	return err
}

func (db *DB) analyzersByState(ctx context.Context, states []analyzerstate.State) ([]*analyzerstate.Record, error) {
	placeholders := make([]string, len(states))
	args := make([]any, len(states))

	for i, s := range states {
		placeholders[i] = "?"
		args[i] = string(s)
	}

	query := fmt.Sprintf(`SELECT %s FROM analyzers WHERE state IN (%s)`, analyzerColumns, strings.Join(placeholders, ","))

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*analyzerstate.Record

	for rows.Next() {
		r, err := scanAnalyzerRecord(rows.Scan)
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// RunningAnalyzers implements analyzerstate.Store.
func (db *DB) RunningAnalyzers(ctx context.Context) ([]*analyzerstate.Record, error) {
	return db.analyzersByState(ctx, analyzerstate.RunningStates)
}

// SensingAnalyzers implements analyzerstate.Store.
func (db *DB) SensingAnalyzers(ctx context.Context) ([]*analyzerstate.Record, error) {
	return db.analyzersByState(ctx, []analyzerstate.State{analyzerstate.StateSensing})
}

// PlannedAnalyzers implements analyzerstate.Store.
func (db *DB) PlannedAnalyzers(ctx context.Context) ([]*analyzerstate.Record, error) {
	return db.analyzersByState(ctx, []analyzerstate.State{analyzerstate.StatePlanned})
}

// ExecutedAnalyzers implements analyzerstate.Store.
func (db *DB) ExecutedAnalyzers(ctx context.Context) ([]*analyzerstate.Record, error) {
	return db.analyzersByState(ctx, []analyzerstate.State{analyzerstate.StateExecuted})
}

// AllAnalyzers returns every registered analyzer record regardless of
// state, ordered by id, for the ptoctl status inspector.
func (db *DB) AllAnalyzers(ctx context.Context) ([]*analyzerstate.Record, error) {
	rows, err := db.sql.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM analyzers ORDER BY id`, analyzerColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*analyzerstate.Record

	for rows.Next() {
		r, err := scanAnalyzerRecord(rows.Scan)
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// --- commit.Store, scoped per analyzer ---

// ScopedStore is a commit.Store bound to a single analyzer's scratch
// scope, as handed to an analyzer's agent for the lifetime of one
// execution.
type ScopedStore struct {
	db    *DB
	scope string
}

// Scoped returns a commit.Store restricted to scope's scratch rows.
func (db *DB) Scoped(scope string) *ScopedStore {
	return &ScopedStore{db: db, scope: scope}
}

// ScratchScopes returns every distinct scratch scope with at least one
// row, so a restarting Supervisor can find and drop remnants left behind
// by a crash, in place of the reference implementation's temporary
// mongo user/role reap.
func (db *DB) ScratchScopes(ctx context.Context) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT DISTINCT scope FROM scratch_observations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}

		out = append(out, scope)
	}

	return out, rows.Err()
}

// ScratchScopeExists reports whether scope still has rows staged in the
// scratch collection, i.e. whether a prior commit's ScratchDrop cleanup
// step never ran.
func (db *DB) ScratchScopeExists(ctx context.Context, scope string) (bool, error) {
	var exists int
	err := db.sql.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM scratch_observations WHERE scope = ?)`, scope).Scan(&exists)

	return exists != 0, err
}

// DropScratchScope discards every row staged under scope, regardless of
// which analyzer's commit produced it.
func (db *DB) DropScratchScope(ctx context.Context, scope string) error {
	return db.Scoped(scope).ScratchDrop(ctx)
}

func scanScratchObservation(scan func(dest ...any) error) (*observation.Observation, error) {
	var (
		o                                                  observation.Observation
		conditionsJSON, timeJSON, pathJSON, sourcesJSON   sql.NullString
		valueJSON                                          sql.NullString
		outputID                                           sql.NullString
	)

	if err := scan(&o.ID, &o.AnalyzerID, &conditionsJSON, &timeJSON, &pathJSON, &valueJSON, &sourcesJSON, &outputID); err != nil {
		return nil, err
	}

	if conditionsJSON.Valid {
		_ = json.Unmarshal([]byte(conditionsJSON.String), &o.Conditions)
	}

	if timeJSON.Valid {
		_ = json.Unmarshal([]byte(timeJSON.String), &o.Time)
	}

	if pathJSON.Valid {
		_ = json.Unmarshal([]byte(pathJSON.String), &o.Path)
	}

	if valueJSON.Valid {
		o.Value = json.RawMessage(valueJSON.String)
	}

	if sourcesJSON.Valid {
		_ = json.Unmarshal([]byte(sourcesJSON.String), &o.Sources)
	}

	if outputID.Valid {
		o.CounterpartID = outputID.String
	}

	return &o, nil
}

// ScratchAll implements commit.Store.
func (s *ScopedStore) ScratchAll(ctx context.Context) ([]*observation.Observation, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT id, analyzer_id, conditions, time, path, value, sources, output_id FROM scratch_observations WHERE scope = ?`, s.scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*observation.Observation

	for rows.Next() {
		o, err := scanScratchObservation(rows.Scan)
		if err != nil {
			return nil, err
		}

		out = append(out, o)
	}

	return out, rows.Err()
}

// InsertScratch adds an observation awaiting commit to the scratch scope.
func (s *ScopedStore) InsertScratch(ctx context.Context, o *observation.Observation) error {
	conditionsJSON, _ := json.Marshal(o.Conditions)
	timeJSON, _ := json.Marshal(o.Time)
	pathJSON, _ := json.Marshal(o.Path)
	sourcesJSON, _ := json.Marshal(o.Sources)

	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO scratch_observations (scope, id, analyzer_id, conditions, time, path, value, sources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.scope, o.ID, o.AnalyzerID, string(conditionsJSON), string(timeJSON), string(pathJSON), string(o.Value), string(sourcesJSON))

	return err
}

// ScratchMarkCounterpart implements commit.Store.
func (s *ScopedStore) ScratchMarkCounterpart(ctx context.Context, scratchID, outputID string) error {
	_, err := s.db.sql.ExecContext(ctx, `UPDATE scratch_observations SET output_id = ? WHERE scope = ? AND id = ?`, outputID, s.scope, scratchID)

	return err
}

// ScratchDrop implements commit.Store.
func (s *ScopedStore) ScratchDrop(ctx context.Context) error {
	_, err := s.db.sql.ExecContext(ctx, `DELETE FROM scratch_observations WHERE scope = ?`, s.scope)

	return err
}

func scanOutputObservation(scan func(dest ...any) error) (*observation.Observation, error) {
	var (
		o                                                observation.Observation
		conditionsJSON, timeJSON, pathJSON, sourcesJSON sql.NullString
		actionIDsJSON                                   sql.NullString
		valueJSON                                        sql.NullString
	)

	if err := scan(&o.ID, &o.AnalyzerID, &conditionsJSON, &timeJSON, &pathJSON, &valueJSON, &sourcesJSON, &actionIDsJSON); err != nil {
		return nil, err
	}

	if conditionsJSON.Valid {
		_ = json.Unmarshal([]byte(conditionsJSON.String), &o.Conditions)
	}

	if timeJSON.Valid {
		_ = json.Unmarshal([]byte(timeJSON.String), &o.Time)
	}

	if pathJSON.Valid {
		_ = json.Unmarshal([]byte(pathJSON.String), &o.Path)
	}

	if valueJSON.Valid {
		o.Value = json.RawMessage(valueJSON.String)
	}

	if sourcesJSON.Valid {
		_ = json.Unmarshal([]byte(sourcesJSON.String), &o.Sources)
	}

	if actionIDsJSON.Valid {
		_ = json.Unmarshal([]byte(actionIDsJSON.String), &o.ActionIDs)
	}

	return &o, nil
}

// OutputFindCandidates implements commit.Store: it selects every
// previously committed observation for the query's analyzer whose
// evidence overlaps the current batch, either by upload action id
// (direct mode) or by falling within one of the declared timespans
// (normal mode).
func (s *ScopedStore) OutputFindCandidates(ctx context.Context, q commit.CandidateQuery) ([]*observation.Observation, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT id, analyzer_id, conditions, time, path, value, sources, action_ids FROM observations WHERE analyzer_id = ?`, q.AnalyzerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*observation.Observation

	for rows.Next() {
		o, err := scanOutputObservation(rows.Scan)
		if err != nil {
			return nil, err
		}

		if candidateMatches(o, q) {
			out = append(out, o)
		}
	}

	return out, rows.Err()
}

// ObservationsForActionID returns every output observation for analyzerID
// whose newest action id entry is actionID, regardless of which scratch
// scope produced it: the set a resumed commit needs to confirm already
// landed before redoing any work.
func (db *DB) ObservationsForActionID(ctx context.Context, analyzerID string, actionID int64) ([]*observation.Observation, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT id, analyzer_id, conditions, time, path, value, sources, action_ids FROM observations WHERE analyzer_id = ?`, analyzerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*observation.Observation

	for rows.Next() {
		o, err := scanOutputObservation(rows.Scan)
		if err != nil {
			return nil, err
		}

		if len(o.ActionIDs) > 0 && o.ActionIDs[0].ID == actionID {
			out = append(out, o)
		}
	}

	return out, rows.Err()
}

func candidateMatches(o *observation.Observation, q commit.CandidateQuery) bool {
	if len(q.UploadActionIDs) > 0 {
		uploadIDs := o.Sources.UploadActionIDs()
		for _, uid := range uploadIDs {
			for _, wantID := range q.UploadActionIDs {
				if uid == fmt.Sprint(wantID) {
					return true
				}
			}
		}

		return false
	}

	if len(q.Timespans) == 0 {
		return true
	}

	t := o.Time

	var when time.Time
	if t.IsInterval() {
		when = *t.From
	} else if t.Instant != nil {
		when = *t.Instant
	} else {
		return false
	}

	for _, sp := range q.Timespans {
		if !sp.Start.After(when) && !when.After(sp.End) {
			return true
		}
	}

	return false
}

// OutputPushInvalidate implements commit.Store.
func (s *ScopedStore) OutputPushInvalidate(ctx context.Context, ids []string, actionID int64) (int, error) {
	modified := 0

	for _, id := range ids {
		row := s.db.sql.QueryRowContext(ctx, `SELECT action_ids FROM observations WHERE id = ?`, id)

		var actionIDsJSON sql.NullString
		if err := row.Scan(&actionIDsJSON); err != nil {
			if err == sql.ErrNoRows {
				continue
			}

			return modified, err
		}

		var entries []observation.ActionIDEntry
		if actionIDsJSON.Valid {
			_ = json.Unmarshal([]byte(actionIDsJSON.String), &entries)
		}

		if len(entries) == 0 || !entries[0].Valid {
			continue
		}

		entries = append([]observation.ActionIDEntry{{ID: actionID, Valid: false}}, entries...)

		updated, _ := json.Marshal(entries)

		if _, err := s.db.sql.ExecContext(ctx, `UPDATE observations SET action_ids = ? WHERE id = ?`, string(updated), id); err != nil {
			return modified, err
		}

		modified++
	}

	return modified, nil
}

// OutputBulkApply implements commit.Store, applying insert/pop/push-valid
// ops within a single transaction.
func (s *ScopedStore) OutputBulkApply(ctx context.Context, ops []commit.OutputOp) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Kind {
		case commit.OutputOpInsert:
			if err := insertOutputObservation(ctx, tx, op.Insert); err != nil {
				return err
			}

		case commit.OutputOpPopIfStillInvalidated:
			if err := popIfStillInvalidated(ctx, tx, op.OutputID, op.ActionID); err != nil {
				return err
			}

		case commit.OutputOpPushValid:
			if err := pushValidIfInvalid(ctx, tx, op.OutputID, op.ActionID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func insertOutputObservation(ctx context.Context, tx *sql.Tx, o *observation.Observation) error {
	conditionsJSON, _ := json.Marshal(o.Conditions)
	timeJSON, _ := json.Marshal(o.Time)
	pathJSON, _ := json.Marshal(o.Path)
	sourcesJSON, _ := json.Marshal(o.Sources)

	hash, err := observation.Hash(o)
	if err != nil {
		return err
	}

	actionIDs := o.ActionIDs
	if len(actionIDs) == 0 {
		actionIDs = nil
	}

	actionIDsJSON, _ := json.Marshal(actionIDs)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO observations (id, analyzer_id, conditions, time, path, value, sources, action_ids, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.AnalyzerID, string(conditionsJSON), string(timeJSON), string(pathJSON), string(o.Value), string(sourcesJSON), string(actionIDsJSON), fmt.Sprintf("%x", hash))

	return err
}

func popIfStillInvalidated(ctx context.Context, tx *sql.Tx, outputID string, actionID int64) error {
	row := tx.QueryRowContext(ctx, `SELECT action_ids FROM observations WHERE id = ?`, outputID)

	var actionIDsJSON string
	if err := row.Scan(&actionIDsJSON); err != nil {
		return err
	}

	var entries []observation.ActionIDEntry
	_ = json.Unmarshal([]byte(actionIDsJSON), &entries)

	if len(entries) < 2 || entries[0].ID != actionID || entries[0].Valid || !entries[1].Valid {
		return nil
	}

	entries = entries[1:]

	updated, _ := json.Marshal(entries)

	_, err := tx.ExecContext(ctx, `UPDATE observations SET action_ids = ? WHERE id = ?`, string(updated), outputID)

	return err
}

func pushValidIfInvalid(ctx context.Context, tx *sql.Tx, outputID string, actionID int64) error {
	row := tx.QueryRowContext(ctx, `SELECT action_ids FROM observations WHERE id = ?`, outputID)

	var actionIDsJSON string
	if err := row.Scan(&actionIDsJSON); err != nil {
		return err
	}

	var entries []observation.ActionIDEntry
	_ = json.Unmarshal([]byte(actionIDsJSON), &entries)

	if len(entries) == 0 || entries[0].Valid {
		return nil
	}

	entries = append([]observation.ActionIDEntry{{ID: actionID, Valid: true}}, entries...)

	updated, _ := json.Marshal(entries)

	_, err := tx.ExecContext(ctx, `UPDATE observations SET action_ids = ? WHERE id = ?`, string(updated), outputID)

	return err
}

// --- validate_requests, read by the Validator's per-tick admin duty ---

// ValidateRequest is an admin-initiated request to flip an upload's valid
// flag, re-opening or closing the sensitivity work it implies.
type ValidateRequest struct {
	ID          int64
	UploadID    string
	Valid       bool
	RequestedAt time.Time
	Handled     bool
}

// EnqueueValidateRequest records a pending validate_upload request.
func (db *DB) EnqueueValidateRequest(ctx context.Context, uploadID string, valid bool, requestedAt time.Time) error {
	_, err := db.sql.ExecContext(ctx, `INSERT INTO validate_requests (upload_id, valid, requested_at) VALUES (?, ?, ?)`, uploadID, valid, requestedAt.Format(time.RFC3339Nano))

	return err
}

// PendingValidateRequests returns every unhandled validate request,
// oldest first.
func (db *DB) PendingValidateRequests(ctx context.Context) ([]ValidateRequest, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT id, upload_id, valid, requested_at FROM validate_requests WHERE handled = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ValidateRequest

	for rows.Next() {
		var (
			r    ValidateRequest
			when string
		)

		if err := rows.Scan(&r.ID, &r.UploadID, &r.Valid, &when); err != nil {
			return nil, err
		}

		r.RequestedAt, _ = time.Parse(time.RFC3339Nano, when)
		out = append(out, r)
	}

	return out, rows.Err()
}

// MarkValidateRequestHandled flags a validate request as processed.
func (db *DB) MarkValidateRequestHandled(ctx context.Context, id int64) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE validate_requests SET handled = 1 WHERE id = ?`, id)

	return err
}

// --- upload_metadata, the concrete stand-in for the "external metadata
// store" the spec otherwise treats as a tabular service this repo doesn't
// own. Complete uploads land here (e.g. via an ingest-side writer not in
// scope) and the Validator drains the unstamped ones into the action log.

// UploadMetadata is one row of the upload metadata table: everything the
// Validator needs to decide whether an upload is ready for an action id,
// and to stamp one in once assigned.
type UploadMetadata struct {
	UploadID   string
	Complete   bool
	Format     string
	StartTime  time.Time
	StopTime   time.Time
	ActionID   int64 // zero until stamped
	Valid      bool
	UploadedAt time.Time
}

// InsertUploadMetadata records or updates an upload's metadata row. The
// real ingest path that populates this table is out of scope (the spec
// treats the metadata store as an external tabular service); this is the
// write side of the concrete stand-in this repo owns, used by tests and
// any future ingest-side component.
func (db *DB) InsertUploadMetadata(ctx context.Context, m UploadMetadata) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO upload_metadata (upload_id, complete, format, start_time, stop_time, valid, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(upload_id) DO UPDATE SET complete=excluded.complete, format=excluded.format,
			start_time=excluded.start_time, stop_time=excluded.stop_time
	`, m.UploadID, m.Complete, m.Format, m.StartTime.Format(time.RFC3339Nano), m.StopTime.Format(time.RFC3339Nano), m.Valid, m.UploadedAt.Format(time.RFC3339Nano))

	return err
}

// PendingUploads returns every complete upload with a recorded format and
// start/stop time that has not yet been assigned an action id, oldest
// first by upload time, matching the reference implementation's
// `meta.format`/`meta.start_time`/`meta.stop_time` existence filter.
func (db *DB) PendingUploads(ctx context.Context) ([]UploadMetadata, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT upload_id, complete, format, start_time, stop_time, valid, uploaded_at
		FROM upload_metadata
		WHERE complete = 1 AND action_id IS NULL AND format IS NOT NULL
			AND start_time IS NOT NULL AND stop_time IS NOT NULL
		ORDER BY uploaded_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UploadMetadata

	for rows.Next() {
		var (
			m                             UploadMetadata
			start, stop, uploadedAt       string
		)

		if err := rows.Scan(&m.UploadID, &m.Complete, &m.Format, &start, &stop, &m.Valid, &uploadedAt); err != nil {
			return nil, err
		}

		m.StartTime, _ = time.Parse(time.RFC3339Nano, start)
		m.StopTime, _ = time.Parse(time.RFC3339Nano, stop)
		m.UploadedAt, _ = time.Parse(time.RFC3339Nano, uploadedAt)

		out = append(out, m)
	}

	return out, rows.Err()
}

// StampUploadActionID records the action id assigned to an upload and
// marks it valid, the two fields the reference implementation's
// `set_action_id_ops` sets together in one update.
func (db *DB) StampUploadActionID(ctx context.Context, uploadID string, actionID int64) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE upload_metadata SET action_id = ?, valid = 1 WHERE upload_id = ?`, actionID, uploadID)

	return err
}

// SetUploadValid flips an upload's valid flag, called when an admin
// validate_upload request drains.
func (db *DB) SetUploadValid(ctx context.Context, uploadID string, valid bool) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE upload_metadata SET valid = ? WHERE upload_id = ?`, valid, uploadID)

	return err
}

// UploadValid reports the current valid flag of uploadID's metadata row.
func (db *DB) UploadValid(ctx context.Context, uploadID string) (bool, error) {
	var valid bool

	row := db.sql.QueryRowContext(ctx, `SELECT valid FROM upload_metadata WHERE upload_id = ?`, uploadID)

	if err := row.Scan(&valid); err != nil {
		return false, err
	}

	return valid, nil
}
