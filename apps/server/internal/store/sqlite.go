package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mootlab/moot"
)

const defaultLocalDBName = "mootlab_local.db"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStoreFromEnv() (*SQLiteStore, error) {
	dbPath, err := localDatabasePathFromEnv()
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(dbPath)
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("empty sqlite database path")
	}
	if dbPath != ":memory:" {
		parent := filepath.Dir(dbPath)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- sessions ----

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	nowMs := time.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (
    id, owner_id, join_code, current_phase, phase_started_at_ms, phase_duration_ms, version, created_at_ms, updated_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
`, sess.ID, sess.OwnerID, sess.JoinCode, string(sess.CurrentPhase),
		sess.PhaseStartedAt.UTC().UnixMilli(), sess.PhaseDuration.Milliseconds(), nowMs, nowMs)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

const sessionColumns = `id, owner_id, join_code, current_phase, phase_started_at_ms, phase_duration_ms, version, created_at_ms, updated_at_ms`

func (s *SQLiteStore) SessionByID(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) SessionByCode(ctx context.Context, joinCode string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE join_code = ?`, joinCode)
	return scanSession(row)
}

func (s *SQLiteStore) ApplyPhaseTransition(
	ctx context.Context,
	sessionID string,
	from, to moot.Phase,
	startedAt time.Time,
	duration time.Duration,
	rec TransitionRecord,
) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()

	nowMs := time.Now().UTC().UnixMilli()
	res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET current_phase = ?,
    phase_started_at_ms = ?,
    phase_duration_ms = ?,
    version = version + 1,
    updated_at_ms = ?
WHERE id = ?
  AND current_phase = ?
`, string(to), startedAt.UTC().UnixMilli(), duration.Milliseconds(), nowMs, sessionID, string(from))
	if err != nil {
		return Session{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Session{}, err
	}
	if affected == 0 {
		// Either the session is gone or another transition won the race.
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return Session{}, err
		}
		if exists == 0 {
			return Session{}, ErrNotFound
		}
		return Session{}, ErrStale
	}

	if err := insertTransitionTx(ctx, tx, rec, nowMs); err != nil {
		return Session{}, err
	}

	sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *SQLiteStore) RecordTransition(ctx context.Context, rec TransitionRecord) error {
	nowMs := time.Now().UTC().UnixMilli()
	return insertTransition(ctx, s.db, rec, nowMs)
}

func (s *SQLiteStore) TransitionsBySession(ctx context.Context, sessionID string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, from_phase, to_phase, trigger_kind, actor_id, success, error, created_at_ms
FROM phase_transitions
WHERE session_id = ?
ORDER BY id ASC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var from, to, trigger string
		var success int64
		var createdMs int64
		if err := rows.Scan(&rec.SessionID, &from, &to, &trigger, &rec.ActorID, &success, &rec.Error, &createdMs); err != nil {
			return nil, err
		}
		rec.From = moot.Phase(from)
		rec.To = moot.Phase(to)
		rec.Trigger = moot.TriggerKind(trigger)
		rec.Success = success == 1
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- participants ----

const participantColumns = `id, session_id, user_id, side, speaker_slot, active, joined_at_ms`

func (s *SQLiteStore) ActiveParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+participantColumns+`
FROM participants
WHERE session_id = ?
  AND active = 1
ORDER BY joined_at_ms ASC, id ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		p, err := scanParticipantRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActiveParticipant(ctx context.Context, sessionID, userID string) (Participant, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+participantColumns+`
FROM participants
WHERE session_id = ?
  AND user_id = ?
  AND active = 1
`, sessionID, userID)
	return scanParticipant(row)
}

func (s *SQLiteStore) ParticipantByID(ctx context.Context, id string) (Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	return scanParticipant(row)
}

func (s *SQLiteStore) InsertParticipant(ctx context.Context, p Participant) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO participants (
    id, session_id, user_id, side, speaker_slot, active, joined_at_ms
)
VALUES (?, ?, ?, ?, ?, 1, ?)
`, p.ID, p.SessionID, p.UserID, string(p.Side), p.Slot, p.JoinedAt.UTC().UnixMilli())
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ---- rubrics ----

func (s *SQLiteStore) CreateRubricVersion(ctx context.Context, rv RubricVersion) error {
	weightsRaw, err := json.Marshal(rv.Weights)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO rubric_versions (id, name, weights_json, created_at_ms)
VALUES (?, ?, ?, ?)
`, rv.ID, rv.Name, string(weightsRaw), time.Now().UTC().UnixMilli())
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) RubricVersion(ctx context.Context, id string) (RubricVersion, error) {
	var rv RubricVersion
	var weightsRaw string
	var createdMs int64
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, weights_json, created_at_ms FROM rubric_versions WHERE id = ?
`, id).Scan(&rv.ID, &rv.Name, &weightsRaw, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RubricVersion{}, ErrNotFound
		}
		return RubricVersion{}, err
	}
	if err := json.Unmarshal([]byte(weightsRaw), &rv.Weights); err != nil {
		return RubricVersion{}, err
	}
	rv.CreatedAt = time.UnixMilli(createdMs).UTC()
	return rv, nil
}

// ---- evaluations ----

const evaluationColumns = `id, round_id, participant_id, rubric_version_id, rubric_weights_json, status, final_score, breakdown_json, canonical_attempt_id, created_at_ms, updated_at_ms`

func (s *SQLiteStore) ClaimEvaluation(ctx context.Context, e Evaluation) (Evaluation, bool, error) {
	weightsRaw, err := json.Marshal(e.RubricWeights)
	if err != nil {
		return Evaluation{}, false, err
	}
	nowMs := time.Now().UTC().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO evaluations (
    id, round_id, participant_id, rubric_version_id, rubric_weights_json, status, created_at_ms, updated_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, e.ID, e.RoundID, e.ParticipantID, e.RubricVersionID, string(weightsRaw), string(e.Status), nowMs, nowMs)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			existing, lookupErr := s.EvaluationByRound(ctx, e.RoundID, e.ParticipantID)
			if lookupErr != nil {
				return Evaluation{}, false, lookupErr
			}
			return existing, false, nil
		}
		return Evaluation{}, false, err
	}
	created, err := s.EvaluationByID(ctx, e.ID)
	return created, true, err
}

func (s *SQLiteStore) EvaluationByID(ctx context.Context, id string) (Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, id)
	return scanEvaluation(row)
}

func (s *SQLiteStore) EvaluationByRound(ctx context.Context, roundID, participantID string) (Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+evaluationColumns+`
FROM evaluations
WHERE round_id = ?
  AND participant_id = ?
`, roundID, participantID)
	return scanEvaluation(row)
}

func (s *SQLiteStore) InsertAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO evaluation_attempts (
    id, evaluation_id, attempt_number, request_hash, response_json, parse_status, is_canonical, created_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)
`, a.ID, a.EvaluationID, a.Number, a.RequestHash, a.Response, a.ParseStatus, time.Now().UTC().UnixMilli())
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) AttemptsByEvaluation(ctx context.Context, evaluationID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, evaluation_id, attempt_number, request_hash, response_json, parse_status, is_canonical, created_at_ms
FROM evaluation_attempts
WHERE evaluation_id = ?
ORDER BY attempt_number ASC
`, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var canonical int64
		var createdMs int64
		if err := rows.Scan(&a.ID, &a.EvaluationID, &a.Number, &a.RequestHash, &a.Response, &a.ParseStatus, &canonical, &createdMs); err != nil {
			return nil, err
		}
		a.Canonical = canonical == 1
		a.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FinalizeEvaluation(
	ctx context.Context,
	evaluationID string,
	to moot.EvalStatus,
	score *float64,
	breakdown moot.Breakdown,
	canonicalAttemptID string,
) (Evaluation, error) {
	var breakdownRaw any
	if breakdown != nil {
		raw, err := json.Marshal(breakdown)
		if err != nil {
			return Evaluation{}, err
		}
		breakdownRaw = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Evaluation{}, err
	}
	defer tx.Rollback()

	nowMs := time.Now().UTC().UnixMilli()
	res, err := tx.ExecContext(ctx, `
UPDATE evaluations
SET status = ?,
    final_score = ?,
    breakdown_json = ?,
    canonical_attempt_id = ?,
    updated_at_ms = ?
WHERE id = ?
  AND status = ?
`, string(to), nullableFloat(score), breakdownRaw, nullableString(canonicalAttemptID), nowMs, evaluationID, string(moot.EvalProcessing))
	if err != nil {
		return Evaluation{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Evaluation{}, err
	}
	if affected == 0 {
		return Evaluation{}, ErrStale
	}

	if canonicalAttemptID != "" {
		if _, err := tx.ExecContext(ctx, `
UPDATE evaluation_attempts
SET is_canonical = 1
WHERE id = ?
  AND evaluation_id = ?
`, canonicalAttemptID, evaluationID); err != nil {
			return Evaluation{}, err
		}
	}

	eval, err := scanEvaluation(tx.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, evaluationID))
	if err != nil {
		return Evaluation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Evaluation{}, err
	}
	return eval, nil
}

func (s *SQLiteStore) OverrideEvaluation(ctx context.Context, rec OverrideRecord) (Evaluation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Evaluation{}, err
	}
	defer tx.Rollback()

	current, err := scanEvaluation(tx.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, rec.EvaluationID))
	if err != nil {
		return Evaluation{}, err
	}
	if !current.Status.Terminal() {
		return Evaluation{}, ErrStale
	}

	priorBreakdownRaw, err := json.Marshal(current.Breakdown)
	if err != nil {
		return Evaluation{}, err
	}
	newBreakdownRaw, err := json.Marshal(rec.NewBreakdown)
	if err != nil {
		return Evaluation{}, err
	}

	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO evaluation_overrides (
    evaluation_id, prior_status, prior_score, prior_breakdown_json, new_score, new_breakdown_json, reason, actor_id, created_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.EvaluationID, string(current.Status), nullableFloat(current.FinalScore), string(priorBreakdownRaw),
		rec.NewScore, string(newBreakdownRaw), rec.Reason, rec.ActorID, nowMs); err != nil {
		return Evaluation{}, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE evaluations
SET status = ?,
    final_score = ?,
    breakdown_json = ?,
    updated_at_ms = ?
WHERE id = ?
  AND status = ?
`, string(moot.EvalOverridden), rec.NewScore, string(newBreakdownRaw), nowMs, rec.EvaluationID, string(current.Status))
	if err != nil {
		return Evaluation{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Evaluation{}, err
	}
	if affected == 0 {
		return Evaluation{}, ErrStale
	}

	eval, err := scanEvaluation(tx.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, rec.EvaluationID))
	if err != nil {
		return Evaluation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Evaluation{}, err
	}
	return eval, nil
}

// ---- audit ----

func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailRaw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO audit_log (session_id, event_type, actor_id, success, detail_json, error, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.SessionID, e.EventType, e.ActorID, boolToInt(e.Success), string(detailRaw), e.Error, time.Now().UTC().UnixMilli())
	return err
}

func (s *SQLiteStore) AuditBySession(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, event_type, actor_id, success, detail_json, error, created_at_ms
FROM audit_log
WHERE session_id = ?
ORDER BY id ASC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var success int64
		var detailRaw string
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.ActorID, &success, &detailRaw, &e.Error, &createdMs); err != nil {
			return nil, err
		}
		e.Success = success == 1
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		if detailRaw != "" {
			_ = json.Unmarshal([]byte(detailRaw), &e.Detail)
		}
		if e.Detail == nil {
			e.Detail = map[string]any{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var phase string
	var startedMs, durationMs, createdMs, updatedMs int64
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.JoinCode, &phase, &startedMs, &durationMs, &sess.Version, &createdMs, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.CurrentPhase = moot.Phase(phase)
	sess.PhaseStartedAt = time.UnixMilli(startedMs).UTC()
	sess.PhaseDuration = time.Duration(durationMs) * time.Millisecond
	sess.CreatedAt = time.UnixMilli(createdMs).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return sess, nil
}

func scanParticipant(row rowScanner) (Participant, error) {
	p, err := scanParticipantRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Participant{}, ErrNotFound
		}
		return Participant{}, err
	}
	return p, nil
}

func scanParticipantRows(row rowScanner) (Participant, error) {
	var p Participant
	var side string
	var active int64
	var joinedMs int64
	if err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &side, &p.Slot, &active, &joinedMs); err != nil {
		return Participant{}, err
	}
	p.Side = moot.Side(side)
	p.Active = active == 1
	p.JoinedAt = time.UnixMilli(joinedMs).UTC()
	return p, nil
}

func scanEvaluation(row rowScanner) (Evaluation, error) {
	var e Evaluation
	var weightsRaw string
	var status string
	var score sql.NullFloat64
	var breakdownRaw sql.NullString
	var canonical sql.NullString
	var createdMs, updatedMs int64
	err := row.Scan(&e.ID, &e.RoundID, &e.ParticipantID, &e.RubricVersionID, &weightsRaw, &status, &score, &breakdownRaw, &canonical, &createdMs, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Evaluation{}, ErrNotFound
		}
		return Evaluation{}, err
	}
	if err := json.Unmarshal([]byte(weightsRaw), &e.RubricWeights); err != nil {
		return Evaluation{}, err
	}
	e.Status = moot.EvalStatus(status)
	if score.Valid {
		v := score.Float64
		e.FinalScore = &v
	}
	if breakdownRaw.Valid && breakdownRaw.String != "" {
		if err := json.Unmarshal([]byte(breakdownRaw.String), &e.Breakdown); err != nil {
			return Evaluation{}, err
		}
	}
	if canonical.Valid {
		e.CanonicalAttemptID = canonical.String
	}
	e.CreatedAt = time.UnixMilli(createdMs).UTC()
	e.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransition(ctx context.Context, db execer, rec TransitionRecord, nowMs int64) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO phase_transitions (
    session_id, from_phase, to_phase, trigger_kind, actor_id, success, error, created_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, rec.SessionID, string(rec.From), string(rec.To), string(rec.Trigger), rec.ActorID, boolToInt(rec.Success), rec.Error, nowMs)
	return err
}

func insertTransitionTx(ctx context.Context, tx *sql.Tx, rec TransitionRecord, nowMs int64) error {
	return insertTransition(ctx, tx, rec, nowMs)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ensureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    join_code TEXT NOT NULL,
    current_phase TEXT NOT NULL,
    phase_started_at_ms INTEGER NOT NULL,
    phase_duration_ms INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_join_code ON sessions(join_code)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_live_owner ON sessions(owner_id) WHERE current_phase NOT IN ('COMPLETED', 'CANCELLED')`,
		`
CREATE TABLE IF NOT EXISTS participants (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    side TEXT NOT NULL,
    speaker_slot INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    joined_at_ms INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(id)
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_user ON participants(session_id, user_id) WHERE active = 1`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_seat ON participants(session_id, side, speaker_slot) WHERE active = 1`,
		`
CREATE TABLE IF NOT EXISTS phase_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    from_phase TEXT NOT NULL,
    to_phase TEXT NOT NULL,
    trigger_kind TEXT NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL DEFAULT 1,
    error TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_transitions_session ON phase_transitions(session_id, id)`,
		`
CREATE TABLE IF NOT EXISTS rubric_versions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    weights_json TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    round_id TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    rubric_version_id TEXT NOT NULL,
    rubric_weights_json TEXT NOT NULL,
    status TEXT NOT NULL,
    final_score REAL,
    breakdown_json TEXT,
    canonical_attempt_id TEXT,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL,
    UNIQUE (round_id, participant_id)
)`,
		`
CREATE TABLE IF NOT EXISTS evaluation_attempts (
    id TEXT PRIMARY KEY,
    evaluation_id TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    request_hash TEXT NOT NULL,
    response_json TEXT NOT NULL DEFAULT '',
    parse_status TEXT NOT NULL,
    is_canonical INTEGER NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL,
    UNIQUE (evaluation_id, attempt_number),
    FOREIGN KEY(evaluation_id) REFERENCES evaluations(id)
)`,
		`
CREATE TABLE IF NOT EXISTS evaluation_overrides (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    evaluation_id TEXT NOT NULL,
    prior_status TEXT NOT NULL,
    prior_score REAL,
    prior_breakdown_json TEXT,
    new_score REAL NOT NULL,
    new_breakdown_json TEXT NOT NULL,
    reason TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    FOREIGN KEY(evaluation_id) REFERENCES evaluations(id)
)`,
		`
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL DEFAULT 1,
    detail_json TEXT NOT NULL DEFAULT '{}',
    error TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_session ON audit_log(session_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func localDatabasePathFromEnv() (string, error) {
	candidates := []string{
		strings.TrimSpace(os.Getenv("STORE_LOCAL_DATABASE_PATH")),
		strings.TrimSpace(os.Getenv("LOCAL_DATABASE_PATH")),
	}
	for _, candidate := range candidates {
		if candidate != "" {
			return filepath.Clean(candidate), nil
		}
	}

	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, "MootLab", defaultLocalDBName), nil
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
