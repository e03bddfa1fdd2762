package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/trustgate/internal/mfa"
	"github.com/mbd888/trustgate/internal/trust"
)

// PostgresStore persists the audit log in PostgreSQL. Rows are only ever
// inserted.
type PostgresStore struct {
	db *sql.DB
}

var _ trust.AuditLog = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS trust_records (
		id                   VARCHAR(64) PRIMARY KEY,
		action_id            VARCHAR(64) NOT NULL,
		user_id              VARCHAR(64) NOT NULL,
		kind                 VARCHAR(32) NOT NULL,
		amount               NUMERIC(20,6),
		score                DOUBLE PRECISION NOT NULL,
		snapshot             JSONB NOT NULL,
		decision             VARCHAR(16) NOT NULL,
		risk_level           VARCHAR(16) NOT NULL,
		explanation          TEXT NOT NULL DEFAULT '',
		recommendations      TEXT[] NOT NULL DEFAULT '{}',
		velocity_veto        BOOLEAN NOT NULL DEFAULT FALSE,
		challenge_id         VARCHAR(64) NOT NULL DEFAULT '',
		challenge_expires_at TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trust_records_user
		ON trust_records (user_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_trust_records_alerts
		ON trust_records (created_at DESC, id DESC) WHERE decision <> 'allow';

	CREATE TABLE IF NOT EXISTS challenge_outcomes (
		id           VARCHAR(64) PRIMARY KEY,
		challenge_id VARCHAR(64) NOT NULL,
		user_id      VARCHAR(64) NOT NULL DEFAULT '',
		action_id    VARCHAR(64) NOT NULL DEFAULT '',
		outcome      VARCHAR(16) NOT NULL,
		at           TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_challenge_outcomes_at ON challenge_outcomes (at);
`

const recordColumns = `id, action_id, user_id, kind, amount, score, snapshot, decision, risk_level,
	explanation, recommendations, velocity_veto, challenge_id, challenge_expires_at, created_at`

func (s *PostgresStore) Append(ctx context.Context, rec *trust.TrustScoreRecord) error {
	snap, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	var amount decimal.NullDecimal
	if rec.Amount != nil {
		amount = decimal.NullDecimal{Decimal: *rec.Amount, Valid: true}
	}
	var expires sql.NullTime
	if rec.ChallengeExpiresAt != nil {
		expires = sql.NullTime{Time: *rec.ChallengeExpiresAt, Valid: true}
	}
	recs := rec.Recommendations
	if recs == nil {
		recs = []string{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.ActionID, rec.UserID, string(rec.Kind), amount, rec.Score, snap,
		string(rec.Decision), string(rec.RiskLevel), rec.Explanation, pq.Array(recs),
		rec.VelocityVeto, rec.ChallengeID, expires, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trust record: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendOutcome(ctx context.Context, o *trust.ChallengeOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenge_outcomes (id, challenge_id, user_id, action_id, outcome, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.ChallengeID, o.UserID, o.ActionID, string(o.Outcome), o.At,
	)
	if err != nil {
		return fmt.Errorf("insert challenge outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, userID string, limit int, opts ...trust.ListOption) ([]*trust.TrustScoreRecord, error) {
	return s.newest(ctx, "user_id = $1", []any{userID}, limit, opts)
}

func (s *PostgresStore) Alerts(ctx context.Context, limit int, opts ...trust.ListOption) ([]*trust.TrustScoreRecord, error) {
	return s.newest(ctx, "decision <> 'allow'", nil, limit, opts)
}

// newest pages by the (created_at, id) row value so records sharing a
// timestamp are neither skipped nor repeated across pages.
func (s *PostgresStore) newest(ctx context.Context, where string, args []any, limit int, opts []trust.ListOption) ([]*trust.TrustScoreRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM trust_records WHERE ` + where
	if c := trust.ApplyListOptions(opts).Cursor; c != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, c.CreatedAt, c.ID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *PostgresStore) Since(ctx context.Context, from time.Time) ([]*trust.TrustScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM trust_records
		WHERE created_at >= $1
		ORDER BY created_at ASC`, from)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *PostgresStore) OutcomesSince(ctx context.Context, from time.Time) ([]*trust.ChallengeOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, challenge_id, user_id, action_id, outcome, at
		FROM challenge_outcomes
		WHERE at >= $1
		ORDER BY at ASC`, from)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*trust.ChallengeOutcome
	for rows.Next() {
		o := &trust.ChallengeOutcome{}
		var outcome string
		if err := rows.Scan(&o.ID, &o.ChallengeID, &o.UserID, &o.ActionID, &outcome, &o.At); err != nil {
			return nil, err
		}
		o.Outcome = mfa.Outcome(outcome)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]*trust.TrustScoreRecord, error) {
	defer func() { _ = rows.Close() }()

	var out []*trust.TrustScoreRecord
	for rows.Next() {
		rec := &trust.TrustScoreRecord{}
		var (
			kind, decision, level string
			amount                decimal.NullDecimal
			snap                  []byte
			recs                  pq.StringArray
			expires               sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID, &rec.ActionID, &rec.UserID, &kind, &amount, &rec.Score, &snap,
			&decision, &level, &rec.Explanation, &recs, &rec.VelocityVeto,
			&rec.ChallengeID, &expires, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snap, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", rec.ID, err)
		}
		rec.Kind = trust.ActionKind(kind)
		rec.Decision = trust.Decision(decision)
		rec.RiskLevel = trust.RiskLevel(level)
		if amount.Valid {
			a := amount.Decimal
			rec.Amount = &a
		}
		if len(recs) > 0 {
			rec.Recommendations = []string(recs)
		}
		if expires.Valid {
			t := expires.Time
			rec.ChallengeExpiresAt = &t
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
