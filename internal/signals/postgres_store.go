package signals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists signals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed signal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the signal tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS user_profiles (
		id              VARCHAR(64) PRIMARY KEY,
		role            VARCHAR(16) NOT NULL DEFAULT 'user',
		email_verified  BOOLEAN NOT NULL DEFAULT FALSE,
		phone_verified  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deactivated_at  TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS device_fingerprints (
		user_id     VARCHAR(64) NOT NULL,
		hash        VARCHAR(64) NOT NULL,
		first_seen  TIMESTAMPTZ NOT NULL,
		last_seen   TIMESTAMPTZ NOT NULL,
		seen_count  INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (user_id, hash)
	);

	CREATE TABLE IF NOT EXISTS location_samples (
		id          BIGSERIAL PRIMARY KEY,
		user_id     VARCHAR(64) NOT NULL,
		action_id   VARCHAR(64) NOT NULL,
		country     VARCHAR(8) NOT NULL,
		region      VARCHAR(64) NOT NULL DEFAULT '',
		latitude    DOUBLE PRECISION,
		longitude   DOUBLE PRECISION,
		timezone    VARCHAR(64) NOT NULL DEFAULT '',
		observed_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_location_samples_user
		ON location_samples (user_id, observed_at DESC);

	CREATE TABLE IF NOT EXISTS behavior_samples (
		id            BIGSERIAL PRIMARY KEY,
		user_id       VARCHAR(64) NOT NULL,
		action_id     VARCHAR(64) NOT NULL,
		kind          VARCHAR(32) NOT NULL,
		category      VARCHAR(64) NOT NULL DEFAULT '',
		amount_bucket SMALLINT NOT NULL DEFAULT 0,
		hour          SMALLINT NOT NULL,
		observed_at   TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_behavior_samples_user
		ON behavior_samples (user_id, observed_at DESC);

	CREATE TABLE IF NOT EXISTS incidents (
		id          VARCHAR(64) PRIMARY KEY,
		user_id     VARCHAR(64) NOT NULL,
		kind        VARCHAR(32) NOT NULL,
		severity    VARCHAR(16) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		resolved    BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_open
		ON incidents (user_id) WHERE NOT resolved;
`

func (s *PostgresStore) CreateProfile(ctx context.Context, p *UserProfile) error {
	if p.ID == "" {
		return ErrInvalidUser
	}
	role := p.Role
	if role == "" {
		role = RoleUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (id, role, email_verified, phone_verified, created_at, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, string(role), p.EmailVerified, p.PhoneVerified, p.CreatedAt, nullTime(p.DeactivatedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrUserExists, p.ID)
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	var p UserProfile
	var role string
	var deactivated sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, email_verified, phone_verified, created_at, deactivated_at
		FROM user_profiles WHERE id = $1
	`, userID).Scan(&p.ID, &role, &p.EmailVerified, &p.PhoneVerified, &p.CreatedAt, &deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.Role = Role(role)
	if deactivated.Valid {
		t := deactivated.Time
		p.DeactivatedAt = &t
	}
	return &p, nil
}

func (s *PostgresStore) MarkVerified(ctx context.Context, userID string, channel Channel) error {
	var column string
	switch channel {
	case ChannelEmail:
		column = "email_verified"
	case ChannelPhone:
		column = "phone_verified"
	default:
		return fmt.Errorf("unknown verification channel %q", channel)
	}
	// column is one of two fixed identifiers chosen above, never user input.
	res, err := s.db.ExecContext(ctx, `UPDATE user_profiles SET `+column+` = TRUE WHERE id = $1`, userID) // #nosec G202
	if err != nil {
		return fmt.Errorf("failed to mark verified: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Deactivate(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_profiles SET deactivated_at = COALESCE(deactivated_at, $2) WHERE id = $1
	`, userID, at)
	if err != nil {
		return fmt.Errorf("failed to deactivate profile: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Devices(ctx context.Context, userID string) ([]DeviceFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, hash, first_seen, last_seen, seen_count
		FROM device_fingerprints WHERE user_id = $1
		ORDER BY first_seen
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeviceFingerprint
	for rows.Next() {
		var d DeviceFingerprint
		if err := rows.Scan(&d.UserID, &d.Hash, &d.FirstSeen, &d.LastSeen, &d.SeenCount); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchDevice(ctx context.Context, userID, hash string, at time.Time) error {
	if userID == "" || hash == "" {
		return ErrInvalidUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_fingerprints (user_id, hash, first_seen, last_seen, seen_count)
		VALUES ($1, $2, $3, $3, 1)
		ON CONFLICT (user_id, hash) DO UPDATE SET
			seen_count = device_fingerprints.seen_count + 1,
			first_seen = LEAST(device_fingerprints.first_seen, EXCLUDED.first_seen),
			last_seen  = GREATEST(device_fingerprints.last_seen, EXCLUDED.last_seen)
	`, userID, hash, at)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

func (s *PostgresStore) Locations(ctx context.Context, userID string, since time.Time) ([]LocationSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, action_id, country, region, latitude, longitude, timezone, observed_at
		FROM location_samples
		WHERE user_id = $1 AND observed_at >= $2
		ORDER BY observed_at
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LocationSample
	for rows.Next() {
		var l LocationSample
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&l.UserID, &l.ActionID, &l.Country, &l.Region, &lat, &lon, &l.Timezone, &l.At); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		if lat.Valid && lon.Valid {
			l.Coords = &Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendLocation(ctx context.Context, l *LocationSample) error {
	if l.UserID == "" {
		return ErrInvalidUser
	}
	var lat, lon sql.NullFloat64
	if l.Coords != nil {
		lat = sql.NullFloat64{Float64: l.Coords.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: l.Coords.Longitude, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO location_samples (user_id, action_id, country, region, latitude, longitude, timezone, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.UserID, l.ActionID, l.Country, l.Region, lat, lon, l.Timezone, l.At)
	if err != nil {
		return fmt.Errorf("failed to append location: %w", err)
	}
	return nil
}

func (s *PostgresStore) Behavior(ctx context.Context, userID string, limit int) ([]BehaviorSample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, action_id, kind, category, amount_bucket, hour, observed_at
		FROM behavior_samples
		WHERE user_id = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list behavior samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BehaviorSample
	for rows.Next() {
		var b BehaviorSample
		if err := rows.Scan(&b.UserID, &b.ActionID, &b.Kind, &b.Category, &b.AmountBucket, &b.Hour, &b.At); err != nil {
			return nil, fmt.Errorf("failed to scan behavior sample: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendBehavior(ctx context.Context, b *BehaviorSample) error {
	if b.UserID == "" {
		return ErrInvalidUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO behavior_samples (user_id, action_id, kind, category, amount_bucket, hour, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.UserID, b.ActionID, b.Kind, b.Category, b.AmountBucket, b.Hour, b.At)
	if err != nil {
		return fmt.Errorf("failed to append behavior sample: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordIncident(ctx context.Context, inc *Incident) error {
	if inc.UserID == "" {
		return ErrInvalidUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, user_id, kind, severity, description, resolved, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inc.ID, inc.UserID, inc.Kind, inc.Severity, inc.Description, inc.Resolved, inc.At)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) OpenIncidents(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM incidents WHERE user_id = $1 AND NOT resolved
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
