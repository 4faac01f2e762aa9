// Package store is the PostgreSQL persistence layer. It backs the in-memory
// authoritative stores (costs, sessions, operations, memories) and mirrors
// chain entries for querying. The runtime stays functional without it; every
// caller treats persistence as write-through.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql

	"github.com/helix-runtime/helixd/pkg/chain"
	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection and pool settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// FromConfig maps the runtime database config onto store settings with pool
// defaults suitable for a single-host deployment.
func FromConfig(c config.DatabaseConfig) Config {
	return Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Database:        c.Name,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Store wraps the database handle.
type Store struct {
	db *stdsql.DB
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *stdsql.DB { return s.db }

// New opens the database, configures the pool and applies pending migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *stdsql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, database, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	// Closing m would also close the shared *sql.DB; close only the source.
	return source.Close()
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports database reachability.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SaveOperation inserts one finished operation record.
func (s *Store) SaveOperation(ctx context.Context, rec models.OperationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_operation_log
			(op_id, user_id, op_kind, model_id, input_tokens, output_tokens,
			 cost_usd, latency_ms, success, cancelled, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (op_id) DO NOTHING`,
		rec.OpID, rec.UserID, string(rec.OpKind), rec.ModelID,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.LatencyMS,
		rec.Success, rec.Cancelled, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting operation record: %w", err)
	}
	return nil
}

// UpsertMonthlySpend writes the authoritative monthly total for a user.
func (s *Store) UpsertMonthlySpend(ctx context.Context, userID, month string, usd float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_monthly_spend (user_id, month, usd, updated_ts)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, month) DO UPDATE SET usd = EXCLUDED.usd, updated_ts = now()`,
		userID, month, usd,
	)
	if err != nil {
		return fmt.Errorf("upserting monthly spend: %w", err)
	}
	return nil
}

// LoadMonthlySpend returns user id to USD spend for one month.
func (s *Store) LoadMonthlySpend(ctx context.Context, month string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, usd FROM user_monthly_spend WHERE month = $1`, month)
	if err != nil {
		return nil, fmt.Errorf("loading monthly spend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			userID string
			usd    float64
		)
		if err := rows.Scan(&userID, &usd); err != nil {
			return nil, fmt.Errorf("scanning monthly spend: %w", err)
		}
		out[userID] = usd
	}
	return out, rows.Err()
}

// SaveSession upserts session metadata. Messages are saved separately.
func (s *Store) SaveSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, origin, start_ts, last_activity_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			origin = EXCLUDED.origin,
			last_activity_ts = EXCLUDED.last_activity_ts`,
		sess.ID, sess.UserID, string(sess.Status), string(sess.Origin),
		sess.StartTS, sess.LastActivityTS,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// SaveMessage inserts one session message; replays are ignored.
func (s *Store) SaveMessage(ctx context.Context, m models.SessionMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, role, content, ts, origin)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SessionID, m.Role, m.Content, m.Timestamp, string(m.Origin),
	)
	if err != nil {
		return fmt.Errorf("inserting session message: %w", err)
	}
	return nil
}

// SaveMemory inserts one synthesized memory.
func (s *Store) SaveMemory(ctx context.Context, m models.Memory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, content, created_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.UserID, []byte(m.Content), m.CreatedTS,
	)
	if err != nil {
		return fmt.Errorf("inserting memory: %w", err)
	}
	return nil
}

// SearchMemories returns a user's memories whose content matches query,
// newest first. An empty query returns everything.
func (s *Store) SearchMemories(ctx context.Context, userID, query string, limit int) ([]models.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, created_ts FROM memories
		WHERE user_id = $1 AND ($2 = '' OR content::text ILIKE '%' || $2 || '%')
		ORDER BY created_ts DESC
		LIMIT $3`,
		userID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Memory
	for rows.Next() {
		var (
			m       models.Memory
			content []byte
		)
		if err := rows.Scan(&m.ID, &m.UserID, &content, &m.CreatedTS); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		m.Content = content
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMemory removes one memory owned by userID. Returns the number of
// rows removed so callers can distinguish a miss.
func (s *Store) DeleteMemory(ctx context.Context, userID, id string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting memory: %w", err)
	}
	return res.RowsAffected()
}

// MirrorChainEntries copies chain entries into the queryable mirror table.
// The JSONL chain file stays the source of truth.
func (s *Store) MirrorChainEntries(ctx context.Context, entries []chain.Entry) error {
	for _, e := range entries {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chain_entries (seq, prev_hash, payload, payload_hash, entry_hash, ts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (seq) DO NOTHING`,
			int64(e.Seq), e.PrevHash, []byte(e.Payload), e.PayloadHash, e.EntryHash, e.TS,
		)
		if err != nil {
			return fmt.Errorf("mirroring chain entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

// MaxMirroredSeq returns the highest mirrored chain sequence, or 0.
func (s *Store) MaxMirroredSeq(ctx context.Context) (uint64, error) {
	var seq stdsql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM chain_entries`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading mirrored chain head: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
