// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides connection/profile persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			connection_name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			bot_profile_id TEXT NOT NULL,
			auto_reconnect INTEGER NOT NULL DEFAULT 0,
			last_known_status TEXT NOT NULL,
			last_connected_at DATETIME,
			last_attempted_reconnect_at DATETIME,
			phone_number TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (owner_id, connection_name)
		);

		CREATE INDEX IF NOT EXISTS idx_connections_auto_reconnect
			ON connections(auto_reconnect);

		CREATE TABLE IF NOT EXISTS bot_profiles (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bot_profiles_owner
			ON bot_profiles(owner_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetByConnectionName retrieves the durable record for a connection.
// The owner id is mandatory: records are owner-scoped and an unscoped read
// is a caller error, not something to silently default.
func (s *SQLiteStore) GetByConnectionName(ctx context.Context, name, ownerID string) (*ConnectionRecord, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT connection_name, owner_id, bot_profile_id, auto_reconnect,
		       last_known_status, last_connected_at, last_attempted_reconnect_at,
		       phone_number, created_at, updated_at
		FROM connections
		WHERE connection_name = ? AND owner_id = ?
	`, name, ownerID)

	rec, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return rec, nil
}

// SaveConnectionDetails upserts a connection record by (owner_id, connection_name).
// The owner is fixed by the composite key and cannot change once set.
func (s *SQLiteStore) SaveConnectionDetails(ctx context.Context, params SaveConnectionParams) error {
	if params.OwnerID == "" {
		return ErrOwnerRequired
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (
			connection_name, owner_id, bot_profile_id, auto_reconnect,
			last_known_status, last_connected_at, phone_number,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, connection_name) DO UPDATE SET
			bot_profile_id = excluded.bot_profile_id,
			auto_reconnect = excluded.auto_reconnect,
			last_known_status = excluded.last_known_status,
			last_connected_at = COALESCE(excluded.last_connected_at, connections.last_connected_at),
			phone_number = CASE WHEN excluded.phone_number != '' THEN excluded.phone_number ELSE connections.phone_number END,
			updated_at = excluded.updated_at
	`, params.ConnectionName, params.OwnerID, params.BotProfileID,
		boolToInt(params.AutoReconnect), params.Status,
		nullableTime(params.LastConnectedAt), params.PhoneNumber, now, now)
	if err != nil {
		return fmt.Errorf("saving connection details: %w", err)
	}
	return nil
}

// UpdateConnectionStatus updates the persisted status of a connection.
// Called from deep inside event handlers, so a missing owner id is logged
// and swallowed instead of propagating an error into the dispatcher.
func (s *SQLiteStore) UpdateConnectionStatus(ctx context.Context, name, ownerID, status string, autoReconnect bool) error {
	if ownerID == "" {
		s.logger.Warn("skipping status update without owner id", "connection", name, "status", status)
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET last_known_status = ?, auto_reconnect = ?, updated_at = ?
		WHERE connection_name = ? AND owner_id = ?
	`, status, boolToInt(autoReconnect), time.Now().UTC(), name, ownerID)
	if err != nil {
		return fmt.Errorf("updating connection status: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("status update matched no record", "connection", name, "owner", ownerID)
	}
	return nil
}

// UpdateLastAttemptedReconnect stamps the last reconnect attempt time.
// Best-effort like UpdateConnectionStatus.
func (s *SQLiteStore) UpdateLastAttemptedReconnect(ctx context.Context, name, ownerID string) error {
	if ownerID == "" {
		s.logger.Warn("skipping reconnect stamp without owner id", "connection", name)
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET last_attempted_reconnect_at = ?, updated_at = ?
		WHERE connection_name = ? AND owner_id = ?
	`, time.Now().UTC(), time.Now().UTC(), name, ownerID)
	if err != nil {
		return fmt.Errorf("updating last attempted reconnect: %w", err)
	}
	return nil
}

// GetConnectionsToReconnect returns every record flagged for auto-reconnect,
// across all owners, for the startup recovery sweep. Store failures return an
// empty list: recovery must never block process start.
func (s *SQLiteStore) GetConnectionsToReconnect(ctx context.Context) ([]*ConnectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection_name, owner_id, bot_profile_id, auto_reconnect,
		       last_known_status, last_connected_at, last_attempted_reconnect_at,
		       phone_number, created_at, updated_at
		FROM connections
		WHERE auto_reconnect = 1
		ORDER BY owner_id, connection_name
	`)
	if err != nil {
		s.logger.Error("querying connections to reconnect", "error", err)
		return []*ConnectionRecord{}, nil
	}
	defer rows.Close()

	var records []*ConnectionRecord
	for rows.Next() {
		rec, err := scanConnection(rows)
		if err != nil {
			s.logger.Error("scanning reconnect record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("iterating reconnect records", "error", err)
	}
	return records, nil
}

// CreateBotProfile stores a new bot profile.
func (s *SQLiteStore) CreateBotProfile(ctx context.Context, profile *BotProfile) error {
	if profile.OwnerID == "" {
		return ErrOwnerRequired
	}

	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_profiles (id, owner_id, name, system_prompt, model, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, profile.ID, profile.OwnerID, profile.Name, profile.SystemPrompt,
		profile.Model, boolToInt(profile.Enabled), profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProfile
		}
		return fmt.Errorf("creating bot profile: %w", err)
	}
	return nil
}

// GetBotProfile retrieves a bot profile scoped to its owner.
func (s *SQLiteStore) GetBotProfile(ctx context.Context, id, ownerID string) (*BotProfile, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, system_prompt, model, enabled, created_at, updated_at
		FROM bot_profiles
		WHERE id = ? AND owner_id = ?
	`, id, ownerID)

	var p BotProfile
	var enabled int
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.SystemPrompt, &p.Model,
		&enabled, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bot profile: %w", err)
	}
	p.Enabled = enabled != 0
	return &p, nil
}

// ListBotProfiles returns all bot profiles for an owner.
func (s *SQLiteStore) ListBotProfiles(ctx context.Context, ownerID string) ([]*BotProfile, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, system_prompt, model, enabled, created_at, updated_at
		FROM bot_profiles
		WHERE owner_id = ?
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing bot profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*BotProfile
	for rows.Next() {
		var p BotProfile
		var enabled int
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.SystemPrompt, &p.Model,
			&enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning bot profile: %w", err)
		}
		p.Enabled = enabled != 0
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

// SetBotProfileEnabled toggles a profile's enabled flag.
func (s *SQLiteStore) SetBotProfileEnabled(ctx context.Context, id, ownerID string, enabled bool) error {
	if ownerID == "" {
		return ErrOwnerRequired
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_profiles SET enabled = ?, updated_at = ? WHERE id = ? AND owner_id = ?
	`, boolToInt(enabled), time.Now().UTC(), id, ownerID)
	if err != nil {
		return fmt.Errorf("updating bot profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping reports whether the backing database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts over *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*ConnectionRecord, error) {
	var rec ConnectionRecord
	var autoReconnect int
	var lastConnected, lastReconnect sql.NullTime
	var phone sql.NullString

	err := row.Scan(&rec.ConnectionName, &rec.OwnerID, &rec.BotProfileID,
		&autoReconnect, &rec.LastKnownStatus, &lastConnected, &lastReconnect,
		&phone, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.AutoReconnect = autoReconnect != 0
	if lastConnected.Valid {
		t := lastConnected.Time
		rec.LastConnectedAt = &t
	}
	if lastReconnect.Valid {
		t := lastReconnect.Time
		rec.LastAttemptedReconnectAt = &t
	}
	if phone.Valid {
		rec.PhoneNumber = phone.String
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
