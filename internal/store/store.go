// ABOUTME: Store interface and data types for weave-gateway persistence
// ABOUTME: Defines ConnectionRecord, BotProfile and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrOwnerRequired is returned when a read is attempted without an owner id.
// Every durable record is owner-scoped, so the caller must always supply one.
var ErrOwnerRequired = errors.New("owner id is required")

// ErrDuplicateProfile is returned when creating a bot profile that already exists
var ErrDuplicateProfile = errors.New("bot profile already exists")

// ConnectionRecord is the durable mirror of a connection's last-known status
// and configuration. Records are upserted by (OwnerID, ConnectionName) and are
// never deleted by the lifecycle subsystem; closing a connection only updates
// its status, which allows it to be re-enabled later.
type ConnectionRecord struct {
	ConnectionName           string
	OwnerID                  string
	BotProfileID             string
	AutoReconnect            bool
	LastKnownStatus          string
	LastConnectedAt          *time.Time
	LastAttemptedReconnectAt *time.Time
	PhoneNumber              string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// BotProfile holds the tenant-owned conversational configuration a connection
// is bound to. A connection can only be initialized against a profile that
// exists, belongs to the same owner, and is enabled.
type BotProfile struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SaveConnectionParams carries the fields for a connection upsert.
type SaveConnectionParams struct {
	ConnectionName  string
	BotProfileID    string
	OwnerID         string
	Status          string
	AutoReconnect   bool
	LastConnectedAt *time.Time
	PhoneNumber     string
}

// Store defines the interface for connection and bot profile persistence
type Store interface {
	// Connection records
	GetByConnectionName(ctx context.Context, name, ownerID string) (*ConnectionRecord, error)
	SaveConnectionDetails(ctx context.Context, params SaveConnectionParams) error
	UpdateConnectionStatus(ctx context.Context, name, ownerID, status string, autoReconnect bool) error
	UpdateLastAttemptedReconnect(ctx context.Context, name, ownerID string) error
	GetConnectionsToReconnect(ctx context.Context) ([]*ConnectionRecord, error)

	// Bot profiles
	CreateBotProfile(ctx context.Context, profile *BotProfile) error
	GetBotProfile(ctx context.Context, id, ownerID string) (*BotProfile, error)
	ListBotProfiles(ctx context.Context, ownerID string) ([]*BotProfile, error)
	SetBotProfileEnabled(ctx context.Context, id, ownerID string, enabled bool) error

	// Ping reports whether the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
