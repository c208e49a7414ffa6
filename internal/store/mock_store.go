// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	connections map[string]*ConnectionRecord // keyed by "ownerID:name"
	profiles    map[string]*BotProfile       // keyed by profile ID
	pingErr     error

	// Call counters for behavioral assertions
	SaveCalls            int
	StatusUpdateCalls    int
	ReconnectStampCalls  int
	ReconnectSweepCalls  int
	FailConnectionsSweep bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		connections: make(map[string]*ConnectionRecord),
		profiles:    make(map[string]*BotProfile),
	}
}

func connKey(ownerID, name string) string {
	return ownerID + ":" + name
}

// SetPingError makes subsequent Ping calls fail with err.
func (m *MockStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// GetByConnectionName retrieves a connection record by name and owner.
func (m *MockStore) GetByConnectionName(ctx context.Context, name, ownerID string) (*ConnectionRecord, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.connections[connKey(ownerID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// SaveConnectionDetails upserts a connection record.
func (m *MockStore) SaveConnectionDetails(ctx context.Context, params SaveConnectionParams) error {
	if params.OwnerID == "" {
		return ErrOwnerRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++

	key := connKey(params.OwnerID, params.ConnectionName)
	now := time.Now().UTC()

	rec, ok := m.connections[key]
	if !ok {
		rec = &ConnectionRecord{
			ConnectionName: params.ConnectionName,
			OwnerID:        params.OwnerID,
			CreatedAt:      now,
		}
		m.connections[key] = rec
	}
	rec.BotProfileID = params.BotProfileID
	rec.AutoReconnect = params.AutoReconnect
	rec.LastKnownStatus = params.Status
	if params.LastConnectedAt != nil {
		t := *params.LastConnectedAt
		rec.LastConnectedAt = &t
	}
	if params.PhoneNumber != "" {
		rec.PhoneNumber = params.PhoneNumber
	}
	rec.UpdatedAt = now
	return nil
}

// UpdateConnectionStatus updates the status of an existing record.
// Missing owner ids are swallowed, matching the SQLite implementation.
func (m *MockStore) UpdateConnectionStatus(ctx context.Context, name, ownerID, status string, autoReconnect bool) error {
	if ownerID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusUpdateCalls++

	if rec, ok := m.connections[connKey(ownerID, name)]; ok {
		rec.LastKnownStatus = status
		rec.AutoReconnect = autoReconnect
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// UpdateLastAttemptedReconnect stamps the reconnect attempt time.
func (m *MockStore) UpdateLastAttemptedReconnect(ctx context.Context, name, ownerID string) error {
	if ownerID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReconnectStampCalls++

	if rec, ok := m.connections[connKey(ownerID, name)]; ok {
		now := time.Now().UTC()
		rec.LastAttemptedReconnectAt = &now
		rec.UpdatedAt = now
	}
	return nil
}

// GetConnectionsToReconnect returns all auto-reconnect records.
func (m *MockStore) GetConnectionsToReconnect(ctx context.Context) ([]*ConnectionRecord, error) {
	m.mu.Lock()
	m.ReconnectSweepCalls++
	fail := m.FailConnectionsSweep
	m.mu.Unlock()

	if fail {
		return []*ConnectionRecord{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*ConnectionRecord
	for _, rec := range m.connections {
		if rec.AutoReconnect {
			cp := *rec
			records = append(records, &cp)
		}
	}
	return records, nil
}

// CreateBotProfile stores a new bot profile.
func (m *MockStore) CreateBotProfile(ctx context.Context, profile *BotProfile) error {
	if profile.OwnerID == "" {
		return ErrOwnerRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.profiles[profile.ID]; exists {
		return ErrDuplicateProfile
	}
	cp := *profile
	m.profiles[profile.ID] = &cp
	return nil
}

// GetBotProfile retrieves a bot profile scoped to its owner.
func (m *MockStore) GetBotProfile(ctx context.Context, id, ownerID string) (*BotProfile, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok || p.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListBotProfiles returns all profiles for an owner.
func (m *MockStore) ListBotProfiles(ctx context.Context, ownerID string) ([]*BotProfile, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var profiles []*BotProfile
	for _, p := range m.profiles {
		if p.OwnerID == ownerID {
			cp := *p
			profiles = append(profiles, &cp)
		}
	}
	return profiles, nil
}

// SetBotProfileEnabled toggles a profile's enabled flag.
func (m *MockStore) SetBotProfileEnabled(ctx context.Context, id, ownerID string, enabled bool) error {
	if ownerID == "" {
		return ErrOwnerRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok || p.OwnerID != ownerID {
		return ErrNotFound
	}
	p.Enabled = enabled
	return nil
}

// Ping returns the configured ping error, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
