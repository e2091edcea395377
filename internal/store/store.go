// Package store persists the two durable records the daemon keeps:
// the playback session (resumption data) and user options. Records are
// independently addressable, last-write-wins, no transactions.
package store

import (
	"sync"

	"birdsong-orchestrator/internal/protocol"
)

// Store is the persistence abstraction for durable records.
// Implementations can be in-memory or file-based. Load methods return
// ok=false when the record has never been written.
type Store interface {
	SaveSession(s protocol.SessionState) error
	LoadSession() (s protocol.SessionState, ok bool, err error)
	ClearSession() error

	SaveOptions(o protocol.Options) error
	LoadOptions() (o protocol.Options, ok bool, err error)
}

// MemStore is an in-memory implementation of Store, used in tests and
// ephemeral runs.
type MemStore struct {
	mu         sync.Mutex
	session    protocol.SessionState
	hasSession bool
	options    protocol.Options
	hasOptions bool
}

// NewMemStore returns a new empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// SaveSession implements Store.SaveSession.
func (m *MemStore) SaveSession(s protocol.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.hasSession = true
	return nil
}

// LoadSession implements Store.LoadSession.
func (m *MemStore) LoadSession() (protocol.SessionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.hasSession, nil
}

// ClearSession implements Store.ClearSession.
func (m *MemStore) ClearSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = protocol.SessionState{}
	m.hasSession = false
	return nil
}

// SaveOptions implements Store.SaveOptions.
func (m *MemStore) SaveOptions(o protocol.Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options = o
	m.hasOptions = true
	return nil
}

// LoadOptions implements Store.LoadOptions.
func (m *MemStore) LoadOptions() (protocol.Options, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options, m.hasOptions, nil
}
