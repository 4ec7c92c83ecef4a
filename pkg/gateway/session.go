package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/shardsql/pkg/errors"
)

// Session is the sticky-routing state for one client session: once a
// transaction begins, every statement it carries must route to the
// same shard until COMMIT or ROLLBACK.
type Session struct {
	ID              string
	TenantID        string
	ShardID         string
	TransactionID   string
	IsInTransaction bool
	LastSeen        time.Time
}

// SessionManager tracks sessionId -> Session under a short critical
// section for mutate-check-replace.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idleTTL  time.Duration
	txnTTL   time.Duration
	stopCh   chan struct{}
}

// NewSessionManager creates a manager and starts its idle-sweep loop.
// Sessions holding an open transaction outlive the idle TTL but are
// still evicted once txnTTL of inactivity passes, in step with the
// shard engine rolling the abandoned transaction back.
func NewSessionManager(idleTTL, txnTTL time.Duration) *SessionManager {
	m := &SessionManager{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
		txnTTL:   txnTTL,
		stopCh:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop halts the idle-sweep loop.
func (m *SessionManager) Stop() {
	close(m.stopCh)
}

// Open creates a new session pinned to nothing yet; it is pinned to a
// shard on its first statement.
func (m *SessionManager) Open(tenantID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{ID: uuid.NewString(), TenantID: tenantID, LastSeen: time.Now()}
	m.sessions[s.ID] = s
	return s
}

// Get returns a session by id, or nil.
func (m *SessionManager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	s.LastSeen = time.Now()
	return s
}

// Pin sticks a session to shardID, failing if it is already pinned to
// a different shard while mid-transaction.
func (m *SessionManager) Pin(id, shardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return errors.New(errors.CodeTransactionNotFound, "session not found")
	}
	if s.IsInTransaction && s.ShardID != "" && s.ShardID != shardID {
		return errors.New(errors.CodeInvalidPhase, "session is pinned to a different shard for its open transaction")
	}
	s.ShardID = shardID
	s.LastSeen = time.Now()
	return nil
}

// BeginTransaction marks a session as holding an open transaction.
func (m *SessionManager) BeginTransaction(id, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errors.New(errors.CodeTransactionNotFound, "session not found")
	}
	s.TransactionID = transactionID
	s.IsInTransaction = true
	s.LastSeen = time.Now()
	return nil
}

// EndTransaction clears a session's transaction pinning after COMMIT
// or ROLLBACK.
func (m *SessionManager) EndTransaction(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.TransactionID = ""
		s.IsInTransaction = false
		s.LastSeen = time.Now()
	}
}

// Close removes a session outright.
func (m *SessionManager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count returns the number of tracked sessions, used by tests and the
// admin surface.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *SessionManager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, s := range m.sessions {
		ttl := m.idleTTL
		if s.IsInTransaction {
			ttl = m.txnTTL
		}
		if now.Sub(s.LastSeen) > ttl {
			delete(m.sessions, id)
		}
	}
}
