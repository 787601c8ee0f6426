// Package memory provides an in-memory implementation of the client, flow,
// and grant stores. It is suitable for development, testing, and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/readwise-mcp/oauth/instrumentation"
	"github.com/readwise-mcp/oauth/storage"
)

const (
	// codeLogLength is the number of characters to include when logging
	// authorization codes. Enough uniqueness for debugging while keeping
	// logs safe.
	codeLogLength = 8
)

// Store is an in-memory implementation of the ClientStore, FlowStore, and
// GrantStore interfaces.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients map[string]*storage.Client

	// Flow storage: authorization code -> pending authorization
	pending map[string]*storage.PendingAuthorization

	// Grant storage: refresh token hash -> grant
	grants map[string]*storage.RefreshTokenGrant

	// Instrumentation
	instrumentation *instrumentation.Instrumentation

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic atomic.Int64
	pendingCountAtomic atomic.Int64
	grantsCountAtomic  atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	pendingTTL      time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.GrantStore  = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
// and default pending authorization TTL (10 minutes).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		pending:         make(map[string]*storage.PendingAuthorization),
		grants:          make(map[string]*storage.RefreshTokenGrant),
		cleanupInterval: cleanupInterval,
		pendingTTL:      10 * time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetPendingAuthorizationTTL sets the lifetime used by the background sweep
// to discard stale pending authorizations. The server independently enforces
// the TTL at exchange time; the sweep only bounds memory.
func (s *Store) SetPendingAuthorizationTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTTL = ttl
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst

	// Initialize atomic counters with current counts
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.pendingCountAtomic.Store(int64(len(s.pending)))
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.mu.Unlock()

	if inst != nil {
		// Storage size callbacks use the atomic counters so metric
		// collection never contends with the store mutex.
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.pendingCountAtomic.Load() },
			func() int64 { return s.grantsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(client *storage.Client) error {
	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation("save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	s.clients[client.ClientID] = client

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(clientID string) (*storage.Client, error) {
	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation("get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ListClients lists all registered clients
func (s *Store) ListClients() ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SavePendingAuthorization stores an issued authorization code
func (s *Store) SavePendingAuthorization(auth *storage.PendingAuthorization) error {
	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation("save_pending_authorization", err, startTime)
	}()

	if auth == nil || auth.Code == "" {
		err = fmt.Errorf("invalid pending authorization")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.pending[auth.Code]

	s.pending[auth.Code] = auth

	if !existed {
		s.pendingCountAtomic.Add(1)
	}

	s.logger.Debug("Saved pending authorization",
		"client_id", auth.ClientID,
		"code_prefix", safeTruncate(auth.Code, codeLogLength))
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes the pending
// authorization for code. Only ONE concurrent consumer can succeed; all
// others receive ErrNotFound.
func (s *Store) ConsumePendingAuthorization(code string) (*storage.PendingAuthorization, error) {
	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation("consume_pending_authorization", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	auth, ok := s.pending[code]
	if !ok {
		err = fmt.Errorf("%w: authorization code not found or already used", storage.ErrNotFound)
		return nil, err
	}

	delete(s.pending, code)
	s.pendingCountAtomic.Add(-1)

	s.logger.Debug("Consumed pending authorization",
		"client_id", auth.ClientID,
		"code_prefix", safeTruncate(code, codeLogLength))

	return auth, nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveRefreshTokenGrant stores a grant under the given token hash
func (s *Store) SaveRefreshTokenGrant(tokenHash string, grant *storage.RefreshTokenGrant) error {
	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation("save_refresh_token_grant", err, startTime)
	}()

	if tokenHash == "" {
		err = fmt.Errorf("token hash cannot be empty")
		return err
	}
	if grant == nil || grant.ClientID == "" {
		err = fmt.Errorf("invalid refresh token grant")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.grants[tokenHash]

	s.grants[tokenHash] = grant

	if !existed {
		s.grantsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved refresh token grant", "client_id", grant.ClientID)
	return nil
}

// ConsumeRefreshTokenGrant atomically retrieves and deletes the grant for
// tokenHash. Only ONE concurrent consumer can succeed; replay of an
// already-rotated token yields ErrNotFound.
func (s *Store) ConsumeRefreshTokenGrant(tokenHash string) (*storage.RefreshTokenGrant, error) {
	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation("consume_refresh_token_grant", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	grant, ok := s.grants[tokenHash]
	if !ok {
		err = fmt.Errorf("%w: refresh token not found or already used", storage.ErrNotFound)
		return nil, err
	}

	delete(s.grants, tokenHash)
	s.grantsCountAtomic.Add(-1)

	s.logger.Debug("Consumed refresh token grant", "client_id", grant.ClientID)

	return grant, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-s.pendingTTL)

	for code, auth := range s.pending {
		if auth.CreatedAt.Before(cutoff) {
			delete(s.pending, code)
			s.pendingCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired pending authorizations", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// recordStorageOperation records metrics for a storage operation
func (s *Store) recordStorageOperation(operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}

	s.instrumentation.Metrics().RecordStorageOperation(context.Background(), operation, result, durationMs)
}

// safeTruncate returns at most n leading characters of v
func safeTruncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
