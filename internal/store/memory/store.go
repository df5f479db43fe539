// Package memory provides an in-process implementation of the store interfaces.
// All tables sit behind one mutex; WithTx holds it for the whole callback and
// restores a snapshot if the callback fails.
package memory

import (
	"context"
	"sync"

	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
)

// Store implements store.Store in memory. It is used by tests and by brokers
// started with STORE_DRIVER=memory.
type Store struct {
	mu sync.Mutex
	t  *tables
}

type tables struct {
	nodes     map[string]models.Node
	jobs      map[string]models.Job
	entries   []models.LedgerEntry
	entryKeys map[string]struct{}
	wallets   map[string]models.Wallet
	tokens    map[string]models.AgentToken
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{t: newTables()}
}

func newTables() *tables {
	return &tables{
		nodes:     make(map[string]models.Node),
		jobs:      make(map[string]models.Job),
		entryKeys: make(map[string]struct{}),
		wallets:   make(map[string]models.Wallet),
		tokens:    make(map[string]models.AgentToken),
	}
}

// clone copies the tables. Row values are replaced wholesale on update, so copying
// the structs is enough.
func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.nodes {
		c.nodes[k] = v
	}
	for k, v := range t.jobs {
		c.jobs[k] = v
	}
	c.entries = append([]models.LedgerEntry(nil), t.entries...)
	for k := range t.entryKeys {
		c.entryKeys[k] = struct{}{}
	}
	for k, v := range t.wallets {
		c.wallets[k] = v
	}
	for k, v := range t.tokens {
		c.tokens[k] = v
	}
	return c
}

// acquire locks the store unless the caller already holds it inside WithTx.
func (s *Store) acquire(held bool) func() {
	if held {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Nodes returns the NodeStore.
func (s *Store) Nodes() store.NodeStore { return &nodeStore{s: s} }

// Jobs returns the JobStore.
func (s *Store) Jobs() store.JobStore { return &jobStore{s: s} }

// Ledger returns the LedgerStore.
func (s *Store) Ledger() store.LedgerStore { return &ledgerStore{s: s} }

// Wallets returns the WalletStore.
func (s *Store) Wallets() store.WalletStore { return &walletStore{s: s} }

// AgentTokens returns the AgentTokenStore.
func (s *Store) AgentTokens() store.AgentTokenStore { return &tokenStore{s: s} }

// WithTx runs fn while holding the store lock. Changes are discarded if fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.t.clone()
	if err := fn(&txStore{s: s}); err != nil {
		s.t = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// txStore is the view handed to WithTx callbacks. Its sub-stores skip locking.
type txStore struct {
	s *Store
}

func (t *txStore) Nodes() store.NodeStore { return &nodeStore{s: t.s, held: true} }
func (t *txStore) Jobs() store.JobStore { return &jobStore{s: t.s, held: true} }
func (t *txStore) Ledger() store.LedgerStore { return &ledgerStore{s: t.s, held: true} }
func (t *txStore) Wallets() store.WalletStore { return &walletStore{s: t.s, held: true} }
func (t *txStore) AgentTokens() store.AgentTokenStore { return &tokenStore{s: t.s, held: true} }

func (t *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return nil }
func (t *txStore) Close() error { return nil }
