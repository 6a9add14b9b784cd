// Package memory is an in-process implementation of the ledger, pricing and
// idempotency storage contracts, used for standalone runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmonetize/openmonetize-sub001/internal/ledger"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/storage"
)

type eventKey struct {
	customerID uuid.UUID
	id         string
}

// Store holds all tables in memory behind one lock. Transactions are
// serialized and rolled back by restoring a snapshot.
type Store struct {
	mu sync.Mutex

	events       map[eventKey]*models.UsageEvent
	eventIdemKey map[eventKey]struct{}
	wallets      map[uuid.UUID]*models.CreditWallet
	walletScopes map[string]uuid.UUID
	transactions []*models.CreditTransaction
	txnKeys      map[string]struct{}
	seq          int64
	burnTables   []*models.BurnTable
	costs        []*models.ProviderCost

	// FailLookups makes idempotency lookups fail, for fail-open tests
	FailLookups error

	now func() time.Time
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		events:       make(map[eventKey]*models.UsageEvent),
		eventIdemKey: make(map[eventKey]struct{}),
		wallets:      make(map[uuid.UUID]*models.CreditWallet),
		walletScopes: make(map[string]uuid.UUID),
		txnKeys:      make(map[string]struct{}),
		now:          time.Now,
	}
}

// SetClock replaces the time source, for tests
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

type snapshot struct {
	events       map[eventKey]*models.UsageEvent
	eventIdemKey map[eventKey]struct{}
	wallets      map[uuid.UUID]models.CreditWallet
	walletScopes map[string]uuid.UUID
	transactions int
	txnKeys      map[string]struct{}
	seq          int64
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		events:       make(map[eventKey]*models.UsageEvent, len(s.events)),
		eventIdemKey: make(map[eventKey]struct{}, len(s.eventIdemKey)),
		wallets:      make(map[uuid.UUID]models.CreditWallet, len(s.wallets)),
		walletScopes: make(map[string]uuid.UUID, len(s.walletScopes)),
		transactions: len(s.transactions),
		txnKeys:      make(map[string]struct{}, len(s.txnKeys)),
		seq:          s.seq,
	}
	for k, v := range s.events {
		snap.events[k] = v
	}
	for k := range s.eventIdemKey {
		snap.eventIdemKey[k] = struct{}{}
	}
	for k, v := range s.wallets {
		snap.wallets[k] = *v
	}
	for k, v := range s.walletScopes {
		snap.walletScopes[k] = v
	}
	for k := range s.txnKeys {
		snap.txnKeys[k] = struct{}{}
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.events = snap.events
	s.eventIdemKey = snap.eventIdemKey
	s.wallets = make(map[uuid.UUID]*models.CreditWallet, len(snap.wallets))
	for k, v := range snap.wallets {
		w := v
		s.wallets[k] = &w
	}
	s.walletScopes = snap.walletScopes
	s.transactions = s.transactions[:snap.transactions]
	s.txnKeys = snap.txnKeys
	s.seq = snap.seq
}

// WithinTx runs fn with exclusive access; an error restores the prior state
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// FindWallet returns the wallet for scope, or nil
func (s *Store) FindWallet(ctx context.Context, scope models.WalletScope) (*models.CreditWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.walletScopes[scope.Key()]
	if !ok {
		return nil, nil
	}
	w := *s.wallets[id]
	return &w, nil
}

// ListTransactions returns the newest transactions of a wallet, newest first
func (s *Store) ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.CreditTransaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		t := s.transactions[i]
		if t.WalletID != walletID {
			continue
		}
		c := *t
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UsageEvent returns a persisted event, or nil
func (s *Store) UsageEvent(customerID uuid.UUID, eventID string) *models.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ue, ok := s.events[eventKey{customerID, eventID}]
	if !ok {
		return nil
	}
	c := *ue
	return &c
}

// GetUsageEvent returns a persisted event or storage.ErrUsageEventNotFound
func (s *Store) GetUsageEvent(ctx context.Context, customerID uuid.UUID, eventID string) (*models.UsageEvent, error) {
	if ue := s.UsageEvent(customerID, eventID); ue != nil {
		return ue, nil
	}
	return nil, storage.ErrUsageEventNotFound
}

// ListUsageEvents returns the customer's newest events, ordered like the
// relational store
func (s *Store) ListUsageEvents(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]*models.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*models.UsageEvent
	for k, ue := range s.events {
		if k.customerID == customerID {
			c := *ue
			events = append(events, &c)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].EventTimestamp.Equal(events[j].EventTimestamp) {
			return events[i].EventTimestamp.After(events[j].EventTimestamp)
		}
		return events[i].EventID < events[j].EventID
	})

	if offset >= len(events) {
		return nil, nil
	}
	events = events[offset:]
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// CountUsageEvents returns the number of persisted events
func (s *Store) CountUsageEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// CountTransactions returns the number of ledger lines
func (s *Store) CountTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// ExistingEventIDs reports which of eventIDs are already persisted for the customer
func (s *Store) ExistingEventIDs(ctx context.Context, customerID uuid.UUID, eventIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailLookups != nil {
		return nil, s.FailLookups
	}

	found := make(map[string]bool)
	for _, id := range eventIDs {
		if _, ok := s.events[eventKey{customerID, id}]; ok {
			found[id] = true
		}
	}
	return found, nil
}

// ExistingIdempotencyKeys reports which keys were already used by the customer's events
func (s *Store) ExistingIdempotencyKeys(ctx context.Context, customerID uuid.UUID, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailLookups != nil {
		return nil, s.FailLookups
	}

	found := make(map[string]bool)
	for _, key := range keys {
		if _, ok := s.eventIdemKey[eventKey{customerID, key}]; ok {
			found[key] = true
		}
	}
	return found, nil
}

// ActiveBurnTable returns the active table for the scope (nil customer = global), or nil
func (s *Store) ActiveBurnTable(ctx context.Context, customerID *uuid.UUID) (*models.BurnTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, bt := range s.burnTables {
		if bt.IsActive && sameCustomer(bt.CustomerID, customerID) {
			c := *bt
			return &c, nil
		}
	}
	return nil, nil
}

// ListBurnTables returns all versions for the scope, newest first
func (s *Store) ListBurnTables(ctx context.Context, customerID *uuid.UUID) ([]*models.BurnTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.BurnTable
	for _, bt := range s.burnTables {
		if sameCustomer(bt.CustomerID, customerID) {
			c := *bt
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// PublishBurnTable deactivates the scope's active version and activates version+1
func (s *Store) PublishBurnTable(ctx context.Context, customerID *uuid.UUID, rules models.BurnRules, validFrom time.Time) (*models.BurnTable, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if validFrom.IsZero() {
		validFrom = now
	}

	version := 0
	for _, bt := range s.burnTables {
		if !sameCustomer(bt.CustomerID, customerID) {
			continue
		}
		if bt.Version > version {
			version = bt.Version
		}
		if bt.IsActive {
			bt.IsActive = false
			until := validFrom
			bt.ValidUntil = &until
			bt.UpdatedAt = now
		}
	}

	bt := &models.BurnTable{
		ID:         uuid.New(),
		CustomerID: copyUUID(customerID),
		Version:    version + 1,
		IsActive:   true,
		Rules:      rules,
		ValidFrom:  validFrom,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.burnTables = append(s.burnTables, bt)

	c := *bt
	return &c, nil
}

// ProviderCost returns the cost row valid at t, or nil
func (s *Store) ProviderCost(ctx context.Context, provider, model string, costType models.CostType, at time.Time) (*models.ProviderCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.ProviderCost
	for _, c := range s.costs {
		if c.Provider != provider || c.Model != model || c.CostType != costType || !c.ValidAt(at) {
			continue
		}
		if best == nil || c.ValidFrom.After(best.ValidFrom) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

// AddProviderCost stores a provider cost row
func (s *Store) AddProviderCost(ctx context.Context, cost *models.ProviderCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cost
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.UnitSize <= 0 {
		c.UnitSize = 1
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.costs = append(s.costs, &c)
	return nil
}

// memTx implements ledger.Tx. The store lock is held by WithinTx.
type memTx struct {
	s *Store
}

func (t *memTx) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) (bool, error) {
	s := t.s
	key := eventKey{event.CustomerID, event.EventID}
	if _, ok := s.events[key]; ok {
		return false, nil
	}
	var idem *eventKey
	if event.IdempotencyKey != nil && *event.IdempotencyKey != "" {
		idem = &eventKey{event.CustomerID, *event.IdempotencyKey}
		if _, ok := s.eventIdemKey[*idem]; ok {
			return false, nil
		}
	}

	c := *event
	c.CreatedAt = s.now().UTC()
	s.events[key] = &c
	if idem != nil {
		s.eventIdemKey[*idem] = struct{}{}
	}
	event.CreatedAt = c.CreatedAt
	return true, nil
}

func (t *memTx) GetOrCreateWallet(ctx context.Context, scope models.WalletScope) (*models.CreditWallet, error) {
	s := t.s
	if id, ok := s.walletScopes[scope.Key()]; ok {
		w := *s.wallets[id]
		return &w, nil
	}

	now := s.now().UTC()
	w := &models.CreditWallet{
		ID:         uuid.New(),
		CustomerID: scope.CustomerID,
		UserID:     copyUUID(scope.UserID),
		TeamID:     copyUUID(scope.TeamID),
		Currency:   models.DefaultCurrency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.wallets[w.ID] = w
	s.walletScopes[scope.Key()] = w.ID

	c := *w
	return &c, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, walletID uuid.UUID, delta int64, floorAtZero bool) (int64, bool, error) {
	w, ok := t.s.wallets[walletID]
	if !ok {
		return 0, false, ledger.ErrWalletNotFound
	}
	if floorAtZero && w.Balance+delta < 0 {
		return w.Balance, false, nil
	}
	w.Balance += delta
	w.UpdatedAt = t.s.now().UTC()
	return w.Balance, true, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) (bool, error) {
	s := t.s
	if txn.IdempotencyKey != nil {
		if _, ok := s.txnKeys[*txn.IdempotencyKey]; ok {
			return false, nil
		}
		s.txnKeys[*txn.IdempotencyKey] = struct{}{}
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	s.seq++
	txn.Seq = s.seq
	txn.CreatedAt = s.now().UTC()

	c := *txn
	s.transactions = append(s.transactions, &c)
	return true, nil
}

func sameCustomer(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
