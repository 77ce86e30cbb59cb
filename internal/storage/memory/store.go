// Package memory is an in-process implementation of every store the
// orchestration core needs. Safe for concurrent use. Intended for unit tests
// and for running the service without Postgres.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// Store holds all state in maps guarded by one RWMutex. Read-modify-write
// updates additionally take a per-entity lock so a long callback on one draft
// or run never blocks the rest of the store.
type Store struct {
	mu sync.RWMutex

	drafts   map[uuid.UUID]model.ActionDraft
	runs     map[uuid.UUID]model.WorkflowRun
	events   []model.InteractionEvent
	settings map[uuid.UUID]model.TenantSettings

	suppliers     map[uuid.UUID]model.Supplier
	supplierTasks map[uuid.UUID][]model.SupplierDocumentTask // by supplier id
	items         map[uuid.UUID]model.Item
	rfqs          map[uuid.UUID]model.RFQ
	invoices      map[uuid.UUID]model.Invoice
	payments      map[uuid.UUID]model.Payment
	disputes      map[uuid.UUID]model.Dispute

	entityLocks sync.Map // uuid.UUID -> *sync.Mutex
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		drafts:        make(map[uuid.UUID]model.ActionDraft),
		runs:          make(map[uuid.UUID]model.WorkflowRun),
		settings:      make(map[uuid.UUID]model.TenantSettings),
		suppliers:     make(map[uuid.UUID]model.Supplier),
		supplierTasks: make(map[uuid.UUID][]model.SupplierDocumentTask),
		items:         make(map[uuid.UUID]model.Item),
		rfqs:          make(map[uuid.UUID]model.RFQ),
		invoices:      make(map[uuid.UUID]model.Invoice),
		payments:      make(map[uuid.UUID]model.Payment),
		disputes:      make(map[uuid.UUID]model.Dispute),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// lock acquires the per-entity lock for id and returns its release func.
func (s *Store) lock(id uuid.UUID) func() {
	v, _ := s.entityLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func notFound(what string, id any) error {
	return fmt.Errorf("memory: %s %v: %w", what, id, model.ErrNotFound)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("memory: %s: %w", fmt.Sprintf(format, args...), model.ErrConflict)
}
