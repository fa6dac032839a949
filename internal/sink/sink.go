// Package sink implements component E (§4.5): an append-only store of
// TaxEvent and AuditEntry records supporting only append and ordered
// scan. Two implementations share the Sink interface: MemorySink (the
// default, used within a single `compute` invocation) and PostgresSink
// (a durable, queryable ledger across invocations).
package sink

import (
	"context"
	"sync"

	"qntropy/internal/model"
)

// Sink is the append-only collaborator the FIFO engine's output is
// handed to. Once appended, records are immutable (§4.5).
type Sink interface {
	AppendTaxEvents(ctx context.Context, events []model.TaxEvent) error
	AppendAudit(ctx context.Context, entries []model.AuditEntry) error
	TaxEvents(ctx context.Context) ([]model.TaxEvent, error)
	AuditEntries(ctx context.Context) ([]model.AuditEntry, error)
}

// MemorySink is the default in-process Sink: a single `compute`
// invocation's events live only as long as the process does.
type MemorySink struct {
	mu     sync.Mutex
	events []model.TaxEvent
	audit  []model.AuditEntry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) AppendTaxEvents(_ context.Context, events []model.TaxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *MemorySink) AppendAudit(_ context.Context, entries []model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entries...)
	return nil
}

func (s *MemorySink) TaxEvents(_ context.Context) ([]model.TaxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TaxEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *MemorySink) AuditEntries(_ context.Context) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out, nil
}
