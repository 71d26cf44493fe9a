package storage

import (
	"context"
	"sync"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/ports"
)

// MemoryLedger keeps records in process memory. Used for dry runs and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	records []domain.RedundancyRecord
}

var _ ports.Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns a ledger seeded with records.
func NewMemoryLedger(records ...domain.RedundancyRecord) *MemoryLedger {
	return &MemoryLedger{records: append([]domain.RedundancyRecord(nil), records...)}
}

func (m *MemoryLedger) ListRecords(_ context.Context, topic string) ([]domain.RedundancyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.RedundancyRecord{}
	for _, rec := range m.records {
		if rec.Topic == topic {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryLedger) AppendRecords(ctx context.Context, records []domain.RedundancyRecord) ([]domain.AppendOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[recordKey]domain.RedundancyRecord, len(m.records))
	for _, rec := range m.records {
		if _, ok := existing[keyOf(rec)]; !ok {
			existing[keyOf(rec)] = rec
		}
	}

	outcomes, fresh := planAppend(existing, records)
	m.records = append(m.records, fresh...)
	return outcomes, nil
}

func (m *MemoryLedger) ClearTopic(_ context.Context, topic string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	removed := 0
	for _, rec := range m.records {
		if rec.Topic == topic {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return removed, nil
}

// planAppend decides, against existing, which records are new. Later
// duplicates within records resolve to the first one.
func planAppend(existing map[recordKey]domain.RedundancyRecord, records []domain.RedundancyRecord) ([]domain.AppendOutcome, []domain.RedundancyRecord) {
	outcomes := make([]domain.AppendOutcome, len(records))
	var fresh []domain.RedundancyRecord
	for i, rec := range records {
		if stored, ok := existing[keyOf(rec)]; ok {
			outcomes[i] = domain.AppendOutcome{Stored: stored}
			continue
		}
		existing[keyOf(rec)] = rec
		fresh = append(fresh, rec)
		outcomes[i] = domain.AppendOutcome{Stored: rec, Created: true}
	}
	return outcomes, fresh
}
