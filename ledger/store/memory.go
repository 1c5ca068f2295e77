// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sync"

	"github.com/brix/market-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	all     []ledger.Transaction
	nextSeq uint64
}

func NewMemory() *Memory {
	return &Memory{nextSeq: 1}
}

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.Seq = m.nextSeq
	m.nextSeq++
	m.all = append(m.all, tx)
	return tx, nil
}

// LoadByAccount returns transactions touching the account, in Seq order.
func (m *Memory) LoadByAccount(_ context.Context, who ledger.Identity) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Transaction
	for _, tx := range m.all {
		if tx.From == who || tx.To == who {
			out = append(out, tx)
		}
	}
	return out, nil
}

// LoadAll returns every transaction in Seq order.
func (m *Memory) LoadAll(_ context.Context) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Transaction, len(m.all))
	copy(out, m.all)
	return out, nil
}
