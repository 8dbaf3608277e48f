package ledger

import (
	"context"
	"fmt"
	"sync"
)

type memoryEntry struct {
	receipt Receipt
	payload Payload
}

// MemoryLedger is an in-process ledger for local runs and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	order   []string
	calls   int
	failing []error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]memoryEntry)}
}

// FailNext makes the next len(errs) Register calls return errs in order.
func (m *MemoryLedger) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = append(m.failing, errs...)
}

func (m *MemoryLedger) Register(ctx context.Context, token string, payload Payload) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if len(m.failing) > 0 {
		err := m.failing[0]
		m.failing = m.failing[1:]
		return Receipt{}, err
	}

	if existing, ok := m.entries[token]; ok {
		return existing.receipt, nil
	}

	digest, err := payload.Digest()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	receipt := Receipt{
		EntryID:  fmt.Sprintf("mem-%d", len(m.order)+1),
		TxHandle: digest,
	}
	m.entries[token] = memoryEntry{receipt: receipt, payload: payload}
	m.order = append(m.order, token)
	return receipt, nil
}

// Calls returns how many times Register was invoked.
func (m *MemoryLedger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Entries returns the number of distinct entries.
func (m *MemoryLedger) Entries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Lookup returns the payload registered under token.
func (m *MemoryLedger) Lookup(token string) (Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[token]
	return e.payload, ok
}
