package storage

import (
	"errors"
	"sync"

	"github.com/san-kum/beamstab/internal/stabilizer"
)

const DefaultMemoryCapacity = 600

// Memory keeps the most recent cycle records for monitoring readers.
type Memory struct {
	mu      sync.RWMutex
	cap     int
	records []stabilizer.CycleRecord
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{cap: capacity, records: make([]stabilizer.CycleRecord, 0, capacity)}
}

func (m *Memory) Append(rec stabilizer.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == m.cap {
		copy(m.records, m.records[1:])
		m.records = m.records[:m.cap-1]
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) Flush() error { return nil }

// Records returns a copy of the retained history, oldest first.
func (m *Memory) Records() []stabilizer.CycleRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]stabilizer.CycleRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Tee fans records out to several recorders.
type Tee []stabilizer.Recorder

func (t Tee) Append(rec stabilizer.CycleRecord) error {
	var errs []error
	for _, r := range t {
		if err := r.Append(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Flush() error {
	var errs []error
	for _, r := range t {
		if err := r.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
