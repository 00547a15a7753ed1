package idempotency

import (
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// State is the lifecycle of a single key. A key with no record is absent.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

const DefaultRetention = 10 * time.Minute

type record struct {
	state     State
	result    any
	err       error
	updatedAt time.Time
}

// CheckResult reports whether a key has already completed and what it returned.
type CheckResult struct {
	Exists bool
	Result any
}

// Manager remembers results by key for the retention window. Only one caller
// at a time can hold a key.
type Manager struct {
	mu        sync.Mutex
	records   map[string]*record
	retention time.Duration
	now       func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now for retention bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(retention time.Duration, opts ...Option) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	m := &Manager{
		records:   make(map[string]*record),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key fingerprints an operation and its arguments. Equal arguments always
// produce the same key; map ordering does not matter.
func Key(operation string, args ...any) (string, error) {
	h, err := hashstructure.Hash(args, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hash %s arguments: %w", operation, err)
	}
	return fmt.Sprintf("ik:%s:%016x", operation, h), nil
}

// Check reports whether key has completed. In-progress and failed keys are
// reported as not existing.
func (m *Manager) Check(key string) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked()

	rec, ok := m.records[key]
	if !ok || rec.state != StateCompleted {
		return CheckResult{}
	}
	return CheckResult{Exists: true, Result: rec.result}
}

// Start claims key for the caller. It returns false when the key is already
// in progress or completed. A failed key may be claimed again.
func (m *Manager) Start(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked()

	if rec, ok := m.records[key]; ok && rec.state != StateFailed {
		return false
	}
	m.records[key] = &record{state: StateInProgress, updatedAt: m.now()}
	return true
}

func (m *Manager) Complete(key string, result any) {
	m.finish(key, StateCompleted, result, nil)
}

func (m *Manager) Fail(key string, err error) {
	m.finish(key, StateFailed, nil, err)
}

// State returns the current state of key and whether a record exists.
func (m *Manager) State(key string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked()
	rec, ok := m.records[key]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// Len returns the number of retained records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked()
	return len(m.records)
}

func (m *Manager) finish(key string, state State, result any, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = &record{
		state:     state,
		result:    result,
		err:       err,
		updatedAt: m.now(),
	}
}

// gcLocked drops terminal records older than the retention window. In-progress
// records are kept until their owner finishes them.
func (m *Manager) gcLocked() {
	cutoff := m.now().Add(-m.retention)
	for key, rec := range m.records {
		if rec.state == StateInProgress {
			continue
		}
		if rec.updatedAt.Before(cutoff) {
			delete(m.records, key)
		}
	}
}
