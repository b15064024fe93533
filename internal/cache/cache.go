// Package cache implements the advisory, TTL'd key-value store described in
// spec.md §4.1: recent-event snapshots and LLM results are kept here only
// as an optimization — every caller must tolerate a miss. The interface is
// narrow enough that a remote keyed store (Redis, as the teacher's
// internal/daemon wisp store supports via BD_REDIS_URL) can substitute for
// it without the engines noticing.
package cache

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store is the interface the Aggregation Engine, Merge Engine, and LLM
// Dispatcher code against. Values are JSON-serializable; Get unmarshals
// into the type pointed to by out.
type Store interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Get(key string, out interface{}) (found bool, err error)
	Delete(key string)
	ClearPrefix(prefix string)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the default in-process implementation: a mutex-guarded map with
// lazy eviction on access (no background sweeper — matching spec.md §4.1,
// "Expired entries are lazily evicted on access").
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New returns an empty, ready-to-use in-memory cache.
func New() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

// Set stores value (JSON-marshaled) under key with the given TTL.
func (m *Memory) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Get looks up key and, if present and unexpired, JSON-unmarshals its value
// into out. It reports found=false on a miss or an expired entry — never an
// error — since an expired entry is not caller-visible failure.
func (m *Memory) Get(key string, out interface{}) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.value, out); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key unconditionally.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// ClearPrefix removes every key starting with prefix, e.g. to invalidate
// all "recent_events:" entries after a merge run changes the active set.
func (m *Memory) ClearPrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
}

var _ Store = (*Memory)(nil)

// RecentEventsKey builds the recent_events:<days> cache key (~1h TTL per
// spec.md §4.1).
func RecentEventsKey(days int) string {
	return "recent_events:" + strconv.Itoa(days)
}

// RecentEventsTTL is the advisory TTL for recent-event snapshots.
const RecentEventsTTL = time.Hour

// LLMResultTTL is the advisory TTL for replayed LLM results.
const LLMResultTTL = 2 * time.Hour

// LLMResultKey builds the llm_result:<hash> cache key from a precomputed
// request hash (see internal/llm for how the hash is derived).
func LLMResultKey(hash string) string {
	return "llm_result:" + hash
}
