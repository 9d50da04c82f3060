// Package replay tracks consumed payment identifiers (signature nonces and
// transaction hashes) so a proof can only ever admit one request.
//
// The store is in-memory and process-scoped: entries accumulate for the
// lifetime of the process and are lost on restart. Both are known
// limitations; multi-instance deployments should back this with an external
// TTL-capable store.
package replay

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var replayKeys = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "insightgate",
	Subsystem: "replay",
	Name:      "keys",
	Help:      "Number of consumed payment identifiers held in memory.",
})

func init() {
	prometheus.MustRegister(replayKeys)
}

// Store is a concurrency-safe set of consumed payment identifiers.
type Store struct {
	mu   sync.Mutex
	used map[string]time.Time // key → consumed-at
}

// NewStore creates an empty replay store.
func NewStore() *Store {
	return &Store{used: make(map[string]time.Time)}
}

// Key normalizes a payment identifier. Transaction hashes arrive in mixed
// case from different wallets; keys are compared lower-cased.
func Key(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// MarkUsed atomically checks and inserts a key. It returns true if the key
// was fresh and is now consumed, false if it had already been used.
// Exactly one concurrent caller per key observes true.
func (s *Store) MarkUsed(id string) bool {
	k := Key(id)
	if k == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.used[k]; ok {
		return false
	}
	s.used[k] = time.Now()
	replayKeys.Set(float64(len(s.used)))
	return true
}

// Used reports whether a key has been consumed, without consuming it.
func (s *Store) Used(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.used[Key(id)]
	return ok
}

// Len returns the number of consumed keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}
