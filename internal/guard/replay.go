// Package guard holds everything a signal must pass before it may touch the
// ledger: authentication, shape, freshness and replay protection.
package guard

import (
	"strings"
	"sync"
	"time"

	"execcore/internal/logger"
	"execcore/internal/types"
)

const (
	DefaultStaleness = 5 * time.Second
	DefaultCapacity  = 100000
)

type replayKey struct {
	typ types.SignalType
	id  string
}

type replayEntry struct {
	key     replayKey
	expires time.Time
}

// ReplayGuard admits each (type, signal_id) at most once inside the
// staleness window and rejects signals older than that window.
type ReplayGuard struct {
	mu        sync.Mutex
	staleness time.Duration
	capacity  int
	seen      map[replayKey]time.Time
	fifo      []replayEntry
	nowFn     func() time.Time
}

func NewReplayGuard(staleness time.Duration, capacity int) *ReplayGuard {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReplayGuard{
		staleness: staleness,
		capacity:  capacity,
		seen:      make(map[replayKey]time.Time),
		nowFn:     time.Now,
	}
}

// Staleness returns the configured window.
func (g *ReplayGuard) Staleness() time.Duration { return g.staleness }

// Admit validates required fields, direction, freshness and uniqueness, in
// that order. On success the signal is remembered.
func (g *ReplayGuard) Admit(sig types.Signal) error {
	if err := validateFields(sig); err != nil {
		return err
	}
	now := g.nowFn()
	ts := sig.Time()
	age := now.Sub(ts)
	if age > g.staleness {
		return types.Reject(types.CodeStaleSignal, "signal age %dms exceeds %dms", age.Milliseconds(), g.staleness.Milliseconds())
	}
	if -age > g.staleness {
		return types.Reject(types.CodeStaleSignal, "signal timestamp %dms in the future", (-age).Milliseconds())
	}

	key := replayKey{typ: sig.Type, id: sig.SignalID}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(now)
	if _, dup := g.seen[key]; dup {
		return types.Reject(types.CodeDuplicateSignal, "%s %s already admitted", sig.Type, sig.SignalID)
	}
	// A future-dated signal stays fresh until ts+window, so it must be
	// remembered at least that long.
	base := now
	if ts.After(base) {
		base = ts
	}
	expires := base.Add(g.staleness)
	if len(g.fifo) >= g.capacity {
		oldest := g.fifo[0]
		g.fifo = g.fifo[1:]
		delete(g.seen, oldest.key)
		logger.Warnf("replay guard at capacity %d, evicted %s before expiry", g.capacity, oldest.key.id)
	}
	g.seen[key] = expires
	g.fifo = append(g.fifo, replayEntry{key: key, expires: expires})
	return nil
}

// Len reports how many signals are currently remembered.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *ReplayGuard) evictLocked(now time.Time) {
	n := 0
	for n < len(g.fifo) && !g.fifo[n].expires.After(now) {
		delete(g.seen, g.fifo[n].key)
		n++
	}
	if n > 0 {
		g.fifo = append(g.fifo[:0], g.fifo[n:]...)
	}
}

func validateFields(sig types.Signal) error {
	switch {
	case strings.TrimSpace(sig.SignalID) == "":
		return types.Reject(types.CodeSchemaError, "missing field signal_id")
	case strings.TrimSpace(sig.Symbol) == "":
		return types.Reject(types.CodeSchemaError, "missing field symbol")
	case strings.TrimSpace(sig.Direction) == "":
		return types.Reject(types.CodeSchemaError, "missing field direction")
	case !sig.Type.Valid():
		return types.Reject(types.CodeSchemaError, "invalid field type %q", sig.Type)
	}
	if _, ok := types.ParseSide(sig.Direction); !ok {
		return types.Reject(types.CodeSchemaError, "invalid field direction %q", sig.Direction)
	}
	if sig.Timestamp <= 0 {
		return types.Reject(types.CodeSchemaError, "missing field timestamp")
	}
	return nil
}
