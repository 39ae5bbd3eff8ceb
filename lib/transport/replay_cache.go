package transport

import (
	"sync"
	"time"

	"github.com/go-i2p/go-tunneler/lib/crypto"
)

const (
	replayCacheCleanupInterval = 30 * time.Second

	// replayCacheMaxSize bounds the cache under a hello flood.
	replayCacheMaxSize = 100000
)

// ReplayCache remembers the ephemeral keys of recent hellos so that a
// captured hello cannot open a second tunnel.
type ReplayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[crypto.PublicKey]time.Time // ephemeral key -> first-seen time
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewReplayCache creates a cache that forgets keys after ttl and starts its
// cleanup goroutine. Call Close when done.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	rc := &ReplayCache{
		ttl:     ttl,
		entries: make(map[crypto.PublicKey]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go rc.cleanupLoop()
	return rc
}

// CheckAndAdd records key and reports whether it was already seen within
// the TTL.
func (rc *ReplayCache) CheckAndAdd(key crypto.PublicKey) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.now()
	if firstSeen, ok := rc.entries[key]; ok && now.Sub(firstSeen) < rc.ttl {
		return true
	}
	if len(rc.entries) >= replayCacheMaxSize {
		rc.evictLocked(now, len(rc.entries)/10)
	}
	rc.entries[key] = now
	return false
}

func (rc *ReplayCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}

func (rc *ReplayCache) Close() {
	rc.closeOnce.Do(func() { close(rc.done) })
}

func (rc *ReplayCache) cleanupLoop() {
	ticker := time.NewTicker(replayCacheCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.done:
			return
		case <-ticker.C:
			rc.evictExpired()
		}
	}
}

func (rc *ReplayCache) evictExpired() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	cutoff := rc.now().Add(-rc.ttl)
	for key, firstSeen := range rc.entries {
		if firstSeen.Before(cutoff) {
			delete(rc.entries, key)
		}
	}
}

// evictLocked removes at least n entries, preferring those past half the
// TTL.
func (rc *ReplayCache) evictLocked(now time.Time, n int) {
	n = max(n, 1)
	cutoff := now.Add(-rc.ttl / 2)
	evicted := 0
	for key, firstSeen := range rc.entries {
		if evicted >= n {
			return
		}
		if firstSeen.Before(cutoff) {
			delete(rc.entries, key)
			evicted++
		}
	}
	for key := range rc.entries {
		if evicted >= n {
			return
		}
		delete(rc.entries, key)
		evicted++
	}
}
