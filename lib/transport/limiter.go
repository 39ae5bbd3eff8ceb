package transport

import (
	"net"
	"sync"
	"time"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/logger"
	"golang.org/x/time/rate"
)

// idleSenderTTL is how long an unbanned sender is remembered without
// traffic.
const idleSenderTTL = 10 * time.Minute

// Limiter rejection reasons, also used as metric labels.
const (
	reasonBanned      = "sender_banned"
	reasonAutoBanned  = "sender_auto_banned"
	reasonRateLimited = "rate_limit_exceeded"
)

// SenderLimiter tracks hello rates and failure rates per sender address.
//
// Design decisions:
// - Token buckets allow short bursts while limiting sustained rates
// - A sender that exhausts its failure budget is banned for BanDuration
// - Background cleanup prevents memory exhaustion from tracking
type SenderLimiter struct {
	mu      sync.Mutex
	senders map[string]*senderState

	hellosPerMinute   int
	helloBurst        int
	failuresPerMinute int
	failureBurst      int
	banDuration       time.Duration
	cleanupInterval   time.Duration
	now               func() time.Time

	totalHellos     uint64
	totalRejections uint64
	totalBans       uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type senderState struct {
	hellos      *rate.Limiter
	failures    *rate.Limiter
	lastSeen    time.Time
	bannedUntil time.Time
}

// NewSenderLimiter creates a limiter and starts its cleanup goroutine.
// Call Stop when done.
func NewSenderLimiter(cfg config.LimiterDefaults) *SenderLimiter {
	sl := &SenderLimiter{
		senders:           make(map[string]*senderState),
		hellosPerMinute:   cfg.HellosPerMinute,
		helloBurst:        cfg.HelloBurst,
		failuresPerMinute: cfg.FailuresPerMinute,
		failureBurst:      cfg.FailureBurst,
		banDuration:       cfg.BanDuration,
		cleanupInterval:   cfg.CleanupInterval,
		now:               time.Now,
		stopChan:          make(chan struct{}),
	}

	sl.wg.Add(1)
	go sl.cleanupLoop()

	log.WithFields(logger.Fields{
		"at":                "NewSenderLimiter",
		"hellos_per_minute": sl.hellosPerMinute,
		"hello_burst":       sl.helloBurst,
		"ban_duration":      sl.banDuration,
	}).Debug("sender limiter started")
	return sl
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// senderKey identifies a sender by IP so that port hopping does not reset
// its budget.
func senderKey(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (sl *SenderLimiter) stateLocked(key string, now time.Time) *senderState {
	st, ok := sl.senders[key]
	if !ok {
		st = &senderState{
			hellos:   rate.NewLimiter(perMinute(sl.hellosPerMinute), sl.helloBurst),
			failures: rate.NewLimiter(perMinute(sl.failuresPerMinute), sl.failureBurst),
		}
		sl.senders[key] = st
	}
	st.lastSeen = now
	return st
}

// AllowHello reports whether a hello from addr may create a tunnel. The
// reason is empty when it may.
func (sl *SenderLimiter) AllowHello(addr net.Addr) (bool, string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	key := senderKey(addr)
	st := sl.stateLocked(key, now)
	sl.totalHellos++

	if now.Before(st.bannedUntil) {
		sl.totalRejections++
		return false, reasonBanned
	}
	if st.hellos.AllowN(now, 1) {
		return true, ""
	}
	sl.totalRejections++
	log.WithFields(logger.Fields{
		"at":     "(SenderLimiter) AllowHello",
		"reason": reasonRateLimited,
		"sender": key,
	}).Debug("rejecting hello due to rate limit")
	return false, reasonRateLimited
}

// RecordFailure charges a decode or decrypt failure to addr. It returns
// true when the failure got the sender banned.
func (sl *SenderLimiter) RecordFailure(addr net.Addr) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	key := senderKey(addr)
	st := sl.stateLocked(key, now)
	if now.Before(st.bannedUntil) || st.failures.AllowN(now, 1) {
		return false
	}
	st.bannedUntil = now.Add(sl.banDuration)
	sl.totalBans++
	log.WithFields(logger.Fields{
		"at":           "(SenderLimiter) RecordFailure",
		"reason":       reasonAutoBanned,
		"sender":       key,
		"ban_duration": sl.banDuration,
	}).Warn("banning sender after excessive failures")
	return true
}

// IsBanned checks if addr is currently banned without touching its state.
func (sl *SenderLimiter) IsBanned(addr net.Addr) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	st, ok := sl.senders[senderKey(addr)]
	return ok && sl.now().Before(st.bannedUntil)
}

func (sl *SenderLimiter) cleanupLoop() {
	defer sl.wg.Done()

	ticker := time.NewTicker(sl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sl.stopChan:
			return
		case <-ticker.C:
			sl.cleanup()
		}
	}
}

// cleanup forgets senders that are idle and not banned.
func (sl *SenderLimiter) cleanup() {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	cutoff := now.Add(-idleSenderTTL)
	removed := 0
	for key, st := range sl.senders {
		if st.lastSeen.Before(cutoff) && !now.Before(st.bannedUntil) {
			delete(sl.senders, key)
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":        "(SenderLimiter) cleanup",
			"removed":   removed,
			"remaining": len(sl.senders),
		}).Debug("cleaned up idle sender entries")
	}
}

// SenderLimiterStats contains statistics about the sender limiter.
type SenderLimiterStats struct {
	TrackedSenders  int
	BannedSenders   int
	TotalHellos     uint64
	TotalRejections uint64
	TotalBans       uint64
}

func (sl *SenderLimiter) Stats() SenderLimiterStats {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	stats := SenderLimiterStats{
		TrackedSenders:  len(sl.senders),
		TotalHellos:     sl.totalHellos,
		TotalRejections: sl.totalRejections,
		TotalBans:       sl.totalBans,
	}
	for _, st := range sl.senders {
		if now.Before(st.bannedUntil) {
			stats.BannedSenders++
		}
	}
	return stats
}

// Stop halts the cleanup goroutine. It is safe to call more than once.
func (sl *SenderLimiter) Stop() {
	sl.stopOnce.Do(func() { close(sl.stopChan) })
	sl.wg.Wait()
}
