package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// maxFailedAttempts is the number of failed SIP auth attempts before a
	// source IP is blocked.
	maxFailedAttempts = 10

	// blockDuration is the initial block length. Repeat offences double it
	// up to maxBlockDuration.
	blockDuration    = 5 * time.Minute
	maxBlockDuration = 24 * time.Hour

	// failureWindow is the sliding window in which failures are counted.
	failureWindow = 10 * time.Minute
)

type ipRecord struct {
	failures  []time.Time
	blocked   bool
	blockedAt time.Time
	blockFor  time.Duration
}

// BruteForceGuard tracks failed SIP authentication attempts per source IP
// and blocks IPs that exceed the failure threshold, fail2ban-style:
//
//   - After maxFailedAttempts failures within failureWindow, the IP is
//     blocked for blockDuration.
//   - Repeated offences double the block duration up to maxBlockDuration.
//   - Blocks expire automatically and the failure counter resets.
type BruteForceGuard struct {
	mu      sync.Mutex
	records map[string]*ipRecord
	logger  *slog.Logger
}

// NewBruteForceGuard creates a new guard with empty state.
func NewBruteForceGuard(logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		records: make(map[string]*ipRecord),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked returns true if the given source address is currently blocked.
// The source may be "ip:port" or just "ip".
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	if time.Since(rec.blockedAt) > rec.blockFor {
		rec.blocked = false
		rec.failures = nil
		return false
	}
	return true
}

// RecordFailure records a failed authentication attempt from the given
// source. Exceeding the threshold blocks the IP automatically.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{blockFor: blockDuration}
		g.records[ip] = rec
	}
	if rec.blocked {
		return
	}

	now := time.Now()
	rec.failures = pruneOldFailures(rec.failures, now, failureWindow)
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= maxFailedAttempts {
		rec.blocked = true
		rec.blockedAt = now
		rec.failures = nil

		g.logger.Warn("ip blocked after repeated failed sip auth attempts",
			"ip", ip,
			"block_duration", rec.blockFor.String(),
		)

		next := rec.blockFor * 2
		if next > maxBlockDuration {
			next = maxBlockDuration
		}
		rec.blockFor = next
	}
}

// RecordSuccess clears the failure counter for a source IP. The
// progressive block duration is preserved so repeat offenders still get
// longer blocks if they fail again.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup removes expired blocks and stale records. Called alongside the
// authenticator's nonce cleanup.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		if !rec.blocked && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// BlockedIPEntry is a single blocked IP for admin display.
type BlockedIPEntry struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlockedIPs returns a snapshot of currently blocked IP addresses and
// when their block expires.
func (g *BruteForceGuard) BlockedIPs() []BlockedIPEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var entries []BlockedIPEntry
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) <= rec.blockFor {
			entries = append(entries, BlockedIPEntry{
				IP:        ip,
				BlockedAt: rec.blockedAt,
				ExpiresAt: rec.blockedAt.Add(rec.blockFor),
			})
		}
	}
	return entries
}

// UnblockIP manually removes a block for the given IP address.
func (g *BruteForceGuard) UnblockIP(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	rec.blocked = false
	rec.failures = nil
	g.logger.Info("ip manually unblocked", "ip", ip)
	return true
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it is already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var pruned []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}
