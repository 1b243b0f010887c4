// Package trunk manages upstream carrier trunks: outbound REGISTER
// maintenance with digest auth, OPTIONS health checks, DNS SRV target
// resolution with failover, and the least-cost-routing rate engine.
package trunk

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"time"
)

// Resolver resolves trunk SIP domains via DNS SRV (RFC 2782) and tracks
// per-target failure state for failover. Records are sorted by priority
// ascending; within a priority the pick is weighted random. After
// maxFailures consecutive failures a target is skipped until a success
// resets its count. Lookups are cached by SRV name; only non-empty
// results are cached.
type Resolver struct {
	logger      *slog.Logger
	maxFailures int
	cacheTTL    time.Duration

	// lookup is swappable for tests; defaults to net.DefaultResolver.
	lookup func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

	mu       sync.Mutex
	cache    map[string]cachedRecords
	failures map[string]int
}

type cachedRecords struct {
	records   []*net.SRV
	fetchedAt time.Time
}

// NewResolver creates an SRV resolver. cacheTTL doubles as the
// re-check interval: a cached result older than the TTL is re-fetched.
func NewResolver(maxFailures int, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		logger:      logger.With("component", "srv-resolver"),
		maxFailures: maxFailures,
		cacheTTL:    cacheTTL,
		lookup: func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
			return net.DefaultResolver.LookupSRV(ctx, service, proto, name)
		},
		cache:    make(map[string]cachedRecords),
		failures: make(map[string]int),
	}
}

// Resolve returns the best available target for the domain over the
// given transport (_sip._udp.<domain> and friends).
func (r *Resolver) Resolve(ctx context.Context, transport, domain string) (host string, port int, err error) {
	proto := transport
	if proto == "" {
		proto = "udp"
	}
	if proto == "tls" {
		proto = "tcp"
	}
	name := fmt.Sprintf("_sip._%s.%s", proto, domain)

	records, err := r.records(ctx, proto, domain, name)
	if err != nil {
		return "", 0, err
	}

	pick := r.pick(records)
	if pick == nil {
		return "", 0, fmt.Errorf("no srv target available for %s", name)
	}
	return trimDot(pick.Target), int(pick.Port), nil
}

func (r *Resolver) records(ctx context.Context, proto, domain, name string) ([]*net.SRV, error) {
	r.mu.Lock()
	cached, ok := r.cache[name]
	r.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < r.cacheTTL {
		return cached.records, nil
	}

	_, records, err := r.lookup(ctx, "sip", proto, domain)
	if err != nil || len(records) == 0 {
		// A failed refresh falls back to stale cache rather than
		// dropping a working trunk.
		if ok {
			r.logger.Warn("srv refresh failed, using cached records", "name", name, "error", err)
			return cached.records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("srv lookup %s: %w", name, err)
		}
		return nil, fmt.Errorf("srv lookup %s: no records", name)
	}

	r.mu.Lock()
	r.cache[name] = cachedRecords{records: records, fetchedAt: time.Now()}
	r.mu.Unlock()
	return records, nil
}

// pick applies RFC 2782 selection across the non-blocked records:
// lowest priority first, weighted random within a priority. When every
// record is blocked the best record is returned anyway so a fully
// failed trunk still gets probed.
func (r *Resolver) pick(records []*net.SRV) *net.SRV {
	if len(records) == 0 {
		return nil
	}

	sorted := make([]*net.SRV, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	r.mu.Lock()
	defer r.mu.Unlock()

	i := 0
	for i < len(sorted) {
		j := i
		var available []*net.SRV
		for j < len(sorted) && sorted[j].Priority == sorted[i].Priority {
			if r.failures[targetKey(sorted[j])] < r.maxFailures {
				available = append(available, sorted[j])
			}
			j++
		}
		if len(available) > 0 {
			return weightedPick(available)
		}
		i = j
	}
	return sorted[0]
}

// weightedPick selects among same-priority records proportionally to
// their weights per RFC 2782. All-zero weights degrade to uniform.
func weightedPick(records []*net.SRV) *net.SRV {
	total := 0
	for _, rec := range records {
		total += int(rec.Weight)
	}
	if total == 0 {
		return records[rand.IntN(len(records))]
	}
	n := rand.IntN(total + 1)
	running := 0
	for _, rec := range records {
		running += int(rec.Weight)
		if running >= n {
			return rec
		}
	}
	return records[len(records)-1]
}

// ReportFailure counts a consecutive failure against a target.
func (r *Resolver) ReportFailure(host string, port int) {
	key := fmt.Sprintf("%s:%d", trimDot(host), port)
	r.mu.Lock()
	r.failures[key]++
	n := r.failures[key]
	r.mu.Unlock()

	if n == r.maxFailures {
		r.logger.Warn("srv target marked unavailable", "target", key, "failures", n)
	}
}

// ReportSuccess resets the failure count for a recovered target.
func (r *Resolver) ReportSuccess(host string, port int) {
	key := fmt.Sprintf("%s:%d", trimDot(host), port)
	r.mu.Lock()
	blocked := r.failures[key] >= r.maxFailures
	delete(r.failures, key)
	r.mu.Unlock()

	if blocked {
		r.logger.Info("srv target recovered", "target", key)
	}
}

func targetKey(rec *net.SRV) string {
	return fmt.Sprintf("%s:%d", trimDot(rec.Target), rec.Port)
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
