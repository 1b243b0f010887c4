package trunk

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/coralpbx/coralpbx/internal/config"
)

// estimateSeconds is the assumed call length used when comparing trunk
// costs before a call exists.
const estimateSeconds = 60

// RateEngine implements least-cost routing over the configured rate
// table. Select estimates the cost of the dialed number on each
// candidate trunk and returns the cheapest, weighted by the trunk's
// recent success ratio so a flaky cheap trunk loses to a reliable
// slightly pricier one.
type RateEngine struct {
	logger *slog.Logger
	rates  []rateEntry
	now    func() time.Time

	mu       sync.Mutex
	outcomes map[string]*trunkOutcomes
}

type rateEntry struct {
	pattern     *regexp.Regexp
	trunk       string
	ratePerMin  float64
	connectFee  float64
	minSeconds  int
	increment   int
	multipliers []config.LCRMultiplierConfig
}

type trunkOutcomes struct {
	attempts  int
	successes int
}

// NewRateEngine compiles the rate table. A nil engine is returned when
// LCR is disabled; dialplan treats that as "no cost router".
func NewRateEngine(cfg config.LCRConfig, logger *slog.Logger) (*RateEngine, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	e := &RateEngine{
		logger:   logger.With("component", "lcr"),
		now:      time.Now,
		outcomes: make(map[string]*trunkOutcomes),
	}
	for i, rate := range cfg.Rates {
		re, err := regexp.Compile(rate.Pattern)
		if err != nil {
			return nil, fmt.Errorf("lcr rate %d pattern %q: %w", i, rate.Pattern, err)
		}
		entry := rateEntry{
			pattern:     re,
			trunk:       rate.Trunk,
			ratePerMin:  rate.RatePerMinute,
			connectFee:  rate.ConnectionFee,
			minSeconds:  rate.MinimumSeconds,
			increment:   rate.BillingIncrement,
			multipliers: rate.Multipliers,
		}
		if entry.increment <= 0 {
			entry.increment = 1
		}
		e.rates = append(e.rates, entry)
	}
	return e, nil
}

// Select implements dialplan.CostRouter. trunks is the set of trunks
// currently considered usable. The returned cost is the raw estimate
// for a 60 second call; quality weighting only affects the ordering.
func (e *RateEngine) Select(dialed string, trunks []string) (trunk string, cost float64, ok bool) {
	available := make(map[string]bool, len(trunks))
	for _, name := range trunks {
		available[name] = true
	}

	now := e.now()
	best := ""
	bestCost := 0.0
	bestWeighted := 0.0

	for _, rate := range e.rates {
		if !rate.pattern.MatchString(dialed) {
			continue
		}
		if !available[rate.trunk] {
			continue
		}
		raw := e.estimate(rate, now)
		weighted := raw / e.successRatio(rate.trunk)
		if best == "" || weighted < bestWeighted {
			best = rate.trunk
			bestCost = raw
			bestWeighted = weighted
		}
	}

	if best == "" {
		return "", 0, false
	}
	e.logger.Debug("lcr selected trunk", "dialed", dialed, "trunk", best, "estimated_cost", bestCost)
	return best, bestCost, true
}

// Rate returns the billing parameters matching a dialed number on a
// specific trunk, for CDR cost computation at call end.
func (e *RateEngine) Rate(dialed, trunk string) (config.LCRRateConfig, bool) {
	for _, rate := range e.rates {
		if rate.trunk == trunk && rate.pattern.MatchString(dialed) {
			return config.LCRRateConfig{
				Pattern:          rate.pattern.String(),
				Trunk:            rate.trunk,
				RatePerMinute:    rate.ratePerMin,
				ConnectionFee:    rate.connectFee,
				MinimumSeconds:   rate.minSeconds,
				BillingIncrement: rate.increment,
				Multipliers:      rate.multipliers,
			}, true
		}
	}
	return config.LCRRateConfig{}, false
}

// Cost bills an actual call duration against the rate: minimum
// duration applies, then the duration is rounded up to the billing
// increment, then the per-minute rate with the time-of-day multiplier
// in effect at call start, plus the connection fee.
func (e *RateEngine) Cost(rate config.LCRRateConfig, start time.Time, duration time.Duration) float64 {
	seconds := int(duration.Round(time.Second).Seconds())
	if seconds < rate.MinimumSeconds {
		seconds = rate.MinimumSeconds
	}
	increment := rate.BillingIncrement
	if increment <= 0 {
		increment = 1
	}
	if rem := seconds % increment; rem != 0 {
		seconds += increment - rem
	}
	mult := multiplierAt(rate.Multipliers, start)
	return rate.ConnectionFee + rate.RatePerMinute*mult*float64(seconds)/60
}

// ReportOutcome feeds call success into the quality weighting.
func (e *RateEngine) ReportOutcome(trunk string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.outcomes[trunk]
	if o == nil {
		o = &trunkOutcomes{}
		e.outcomes[trunk] = o
	}
	o.attempts++
	if success {
		o.successes++
	}
	// Halve the window periodically so old history fades.
	if o.attempts >= 200 {
		o.attempts /= 2
		o.successes /= 2
	}
}

// successRatio is in (0, 1]; unknown trunks count as perfect. The
// floor keeps a broken trunk selectable at a heavy penalty rather than
// dividing by zero.
func (e *RateEngine) successRatio(trunk string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.outcomes[trunk]
	if o == nil || o.attempts == 0 {
		return 1
	}
	ratio := float64(o.successes) / float64(o.attempts)
	if ratio < 0.05 {
		ratio = 0.05
	}
	return ratio
}

func (e *RateEngine) estimate(rate rateEntry, now time.Time) float64 {
	seconds := estimateSeconds
	if seconds < rate.minSeconds {
		seconds = rate.minSeconds
	}
	if rem := seconds % rate.increment; rem != 0 {
		seconds += rate.increment - rem
	}
	mult := multiplierAt(rate.multipliers, now)
	return rate.connectFee + rate.ratePerMin*mult*float64(seconds)/60
}

// multiplierAt finds the time-of-day factor covering now's hour.
// Windows may wrap midnight (start 22, end 6). No match means 1.0.
func multiplierAt(multipliers []config.LCRMultiplierConfig, now time.Time) float64 {
	hour := now.Hour()
	for _, m := range multipliers {
		if m.StartHour <= m.EndHour {
			if hour >= m.StartHour && hour < m.EndHour {
				return m.Factor
			}
		} else {
			if hour >= m.StartHour || hour < m.EndHour {
				return m.Factor
			}
		}
	}
	return 1
}
