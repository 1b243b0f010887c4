// Package metrics exposes PBX state to Prometheus. The collector pulls
// from the live subsystems at scrape time instead of maintaining
// counters of its own, so a scrape always reflects current state.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coralpbx/coralpbx/internal/trunk"
)

// CallCounter exposes the number of active calls.
type CallCounter interface {
	ActiveCount() int
}

// RegistrationCounter exposes the number of registered extensions.
type RegistrationCounter interface {
	RegisteredCount() int
}

// TrunkStates exposes trunk registration state.
type TrunkStates interface {
	States() []trunk.State
}

// RelayCounter exposes the number of active RTP relay slots.
type RelayCounter interface {
	ActiveCount() int
}

// TimerCounter exposes the number of pending call timers.
type TimerCounter interface {
	Pending() int
}

// StoreCounters is the database-backed subset. Queried with a short
// timeout at scrape time.
type StoreCounters interface {
	CountCDRsByDirection(ctx context.Context) (map[string]int, error)
	CountVoicemail(ctx context.Context) (int, error)
}

// Collector implements prometheus.Collector over the live subsystems.
// Any provider may be nil when the subsystem is disabled.
type Collector struct {
	calls         CallCounter
	registrations RegistrationCounter
	trunks        TrunkStates
	relays        RelayCounter
	timers        TimerCounter
	store         StoreCounters
	started       time.Time
	logger        *slog.Logger

	activeCallsDesc   *prometheus.Desc
	registrationsDesc *prometheus.Desc
	trunkStatusDesc   *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	relaySlotsDesc    *prometheus.Desc
	pendingTimersDesc *prometheus.Desc
	voicemailDesc     *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates the collector. started anchors the uptime gauge.
func NewCollector(
	calls CallCounter,
	registrations RegistrationCounter,
	trunks TrunkStates,
	relays RelayCounter,
	timers TimerCounter,
	store StoreCounters,
	started time.Time,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		calls:         calls,
		registrations: registrations,
		trunks:        trunks,
		relays:        relays,
		timers:        timers,
		store:         store,
		started:       started,
		logger:        logger.With("component", "metrics"),

		activeCallsDesc: prometheus.NewDesc(
			"coralpbx_active_calls",
			"Number of currently active calls (ringing and connected)",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"coralpbx_registered_extensions",
			"Number of extensions with a live SIP registration",
			nil, nil,
		),
		trunkStatusDesc: prometheus.NewDesc(
			"coralpbx_trunk_up",
			"Trunk availability (1=registered and healthy, 0=down)",
			[]string{"trunk", "status"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"coralpbx_calls_total",
			"Total calls recorded in the CDR store",
			[]string{"direction"}, nil,
		),
		relaySlotsDesc: prometheus.NewDesc(
			"coralpbx_rtp_relay_slots",
			"Number of allocated RTP relay slots",
			nil, nil,
		),
		pendingTimersDesc: prometheus.NewDesc(
			"coralpbx_pending_timers",
			"Number of armed call timers",
			nil, nil,
		),
		voicemailDesc: prometheus.NewDesc(
			"coralpbx_voicemail_messages",
			"Total voicemail messages across all mailboxes",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"coralpbx_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationsDesc
	ch <- c.trunkStatusDesc
	ch <- c.callsTotalDesc
	ch <- c.relaySlotsDesc
	ch <- c.pendingTimersDesc
	ch <- c.voicemailDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCount()),
		)
	}
	if c.registrations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.registrations.RegisteredCount()),
		)
	}
	if c.trunks != nil {
		for _, st := range c.trunks.States() {
			up := 0.0
			if st.Status == trunk.StatusRegistered && st.Healthy {
				up = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.trunkStatusDesc, prometheus.GaugeValue, up,
				st.Name, string(st.Status),
			)
		}
	}
	if c.relays != nil {
		ch <- prometheus.MustNewConstMetric(
			c.relaySlotsDesc, prometheus.GaugeValue,
			float64(c.relays.ActiveCount()),
		)
	}
	if c.timers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pendingTimersDesc, prometheus.GaugeValue,
			float64(c.timers.Pending()),
		)
	}
	c.collectStore(ch)

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.started).Seconds(),
	)
}

func (c *Collector) collectStore(ch chan<- prometheus.Metric) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountCDRsByDirection(ctx)
	if err != nil {
		c.logger.Error("failed to count cdrs", "error", err)
	} else {
		for _, dir := range []string{"internal", "inbound", "outbound"} {
			ch <- prometheus.MustNewConstMetric(
				c.callsTotalDesc, prometheus.CounterValue,
				float64(counts[dir]), dir,
			)
		}
	}

	n, err := c.store.CountVoicemail(ctx)
	if err != nil {
		c.logger.Error("failed to count voicemail messages", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(
		c.voicemailDesc, prometheus.GaugeValue, float64(n),
	)
}

// Handler registers the collector in a fresh registry and returns the
// scrape handler for GET /metrics.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
