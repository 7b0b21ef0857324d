package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesRendered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_entries_rendered_total",
			Help: "Total entries rendered successfully",
		},
	)

	RenderFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_render_failures_total",
			Help: "Total entries that failed rendering",
		},
	)

	EntriesPromoted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_entries_promoted_total",
			Help: "Total entries promoted to the send queue",
		},
	)

	EntriesClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_entries_claimed_total",
			Help: "Total entries claimed for sending",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_emails_skipped_total",
			Help: "Total emails skipped, by reason",
		},
		[]string{"reason"},
	)

	SendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_send_failures_total",
			Help: "Total failed emails",
		},
	)

	RenderClaimsRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_render_claims_recycled_total",
			Help: "Total stale render claims recycled",
		},
	)

	StuckSending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_stuck_sending_entries",
			Help: "Entries stuck in sending beyond the threshold",
		},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_phase_duration_seconds",
			Help:    "Duration of each pipeline phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
)

func Init() {
	prometheus.MustRegister(EntriesRendered)
	prometheus.MustRegister(RenderFailures)
	prometheus.MustRegister(EntriesPromoted)
	prometheus.MustRegister(EntriesClaimed)
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailsSkipped)
	prometheus.MustRegister(SendFailures)
	prometheus.MustRegister(RenderClaimsRecycled)
	prometheus.MustRegister(StuckSending)
	prometheus.MustRegister(PhaseDuration)
}
