package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the billing Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	WebhookEventsTotal  *prometheus.CounterVec
	QuotaDecisionsTotal *prometheus.CounterVec
	PagesRecordedTotal  prometheus.Counter
	UsageRecordsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers the billing metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewise_webhook_events_total",
				Help: "Stripe webhook deliveries by event type and result",
			},
			[]string{"type", "result"},
		),
		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewise_quota_decisions_total",
				Help: "Quota checks by plan and decision",
			},
			[]string{"plan", "decision"},
		),
		PagesRecordedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pagewise_pages_recorded_total",
				Help: "Pages appended to the usage ledger",
			},
		),
		UsageRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewise_usage_records_total",
				Help: "Usage appends by result (recorded or duplicate)",
			},
			[]string{"result"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.WebhookEventsTotal,
			m.QuotaDecisionsTotal,
			m.PagesRecordedTotal,
			m.UsageRecordsTotal,
		)
	}

	return m
}

func (m *Metrics) webhook(eventType, result string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unparsed"
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) quota(planID string, allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.QuotaDecisionsTotal.WithLabelValues(planID, decision).Inc()
}

func (m *Metrics) usage(pages int, recorded bool) {
	if m == nil {
		return
	}
	if !recorded {
		m.UsageRecordsTotal.WithLabelValues("duplicate").Inc()
		return
	}
	m.UsageRecordsTotal.WithLabelValues("recorded").Inc()
	m.PagesRecordedTotal.Add(float64(pages))
}
