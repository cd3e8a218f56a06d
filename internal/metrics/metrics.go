// Package metrics holds the Prometheus instruments of the feed engine and
// the dev server. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	polls         *prometheus.CounterVec
	pushEvents    prometheus.Counter
	merged        *prometheus.CounterVec
	renders       *prometheus.CounterVec
	nameRefreshes *prometheus.CounterVec
	nameBackfills *prometheus.CounterVec
	notices       *prometheus.CounterVec
	watermark     prometheus.Gauge
	httpRequests  *prometheus.CounterVec
}

// New registers every instrument on reg. Passing a fresh registry per test
// avoids duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesfeed",
			Name:      "polls_total",
			Help:      "Poll ticks by result.",
		}, []string{"result"}),
		pushEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: "notesfeed",
			Name:      "push_events_total",
			Help:      "Notes received over the push channel.",
		}),
		merged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesfeed",
			Name:      "merged_notes_total",
			Help:      "Merge outcomes per note.",
		}, []string{"outcome", "source"}),
		renders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesfeed",
			Name:      "renders_total",
			Help:      "Render decisions.",
		}, []string{"decision"}),
		nameRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesfeed",
			Name:      "name_refreshes_total",
			Help:      "Bulk display name refreshes by outcome.",
		}, []string{"outcome"}),
		nameBackfills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesfeed",
			Name:      "name_backfills_total",
			Help:      "Single author display name fetches by outcome.",
		}, []string{"outcome"}),
		notices: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesfeed",
			Name:      "notices_total",
			Help:      "User visible notices raised.",
		}, []string{"kind"}),
		watermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "notesfeed",
			Name:      "watermark_seconds",
			Help:      "Creation time of the newest known note.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesfeed",
			Name:      "http_requests_total",
			Help:      "Dev server requests by route and status class.",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) PushEvent() {
	if m == nil {
		return
	}
	m.pushEvents.Inc()
}

func (m *Metrics) Merged(source string, added, updated, dropped int) {
	if m == nil {
		return
	}
	m.merged.WithLabelValues("added", source).Add(float64(added))
	m.merged.WithLabelValues("updated", source).Add(float64(updated))
	m.merged.WithLabelValues("dropped", source).Add(float64(dropped))
}

func (m *Metrics) Render(rendered bool) {
	if m == nil {
		return
	}
	if rendered {
		m.renders.WithLabelValues("rendered").Inc()
		return
	}
	m.renders.WithLabelValues("suppressed").Inc()
}

func (m *Metrics) NameRefresh(outcome string) {
	if m == nil {
		return
	}
	m.nameRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) NameBackfill(outcome string) {
	if m == nil {
		return
	}
	m.nameBackfills.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Notice(kind string) {
	if m == nil {
		return
	}
	m.notices.WithLabelValues(kind).Inc()
}

func (m *Metrics) Watermark(unixSeconds float64) {
	if m == nil {
		return
	}
	m.watermark.Set(unixSeconds)
}

func (m *Metrics) HTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
}
