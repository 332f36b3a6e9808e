// Package pipeline composes the components of the blocker into the two runs it
// supports: the bulk feed publication and the incremental abuse check.
//
// Both runs are single-threaded and run to completion. Any error is terminal
// for the run; the next scheduled invocation retries the whole run.
package pipeline

import (
	"context"
	"net/netip"
	"time"

	"github.com/mdouchement/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// A Classifier tells whether an address must never be blocked and which country it belongs to.
type Classifier interface {
	Classify(ip netip.Addr) (exempt bool, country string, err error)
}

// Metrics holds the instruments updated by the pipelines.
type Metrics struct {
	FeedIPs       prometheus.Gauge
	FeedPublished prometheus.Gauge
	Candidates    prometheus.Counter
	CacheHits     prometheus.Counter
	Checked       prometheus.Counter
	Denied        *prometheus.CounterVec
	APIErrors     prometheus.Counter
	CacheEntries  prometheus.Gauge
}

// NewMetrics returns unregistered Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		FeedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "abuseip",
			Subsystem: "feed",
			Name:      "ips",
			Help:      "Number of IPs published in the geo map.",
		}),
		FeedPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "abuseip",
			Subsystem: "feed",
			Name:      "published_timestamp_seconds",
			Help:      "Unix time of the last successful geo map publication.",
		}),
		Candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abuseip",
			Subsystem: "check",
			Name:      "candidates_total",
			Help:      "Total of candidate IPs read from the recent IP source.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abuseip",
			Subsystem: "check",
			Name:      "cache_hits_total",
			Help:      "Total of candidate IPs skipped because they were checked recently.",
		}),
		Checked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abuseip",
			Subsystem: "check",
			Name:      "checked_total",
			Help:      "Total of IPs checked against the reputation API.",
		}),
		Denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "abuseip",
			Subsystem: "check",
			Name:      "denied_total",
			Help:      "Total of IPs appended to the deny list.",
		}, []string{"country"}),
		APIErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abuseip",
			Subsystem: "check",
			Name:      "api_errors_total",
			Help:      "Total of failed reputation API calls.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "abuseip",
			Subsystem: "check",
			Name:      "cache_entries",
			Help:      "Number of entries in the checked IP cache.",
		}),
	}
}

// RegisterFeed registers the instruments updated by the feed run on r.
func (m *Metrics) RegisterFeed(r prometheus.Registerer) error {
	return register(r, m.FeedIPs, m.FeedPublished)
}

// RegisterCheck registers the instruments updated by the check run on r.
func (m *Metrics) RegisterCheck(r prometheus.Registerer) error {
	return register(r, m.Candidates, m.CacheHits, m.Checked, m.Denied, m.APIErrors, m.CacheEntries)
}

func register(r prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func classify(ctx context.Context, c Classifier, ip netip.Addr) (bool, string) {
	if c == nil {
		return false, ""
	}

	exempt, country, err := c.Classify(ip)
	if err != nil {
		logger.LogWith(ctx).WithError(err).Debugf("Could not classify %s", ip)
		return false, ""
	}
	return exempt, country
}

func clock(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
