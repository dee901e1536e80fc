package memstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports Store.Stats as Prometheus metrics.
type Collector struct {
	store *Store

	entries  *prometheus.Desc
	contexts *prometheus.Desc
	sweeps   *prometheus.Desc
	expired  *prometheus.Desc
	extended *prometheus.Desc
}

// NewCollector returns a collector for store. constLabels typically carries node_id.
func NewCollector(store *Store, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("recalld", "store", name), help, nil, constLabels)
	}
	return &Collector{
		store:    store,
		entries:  desc("entries", "Entries held by the local store, including not yet swept expired ones."),
		contexts: desc("contexts", "Contexts with at least one entry."),
		sweeps:   desc("sweeps_total", "Eviction sweep passes."),
		expired:  desc("expired_total", "Entries removed because their TTL elapsed."),
		extended: desc("extended_total", "High-importance entries whose expiry was extended by the sweep."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.contexts
	ch <- c.sweeps
	ch <- c.expired
	ch <- c.extended
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.store.Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Entries))
	ch <- prometheus.MustNewConstMetric(c.contexts, prometheus.GaugeValue, float64(st.Contexts))
	ch <- prometheus.MustNewConstMetric(c.sweeps, prometheus.CounterValue, float64(st.Sweeps))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(st.Expired))
	ch <- prometheus.MustNewConstMetric(c.extended, prometheus.CounterValue, float64(st.Extended))
}
