// Package metrics exports benet host traffic counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheusHen/benet/benet"
)

// StatsSource is implemented by *benet.Host. Stats must be safe to call from
// the scraping goroutine.
type StatsSource interface {
	Stats() benet.Stats
}

// Collector reads the counters of one host on every scrape.
type Collector struct {
	source StatsSource

	sentBytes       *prometheus.Desc
	sentPackets     *prometheus.Desc
	receivedBytes   *prometheus.Desc
	receivedPackets *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for source. constLabels distinguish hosts
// registered in the same registry.
func NewCollector(source StatsSource, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("benet", "host", name), help, nil, constLabels)
	}
	return &Collector{
		source:          source,
		sentBytes:       desc("sent_bytes_total", "Bytes sent in UDP datagrams."),
		sentPackets:     desc("sent_datagrams_total", "UDP datagrams sent."),
		receivedBytes:   desc("received_bytes_total", "Bytes received in UDP datagrams."),
		receivedPackets: desc("received_datagrams_total", "UDP datagrams received."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sentBytes
	ch <- c.sentPackets
	ch <- c.receivedBytes
	ch <- c.receivedPackets
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.sentBytes, prometheus.CounterValue, float64(s.SentData))
	ch <- prometheus.MustNewConstMetric(c.sentPackets, prometheus.CounterValue, float64(s.SentPackets))
	ch <- prometheus.MustNewConstMetric(c.receivedBytes, prometheus.CounterValue, float64(s.ReceivedData))
	ch <- prometheus.MustNewConstMetric(c.receivedPackets, prometheus.CounterValue, float64(s.ReceivedPackets))
}
