// SPDX-License-Identifier:Apache-2.0

package store

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flagsync/flagsync/internal/datamodel"
	"github.com/flagsync/flagsync/internal/metrics"
)

var (
	versionDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metrics.Namespace, metrics.StoreSubsystem, metrics.StoreVersion.Name),
		metrics.StoreVersion.Help,
		nil,
		nil,
	)

	itemsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metrics.Namespace, metrics.StoreSubsystem, metrics.StoreItems.Name),
		metrics.StoreItems.Help,
		[]string{"category"},
		nil,
	)

	initializedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metrics.Namespace, metrics.StoreSubsystem, metrics.StoreInitialized.Name),
		metrics.StoreInitialized.Help,
		nil,
		nil,
	)
)

type collector struct {
	log   log.Logger
	store DataStore
}

// NewCollector exports the version and contents of s as Prometheus metrics.
func NewCollector(l log.Logger, s DataStore) prometheus.Collector {
	return &collector{log: log.With(l, "collector", metrics.StoreSubsystem), store: s}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- versionDesc
	ch <- itemsDesc
	ch <- initializedDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	initialized := 0
	if c.store.IsInitialized() {
		initialized = 1
	}
	ch <- prometheus.MustNewConstMetric(initializedDesc, prometheus.GaugeValue, float64(initialized))
	ch <- prometheus.MustNewConstMetric(versionDesc, prometheus.GaugeValue, float64(c.store.Version()))

	for _, cat := range datamodel.Categories {
		items, err := c.store.GetAll(cat)
		if err != nil {
			level.Error(c.log).Log("category", cat, "error", err, "msg", "failed to list store items")
			continue
		}
		ch <- prometheus.MustNewConstMetric(itemsDesc, prometheus.GaugeValue, float64(len(items)), cat.Name)
	}
}
