// Package metrics exposes the sequencer's prometheus collectors. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shieldledger"

// Collector holds the registered metrics.
type Collector struct {
	registry *prometheus.Registry

	admissions     *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	mempoolSize    prometheus.Gauge
	blocks         prometheus.Counter
	blockTxs       prometheus.Histogram
	blockHeight    prometheus.Gauge
	commitDuration prometheus.Histogram
	verifyDuration prometheus.Histogram
	commitments    prometheus.Gauge
	errors         *prometheus.CounterVec
}

// New creates a collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "admissions_total",
			Help:      "Transaction submissions by admission outcome.",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected transactions by reason code.",
		}, []string{"stage", "reason"}),
		mempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "size",
			Help:      "Pending and in-flight transactions.",
		}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "blocks_total",
			Help:      "Committed blocks.",
		}),
		blockTxs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "block_transactions",
			Help:      "Transactions per committed block.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "head_block",
			Help:      "Id of the last committed block.",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "commit_seconds",
			Help:      "Time to persist and publish a block.",
			Buckets:   prometheus.DefBuckets,
		}),
		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "proof_verify_seconds",
			Help:      "Proof verification time.",
			Buckets:   prometheus.DefBuckets,
		}),
		commitments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "commitments",
			Help:      "Leaves in the commitment tree.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Internal errors by component.",
		}, []string{"component"}),
	}
	c.registry.MustRegister(
		c.admissions, c.rejections, c.mempoolSize,
		c.blocks, c.blockTxs, c.blockHeight, c.commitDuration, c.verifyDuration,
		c.commitments, c.errors,
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordAdmission(outcome string) {
	if c == nil {
		return
	}
	c.admissions.WithLabelValues(outcome).Inc()
}

// RecordRejection counts a transaction refused at stage ("admission" or
// "execution") with reason code.
func (c *Collector) RecordRejection(stage, reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(stage, reason).Inc()
}

func (c *Collector) SetMempoolSize(n int) {
	if c == nil {
		return
	}
	c.mempoolSize.Set(float64(n))
}

// RecordBlock records a committed block.
func (c *Collector) RecordBlock(id uint64, txs int, commitments uint64, took time.Duration) {
	if c == nil {
		return
	}
	c.blocks.Inc()
	c.blockTxs.Observe(float64(txs))
	c.blockHeight.Set(float64(id))
	c.commitments.Set(float64(commitments))
	c.commitDuration.Observe(took.Seconds())
}

func (c *Collector) RecordVerify(took time.Duration) {
	if c == nil {
		return
	}
	c.verifyDuration.Observe(took.Seconds())
}

func (c *Collector) RecordError(component string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(component).Inc()
}
