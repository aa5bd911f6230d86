package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// QueueStats contains the queue gauges of one account
type QueueStats struct {
	Account  string
	Ready    int
	Waiting  int
	Parked   int
	InFlight bool
}

// Sources feed the gauges refreshed by the collector. Any of them may be nil.
type Sources struct {
	Queues    func(ctx context.Context) []QueueStats
	Sessions  func() map[string]string // account -> status
	Campaigns func(ctx context.Context) (map[string]int, error)
	// Every session status, so stale statuses are reset to zero
	SessionStatuses []string
}

var bucketMetrics = []byte("metrics")

// ShadowCounters stores counter values for persistence, keyed by metric name
// and then by serialized label set
type ShadowCounters map[string]map[string]float64

// Collector handles metrics persistence and gauge updates
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	sources       Sources
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, sources Sources, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		sources:       sources,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateLoop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// counters maps metric names to the vectors whose values survive restarts
func (m *Metrics) counters() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"herald_messages_sent_total":         m.MessagesSentTotal,
		"herald_messages_failed_total":       m.MessagesFailedTotal,
		"herald_messages_deferred_total":     m.MessagesDeferredTotal,
		"herald_messages_skipped_total":      m.MessagesSkippedTotal,
		"herald_receipts_total":              m.ReceiptsTotal,
		"herald_presence_total":              m.PresenceTotal,
		"herald_experiments_evaluated_total": m.ExperimentsEvaluatedTotal,
		"herald_api_requests_total":          m.APIRequestsTotal,
		"herald_api_errors_total":            m.APIErrorsTotal,
		"herald_ratelimit_exceeded_total":    m.RateLimitExceededTotal,
	}
}

// Snapshot returns the current value of every persisted counter
func (c *Collector) Snapshot() (ShadowCounters, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	persisted := c.metrics.counters()
	shadow := make(ShadowCounters)
	for _, mf := range families {
		if _, ok := persisted[mf.GetName()]; !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		values := make(map[string]float64, len(mf.GetMetric()))
		for _, metric := range mf.GetMetric() {
			values[makeLabelKey(metric.GetLabel())] = metric.GetCounter().GetValue()
		}
		shadow[mf.GetName()] = values
	}
	return shadow, nil
}

// loadCounters loads persisted counter values from BoltDB
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		vectors := c.metrics.counters()
		for name, values := range shadow {
			vec, ok := vectors[name]
			if !ok {
				continue
			}
			for key, v := range values {
				counter, err := vec.GetMetricWith(splitLabelKey(key))
				if err != nil {
					continue // label set changed between versions
				}
				counter.Add(v)
			}
		}
		return nil
	})
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	shadow, err := c.Snapshot()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data, err := json.Marshal(shadow)
		if err != nil {
			return err
		}

		return bucket.Put([]byte("counters"), data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateLoop periodically refreshes gauges
func (c *Collector) updateLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect refreshes system, queue, session and campaign gauges
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.sources.Queues != nil {
		for _, q := range c.sources.Queues(ctx) {
			c.metrics.QueueSize.WithLabelValues(q.Account, "ready").Set(float64(q.Ready))
			c.metrics.QueueSize.WithLabelValues(q.Account, "waiting").Set(float64(q.Waiting))
			c.metrics.QueueSize.WithLabelValues(q.Account, "parked").Set(float64(q.Parked))
			inFlight := 0.0
			if q.InFlight {
				inFlight = 1
			}
			c.metrics.QueueInFlight.WithLabelValues(q.Account).Set(inFlight)
		}
	}

	if c.sources.Sessions != nil {
		for account, current := range c.sources.Sessions() {
			for _, status := range c.sources.SessionStatuses {
				v := 0.0
				if status == current {
					v = 1
				}
				c.metrics.SessionStatus.WithLabelValues(account, status).Set(v)
			}
		}
	}

	if c.sources.Campaigns != nil {
		counts, err := c.sources.Campaigns(ctx)
		if err == nil {
			for status, n := range counts {
				c.metrics.Campaigns.WithLabelValues(status).Set(float64(n))
			}
		}
	}
}

// makeLabelKey serializes a label set as name=value pairs sorted by name
func makeLabelKey(labels []*dto.LabelPair) string {
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func splitLabelKey(key string) prometheus.Labels {
	labels := prometheus.Labels{}
	if key == "" {
		return labels
	}
	for _, part := range strings.Split(key, "|") {
		name, value, _ := strings.Cut(part, "=")
		labels[name] = value
	}
	return labels
}
