// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring for the lock-free toolkit.
//
// This package collects operation counts and latencies for the FIFO queue, the
// consecutive id pool and the epoch garbage collector. Recording is non-blocking:
// events are sent over a buffered channel and folded into counters and ring
// buffers by a background goroutine, so instrumented hot paths never wait on a
// lock held by a reader of the statistics.
//
// # Key Features
//
//   - Operation counts for Push, Pop, Assign, Recycle and pinned sections
//   - Latency ring buffers with min/max/mean and percentile statistics
//   - Reclamation gauges (current epoch, reclaimed items, drains, list repairs)
//   - Prometheus text export and JSON export
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	start := time.Now()
//	q.Push(node)
//	m.RecordPush(time.Since(start))
//
//	stats := m.GetStats()
//	fmt.Printf("push: %d ops, p99 %v\n", stats.Operations.Push, stats.Latency.Push.P99)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Close must be called to stop the event processor.
//   - **Event Loss**: When the event buffer is full, events are dropped rather than blocking.
//   - **Stats Latency**: GetStats may not include events still sitting in the buffer.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// LatencyStats provides latency statistics for one operation type
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// OperationCounts tracks counts for all operation types
type OperationCounts struct {
	Push       uint64 `json:"push"`
	Pop        uint64 `json:"pop"`
	PopEmpty   uint64 `json:"pop_empty"`
	Assign     uint64 `json:"assign"`
	AssignMiss uint64 `json:"assign_miss"`
	Recycle    uint64 `json:"recycle"`
	Pin        uint64 `json:"pin"`
	Drain      uint64 `json:"drain"`
}

// ErrorCounts tracks verification failures reported by callers
type ErrorCounts struct {
	Duplicate uint64 `json:"duplicate"`
	Missing   uint64 `json:"missing"`
	Other     uint64 `json:"other"`
}

// ReclamationMetrics tracks epoch collector and structure health gauges
type ReclamationMetrics struct {
	Epoch        uint64 `json:"epoch"`
	Reclaimed    uint64 `json:"reclaimed"`
	Repairs      uint64 `json:"repairs"`
	AvailableIDs uint64 `json:"available_ids"`
	HeapUsage    uint64 `json:"heap_usage"`
}

// LatencyMetrics tracks latency data for all timed operations
type LatencyMetrics struct {
	Push    LatencyStats `json:"push"`
	Pop     LatencyStats `json:"pop"`
	Assign  LatencyStats `json:"assign"`
	Recycle LatencyStats `json:"recycle"`
	Pin     LatencyStats `json:"pin"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Operations    OperationCounts    `json:"operations"`
	Errors        ErrorCounts        `json:"errors"`
	Reclamation   ReclamationMetrics `json:"reclamation"`
	Latency       LatencyMetrics     `json:"latency"`
	Configuration MetricsConfig      `json:"config"`
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type      string
	Duration  time.Duration
	Count     uint64
	Timestamp time.Time
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer, overwriting the oldest one when full
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// Len returns the number of samples currently held
func (rb *DurationRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// GetStats calculates latency statistics over the buffered samples
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}

	sort.Slice(values, func(i, j int) bool {
		return values[i] < values[j]
	})

	var total time.Duration
	for _, v := range values {
		total += v
	}

	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		P999:  percentile(values, 0.999),
	}
}

// percentile returns the pth percentile of sorted values
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize     int            `json:"buffer_size"`     // Size of event buffer
	LatencyBuffers map[string]int `json:"latency_buffers"` // Per-operation ring buffer sizes
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize: 10000,
		LatencyBuffers: map[string]int{
			"push":    1000,
			"pop":     1000,
			"assign":  1000,
			"recycle": 1000,
			"pin":     1000,
		},
	}
}

// Metrics tracks performance metrics using a buffered channel and ring buffers
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu sync.RWMutex

	// epoch is written from collector hot paths and never takes mu.
	epoch atomic.Uint64

	ops    OperationCounts
	errs   ErrorCounts
	gauges ReclamationMetrics

	pushLatency    *DurationRingBuffer
	popLatency     *DurationRingBuffer
	assignLatency  *DurationRingBuffer
	recycleLatency *DurationRingBuffer
	pinLatency     *DurationRingBuffer
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewBufferedMetrics creates a new metrics instance with a custom event buffer size
func NewBufferedMetrics(bufferSize int) *Metrics {
	config := DefaultMetricsConfig()
	config.BufferSize = bufferSize
	return NewMetricsWithConfig(config)
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:         config,
		eventChan:      make(chan MetricEvent, config.BufferSize),
		ctx:            ctx,
		cancel:         cancel,
		pushLatency:    NewDurationRingBuffer(config.LatencyBuffers["push"]),
		popLatency:     NewDurationRingBuffer(config.LatencyBuffers["pop"]),
		assignLatency:  NewDurationRingBuffer(config.LatencyBuffers["assign"]),
		recycleLatency: NewDurationRingBuffer(config.LatencyBuffers["recycle"]),
		pinLatency:     NewDurationRingBuffer(config.LatencyBuffers["pin"]),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents runs in a background goroutine and folds events into counters
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			// Fold whatever is still buffered so Close leaves consistent stats.
			for {
				select {
				case event := <-m.eventChan:
					m.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// processEvent handles a single metric event
func (m *Metrics) processEvent(event MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case "push":
		m.ops.Push++
		m.pushLatency.Push(event.Duration)
	case "pop":
		m.ops.Pop++
		m.popLatency.Push(event.Duration)
	case "pop_empty":
		m.ops.PopEmpty++
	case "assign":
		m.ops.Assign++
		m.assignLatency.Push(event.Duration)
	case "assign_miss":
		m.ops.AssignMiss++
	case "recycle":
		m.ops.Recycle++
		m.recycleLatency.Push(event.Duration)
	case "pin":
		m.ops.Pin++
		m.pinLatency.Push(event.Duration)
	case "drain":
		m.ops.Drain++
		m.gauges.Reclaimed += event.Count
	case "error_duplicate":
		m.errs.Duplicate += event.Count
	case "error_missing":
		m.errs.Missing += event.Count
	case "error_other":
		m.errs.Other += event.Count
	}
}

// send enqueues an event without blocking; the event is dropped if the buffer is full
func (m *Metrics) send(event MetricEvent) {
	event.Timestamp = time.Now()
	select {
	case m.eventChan <- event:
	default:
	}
}

// RecordPush records a queue Push
func (m *Metrics) RecordPush(d time.Duration) {
	m.send(MetricEvent{Type: "push", Duration: d})
}

// RecordPop records a queue Pop that returned a node
func (m *Metrics) RecordPop(d time.Duration) {
	m.send(MetricEvent{Type: "pop", Duration: d})
}

// RecordPopEmpty records a queue Pop that found the queue empty
func (m *Metrics) RecordPopEmpty() {
	m.send(MetricEvent{Type: "pop_empty"})
}

// RecordAssign records a successful id assignment
func (m *Metrics) RecordAssign(d time.Duration) {
	m.send(MetricEvent{Type: "assign", Duration: d})
}

// RecordAssignMiss records a TryAssign that found the pool exhausted
func (m *Metrics) RecordAssignMiss() {
	m.send(MetricEvent{Type: "assign_miss"})
}

// RecordRecycle records an id being recycled
func (m *Metrics) RecordRecycle(d time.Duration) {
	m.send(MetricEvent{Type: "recycle", Duration: d})
}

// RecordPin records the duration of a pinned (Begin..End) section
func (m *Metrics) RecordPin(d time.Duration) {
	m.send(MetricEvent{Type: "pin", Duration: d})
}

// RecordDrain records one managed-list drain and the number of items it reclaimed
func (m *Metrics) RecordDrain(reclaimed int) {
	m.send(MetricEvent{Type: "drain", Count: uint64(reclaimed)}) // #nosec G115
}

// RecordError records verification failures of the given kind
// ("duplicate", "missing" or anything else for "other").
func (m *Metrics) RecordError(kind string, count int) {
	switch kind {
	case "duplicate", "missing":
	default:
		kind = "other"
	}
	m.send(MetricEvent{Type: "error_" + kind, Count: uint64(count)}) // #nosec G115
}

// SetEpoch raises the global epoch gauge to epoch. Lower values are ignored,
// so concurrent callers reporting out of order cannot move the gauge back.
func (m *Metrics) SetEpoch(epoch uint64) {
	for {
		cur := m.epoch.Load()
		if epoch <= cur || m.epoch.CompareAndSwap(cur, epoch) {
			return
		}
	}
}

// SetRepairs sets the number of queue prev-link repair passes
func (m *Metrics) SetRepairs(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges.Repairs = n
}

// SetAvailableIDs sets the number of free ids in the pool
func (m *Metrics) SetAvailableIDs(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges.AvailableIDs = n
}

// SetHeapUsage sets the current heap usage in bytes
func (m *Metrics) SetHeapUsage(bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges.HeapUsage = bytes
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gauges := m.gauges
	gauges.Epoch = m.epoch.Load()

	return MetricsSnapshot{
		Operations:  m.ops,
		Errors:      m.errs,
		Reclamation: gauges,
		Latency: LatencyMetrics{
			Push:    m.pushLatency.GetStats(),
			Pop:     m.popLatency.GetStats(),
			Assign:  m.assignLatency.GetStats(),
			Recycle: m.recycleLatency.GetStats(),
			Pin:     m.pinLatency.GetStats(),
		},
		Configuration: m.config,
	}
}

// ExportPrometheus exports metrics in Prometheus text format
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var b strings.Builder

	b.WriteString("# HELP lfkit_operations_total Total number of operations\n")
	b.WriteString("# TYPE lfkit_operations_total counter\n")
	for _, op := range []struct {
		name  string
		value uint64
	}{
		{"push", stats.Operations.Push},
		{"pop", stats.Operations.Pop},
		{"pop_empty", stats.Operations.PopEmpty},
		{"assign", stats.Operations.Assign},
		{"assign_miss", stats.Operations.AssignMiss},
		{"recycle", stats.Operations.Recycle},
		{"pin", stats.Operations.Pin},
		{"drain", stats.Operations.Drain},
	} {
		fmt.Fprintf(&b, "lfkit_operations_total{operation=%q} %d\n", op.name, op.value)
	}

	b.WriteString("# HELP lfkit_latency_nanoseconds Mean latency for operations\n")
	b.WriteString("# TYPE lfkit_latency_nanoseconds gauge\n")
	for _, op := range []struct {
		name  string
		value LatencyStats
	}{
		{"push", stats.Latency.Push},
		{"pop", stats.Latency.Pop},
		{"assign", stats.Latency.Assign},
		{"recycle", stats.Latency.Recycle},
		{"pin", stats.Latency.Pin},
	} {
		fmt.Fprintf(&b, "lfkit_latency_nanoseconds{operation=%q} %d\n", op.name, op.value.Mean.Nanoseconds())
	}

	b.WriteString("# HELP lfkit_errors_total Verification failures\n")
	b.WriteString("# TYPE lfkit_errors_total counter\n")
	fmt.Fprintf(&b, "lfkit_errors_total{kind=\"duplicate\"} %d\n", stats.Errors.Duplicate)
	fmt.Fprintf(&b, "lfkit_errors_total{kind=\"missing\"} %d\n", stats.Errors.Missing)
	fmt.Fprintf(&b, "lfkit_errors_total{kind=\"other\"} %d\n", stats.Errors.Other)

	b.WriteString("# HELP lfkit_epoch Current global epoch of the collector\n")
	b.WriteString("# TYPE lfkit_epoch gauge\n")
	fmt.Fprintf(&b, "lfkit_epoch %d\n", stats.Reclamation.Epoch)

	b.WriteString("# HELP lfkit_reclaimed_total Items handed to their reclaimers\n")
	b.WriteString("# TYPE lfkit_reclaimed_total counter\n")
	fmt.Fprintf(&b, "lfkit_reclaimed_total %d\n", stats.Reclamation.Reclaimed)

	b.WriteString("# HELP lfkit_queue_repairs_total Queue prev-link repair passes\n")
	b.WriteString("# TYPE lfkit_queue_repairs_total counter\n")
	fmt.Fprintf(&b, "lfkit_queue_repairs_total %d\n", stats.Reclamation.Repairs)

	b.WriteString("# HELP lfkit_available_ids Free ids in the pool\n")
	b.WriteString("# TYPE lfkit_available_ids gauge\n")
	fmt.Fprintf(&b, "lfkit_available_ids %d\n", stats.Reclamation.AvailableIDs)

	b.WriteString("# HELP lfkit_heap_usage_bytes Heap usage in bytes\n")
	b.WriteString("# TYPE lfkit_heap_usage_bytes gauge\n")
	fmt.Fprintf(&b, "lfkit_heap_usage_bytes %d\n", stats.Reclamation.HeapUsage)

	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	data, err := sonnet.Marshal(m.GetStats())
	if err != nil {
		return []byte("{}")
	}
	return data
}

// Close shuts down the metrics processor. It is safe to call more than once.
func (m *Metrics) Close() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}
