package service

import (
	"sort"
	"sync"
	"time"
)

// Operation names recorded by the gateway and the API.
const (
	OpCreate           = "create"
	OpSubmit           = "submit"
	OpClose            = "close"
	OpDecryptMine      = "decrypt_mine"
	OpDecryptAggregate = "decrypt_aggregate"
)

// MetricsCollector tracks counts and timings per operation.
type MetricsCollector struct {
	mu  sync.RWMutex
	now func() time.Time
	ops map[string]*opMetrics
}

type opMetrics struct {
	startTime time.Time
	endTime   time.Time
	count     int
	failures  int
	total     time.Duration
	inFlight  int
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Failures       int       `json:"failures"`
	InFlight       int       `json:"in_flight"`
	ProcessingTime int64     `json:"processing_time_ms"`
	AverageTime    float64   `json:"average_time_ms"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	Operations map[string]OperationMetrics `json:"operations"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{now: time.Now, ops: make(map[string]*opMetrics)}
}

// Start marks the start of op and returns the function that ends it.
func (mc *MetricsCollector) Start(op string) func(err error) {
	mc.mu.Lock()
	m := mc.opLocked(op)
	started := mc.now()
	if m.count == 0 {
		m.startTime = started
	}
	m.count++
	m.inFlight++
	mc.mu.Unlock()

	return func(err error) {
		mc.Record(op, mc.now().Sub(started), err)
	}
}

// Record adds the outcome of a completed op that was counted by Start.
func (mc *MetricsCollector) Record(op string, d time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	m := mc.opLocked(op)
	m.endTime = mc.now()
	m.total += d
	if m.inFlight > 0 {
		m.inFlight--
	}
	if err != nil {
		m.failures++
	}
}

func (mc *MetricsCollector) opLocked(op string) *opMetrics {
	m, ok := mc.ops[op]
	if !ok {
		m = &opMetrics{}
		mc.ops[op] = m
	}
	return m
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	resp := MetricsResponse{Operations: make(map[string]OperationMetrics, len(mc.ops))}
	for name, m := range mc.ops {
		resp.Operations[name] = m.snapshot()
	}
	return resp
}

// Get returns the metrics of a single operation.
func (mc *MetricsCollector) Get(op string) OperationMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if m, ok := mc.ops[op]; ok {
		return m.snapshot()
	}
	return OperationMetrics{}
}

// Names lists the recorded operations in order.
func (mc *MetricsCollector) Names() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	names := make([]string, 0, len(mc.ops))
	for name := range mc.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *opMetrics) snapshot() OperationMetrics {
	out := OperationMetrics{
		StartTime:      m.startTime,
		EndTime:        m.endTime,
		Count:          m.count,
		Failures:       m.failures,
		InFlight:       m.inFlight,
		ProcessingTime: m.total.Milliseconds(),
	}
	if done := m.count - m.inFlight; done > 0 {
		out.AverageTime = float64(m.total.Microseconds()) / 1000 / float64(done)
	}
	return out
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.ops = make(map[string]*opMetrics)
}
