// Package metrics holds the process-wide counters and gauges exposed on the
// observability surface.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter and gauge names.
const (
	ObservationsReceived     = "observations_received"
	ObservationsAccepted     = "observations_accepted"
	ObservationsDeduplicated = "observations_deduplicated"
	ObservationsDroppedLate  = "observations_dropped_late"
	ObservationsMalformed    = "observations_malformed"
	ObservationsSuppressed   = "observations_suppressed"
	ActionsEmitted           = "actions_emitted"
	DispatchAttempts         = "dispatch_attempts"
	DispatchFailures         = "dispatch_failures"
	DispatchDropped          = "dispatch_dropped"
	DeadLetters              = "dead_letters"
	Alerts                   = "alerts"
	AdapterHealth            = "adapter_health" // gauge: 1 healthy, 0 degraded
	AdapterErrors            = "adapter_errors"
	RegistryReloadFailures   = "registry_reload_failures"
	RegistryVersion          = "registry_version" // gauge
	RegistrySize             = "registry_size"    // gauge
	TradersByStatus          = "traders_by_status"
	MirroredTraders          = "mirrored_traders"     // gauge
	QueueDepth               = "dispatch_queue_depth" // gauge
	TraderTransitions        = "trader_transitions"
	RecorderErrors           = "recorder_errors"
	DetectionLatency         = "detection_latency" // venue time to acceptance
	DecisionLatency          = "decision_latency"  // acceptance to enqueue
)

// Registry is a concurrent set of named int64 values. Names carry labels in
// the form name{k=v,k2=v2}; the zero value is not usable, call New.
type Registry struct {
	mu     sync.RWMutex
	values map[string]*atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{values: make(map[string]*atomic.Int64)}
}

// Key renders a metric name with label pairs. Odd trailing labels are ignored.
func Key(name string, labels ...string) string {
	if len(labels) < 2 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(labels[i])
		b.WriteByte('=')
		b.WriteString(labels[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func (r *Registry) value(key string) *atomic.Int64 {
	r.mu.RLock()
	v, ok := r.values[key]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = r.values[key]; ok {
		return v
	}
	v = new(atomic.Int64)
	r.values[key] = v
	return v
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string, labels ...string) {
	r.value(Key(name, labels...)).Add(1)
}

// Add adds delta to a counter.
func (r *Registry) Add(name string, delta int64, labels ...string) {
	r.value(Key(name, labels...)).Add(delta)
}

// Set stores a gauge value.
func (r *Registry) Set(name string, v int64, labels ...string) {
	r.value(Key(name, labels...)).Store(v)
}

// ObserveLatency records one duration as name_count, name_sum_ms and
// name_max_ms. Negative durations are clamped to zero.
func (r *Registry) ObserveLatency(name string, d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.value(name + "_count").Add(1)
	r.value(name + "_sum_ms").Add(ms)
	hi := r.value(name + "_max_ms")
	for {
		cur := hi.Load()
		if ms <= cur || hi.CompareAndSwap(cur, ms) {
			return
		}
	}
}

// Get reads a single value; unknown names read as zero.
func (r *Registry) Get(name string, labels ...string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.values[Key(name, labels...)]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot copies every value.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.values))
	for k, v := range r.values {
		out[k] = v.Load()
	}
	return out
}

// Names returns the sorted keys currently held.
func (r *Registry) Names() []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Restore seeds counters from a persisted snapshot. Gauges are skipped since
// they describe the current process only.
func (r *Registry) Restore(values map[string]int64, gauges ...string) {
	skip := make(map[string]bool, len(gauges))
	for _, g := range gauges {
		skip[g] = true
	}
	for k, v := range values {
		base := k
		if i := strings.IndexByte(k, '{'); i >= 0 {
			base = k[:i]
		}
		if skip[base] {
			continue
		}
		r.value(k).Store(v)
	}
}

// GaugeNames lists the metrics that are gauges rather than counters.
func GaugeNames() []string {
	return []string{AdapterHealth, RegistryVersion, RegistrySize, TradersByStatus, MirroredTraders, QueueDepth}
}
