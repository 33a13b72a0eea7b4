// Package metrics aggregates channel call statistics and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "wallhost/internal/errors"
)

var defaultBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

type callKey struct {
	event string
	code  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	return &histogram{buckets: defaultBuckets, counts: make([]uint64, len(defaultBuckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// CallStat summarises the calls of one event.
type CallStat struct {
	Event  string            `json:"event"`
	Calls  uint64            `json:"calls"`
	Errors map[string]uint64 `json:"errors,omitempty"`
	// MeanSeconds is the mean handler latency.
	MeanSeconds float64 `json:"meanSeconds"`
}

// Collector counts calls per event and result code.
type Collector struct {
	mu      sync.Mutex
	calls   map[callKey]uint64
	latency map[string]*histogram
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		calls:   make(map[callKey]uint64),
		latency: make(map[string]*histogram),
	}
}

// ObserveCall records one finished call. Its signature matches
// channel.CallObserver.
func (c *Collector) ObserveCall(event string, err error, elapsed time.Duration) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[callKey{event: event, code: code}]++
	hist := c.latency[event]
	if hist == nil {
		hist = newHistogram()
		c.latency[event] = hist
	}
	hist.observe(elapsed.Seconds())
}

// Snapshot returns per-event statistics sorted by event name.
func (c *Collector) Snapshot() []CallStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	byEvent := make(map[string]*CallStat)
	for key, n := range c.calls {
		stat := byEvent[key.event]
		if stat == nil {
			stat = &CallStat{Event: key.event}
			byEvent[key.event] = stat
		}
		stat.Calls += n
		if key.code != "OK" {
			if stat.Errors == nil {
				stat.Errors = make(map[string]uint64)
			}
			stat.Errors[key.code] += n
		}
	}
	out := make([]CallStat, 0, len(byEvent))
	for event, stat := range byEvent {
		if hist := c.latency[event]; hist != nil && hist.count > 0 {
			stat.MeanSeconds = hist.sum / float64(hist.count)
		}
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event < out[j].Event })
	return out
}

// Render writes every series in Prometheus text format.
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]callKey, 0, len(c.calls))
	for key := range c.calls {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].event == keys[j].event {
			return keys[i].code < keys[j].code
		}
		return keys[i].event < keys[j].event
	})
	events := make([]string, 0, len(c.latency))
	for event := range c.latency {
		events = append(events, event)
	}
	sort.Strings(events)

	var b strings.Builder
	b.Grow(1024)
	b.WriteString("# HELP wallhost_channel_calls_total Channel calls served, by result code.\n")
	b.WriteString("# TYPE wallhost_channel_calls_total counter\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "wallhost_channel_calls_total{event=\"%s\",code=\"%s\"} %d\n",
			escape(key.event), escape(key.code), c.calls[key])
	}

	b.WriteString("# HELP wallhost_channel_call_duration_seconds Channel handler latency in seconds.\n")
	b.WriteString("# TYPE wallhost_channel_call_duration_seconds histogram\n")
	for _, event := range events {
		hist := c.latency[event]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&b, "wallhost_channel_call_duration_seconds_bucket{event=\"%s\",le=\"%s\"} %d\n",
				escape(event), formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "wallhost_channel_call_duration_seconds_bucket{event=\"%s\",le=\"+Inf\"} %d\n", escape(event), hist.count)
		fmt.Fprintf(&b, "wallhost_channel_call_duration_seconds_sum{event=\"%s\"} %s\n", escape(event), formatFloat(hist.sum))
		fmt.Fprintf(&b, "wallhost_channel_call_duration_seconds_count{event=\"%s\"} %d\n", escape(event), hist.count)
	}
	return b.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
