package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MetricPoint is one named sample with optional labels.
type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type sample struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry is a process-local metric store. The control plane exposes its
// snapshot over /v1/metrics and renders it in Prometheus text format.
type Registry struct {
	mu       sync.Mutex
	counters map[string]sample
	gauges   map[string]sample
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]sample),
		gauges:   make(map[string]sample),
	}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	key, kept := sampleKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.counters[key]
	if s.name == "" {
		s = sample{name: name, labels: kept}
	}
	s.value += delta
	r.counters[key] = s
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	key, kept := sampleKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key] = sample{name: name, labels: kept, value: value}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters: make([]MetricPoint, 0, len(r.counters)),
		Gauges:   make([]MetricPoint, 0, len(r.gauges)),
	}
	for _, s := range r.counters {
		out.Counters = append(out.Counters, MetricPoint{Name: s.name, Labels: copyLabels(s.labels), Value: s.value})
	}
	for _, s := range r.gauges {
		out.Gauges = append(out.Gauges, MetricPoint{Name: s.name, Labels: copyLabels(s.labels), Value: s.value})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]sample)
	r.gauges = make(map[string]sample)
}

func (r *Registry) RenderPrometheus() string {
	snap := r.Snapshot()
	lines := make([]string, 0, len(snap.Counters)+len(snap.Gauges))
	for _, p := range snap.Counters {
		lines = append(lines, promLine(p))
	}
	for _, p := range snap.Gauges {
		lines = append(lines, promLine(p))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func sampleKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	kept := make(map[string]string, len(labels))
	for _, k := range keys {
		kept[k] = labels[k]
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, "|"), kept
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func promLine(p MetricPoint) string {
	name := sanitizeName(p.Name)
	if len(p.Labels) == 0 {
		return name + " " + strconv.FormatFloat(p.Value, 'f', -1, 64)
	}
	keys := make([]string, 0, len(p.Labels))
	for k := range p.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", sanitizeName(k), p.Labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(pairs, ","), strconv.FormatFloat(p.Value, 'f', -1, 64))
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "pixel_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if ok {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
