package observability

import (
	"strings"
	"testing"
)

func TestCountersAccumulatePerLabelSet(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("builds_total", map[string]string{"queue": "builds"}, 1)
	r.IncCounter("builds_total", map[string]string{"queue": "builds"}, 2)
	r.IncCounter("builds_total", map[string]string{"queue": "maintenance"}, 1)

	snap := r.Snapshot()
	if len(snap.Counters) != 2 {
		t.Fatalf("expected two counter series, got %d", len(snap.Counters))
	}
	for _, p := range snap.Counters {
		switch p.Labels["queue"] {
		case "builds":
			if p.Value != 3 {
				t.Fatalf("builds counter = %v, want 3", p.Value)
			}
		case "maintenance":
			if p.Value != 1 {
				t.Fatalf("maintenance counter = %v, want 1", p.Value)
			}
		default:
			t.Fatalf("unexpected labels %v", p.Labels)
		}
	}
}

func TestGaugesOverwrite(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("builds_running", nil, 3)
	r.SetGauge("builds_running", nil, 1)
	snap := r.Snapshot()
	if len(snap.Gauges) != 1 || snap.Gauges[0].Value != 1 {
		t.Fatalf("unexpected gauges: %+v", snap.Gauges)
	}
}

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("stage_transitions_total", map[string]string{"stage": "building"}, 4)
	out := r.RenderPrometheus()
	if !strings.Contains(out, `stage_transitions_total{stage="building"} 4`) {
		t.Fatalf("unexpected render:\n%s", out)
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("9-bad name"); got != "__bad_name" {
		t.Fatalf("sanitizeName = %q", got)
	}
	if got := sanitizeName("  "); got != "pixel_metric" {
		t.Fatalf("empty name fallback = %q", got)
	}
}
