package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("jobs_dispatched_total", map[string]string{"store_backend": "memory", "worker_id": "w1"}, 3)
	r.SetGauge("ready_queue_depth", map[string]string{"store_backend": "memory"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `jobs_dispatched_total{store_backend="memory",worker_id="w1"} 3`) {
		t.Fatalf("missing dispatch metric in output: %s", out)
	}
	if !strings.Contains(out, `ready_queue_depth{store_backend="memory"} 2`) {
		t.Fatalf("missing queue-depth gauge in output: %s", out)
	}
}
