package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_AdmitOncePerID(t *testing.T) {
	r := New()
	defer r.Close()

	if !r.TryAdmit("gen-1") {
		t.Fatal("first admit should succeed")
	}
	if r.TryAdmit("gen-1") {
		t.Error("second admit for a running id should fail")
	}
	if !r.IsActive("gen-1") {
		t.Error("admitted id should be active")
	}

	r.Release("gen-1")
	if r.IsActive("gen-1") {
		t.Error("released id should not be active")
	}
	if !r.TryAdmit("gen-1") {
		t.Error("admit after release should succeed")
	}
}

func TestRegistry_ReleaseIdempotent(t *testing.T) {
	r := New()
	defer r.Close()

	r.Release("never-admitted")
	r.TryAdmit("a")
	r.Release("a")
	r.Release("a")
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_ConcurrentAdmit(t *testing.T) {
	r := New()
	defer r.Close()

	for i := range 20 {
		id := fmt.Sprintf("gen-%d", i)
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if r.TryAdmit(id) {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Fatalf("%s: %d concurrent admits succeeded, want exactly 1", id, got)
		}
	}
	if r.Len() != 20 {
		t.Errorf("Len() = %d, want 20", r.Len())
	}
}

func TestRegistry_TTLSweep(t *testing.T) {
	r := New(WithTTL(30 * time.Millisecond))
	defer r.Close()

	r.TryAdmit("leaked")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.IsActive("leaked") {
			if !r.TryAdmit("leaked") {
				t.Error("expired id should be admissible again")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("leaked id was never swept")
}

func TestRegistry_Gauge(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_active_operations"})
	r := New(WithGauge(g))
	defer r.Close()

	r.TryAdmit("a")
	r.TryAdmit("b")
	if got := testutil.ToFloat64(g); got != 2 {
		t.Errorf("gauge = %v, want 2", got)
	}
	r.Release("a")
	if got := testutil.ToFloat64(g); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
}
