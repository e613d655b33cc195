package metrics

import (
	"sync"
	"testing"
)

func TestCounter_Basics(t *testing.T) {
	c := NewCounter("test/counter")
	c.Inc()
	c.Add(4)
	c.Add(-10) // ignored
	if got := c.Value(); got != 5 {
		t.Errorf("Value = %d, want 5", got)
	}
	if c.Name() != "test/counter" {
		t.Errorf("Name = %q", c.Name())
	}
}

func TestGauge_UpDown(t *testing.T) {
	g := NewGauge("test/gauge")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if got := g.Value(); got != 9 {
		t.Errorf("Value = %d, want 9", got)
	}
}

func TestHistogram_Stats(t *testing.T) {
	h := NewHistogram("test/hist")
	if h.Min() != 0 || h.Max() != 0 || h.Mean() != 0 {
		t.Error("empty histogram must report zeros")
	}
	for _, v := range []float64{3, 1, 2} {
		h.Observe(v)
	}
	if h.Count() != 3 {
		t.Errorf("Count = %d, want 3", h.Count())
	}
	if h.Min() != 1 || h.Max() != 3 {
		t.Errorf("Min/Max = %v/%v, want 1/3", h.Min(), h.Max())
	}
	if h.Mean() != 2 {
		t.Errorf("Mean = %v, want 2", h.Mean())
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()
	if r.Counter("a") != r.Counter("a") {
		t.Error("Counter must return the same instance per name")
	}
	if r.Gauge("a") == nil || r.Histogram("a") == nil {
		t.Error("gauge/histogram creation failed")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Counter("shared").Inc()
			}
		}()
	}
	wg.Wait()
	if got := r.Counter("shared").Value(); got != 800 {
		t.Errorf("shared counter = %d, want 800", got)
	}
}

func TestRegistry_Each(t *testing.T) {
	r := NewRegistry()
	r.Counter("c").Add(2)
	r.Gauge("g").Set(7)
	seen := make(map[string]float64)
	r.Each(func(name string, v float64) { seen[name] = v })
	if seen["c"] != 2 || seen["g"] != 7 {
		t.Errorf("Each saw %v", seen)
	}
}
