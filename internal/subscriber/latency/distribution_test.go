package latency_test

import (
	"sync"
	"testing"

	"github.com/pubflow/pubsub/internal/subscriber/latency"
)

func TestPercentileEmpty(t *testing.T) {
	d := latency.New()
	if got := d.Percentile(0.99); got != 0 {
		t.Fatalf("percentile of empty distribution = %d, want 0", got)
	}
}

func TestPercentileSingleSample(t *testing.T) {
	d := latency.New()
	d.Record(20)
	if got := d.Percentile(0.99); got != 20 {
		t.Fatalf("percentile = %d, want 20", got)
	}
}

func TestPercentileUniform(t *testing.T) {
	d := latency.New()
	for i := 0; i < 999; i++ {
		d.Record(10)
	}
	if got := d.Percentile(0.99); got != 10 {
		t.Fatalf("p99 of all-10s samples = %d, want 10", got)
	}
}

func TestRecordClampsToRange(t *testing.T) {
	d := latency.New()
	d.Record(-5)
	d.Record(100000)
	if got := d.Percentile(0); got != 0 {
		t.Fatalf("p0 = %d, want 0 (negative sample clamped)", got)
	}
	if got := d.Percentile(1); got != latency.MaxSeconds {
		t.Fatalf("p100 = %d, want %d (oversized sample clamped)", got, latency.MaxSeconds)
	}
}

func TestRecordIsConcurrencySafe(t *testing.T) {
	d := latency.New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			d.Record(v % 600)
		}(i)
	}
	wg.Wait()
	if got := d.Percentile(1); got == 0 {
		t.Fatalf("p100 after 100 samples = 0, want > 0")
	}
}
