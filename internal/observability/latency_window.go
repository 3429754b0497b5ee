package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type LatencyStats struct {
	Name    string  `json:"name"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
}

type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Series      []LatencyStats `json:"series"`
	Failures    []OutcomeCount `json:"failures,omitempty"`
}

// LatencyWindow keeps the last N samples per series in a ring buffer.
type LatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	series     map[string]*ring
	outcomes   map[string]int
}

type ring struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewLatencyWindow(maxSamples int) *LatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &LatencyWindow{
		maxSamples: maxSamples,
		series:     make(map[string]*ring),
		outcomes:   make(map[string]int),
	}
}

func (w *LatencyWindow) Observe(name string, ms float64) {
	if name == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.series[name]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.series[name] = r
	}
	r.values[r.next] = ms
	r.last = ms
	r.next++
	if r.next >= len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (w *LatencyWindow) ObserveOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[outcome]++
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.series))
	for name := range w.series {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]LatencyStats, 0, len(names))
	for _, name := range names {
		r := w.series[name]
		n := r.next
		if r.filled {
			n = len(r.values)
		}
		if n == 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, r.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		series = append(series, LatencyStats{
			Name:    name,
			Samples: n,
			LastMS:  round2(r.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
		})
	}

	outcomes := make([]string, 0, len(w.outcomes))
	for o := range w.outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	failures := make([]OutcomeCount, 0, len(outcomes))
	for _, o := range outcomes {
		failures = append(failures, OutcomeCount{Outcome: o, Count: w.outcomes[o]})
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Series:      series,
		Failures:    failures,
	}
}

// Find returns the stats for one series.
func (s LatencySnapshot) Find(name string) (LatencyStats, bool) {
	for _, st := range s.Series {
		if st.Name == name {
			return st, true
		}
	}
	return LatencyStats{}, false
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
