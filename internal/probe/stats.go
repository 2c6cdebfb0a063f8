package probe

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Stats summarises a probe run: pass counts and round-trip latency
// percentiles in milliseconds.
type Stats struct {
	Checks int     `json:"checks"`
	Passed int     `json:"passed"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P85Ms  float64 `json:"p85_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// Summarise computes latency statistics over a set of results.
func Summarise(results []Result) Stats {
	s := Stats{Checks: len(results)}
	if len(results) == 0 {
		return s
	}

	latencies := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Pass {
			s.Passed++
		}
		latencies = append(latencies, float64(r.RoundTrip.Microseconds())/1000.0)
	}
	sort.Float64s(latencies)

	s.MeanMs = stat.Mean(latencies, nil)
	s.P50Ms = stat.Quantile(0.5, stat.Empirical, latencies, nil)
	s.P85Ms = stat.Quantile(0.85, stat.Empirical, latencies, nil)
	s.MaxMs = latencies[len(latencies)-1]
	return s
}
