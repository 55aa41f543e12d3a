// Package analytics turns a sliding window of results into a deterministic,
// cacheable analysis record.
package analytics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spintel/analytics-server/internal/store"
)

// Dominant trend classifications.
const (
	DominantHigh          = "high"
	DominantLow           = "low"
	DominantNeutral       = "neutral"
	DominantIndeterminate = "indeterminate"
)

const fallbackSuggestion = "insufficient data to form an optimized suggestion"

// ValuePair is one adjacent pair whose values differ by exactly one.
type ValuePair struct {
	First  int `json:"first"`
	Second int `json:"second"`
}

// PatternReport lists consecutive-delta pairs and immediate repetitions
// found in a single pass over the window.
type PatternReport struct {
	Consecutive []ValuePair `json:"consecutive"`
	Repetitions []int       `json:"repetitions"`
}

// TrendReport summarizes the window's distribution.
type TrendReport struct {
	MostFrequent      *int    `json:"mostFrequent"`
	MostFrequentCount int     `json:"mostFrequentCount"`
	Mean              float64 `json:"mean"`
	Median            float64 `json:"median"`
	Dominant          string  `json:"dominant"`
}

// StatsFooter carries tenant-wide totals. Accuracy is a heuristic figure with
// no empirical grounding; callers must not treat it as a calibrated
// probability.
type StatsFooter struct {
	TotalResults int     `json:"totalResults"`
	Dominant     string  `json:"dominant"`
	MostFrequent *int    `json:"mostFrequent"`
	Accuracy     float64 `json:"accuracy"`
	LastUpdate   int64   `json:"lastUpdate"`
}

// AnalysisRecord is the full derived view of one window.
type AnalysisRecord struct {
	WindowSize    int                 `json:"windowSize"`
	Window        []store.ResultEntry `json:"window"`
	Frequencies   map[string]int      `json:"frequencies"`
	Probabilities map[string]float64  `json:"probabilities"`
	Patterns      PatternReport       `json:"patterns"`
	Trends        TrendReport         `json:"trends"`
	Suggestion    string              `json:"suggestion"`
	Statistics    StatsFooter         `json:"statistics"`
}

// Compute derives an AnalysisRecord from the window. It is a pure function of
// its inputs: the same window, total and lastUpdated always produce an
// identical record.
func Compute(window []store.ResultEntry, total int, lastUpdated int64) AnalysisRecord {
	n := len(window)

	frequencies := make(map[string]int, n)
	for _, r := range window {
		frequencies[store.CounterKey(r.Value)]++
	}

	patterns := PatternReport{Consecutive: []ValuePair{}, Repetitions: []int{}}
	for i := 1; i < n; i++ {
		a, b := window[i-1].Value, window[i].Value
		switch {
		case a == b:
			patterns.Repetitions = append(patterns.Repetitions, a)
		case a-b == 1 || b-a == 1:
			patterns.Consecutive = append(patterns.Consecutive, ValuePair{First: a, Second: b})
		}
	}

	trends := computeTrends(window)

	probabilities := make(map[string]float64, len(frequencies))
	for key, count := range frequencies {
		probabilities[key] = float64(count) / float64(n)
	}

	accuracy := 0.5 + minFloat(float64(total)/100, 1)*0.3

	record := AnalysisRecord{
		WindowSize:    n,
		Window:        append([]store.ResultEntry{}, window...),
		Frequencies:   frequencies,
		Probabilities: probabilities,
		Patterns:      patterns,
		Trends:        trends,
		Suggestion:    buildSuggestion(trends, patterns),
		Statistics: StatsFooter{
			TotalResults: total,
			Dominant:     trends.Dominant,
			MostFrequent: trends.MostFrequent,
			Accuracy:     accuracy,
			LastUpdate:   lastUpdated,
		},
	}
	return record
}

func computeTrends(window []store.ResultEntry) TrendReport {
	n := len(window)
	if n == 0 {
		return TrendReport{Dominant: DominantIndeterminate}
	}

	counts := make(map[int]int, n)
	sum := 0
	values := make([]int, n)
	for i, r := range window {
		counts[r.Value]++
		sum += r.Value
		values[i] = r.Value
	}

	// Highest frequency wins; ties break toward the smallest value so the
	// report is deterministic.
	best, bestCount := 0, -1
	keys := make([]int, 0, len(counts))
	for v := range counts {
		keys = append(keys, v)
	}
	sort.Ints(keys)
	for _, v := range keys {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}

	mean := float64(sum) / float64(n)
	median := computeMedian(values)

	dominant := DominantNeutral
	switch {
	case mean > 1.1*median:
		dominant = DominantHigh
	case mean < 0.9*median:
		dominant = DominantLow
	}

	mostFrequent := best
	return TrendReport{
		MostFrequent:      &mostFrequent,
		MostFrequentCount: bestCount,
		Mean:              mean,
		Median:            median,
		Dominant:          dominant,
	}
}

// computeMedian uses the middle-two-average rule; the median of an empty
// window is defined as 0.
func computeMedian(values []int) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// buildSuggestion concatenates the non-empty clauses in fixed order.
func buildSuggestion(trends TrendReport, patterns PatternReport) string {
	var clauses []string

	if trends.MostFrequent != nil {
		clauses = append(clauses, fmt.Sprintf("value %d appeared %d times (highest frequency)",
			*trends.MostFrequent, trends.MostFrequentCount))
	}
	if trends.Dominant == DominantHigh || trends.Dominant == DominantLow {
		clauses = append(clauses, fmt.Sprintf("trend toward %s values (mean %.2f)",
			trends.Dominant, trends.Mean))
	}
	if len(patterns.Consecutive) > 0 {
		clauses = append(clauses, fmt.Sprintf("%d consecutive sequences detected", len(patterns.Consecutive)))
	}
	if len(patterns.Repetitions) > 0 {
		clauses = append(clauses, fmt.Sprintf("%d immediate repetitions detected", len(patterns.Repetitions)))
	}

	if len(clauses) == 0 {
		return fallbackSuggestion
	}
	return strings.Join(clauses, "; ")
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
