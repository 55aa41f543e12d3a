package analytics

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spintel/analytics-server/internal/store"
)

func window(values ...int) []store.ResultEntry {
	out := make([]store.ResultEntry, len(values))
	for i, v := range values {
		out[i] = store.ResultEntry{
			Value:     v,
			Date:      "2025-06-01",
			Time:      "12:00:00",
			Timestamp: int64(1748779200000 + i),
		}
	}
	return out
}

func TestComputeFrequenciesAndProbabilities(t *testing.T) {
	record := Compute(window(5, 5, 5, 10, 10, 15), 6, 1748779200005)

	assert.Equal(t, map[string]int{"5": 3, "10": 2, "15": 1}, record.Frequencies)
	require.NotNil(t, record.Trends.MostFrequent)
	assert.Equal(t, 5, *record.Trends.MostFrequent)
	assert.Equal(t, 3, record.Trends.MostFrequentCount)
	assert.InDelta(t, 0.5, record.Probabilities["5"], 1e-12)
	assert.InDelta(t, 1.0/3.0, record.Probabilities["10"], 1e-12)
	assert.Equal(t, 6, record.WindowSize)
}

func TestComputePatterns(t *testing.T) {
	record := Compute(window(4, 5, 5, 7, 6, 6), 6, 1)

	// Adjacent pairs: (4,5) consecutive, (5,5) repetition, (5,7) neither,
	// (7,6) consecutive, (6,6) repetition.
	require.Len(t, record.Patterns.Consecutive, 2)
	assert.Equal(t, ValuePair{First: 4, Second: 5}, record.Patterns.Consecutive[0])
	assert.Equal(t, ValuePair{First: 7, Second: 6}, record.Patterns.Consecutive[1])
	assert.Equal(t, []int{5, 6}, record.Patterns.Repetitions)
}

func TestComputeTrendStatistics(t *testing.T) {
	record := Compute(window(1, 2, 3, 4), 4, 1)
	assert.InDelta(t, 2.5, record.Trends.Mean, 1e-12)
	assert.InDelta(t, 2.5, record.Trends.Median, 1e-12)
	assert.Equal(t, DominantNeutral, record.Trends.Dominant)

	odd := Compute(window(1, 9, 3), 3, 1)
	assert.InDelta(t, 3, odd.Trends.Median, 1e-12)

	// Mean far above the median classifies as high.
	high := Compute(window(1, 1, 1, 1, 36, 36, 36), 7, 1)
	assert.Equal(t, DominantHigh, high.Trends.Dominant)
}

func TestMostFrequentTieBreaksTowardSmallest(t *testing.T) {
	record := Compute(window(10, 3, 3, 10), 4, 1)
	require.NotNil(t, record.Trends.MostFrequent)
	assert.Equal(t, 3, *record.Trends.MostFrequent)
}

func TestComputeEmptyWindow(t *testing.T) {
	record := Compute(nil, 0, 0)

	assert.Equal(t, 0, record.WindowSize)
	assert.Empty(t, record.Window)
	assert.Empty(t, record.Frequencies)
	assert.Nil(t, record.Trends.MostFrequent)
	assert.Equal(t, DominantIndeterminate, record.Trends.Dominant)
	assert.Equal(t, float64(0), record.Trends.Median)
	assert.Equal(t, fallbackSuggestion, record.Suggestion)

	// The empty record must survive serialization as a well-formed object.
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"mostFrequent":null`)
}

func TestSuggestionClauseOrder(t *testing.T) {
	record := Compute(window(1, 1, 1, 1, 36, 35, 36), 7, 1)

	assert.Contains(t, record.Suggestion, "value 1 appeared 4 times (highest frequency)")
	assert.Contains(t, record.Suggestion, "consecutive sequences detected")
	assert.Contains(t, record.Suggestion, "immediate repetitions detected")

	// Clause order is fixed: frequency, trend, consecutive, repetitions.
	freqIdx := indexOf(record.Suggestion, "appeared")
	consIdx := indexOf(record.Suggestion, "consecutive")
	repIdx := indexOf(record.Suggestion, "repetitions")
	assert.Less(t, freqIdx, consIdx)
	assert.Less(t, consIdx, repIdx)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestAccuracyHeuristic(t *testing.T) {
	assert.InDelta(t, 0.5, Compute(nil, 0, 0).Statistics.Accuracy, 1e-12)
	assert.InDelta(t, 0.65, Compute(window(1), 50, 1).Statistics.Accuracy, 1e-12)
	assert.InDelta(t, 0.8, Compute(window(1), 100, 1).Statistics.Accuracy, 1e-12)
	// Clamped past 100 total results.
	assert.InDelta(t, 0.8, Compute(window(1), 5000, 1).Statistics.Accuracy, 1e-12)
}

func TestEngineCacheByteEquality(t *testing.T) {
	e := NewEngine(10)
	w := window(5, 5, 5, 10, 10, 15)

	first, err := e.Analyze("alice", w, 6, 1748779200005)
	require.NoError(t, err)
	second, err := e.Analyze("alice", w, 6, 1748779200005)
	require.NoError(t, err)
	assert.Equal(t, []byte(first), []byte(second))

	// A cache hit is also byte-identical to a fresh computation.
	fresh, err := json.Marshal(Compute(w, 6, 1748779200005))
	require.NoError(t, err)
	assert.Equal(t, fresh, []byte(second))
}

func TestEngineCacheInvalidation(t *testing.T) {
	e := NewEngine(10)

	first, err := e.Analyze("alice", window(5, 5, 5), 3, 1)
	require.NoError(t, err)

	// An append changes the fingerprint and invalidates the tenant cache.
	e.Invalidate("alice")
	second, err := e.Analyze("alice", window(5, 5, 5, 5), 4, 2)
	require.NoError(t, err)
	assert.NotEqual(t, []byte(first), []byte(second))

	var record AnalysisRecord
	require.NoError(t, json.Unmarshal(second, &record))
	assert.Equal(t, 4, record.Frequencies["5"])
}

func TestEngineCacheIsolatedPerTenant(t *testing.T) {
	e := NewEngine(10)

	_, err := e.Analyze("alice", window(1, 2), 2, 1)
	require.NoError(t, err)
	_, err = e.Analyze("bob", window(3, 4), 2, 1)
	require.NoError(t, err)

	e.Invalidate("alice")

	raw, err := e.Analyze("bob", window(3, 4), 2, 1)
	require.NoError(t, err)
	var record AnalysisRecord
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, 1, record.Frequencies["3"])
}

func TestEngineCacheEvictsOldestFirst(t *testing.T) {
	e := NewEngine(10)

	// Fill past capacity with distinct fingerprints.
	for total := 1; total <= cacheCapacity+1; total++ {
		_, err := e.Analyze("alice", window(1), total, int64(total))
		require.NoError(t, err)
	}

	e.mu.Lock()
	cache := e.caches["alice"]
	_, oldest := cache.entries[fingerprint{total: 1, windowSize: 1}]
	_, newest := cache.entries[fingerprint{total: cacheCapacity + 1, windowSize: 1}]
	e.mu.Unlock()

	assert.False(t, oldest, "first-inserted entry should be evicted")
	assert.True(t, newest)
}
