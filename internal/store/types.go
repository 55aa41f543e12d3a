// Package store is the per-tenant append-only result log with derived
// counters and atomic encrypted persistence.
package store

import "strconv"

// History actions recorded alongside results.
const (
	ActionResultSubmitted = "result-submitted"
	ActionResultsCleared  = "results-cleared"
)

// ResultEntry is one submitted outcome. The JSON names follow the upstream
// wire format consumed by existing dashboards.
type ResultEntry struct {
	Value     int    `json:"resultado"`
	Date      string `json:"fecha"`
	Time      string `json:"hora"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryEntry is an append-only audit marker.
type HistoryEntry struct {
	Action string `json:"action"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// ResultTimestamp references the ResultEntry this marker belongs to,
	// when it belongs to one.
	ResultTimestamp int64 `json:"result_timestamp,omitempty"`
}

// TenantState is everything one tenant owns. Counters key result values by
// their decimal string so the structure serializes directly.
type TenantState struct {
	Owner       string         `json:"owner"`
	Results     []ResultEntry  `json:"results"`
	History     []HistoryEntry `json:"history"`
	Counters    map[string]int `json:"counters"`
	LastUpdated int64          `json:"last_updated"`
}

// StatisticsSnapshot is the read-only counters view.
type StatisticsSnapshot struct {
	Counters    map[string]int `json:"counters"`
	Total       int            `json:"total"`
	LastUpdated int64          `json:"lastUpdated"`
}

// ExportSnapshot is a deep copy of the tenant state plus the export time.
type ExportSnapshot struct {
	State      TenantState `json:"state"`
	ExportedAt int64       `json:"exportedAt"`
}

// CounterKey converts a result value to its counters key.
func CounterKey(value int) string {
	return strconv.Itoa(value)
}

func (s *TenantState) clone() TenantState {
	out := TenantState{
		Owner:       s.Owner,
		Results:     append([]ResultEntry(nil), s.Results...),
		History:     append([]HistoryEntry(nil), s.History...),
		Counters:    make(map[string]int, len(s.Counters)),
		LastUpdated: s.LastUpdated,
	}
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	return out
}

// rebuildCounters recomputes the frequency map from the result sequence,
// restoring the multiset invariant after a load.
func (s *TenantState) rebuildCounters() {
	s.Counters = make(map[string]int, len(s.Counters))
	for _, r := range s.Results {
		s.Counters[CounterKey(r.Value)]++
	}
}
