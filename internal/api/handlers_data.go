package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/infrastructure/httputil"
	"github.com/spintel/analytics-server/infrastructure/logging"
	"github.com/spintel/analytics-server/internal/broker"
	"github.com/spintel/analytics-server/internal/store"
)

// Stream/broker message types shared by both API surfaces.
const (
	msgResultUpdate   = "result-update"
	msgResultsCleared = "results-cleared"
	msgAnalysis       = "analysis"
)

// coerceValue applies the boundary's coerce-then-validate rule: JSON numbers
// and numeric strings are accepted, anything non-integral is invalid.
func coerceValue(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return 0, apperrors.Invalid("value", "must be a finite integer")
		}
		if v > math.MaxInt32 || v < math.MinInt32 {
			return 0, apperrors.Invalid("value", "out of range")
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, apperrors.Invalid("value", "must be a finite integer")
		}
		return n, nil
	default:
		return 0, apperrors.Invalid("value", "must be a finite integer")
	}
}

// submitResult is shared by the request API and the stream API: append,
// count, then broadcast. The broker publish happens only after the store
// mutation succeeds.
func (s *Server) submitResult(owner string, rawValue interface{}) (store.ResultEntry, error) {
	value, err := coerceValue(rawValue)
	if err != nil {
		return store.ResultEntry{}, err
	}

	entry, err := s.store.Append(owner, value)
	if err != nil {
		return store.ResultEntry{}, err
	}

	s.metrics.ResultsSubmitted.Inc()
	s.publish(owner, broker.NewMessage(msgResultUpdate, entry))

	if s.cfg.AutoAnalyze {
		s.publishAnalysis(owner)
	}
	return entry, nil
}

func (s *Server) publish(owner string, msg broker.Message) {
	s.broker.Publish(owner, msg)
	s.metrics.BrokerPublishes.Inc()
}

// publishAnalysis pushes a fresh default-window analysis to the tenant's
// subscribers after each submit.
func (s *Server) publishAnalysis(owner string) {
	window, total, lastUpdated, err := s.store.Window(owner, 0, s.engine.BatchSize())
	if err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{"owner": owner}).
			Warn("auto-analysis window")
		return
	}
	raw, err := s.engine.Analyze(owner, window, total, lastUpdated)
	if err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{"owner": owner}).
			Warn("auto-analysis compute")
		return
	}
	s.publish(owner, broker.NewMessage(msgAnalysis, json.RawMessage(raw)))
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Value interface{} `json:"value"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	owner := logging.GetUser(r.Context())
	entry, err := s.submitResult(owner, payload.Value)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, http.StatusCreated, map[string]interface{}{
		"result": entry,
	})
}

// parseLimit reads a ?limit=N style parameter. Absent means all (-1).
func parseLimit(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, "limit")
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	results, err := s.store.ListResults(logging.GetUser(r.Context()), limit)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, "limit")
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	history, err := s.store.ListHistory(logging.GetUser(r.Context()), limit)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics(logging.GetUser(r.Context()))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"statistics": stats,
	})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	count := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteServiceError(w, r, apperrors.Invalid("count", "must be a non-negative integer"))
			return
		}
		count = n
	}

	owner := logging.GetUser(r.Context())
	window, total, lastUpdated, err := s.store.Window(owner, count, s.engine.BatchSize())
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	raw, err := s.engine.Analyze(owner, window, total, lastUpdated)
	if err != nil {
		httputil.WriteServiceError(w, r, apperrors.Internal("analyze", err))
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"analysis": json.RawMessage(raw),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.store.Export(logging.GetUser(r.Context()))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"export": snapshot,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	owner := logging.GetUser(r.Context())
	if err := s.store.Clear(owner); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	s.publish(owner, broker.NewMessage(msgResultsCleared, nil))

	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"cleared": true,
	})
}
