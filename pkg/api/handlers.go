package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ethpandaops/testrelay/pkg/aggregator"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/go-chi/chi/v5"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runsResponse struct {
	Runs []aggregator.RunResult `json:"runs"`
}

func (s *server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, runsResponse{Runs: s.agg.RunResults()})
}

func (s *server) handleCurrentRun(w http.ResponseWriter, _ *http.Request) {
	run, ok := s.agg.CurrentRun()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"no current run"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run name"})

		return
	}

	run, ok := s.agg.Run(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleTotals serves the memoized totals. ?refresh=true recomputes them.
func (s *server) handleTotals(w http.ResponseWriter, r *http.Request) {
	refresh := false

	if raw := r.URL.Query().Get("refresh"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"refresh must be a boolean"})

			return
		}

		refresh = v
	}

	var totals aggregator.Totals
	if refresh {
		totals = s.agg.RecomputeTotals()
	} else {
		totals = s.agg.Totals()
	}

	writeJSON(w, http.StatusOK, totals)
}

func (s *server) handleInvocation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Invocation())
}

type streamResponse struct {
	Port  int            `json:"port"`
	Stats receiver.Stats `json:"stats"`
}

func (s *server) handleStream(w http.ResponseWriter, _ *http.Request) {
	if s.stream == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"no live stream"})

		return
	}

	writeJSON(w, http.StatusOK, streamResponse{
		Port:  s.stream.Port(),
		Stats: s.stream.Stats(),
	})
}
