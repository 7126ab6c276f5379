package api

import (
	"net/http"

	"github.com/AngelP17/YieldOps/internal/scheduler"
)

// handleDispatchRun executes one scheduling pass. The body is
// optional; an empty body runs with the configured defaults.
func (s *Server) handleDispatchRun(w http.ResponseWriter, r *http.Request) {
	var opts scheduler.RunOptions
	if err := decodeJSONOptional(r, &opts); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.scheduler.Run(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDispatchQueue(w http.ResponseWriter, r *http.Request) {
	preview, err := s.scheduler.QueuePreview(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleDispatchHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := s.store.ListDispatchRecords(r.Context(), clampLimit(limit, 50, 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDispatchAlgorithm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.AlgorithmInfo())
}
