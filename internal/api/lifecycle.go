package api

import "net/http"

func (s *Server) handleLifecycleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.lifecycle.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLifecycleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle.Start()
	writeJSON(w, http.StatusOK, map[string]string{"message": "lifecycle processor started"})
}

func (s *Server) handleLifecycleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"message": "lifecycle processor stopped"})
}
