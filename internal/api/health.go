package api

import (
	"net/http"
	"time"

	"github.com/seantiz/snapguest/internal/model"
)

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz answers 503 once the agent has failed.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.source.State() == model.StateFailed {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: model.StateFailed})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// stateResponse is the JSON response for GET /v1/state.
type stateResponse struct {
	State     string `json:"state"`
	Terminal  bool   `json:"terminal"`
	Served    int64  `json:"served"`
	UptimeSec int64  `json:"uptime_sec"`
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	state := s.source.State()
	s.writeJSON(w, http.StatusOK, stateResponse{
		State:     state,
		Terminal:  model.Terminal(state),
		Served:    s.source.Served(),
		UptimeSec: int64(time.Since(s.started) / time.Second),
	})
}
