package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type createScheduleRequest struct {
	Request  string `json:"request"`
	CronExpr string `json:"cron_expr"`
	Timezone string `json:"timezone"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Request == "" || req.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"request\": \"...\", \"cron_expr\": \"...\"}")
		return
	}

	sched, err := s.schedules.Create(req.Request, req.CronExpr, req.Timezone)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.schedules.List())
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	s.schedules.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}
