package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/robertof1lho/archestra-sub000/internal/interaction"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{"store": "disabled", "interaction_log": "disabled"}
		if s.store != nil {
			components["store"] = "ok"
			if err := s.store.Ping(r.Context()); err != nil {
				components["store"] = "error"
				resp["status"] = "degraded"
			}
		}
		if s.interactions != nil {
			components["interaction_log"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInteractionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := interaction.Filter{AgentID: q.Get("agent_id"), Limit: defaultListLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", name+" must be RFC3339")
			return
		}
		*dst = t
	}

	list, err := s.interactions.List(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("interaction_list_failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to list interactions")
		return
	}
	summaries := make([]interaction.Summary, 0, len(list))
	for i := range list {
		summaries = append(summaries, list[i].Summarize())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"interactions": summaries, "count": len(summaries)})
}

func (s *Server) handleInteractionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, err := s.interactions.Get(r.Context(), id)
	if errors.Is(err, interaction.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "interaction not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("interaction_id", id).Msg("interaction_get_failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load interaction")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleInteractionVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.interactions.Verify(r.Context(), id)
	if errors.Is(err, interaction.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "interaction not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("interaction_id", id).Msg("interaction_verify_failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to verify interaction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}
