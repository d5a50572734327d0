package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/contentgen-gateway/internal/domain"
	"github.com/tjfontaine/contentgen-gateway/internal/storage"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

type runListResponse struct {
	Runs []*storage.RunRecord `json:"runs"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Status: storage.RunStatus(r.URL.Query().Get("status")),
		Limit:  defaultRunLimit,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest("limit must be a positive integer"))
			return
		}
		opts.Limit = min(n, maxRunLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, domain.ErrServer("failed to list runs"))
		return
	}
	if runs == nil {
		runs = []*storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runListResponse{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "generation_id", id)

	run, err := s.store.GetRun(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, domain.NewAPIError(domain.ErrorTypeNotFound, "run not found"))
		return
	case err != nil:
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, domain.ErrServer("failed to load run"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, apiErr *domain.APIError) {
	writeJSON(w, status, map[string]*domain.APIError{"error": apiErr})
}
