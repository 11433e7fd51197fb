package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/lukasbauer/scribe/internal/store"
)

func (r *Router) handleListTranscriptions(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	items, err := r.store.ListTranscriptions(req.Context(), limit)
	if err != nil {
		r.logger.Printf("httpapi: list transcriptions: %v", err)
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.Transcription{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Router) handleGetTranscription(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}
	t, err := r.store.GetTranscription(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Printf("httpapi: get transcription: %v", err)
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (r *Router) handleListSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, 200)
	if err != nil {
		r.logger.Printf("httpapi: list session events: %v", err)
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
