package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/semcache/manager"
	"github.com/kalambet/semcache/model"
)

const maxRequestBodySize = 8 << 20 // embeddings travel in the body

// newCacheHandler returns the HTTP surface over a data manager. Clients
// supply embeddings; the daemon never computes them.
func newCacheHandler(mgr *manager.Manager) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/v1/entries", handleInsert(mgr))
	r.Get("/v1/entries/{id}", handleGet(mgr))
	r.Post("/v1/entries/delete", handleDelete(mgr))
	r.Post("/v1/search", handleSearch(mgr))
	r.Post("/v1/compact", handleCompact(mgr))
	r.Get("/v1/count", handleCount(mgr))
	r.Get("/v1/sessions", handleListSessions(mgr))
	r.Post("/v1/sessions/delete", handleDeleteSessions(mgr))
	r.Post("/v1/flush", handleFlush(mgr))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type insertRequest struct {
	Entries []*model.CacheEntry `json:"entries"`
}

func handleInsert(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req insertRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Entries) == 0 {
			httpError(w, http.StatusBadRequest, "entries is required and must not be empty")
			return
		}
		for i, e := range req.Entries {
			if len(e.Embedding) == 0 {
				httpError(w, http.StatusBadRequest, "entry %d has no embedding", i)
				return
			}
		}

		ids, err := mgr.Insert(r.Context(), req.Entries)
		if err != nil {
			// A failed eviction pass leaves the inserted entries durable;
			// the client still gets its ids.
			if !errors.Is(err, manager.ErrEviction) || len(ids) == 0 {
				storageError(w, err)
				return
			}
		}
		respondJSON(w, map[string]any{"ids": ids})
	}
}

func handleGet(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid entry id")
			return
		}

		e, err := mgr.GetByID(r.Context(), id)
		if errors.Is(err, manager.ErrNotFound) {
			httpError(w, http.StatusNotFound, "entry %d not found", id)
			return
		}
		if err != nil {
			storageError(w, err)
			return
		}
		respondJSON(w, e)
	}
}

type deleteRequest struct {
	IDs []int64 `json:"ids"`
}

func handleDelete(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deleteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := mgr.MarkDeleted(r.Context(), req.IDs...); err != nil {
			storageError(w, err)
			return
		}
		respondJSON(w, map[string]any{"deleted": len(req.IDs)})
	}
}

type searchRequest struct {
	Embedding []float32 `json:"embedding"`
	TopK      int       `json:"top_k"`
	Threshold float32   `json:"threshold"`
}

type searchResult struct {
	Entry    *model.CacheEntry `json:"entry"`
	Distance float32           `json:"distance"`
}

func handleSearch(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Embedding) == 0 {
			httpError(w, http.StatusBadRequest, "embedding is required")
			return
		}
		if req.TopK <= 0 {
			req.TopK = 1
		}

		cands, err := mgr.Search(r.Context(), req.Embedding, req.TopK, req.Threshold)
		if err != nil {
			storageError(w, err)
			return
		}
		results := make([]searchResult, len(cands))
		for i, c := range cands {
			results[i] = searchResult{Entry: c.Entry, Distance: c.Distance}
		}
		respondJSON(w, map[string]any{"results": results})
	}
}

func handleCompact(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.ClearDeletedData(r.Context()); err != nil {
			storageError(w, err)
			return
		}
		respondJSON(w, map[string]any{"status": "ok"})
	}
}

func handleCount(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeDeleted := r.URL.Query().Get("include_deleted") == "true"
		n, err := mgr.Count(r.Context(), includeDeleted)
		if err != nil {
			storageError(w, err)
			return
		}
		respondJSON(w, map[string]any{"count": n})
	}
}

func handleListSessions(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		var entryID int64
		if raw := r.URL.Query().Get("entry_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid entry_id")
				return
			}
			entryID = id
		}

		links, err := mgr.ListSessions(r.Context(), sessionID, entryID)
		if err != nil {
			storageError(w, err)
			return
		}
		respondJSON(w, map[string]any{"sessions": links})
	}
}

func handleDeleteSessions(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deleteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := mgr.DeleteSession(r.Context(), req.IDs...); err != nil {
			storageError(w, err)
			return
		}
		respondJSON(w, map[string]any{"status": "ok"})
	}
}

func handleFlush(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Flush(r.Context()); err != nil {
			storageError(w, err)
			return
		}
		respondJSON(w, map[string]any{"status": "ok"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// storageError maps manager errors onto status codes: timeouts are the
// gateway's fault, consistency violations and the rest are ours.
func storageError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, manager.ErrTimeout) {
		status = http.StatusGatewayTimeout
	}
	httpError(w, status, "%v", err)
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf(format, args...)})
}
