package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/governance"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/syncer"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = localdb.MaxPayloadSize

type statusResponse struct {
	syncer.Snapshot
	CacheVersion int  `json:"cache_version"`
	Ready        bool `json:"ready"`
}

func (s *Server) status() statusResponse {
	return statusResponse{
		Snapshot:     s.coordinator.Snapshot(),
		CacheVersion: s.interceptor.ActiveVersion(),
		Ready:        s.interceptor.Ready(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "reconnect")

	// A failed sync after a successful reconnect shows up as status "error".
	if err := s.coordinator.Reconnect(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, struct {
			statusResponse
			Error string `json:"error"`
		}{s.status(), err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

type syncResponse struct {
	Replayed   int    `json:"replayed"`
	Skipped    bool   `json:"skipped"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")

	res, err := s.coordinator.SyncPendingChanges(r.Context())
	body := syncResponse{Replayed: res.Replayed, Skipped: res.Skipped, DurationMS: res.Duration.Milliseconds()}
	switch {
	case err != nil:
		body.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, body)
	case res.Skipped:
		writeJSON(w, http.StatusConflict, body)
	default:
		writeJSON(w, http.StatusOK, body)
	}
}

type pendingRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleAddPending(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "add_pending")

	var req pendingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}

	action, err := s.coordinator.AddPendingChange(r.Context(), req.Type, req.Payload)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (s *Server) handleClearPending(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear_pending")

	if err := s.coordinator.ClearPendingChanges(r.Context()); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_stats")

	report, err := s.governance.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClearCollection(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear_collection")

	if err := s.governance.ClearCollection(r.Context(), r.PathValue("collection")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear_all")

	if err := s.governance.ClearAll(r.Context()); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cleanup")

	keep := s.config.MaxCards
	if keep <= 0 {
		keep = governance.DefaultConfig().MaxCards
	}
	if v := r.URL.Query().Get("keep"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid keep: %q", v))
			return
		}
		keep = n
	}

	deleted, err := s.governance.CleanupOldCards(r.Context(), keep)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted, "kept": keep})
}

type entityResponse struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	CachedAt     time.Time       `json:"cached_at"`
	LastAccessed time.Time       `json:"last_accessed"`
	UpdatedAt    time.Time       `json:"updated_at,omitzero"`
	Digest       string          `json:"digest"`
}

func toEntity(rec *localdb.CachedRecord) entityResponse {
	return entityResponse{
		ID:           rec.ID,
		Payload:      rec.Payload,
		CachedAt:     rec.CachedAt,
		LastAccessed: rec.LastAccessed,
		UpdatedAt:    rec.UpdatedAt,
		Digest:       rec.Digest,
	}
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list_entities")
	collection := r.PathValue("collection")
	q := r.URL.Query()

	var (
		records []*localdb.CachedRecord
		err     error
	)
	if index := q.Get("index"); index != "" {
		records, err = s.db.GetByIndex(r.Context(), collection, index, q.Get("value"))
	} else {
		limit := 0
		if v := q.Get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %q", v))
				return
			}
		}
		records, err = s.db.GetAll(r.Context(), collection, limit)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]entityResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toEntity(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_entity")
	collection, id := r.PathValue("collection"), r.PathValue("id")

	// Touch before reading so the response carries the new access time.
	// Missing records are reported by Get below.
	err := s.db.TouchOnRead(r.Context(), collection, id)
	if err != nil && !errors.Is(err, localdb.ErrNotFound) && !errors.Is(err, localdb.ErrUnknownCollection) {
		s.logger.Warn("failed to update last accessed", "collection", collection, "id", id, "error", err)
	}

	rec, err := s.db.Get(r.Context(), collection, id)
	if err != nil {
		if errors.Is(err, localdb.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
		}
		s.writeStoreError(w, err)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	writeJSON(w, http.StatusOK, toEntity(rec))
}

func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "put_entity")
	collection, id := r.PathValue("collection"), r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reading body: %w", err))
		return
	}
	if len(body) > maxRequestBody {
		writeError(w, http.StatusRequestEntityTooLarge, localdb.ErrPayloadTooLarge)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("payload must be JSON"))
		return
	}

	rec := &localdb.CachedRecord{ID: id, Payload: body}
	if v := r.URL.Query().Get("updated_at"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid updated_at: %w", err))
			return
		}
		rec.UpdatedAt = t
	}

	stored, err := s.db.CacheEntity(r.Context(), collection, rec)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntity(stored))
}

// handleResource serves /r/{class}/{key...} through the interceptor. The
// key is the origin path, including the query string.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "resource")

	class, err := strategy.ParseClass(r.PathValue("class"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key := "/" + r.PathValue("key")
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}

	resp := s.interceptor.Handle(r.Context(), strategy.Request{
		Key:          key,
		Class:        class,
		Navigational: intercept.IsNavigational(r),
	})

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache-Source", string(resp.Source))
	if !resp.StoredAt.IsZero() {
		w.Header().Set("X-Cached-At", resp.StoredAt.UTC().Format(time.RFC3339))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// writeStoreError maps store and sync errors to HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, localdb.ErrNotFound),
		errors.Is(err, localdb.ErrUnknownCollection),
		errors.Is(err, localdb.ErrUnknownIndex):
		code = http.StatusNotFound
	case errors.Is(err, localdb.ErrPayloadTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, offlinecache.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, code, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
