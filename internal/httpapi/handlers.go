package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/config"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/service"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

// maxBodyBytes bounds submitted request bodies.
const maxBodyBytes = 8 << 20

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req service.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": run.Payload.BatchID,
		"run":      run,
	})
}

// handleBatch serves /api/batches/{id} and its sub-resources.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/batches/"), "/")
	batchID, action, _ := strings.Cut(rest, "/")
	if decoded, err := url.PathUnescape(batchID); err == nil {
		batchID = decoded
	}
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "missing batch id")
		return
	}

	switch action {
	case "":
		s.handleBatchDetail(w, r, batchID)
	case "resume":
		s.handleBatchResume(w, r, batchID)
	case "checkpoint":
		s.handleBatchCheckpoint(w, r, batchID)
	case "cards":
		s.handleBatchCards(w, r, batchID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleBatchDetail(w http.ResponseWriter, r *http.Request, batchID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	view, err := s.pipeline.Batch(r.Context(), batchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBatchResume(w http.ResponseWriter, r *http.Request, batchID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run, created, err := s.pipeline.Resume(r.Context(), batchID, service.SourceAPI)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"created": created,
		"run":     run,
	})
}

func (s *Server) handleBatchCheckpoint(w http.ResponseWriter, r *http.Request, batchID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cp, err := s.pipeline.Checkpoint(r.Context(), batchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "no checkpoint for batch")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleBatchCards(w http.ResponseWriter, r *http.Request, batchID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	page, err := s.pipeline.Cards(r.Context(), batchID, offset, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if page == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Runs())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	run, ok := s.pipeline.Run(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Progress())
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	scope, err := cache.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	removed, err := s.pipeline.ClearCache(r.Context(), scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   scope,
		"removed": removed,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.pipeline.CacheStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type warmRequest struct {
	VocabularyIDs []int64 `json:"vocabulary_ids"`
}

func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req warmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.VocabularyIDs) == 0 {
		writeError(w, http.StatusBadRequest, "vocabulary_ids is required")
		return
	}
	stats, err := s.pipeline.WarmCache(r.Context(), req.VocabularyIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		info, err := s.pipeline.SweepInfo()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled":  info != nil,
			"schedule": info,
		})
	case http.MethodPost:
		queued, err := s.pipeline.Sweep(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued": queued,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings.Masked())
	case http.MethodPut:
		var req config.RuntimeSettings
		if !decodeBody(w, r, &req) {
			return
		}
		current, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Clients echo the masked key back when they do not change it.
		if req.LLMAPIKey == "" || req.LLMAPIKey == current.Masked().LLMAPIKey {
			req.LLMAPIKey = current.LLMAPIKey
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.apply != nil {
			if err := s.apply(saved); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, saved.Masked())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsErrorType(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.IsRetryable(err):
		log.Warn("Request failed with retryable error: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
