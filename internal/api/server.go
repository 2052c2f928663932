// Package api exposes the HTTP surface: dataset upload/registry endpoints,
// session metadata and the streaming query endpoint.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"datastory/internal/capability"
	"datastory/internal/dataset"
	"datastory/internal/engine"
	"datastory/internal/logger"
	"datastory/internal/storage"
	"datastory/internal/stream"
	"datastory/pkg"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// Server wires the orchestration core to HTTP.
type Server struct {
	engine   *engine.Engine
	sessions storage.SessionStore
	datasets *dataset.Store
}

// NewServer creates the API server.
func NewServer(eng *engine.Engine, sessions storage.SessionStore, datasets *dataset.Store) *Server {
	return &Server{
		engine:   eng,
		sessions: sessions,
		datasets: datasets,
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/datasets", s.handleCreateDataset)
	r.Get("/datasets", s.handleListDatasets)
	r.Get("/datasets/{datasetID}/meta", s.handleGetDatasetMeta)
	r.Delete("/datasets/{datasetID}", s.handleDeleteDataset)

	r.Get("/sessions/{sessionID}", s.handleGetSession)
	r.Post("/sessions/{sessionID}/query", s.handleQuery)

	r.Handle("/metrics", promhttp.Handler())
	return r
}

type createDatasetResponse struct {
	dataset.Meta
	SessionID string `json:"session_id"`
}

// handleCreateDataset accepts a multipart CSV upload, profiles it, registers
// it and opens a conversation session bound to it.
func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	profile, err := capability.ProfileCSV(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not parse dataset: "+err.Error())
		return
	}

	description := r.FormValue("description")
	meta, err := s.datasets.Create(r.Context(), header.Filename, description, raw, profile)
	if err != nil {
		logger.Error().Err(err).Msg("dataset registration failed")
		writeError(w, http.StatusInternalServerError, "failed to register dataset")
		return
	}

	sessionID, err := s.sessions.Create(r.Context(), meta.ID, description)
	if err != nil {
		logger.Error().Err(err).Msg("session creation failed")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	// The upload already profiled the dataset; seed the cache so the first
	// query skips the profile call.
	if err := s.sessions.SetCachedProfile(r.Context(), sessionID, profile, meta.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to seed profile cache")
	}

	writeJSON(w, http.StatusCreated, createDatasetResponse{Meta: meta, SessionID: sessionID})
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	metas, err := s.datasets.List(r.Context(), skip, limit)
	if err != nil {
		logger.Error().Err(err).Msg("dataset listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list datasets")
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleGetDatasetMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.datasets.GetMeta(r.Context(), chi.URLParam(r, "datasetID"))
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dataset not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load dataset")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	err := s.datasets.Delete(r.Context(), chi.URLParam(r, "datasetID"))
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dataset not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete dataset")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, storage.Metadata(session))
}

type queryRequest struct {
	Query string `json:"query"`
}

// handleQuery starts a workflow run and streams its events until the
// terminal record. Client disconnect cancels the run via the request
// context.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a non-empty query")
		return
	}

	events, err := s.engine.SubmitQuery(r.Context(), chi.URLParam(r, "sessionID"), req.Query)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		logger.Error().Err(err).Msg("query submission failed")
		writeError(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := stream.NewWriter(w)
	sawFinal := false
	for event := range events {
		if err := writer.WriteEvent(event); err != nil {
			// Consumer gone; the request context cancellation stops the run.
			logger.Debug().Err(err).Msg("event stream write failed")
			return
		}
		if event.Kind == pkg.EventFinalResult {
			sawFinal = true
		}
	}
	if sawFinal {
		if err := writer.WriteDone(); err != nil {
			logger.Debug().Err(err).Msg("done record write failed")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
