package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
)

const (
	maxRequestBody = 1 << 20
	indexFile      = "index.html"

	msgNoJSON  = "No JSON data received"
	msgAborted = "Operation aborted"
)

// RegisterRoutes mounts every endpoint on r. Both spellings of the start and
// stream routes are served.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)

	r.Post("/start-scrape", s.handleStart)
	r.Post("/scrape", s.handleStart)
	r.Get("/stream-logs", s.handleStream)
	r.Get("/stream", s.handleStream)
	r.Post("/abort", s.handleAbort)
}

// handleStart runs a harvest synchronously and answers with its outcome.
// The run is not tied to the request context; /abort is the way to stop it.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}

	s.logger.Info("Scrape requested.",
		zap.String("folder", req.FolderName),
		zap.Int("tables", len(req.TableURLs)),
		zap.Int("start_offset", req.StartIndex.Offset()))

	outcome := s.runner.Run(r.Context(), req)
	s.respondJSON(w, statusFor(outcome.Kind), outcome)
}

func (s *Server) decodeRunRequest(w http.ResponseWriter, r *http.Request) (schemas.RunRequest, bool) {
	var req schemas.RunRequest

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, schemas.RunOutcome{Error: msgNoJSON, Details: err.Error()})
		return req, false
	}

	// An empty object counts as no data at all.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &fields); err != nil || len(fields) == 0 {
		s.respondJSON(w, http.StatusBadRequest, schemas.RunOutcome{Error: msgNoJSON})
		return req, false
	}

	if err := json.Unmarshal(body, &req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, schemas.RunOutcome{Error: "Invalid request fields", Details: err.Error()})
		return req, false
	}
	return req, true
}

// handleStream forwards progress lines until the run is over and every
// buffered line has been sent, or until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, schemas.RunOutcome{Error: err.Error()})
		return
	}

	sess := s.runner.Session()
	ctx := r.Context()
	sent := 0
	for {
		line, ok, err := sess.Log().Next(ctx, s.cfg.StreamPollInterval)
		if err != nil {
			s.logger.Debug("Stream client disconnected.", zap.Int("lines", sent))
			return
		}
		if ok {
			if err := sse.WriteData(line); err != nil {
				s.logger.Debug("Stream write failed.", zap.Error(err))
				return
			}
			sent++
			continue
		}
		if !sess.Active() && sess.Log().Len() == 0 {
			s.logger.Debug("Stream finished.", zap.Int("lines", sent))
			return
		}
	}
}

// handleAbort always succeeds, whether or not a run is active. The run slot
// stays taken until the aborted run returns, so a start sent right after an
// abort can get 409 and should be retried.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.runner.Abort()
	s.respondJSON(w, http.StatusOK, map[string]string{"message": msgAborted})
}

type healthResponse struct {
	Status string `json:"status"`
	Active bool   `json:"active"`
	Busy   bool   `json:"busy"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sess := s.runner.Session()
	s.respondJSON(w, http.StatusOK, healthResponse{Status: "ok", Active: sess.Active(), Busy: sess.Busy()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StaticDir == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, indexFile))
}

// statusFor maps an outcome kind onto an HTTP status code.
func statusFor(kind schemas.OutcomeKind) int {
	switch kind {
	case schemas.KindSuccess:
		return http.StatusOK
	case schemas.KindValidation, schemas.KindConfiguration:
		return http.StatusBadRequest
	case schemas.KindBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
