package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/logging"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

const maxRequestBody = 64 << 10

// createImportRequest is the body of POST /api/imports.
type createImportRequest struct {
	UserID      string `json:"user_id"`
	CompanyID   string `json:"company_id"`
	BranchID    string `json:"branch_id"`
	FilePath    string `json:"file_path"`
	FileSize    int64  `json:"file_size"`
	Scope       string `json:"scope"`
	RecordLimit int64  `json:"record_limit"`
	Replace     bool   `json:"replace"`
}

// handleCreateImport registers a new import job. The Duplicate Guard
// answers 409 with the existing job.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	var req createImportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		respondError(w, r, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err), http.StatusBadRequest)
		return
	}

	job, err := s.service.StartImport(r.Context(), core.ImportRequest{
		UserID:      req.UserID,
		CompanyID:   req.CompanyID,
		BranchID:    req.BranchID,
		FilePath:    req.FilePath,
		FileSize:    req.FileSize,
		Scope:       sped.Scope(req.Scope),
		RecordLimit: req.RecordLimit,
		Replace:     req.Replace,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	logging.ForJob(r.Context(), job.ID, job.Branch, job.Period).Info("import requested", "file", job.FileName)
	w.Header().Set("Location", "/api/imports/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePauseImport(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.service.Pause)
}

func (s *Server) handleResumeImport(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.service.Resume)
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.service.Cancel)
}

// control runs a job command and answers with the resulting snapshot.
// A processing job answers before it reaches its next chunk boundary, so
// the snapshot may still show it processing with the control set.
func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*core.Job, error)) {
	job, err := op(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handlePurgeImport deletes a job with its raw records and consolidated rows.
func (s *Server) handlePurgeImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.service.Purge(r.Context(), id); err != nil {
		respondServiceError(w, r, err)
		return
	}
	logging.ForJob(r.Context(), id, "", "").Info("import purged")
	w.WriteHeader(http.StatusNoContent)
}

// staleResponse lists unfinished jobs that stopped making progress.
type staleResponse struct {
	Jobs  []*core.Job `json:"jobs"`
	Count int         `json:"count"`
}

func (s *Server) handleStaleImports(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.StaleJobs(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	writeJSON(w, http.StatusOK, staleResponse{Jobs: jobs, Count: len(jobs)})
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status  string            `json:"status"`
	Workers core.WorkerStatus `json:"workers"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Workers: s.service.Limiter().Status()}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Error = core.MapError(err).Message
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
