package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/forgeq/app/bridge"
	"github.com/umputun/forgeq/app/enums"
	"github.com/umputun/forgeq/app/queue"
	"github.com/umputun/forgeq/app/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobRequest is the JSON body of job submission, image is base64 encoded
type JobRequest struct {
	Type      enums.JobType `json:"type"`
	Prompt    string        `json:"prompt,omitempty"`
	Image     []byte        `json:"image,omitempty"`
	ImageName string        `json:"image_name,omitempty"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	Steps     int           `json:"steps,omitempty"`
	Preset    string        `json:"preset,omitempty"`
	ProjectID string        `json:"project_id,omitempty"`
}

// JobResponse is a job with its execution sessions
type JobResponse struct {
	store.Job
	Position int                   `json:"position,omitempty"`
	Sessions []store.SessionRecord `json:"sessions"`
}

// CancelResponse is the result of job cancellation
type CancelResponse struct {
	JobID     string          `json:"job_id"`
	Cancelled bool            `json:"cancelled"` // false for processing jobs, they fail once their session returns
	Status    enums.JobStatus `json:"status"`
}

// handleCreateJob accepts a json body or a multipart form with the "image" file for mesh jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	var err error
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		req, err = s.parseJobForm(r)
	} else {
		err = decodeJSON(r, &req)
	}
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" && len(req.Image) > 0 {
		req.Type = enums.JobTypeMesh
	}

	ticket, err := s.Scheduler.Enqueue(r.Context(), queue.Request{Type: req.Type, Prompt: req.Prompt, Image: req.Image,
		ImageName: req.ImageName, Width: req.Width, Height: req.Height, Steps: req.Steps, Preset: req.Preset,
		ProjectID: req.ProjectID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, ticket)
}

func (s *Server) parseJobForm(r *http.Request) (JobRequest, error) {
	if err := r.ParseMultipartForm(s.MaxBodySize); err != nil {
		return JobRequest{}, fmt.Errorf("invalid multipart form: %w", err)
	}
	req := JobRequest{Type: enums.JobType(r.FormValue("type")), Prompt: r.FormValue("prompt"),
		Preset: r.FormValue("preset"), ProjectID: r.FormValue("project_id")}

	for name, dst := range map[string]*int{"width": &req.Width, "height": &req.Height, "steps": &req.Steps} {
		v := r.FormValue(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return JobRequest{}, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = n
	}

	file, hdr, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return JobRequest{}, fmt.Errorf("can't read image: %w", err)
	}
	defer file.Close()
	if req.Image, err = io.ReadAll(io.LimitReader(file, bridge.MaxImageBytes+1)); err != nil {
		return JobRequest{}, fmt.Errorf("can't read image: %w", err)
	}
	req.ImageName = hdr.Filename
	return req, nil
}

// handleListJobs returns job history, newest first. Filters: status, type, project_id, limit, offset
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{ProjectID: q.Get("project_id"), Limit: defaultListLimit}
	var err error
	if v := q.Get("status"); v != "" {
		if filter.Status, err = enums.ParseJobStatus(v); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("type"); v != "" {
		if filter.Type, err = enums.ParseJobType(v); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if filter.Limit, err = queryInt(q.Get("limit"), defaultListLimit, 1, maxListLimit); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset"), 0, 0, -1); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid offset: "+err.Error())
		return
	}

	jobs, err := s.Store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.Store.GetJob(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := JobResponse{Job: job}
	if job.Status == enums.JobStatusQueued {
		if resp.Position, err = s.Store.QueuePosition(ctx, job.ID); err != nil {
			log.Printf("[WARN] can't get position of job %s, %v", job.ID, err)
		}
	}
	if resp.Sessions, err = s.Store.SessionsByJob(ctx, job.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.Scheduler.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := CancelResponse{JobID: id, Cancelled: ok}
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Status = job.Status
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	s.writeQueueStatus(w, r)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.Scheduler.Pause()
	s.writeQueueStatus(w, r)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.Scheduler.Resume()
	s.writeQueueStatus(w, r)
}

func (s *Server) writeQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Scheduler.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleBridgeInfo answers with the last known bridge state, never calls the engine
func (s *Server) handleBridgeInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Engine.Info())
}

// handleBridgeStart is an explicit start, the only way out of unavailable and error states.
// the start is detached from the request so a client disconnect doesn't abort the engine launch.
func (s *Server) handleBridgeStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.StartTimeout)
	defer cancel()
	if err := s.Engine.Start(ctx); err != nil {
		log.Printf("[WARN] bridge start requested by %s failed, %v", r.RemoteAddr, err)
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Engine.Info())
}

func (s *Server) handleMaterialPresets(w http.ResponseWriter, r *http.Request) {
	list, err := s.Engine.MaterialPresets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"presets": list})
}

// handlePresets lists generation presets usable in job submission
func (s *Server) handlePresets(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"presets": s.Presets.List()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// queryInt parses an optional query value within [lo, hi], hi < 0 means no upper bound
func queryInt(v string, def, lo, hi int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", v)
	}
	if n < lo || (hi >= 0 && n > hi) {
		return 0, fmt.Errorf("%d is out of range", n)
	}
	return n, nil
}
