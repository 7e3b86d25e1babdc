// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"axonflow/gateway/dispatch"
	"axonflow/gateway/shared/logger"
)

// Server owns the HTTP handlers and their shared dispatch core. Tests
// construct a Server around a dispatcher with mock backends; Run wires the
// production one.
type Server struct {
	dispatcher    *dispatch.Dispatcher
	log           *logger.Logger
	waitForResult time.Duration
	version       string
}

// NewServer creates the handler set over a dispatcher.
func NewServer(d *dispatch.Dispatcher, waitForResult time.Duration) *Server {
	if waitForResult <= 0 {
		waitForResult = 5 * time.Second
	}
	return &Server{
		dispatcher:    d,
		log:           logger.New("gateway"),
		waitForResult: waitForResult,
		version:       serviceVersion,
	}
}

// SubmissionResponse is the envelope returned for every AI submission.
type SubmissionResponse struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *dispatch.Error `json:"error,omitempty"`
	ProcessingTime *float64        `json:"processing_time,omitempty"`
}

// externalStatus maps internal job states to the envelope vocabulary:
// queued, running, completed, failed.
func externalStatus(s dispatch.JobState) string {
	switch s {
	case dispatch.JobSucceeded:
		return "completed"
	case dispatch.JobFailed, dispatch.JobCancelled, dispatch.JobTimedOut:
		return "failed"
	case dispatch.JobRunning, dispatch.JobAdmitted:
		return "running"
	default:
		return "queued"
	}
}

// submittable is implemented by every capability request record.
type submittable interface {
	Validate() error
}

// handleLLMCompletion submits capability llm_completion.
func (s *Server) handleLLMCompletion(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	s.submit(w, r, &req, func() (dispatch.Request, error) { return req.ToDispatch() })
}

// handleLLMChat submits capability llm_chat.
func (s *Server) handleLLMChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	s.submit(w, r, &req, func() (dispatch.Request, error) { return req.ToDispatch() })
}

// handleVisionAnalyze submits capability vision_analyze.
func (s *Server) handleVisionAnalyze(w http.ResponseWriter, r *http.Request) {
	var req VisionRequest
	s.submit(w, r, &req, func() (dispatch.Request, error) { return req.ToDispatch() })
}

// handleNLPProcess submits capability nlp_analyze.
func (s *Server) handleNLPProcess(w http.ResponseWriter, r *http.Request) {
	var req NLPRequest
	s.submit(w, r, &req, func() (dispatch.Request, error) { return req.ToDispatch() })
}

// handleDataProcess submits capability data_process.
func (s *Server) handleDataProcess(w http.ResponseWriter, r *http.Request) {
	var req DataRequest
	s.submit(w, r, &req, func() (dispatch.Request, error) { return req.ToDispatch() })
}

// submit decodes, validates and dispatches one submission, waiting up to
// the wait-for-result window before answering with a pollable job id.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req submittable, build func() (dispatch.Request, error)) {
	start := time.Now()

	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.sendError(w, dispatch.WrapError(dispatch.KindInvalidRequest, "request body is not valid JSON", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, err)
		return
	}
	dreq, err := build()
	if err != nil {
		s.sendError(w, err)
		return
	}

	opts := submitOptions(r)
	handle, err := s.dispatcher.Submit(r.Context(), dreq, opts)
	if err != nil {
		s.sendError(w, err)
		return
	}

	snapshot, done := handle.AwaitTimeout(s.waitForResult)
	resp := SubmissionResponse{
		JobID:  handle.ID(),
		Status: externalStatus(snapshot.State),
	}
	if done {
		elapsed := time.Since(start).Seconds()
		resp.ProcessingTime = &elapsed
		resp.Result = snapshot.Result
		resp.Error = snapshot.Error
	}

	status := http.StatusOK
	if !done {
		status = http.StatusAccepted
	} else if snapshot.Error != nil {
		status = snapshot.Error.Kind.HTTPStatus()
	}
	s.respondJSON(w, status, resp)
}

// submitOptions reads per-request dispatch options from query parameters.
func submitOptions(r *http.Request) dispatch.SubmitOptions {
	opts := dispatch.SubmitOptions{Priority: dispatch.PriorityNormal}
	q := r.URL.Query()
	if v := q.Get("allow_cache"); v != "" {
		opts.AllowCache, _ = strconv.ParseBool(v)
	}
	if q.Get("priority") == string(dispatch.PriorityHigh) {
		opts.Priority = dispatch.PriorityHigh
	}
	if v := q.Get("timeout_seconds"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			opts.Deadline = time.Duration(secs) * time.Second
		}
	}
	return opts
}

// JobResponse is the snapshot shape served by the jobs API.
type JobResponse struct {
	JobID      string          `json:"job_id"`
	Status     string          `json:"status"`
	State      string          `json:"state"`
	Capability string          `json:"capability"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Progress   float64         `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *dispatch.Error `json:"error,omitempty"`
}

func jobResponse(s dispatch.JobSnapshot) JobResponse {
	return JobResponse{
		JobID:      s.ID,
		Status:     externalStatus(s.State),
		State:      string(s.State),
		Capability: string(s.Capability),
		CreatedAt:  s.SubmitTS,
		StartedAt:  s.StartTS,
		FinishedAt: s.FinishTS,
		Progress:   s.Progress,
		Result:     s.Result,
		Error:      s.Error,
	}
}

// handleGetJob serves GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snapshot, ok := s.dispatcher.Get(id)
	if !ok {
		s.respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "job " + id + " not found",
		})
		return
	}
	s.respondJSON(w, http.StatusOK, jobResponse(snapshot))
}

// handleListJobs serves GET /jobs with status, capability and pagination
// filters.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := dispatch.ListFilter{
		State:      dispatch.JobState(q.Get("status")),
		Capability: dispatch.Capability(q.Get("capability")),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	jobs := s.dispatcher.List(filter)
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  out,
		"total": len(out),
	})
}

// handleCancelJob serves DELETE /jobs/{id}. Cancellation is idempotent.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.dispatcher.CancelJob(id) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "job " + id + " not found",
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "job " + id + " cancelled",
	})
}

// handleHealth serves the liveness summary with each backend's status and
// last probe time. Per-backend response times are not reported.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.dispatcher.Health()

	services := make(map[string]map[string]interface{}, len(report.Backends))
	overall := "healthy"
	for id, b := range report.Backends {
		services[id] = map[string]interface{}{
			"status": string(b.Status),
		}
		if !b.LastProbe.IsZero() {
			services[id]["last_probe"] = b.LastProbe.UTC()
		}
		if b.Status == dispatch.HealthUnhealthy {
			overall = "degraded"
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    overall,
		"service":   serviceName,
		"version":   s.version,
		"timestamp": time.Now().UTC(),
		"services":  services,
	})
}

// handleHealthComprehensive adds queue depths and cache stats to the
// backend health view.
func (s *Server) handleHealthComprehensive(w http.ResponseWriter, r *http.Request) {
	report := s.dispatcher.Health()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   serviceName,
		"version":   s.version,
		"timestamp": time.Now().UTC(),
		"backends":  report.Backends,
		"queue": map[string]int64{
			"depth": report.QueueDepth,
			"cap":   report.QueueCap,
		},
		"jobs_running": report.JobsRunning,
		"cache":        report.Cache,
	})
}

// handleReady reports readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

// handleLive reports liveness.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("", "encode response", map[string]interface{}{"error": err.Error()})
	}
}

// sendError writes the error envelope with the kind's external status.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	derr := dispatch.AsError(err)
	s.respondJSON(w, derr.Kind.HTTPStatus(), map[string]interface{}{
		"error": derr,
	})
}
