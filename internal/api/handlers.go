package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/scheduler"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// JobSummary is one row of GET /enrichment.
type JobSummary struct {
	scheduler.JobInfo
	Checkpoint *model.Checkpoint `json:"checkpoint,omitempty"`
}

// JobStatus is the body of GET /enrichment/{job}/status.
type JobStatus struct {
	scheduler.JobInfo
	Checkpoint *model.Checkpoint         `json:"checkpoint,omitempty"`
	Quotas     []model.SourceQuota       `json:"quotas"`
	Circuits   map[model.SourceID]string `json:"circuits"`
	Health     map[model.SourceID]bool   `json:"health,omitempty"`
	Stalls     []model.StallEvent        `json:"stalls"`
}

type resolveRequest struct {
	Value      string `json:"value"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	cps, err := s.deps.Store.ListCheckpoints(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	byName := make(map[string]*model.Checkpoint, len(cps))
	for i := range cps {
		byName[cps[i].JobName] = &cps[i]
	}

	jobs := s.deps.Scheduler.Jobs()
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{JobInfo: j, Checkpoint: byName[j.Name]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	info, ok := s.deps.Scheduler.Lookup(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, eris.Wrapf(scheduler.ErrUnknownJob, "api: %s", name))
		return
	}
	ctx := r.Context()
	status := JobStatus{JobInfo: info}

	if info.Checkpointed {
		cp, err := s.deps.Store.GetCheckpoint(ctx, name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		status.Checkpoint = cp
	}

	quotas, err := s.deps.Quota.Snapshot(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	status.Quotas = quotas

	status.Circuits = make(map[model.SourceID]string)
	for src, st := range s.deps.Breakers.States() {
		status.Circuits[src] = st.String()
	}

	stalls, err := s.deps.Store.ListStalls(ctx, name, 20)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	status.Stalls = stalls

	if r.URL.Query().Get("health") != "false" && s.deps.Sources != nil {
		hctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
		status.Health = s.deps.Sources.Health(hctx)
		cancel()
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if err := s.deps.Scheduler.Start(r.Context(), name); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "signal": string(model.SignalRun)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if err := s.deps.Scheduler.Pause(r.Context(), name); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "signal": string(model.SignalPause)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if err := s.deps.Scheduler.Stop(r.Context(), name); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "signal": string(model.SignalStop)})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	f := model.DLQFilter{
		Status:   model.DLQStatus(r.URL.Query().Get("status")),
		EntityID: queryInt64(r, "entity_id"),
		Limit:    queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("source"); v != "" {
		src, err := model.ParseSource(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Source = src
	}
	entries, err := s.deps.Store.ListDLQ(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	if err := s.deps.Store.RequeueDLQ(ctx, id, s.nowFunc()); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	entry, err := s.deps.Store.GetDLQ(ctx, id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.QuarantineFilter{
		Status:   model.QuarantineStatus(q.Get("status")),
		Reason:   model.QuarantineReason(q.Get("reason")),
		EntityID: queryInt64(r, "entity_id"),
		Limit:    queryInt(r, "limit", 100),
	}
	if f.Status == "" {
		f.Status = model.QuarantinePending
	}
	entries, err := s.deps.Store.ListQuarantine(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleResolveQuarantine(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	req.Value = strings.TrimSpace(req.Value)
	if req.Value == "" || req.ResolvedBy == "" {
		s.writeError(w, http.StatusBadRequest, eris.New("value and resolved_by are required"))
		return
	}
	entry, err := s.deps.Cleaner.Resolve(r.Context(), chi.URLParam(r, "id"), req.Value, req.ResolvedBy)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
