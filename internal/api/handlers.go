// Package api exposes the engine over HTTP for workers and clients.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/attempts"
	"github.com/runforge/runforge/internal/dequeue"
	"github.com/runforge/runforge/internal/httputil"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/snapshots"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/trigger"
	"github.com/runforge/runforge/internal/waitpoints"
)

type API struct {
	store      store.Store
	trigger    *trigger.System
	dequeue    *dequeue.System
	attempts   *attempts.System
	snapshots  *snapshots.System
	waitpoints *waitpoints.System
	mux        *http.ServeMux
}

func NewAPI(st store.Store, trig *trigger.System, deq *dequeue.System, att *attempts.System, snaps *snapshots.System, wps *waitpoints.System) *API {
	api := &API{
		store:      st,
		trigger:    trig,
		dequeue:    deq,
		attempts:   att,
		snapshots:  snaps,
		waitpoints: wps,
		mux:        http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/runs", a.handleRuns)
	a.mux.HandleFunc("/api/runs/", a.handleRunByID)
	a.mux.HandleFunc("/api/dequeue", a.handleDequeue)
	a.mux.HandleFunc("/api/waitpoints", a.handleWaitpoints)
	a.mux.HandleFunc("/api/waitpoints/", a.handleWaitpointByID)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req trigger.Request
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	created, err := a.trigger.Trigger(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrEnvNotFound) {
			httputil.WriteJSONError(w, "Environment not found", http.StatusNotFound)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (a *API) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	runID, action, _ := strings.Cut(rest, "/")
	if runID == "" {
		httputil.WriteJSONError(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.getRun(w, r, runID)
	case action == "attempts/start" && r.Method == http.MethodPost:
		a.startAttempt(w, r, runID)
	case action == "attempts/complete" && r.Method == http.MethodPost:
		a.completeAttempt(w, r, runID)
	case action == "heartbeat" && r.Method == http.MethodPost:
		a.heartbeat(w, r, runID)
	case action == "block" && r.Method == http.MethodPost:
		a.blockRun(w, r, runID)
	case action == "cancel" && r.Method == http.MethodPost:
		a.cancelRun(w, r, runID)
	default:
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	found, err := a.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		httputil.WriteJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	snapshot, err := a.snapshots.Latest(r.Context(), runID)
	if err != nil && !errors.Is(err, store.ErrNoSnapshot) {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run":      found,
		"snapshot": snapshot,
	})
}

type startAttemptRequest struct {
	SnapshotID string `json:"snapshot_id"`
	RunnerID   string `json:"runner_id"`
}

func (a *API) startAttempt(w http.ResponseWriter, r *http.Request, runID string) {
	var req startAttemptRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SnapshotID == "" {
		httputil.WriteJSONError(w, "Snapshot ID is required", http.StatusBadRequest)
		return
	}

	result, err := a.attempts.Start(r.Context(), runID, req.SnapshotID, req.RunnerID)
	if err != nil {
		writeAttemptError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

type completeAttemptRequest struct {
	SnapshotID string              `json:"snapshot_id"`
	Completion attempts.Completion `json:"completion"`
}

func (a *API) completeAttempt(w http.ResponseWriter, r *http.Request, runID string) {
	var req completeAttemptRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SnapshotID == "" {
		httputil.WriteJSONError(w, "Snapshot ID is required", http.StatusBadRequest)
		return
	}

	outcome, err := a.attempts.Complete(r.Context(), runID, req.SnapshotID, req.Completion)
	if err != nil {
		writeAttemptError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, outcome)
}

type heartbeatRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request, runID string) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	alive, err := a.snapshots.Heartbeat(r.Context(), runID, req.SnapshotID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"accepted": alive})
}

type blockRunRequest struct {
	WaitpointIDs     []string `json:"waitpoint_ids"`
	SpanIDToComplete string   `json:"span_id_to_complete,omitempty"`
	BatchID          string   `json:"batch_id,omitempty"`
	BatchIndex       *int     `json:"batch_index,omitempty"`
}

func (a *API) blockRun(w http.ResponseWriter, r *http.Request, runID string) {
	var req blockRunRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.WaitpointIDs) == 0 {
		httputil.WriteJSONError(w, "At least one waitpoint ID is required", http.StatusBadRequest)
		return
	}

	snapshot, err := a.waitpoints.BlockRunWithWaitpoint(r.Context(), runID, req.WaitpointIDs, waitpoints.BlockOptions{
		SpanIDToComplete: req.SpanIDToComplete,
		BatchID:          req.BatchID,
		BatchIndex:       req.BatchIndex,
	})
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			httputil.WriteJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	snapshot, err := a.attempts.Cancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) || errors.Is(err, store.ErrNoSnapshot) {
			httputil.WriteJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snapshot == nil {
		// Already finished; nothing to cancel.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

type dequeueRequest struct {
	ConsumerID  string `json:"consumer_id"`
	WorkerQueue string `json:"worker_queue"`
}

func (a *API) handleDequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dequeueRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.WorkerQueue == "" {
		httputil.WriteJSONError(w, "Worker queue is required", http.StatusBadRequest)
		return
	}

	msg, err := a.dequeue.DequeueFromWorkerQueue(r.Context(), req.ConsumerID, req.WorkerQueue)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, msg)
}

type createWaitpointRequest struct {
	Type                  run.WaitpointType `json:"type"`
	EnvironmentID         string            `json:"environment_id"`
	CompletedAfter        *time.Time        `json:"completed_after,omitempty"`
	Timeout               *time.Time        `json:"timeout,omitempty"`
	IdempotencyKey        string            `json:"idempotency_key,omitempty"`
	IdempotencyKeyExpires *time.Time        `json:"idempotency_key_expires,omitempty"`
	Tags                  []string          `json:"tags,omitempty"`
}

func (a *API) handleWaitpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createWaitpointRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.EnvironmentID == "" {
		httputil.WriteJSONError(w, "Environment ID is required", http.StatusBadRequest)
		return
	}

	opts := waitpoints.CreateOptions{
		IdempotencyKey:        req.IdempotencyKey,
		IdempotencyKeyExpires: req.IdempotencyKeyExpires,
		Tags:                  req.Tags,
	}

	var (
		wp     *run.Waitpoint
		cached bool
		err    error
	)
	switch req.Type {
	case run.WaitpointTypeDateTime:
		if req.CompletedAfter == nil {
			httputil.WriteJSONError(w, "completed_after is required for DATETIME waitpoints", http.StatusBadRequest)
			return
		}
		wp, cached, err = a.waitpoints.CreateDateTimeWaitpoint(r.Context(), req.EnvironmentID, *req.CompletedAfter, opts)
	case run.WaitpointTypeManual, "":
		wp, cached, err = a.waitpoints.CreateManualWaitpoint(r.Context(), req.EnvironmentID, req.Timeout, opts)
	default:
		httputil.WriteJSONError(w, "Unsupported waitpoint type", http.StatusBadRequest)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, wp)
}

type completeWaitpointRequest struct {
	Output           *run.WaitpointOutput `json:"output,omitempty"`
	CompletedByRunID string               `json:"completed_by_run_id,omitempty"`
}

func (a *API) handleWaitpointByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/waitpoints/")
	wpID, action, _ := strings.Cut(rest, "/")
	if wpID == "" {
		httputil.WriteJSONError(w, "Waitpoint ID is required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		wp, err := a.store.GetWaitpoint(r.Context(), wpID)
		if errors.Is(err, store.ErrWaitpointNotFound) {
			httputil.WriteJSONError(w, "Waitpoint not found", http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, wp)
	case action == "complete" && r.Method == http.MethodPost:
		var req completeWaitpointRequest
		if err := decodeBody(r, &req); err != nil {
			httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		wp, err := a.waitpoints.CompleteWaitpoint(r.Context(), wpID, waitpoints.CompleteOptions{
			Output:           req.Output,
			CompletedByRunID: req.CompletedByRunID,
		})
		if errors.Is(err, store.ErrWaitpointNotFound) {
			httputil.WriteJSONError(w, "Waitpoint not found", http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, wp)
	default:
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
	}
}

func writeAttemptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, store.ErrNoSnapshot):
		httputil.WriteJSONError(w, "Run not found", http.StatusNotFound)
	case errors.Is(err, attempts.ErrStaleSnapshot):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
	default:
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
