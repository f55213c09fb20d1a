package app

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
)

// ProcessDefaults apply to processes started without explicit settings.
type ProcessDefaults struct {
	RetryInterval time.Duration
	TotalRetries  int
	TimedOutType  event.Type
}

type startProcessRequest struct {
	TenantID      string `json:"tenantId"`
	ProcessID     string `json:"processId"`
	Description   string `json:"description"`
	RetryInterval string `json:"retryInterval,omitempty"`
	TotalRetries  *int   `json:"totalRetries,omitempty"`
}

type processResponse struct {
	TrackerID       string    `json:"trackerId"`
	TenantID        string    `json:"tenantId"`
	ProcessID       string    `json:"processId"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	RetryCount      int       `json:"retryCount"`
	TotalRetries    int       `json:"totalRetries"`
	TimeoutOccursOn time.Time `json:"timeoutOccursOn"`
}

// processHandler starts, completes, and lists time-constrained processes:
//
//	POST /processes                                  start a process
//	GET  /processes/{tenant}                         list a tenant's processes
//	POST /processes/{tenant}/{process}/complete      mark a process done
type processHandler struct {
	store    storage.ProcessTrackerStore
	defaults ProcessDefaults
	clock    func() time.Time
	logf     func(string, ...any)
}

func newProcessHandler(store storage.ProcessTrackerStore, defaults ProcessDefaults, logf func(string, ...any)) *processHandler {
	if logf == nil {
		logf = log.Printf
	}
	return &processHandler{store: store, defaults: defaults, clock: time.Now, logf: logf}
}

func (h *processHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /processes", h.start)
	mux.HandleFunc("GET /processes/{tenant}", h.list)
	mux.HandleFunc("POST /processes/{tenant}/{process}/complete", h.complete)
}

func (h *processHandler) start(w http.ResponseWriter, r *http.Request) {
	var req startProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeProcessInvalid, "decode request", err))
		return
	}
	interval := h.defaults.RetryInterval
	if strings.TrimSpace(req.RetryInterval) != "" {
		parsed, err := time.ParseDuration(req.RetryInterval)
		if err != nil {
			h.writeError(w, apperrors.Wrap(apperrors.CodeProcessInvalid, "parse retry interval", err))
			return
		}
		interval = parsed
	}
	total := h.defaults.TotalRetries
	if req.TotalRetries != nil {
		total = *req.TotalRetries
	}
	tracker, err := process.New(req.TenantID, req.ProcessID, req.Description, h.clock(), interval, total, h.defaults.TimedOutType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.AddProcessTracker(r.Context(), &tracker); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProcessResponse(tracker))
}

func (h *processHandler) list(w http.ResponseWriter, r *http.Request) {
	trackers, err := h.store.AllProcessTrackersOf(r.Context(), r.PathValue("tenant"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]processResponse, 0, len(trackers))
	for _, tracker := range trackers {
		out = append(out, toProcessResponse(tracker))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *processHandler) complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracker, err := h.store.ProcessTrackerOf(ctx, r.PathValue("tenant"), r.PathValue("process"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	tracker.Complete()
	if err := h.store.SaveProcessTracker(ctx, &tracker); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessResponse(tracker))
}

func toProcessResponse(t process.Tracker) processResponse {
	return processResponse{
		TrackerID:       t.TrackerID,
		TenantID:        t.TenantID,
		ProcessID:       t.ProcessID,
		Description:     t.Description,
		Status:          string(t.Status()),
		RetryCount:      t.RetryCount,
		TotalRetries:    t.TotalRetries,
		TimeoutOccursOn: t.TimeoutOccursOn,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *processHandler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logf("processes: %v", err)
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
