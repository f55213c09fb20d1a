package notification

import (
	"encoding/json"
	"log"
	"net/http"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
)

// Handler serves the notification feed:
//
//	GET /notifications            current log
//	GET /notifications/{low,high} one log by id
type Handler struct {
	logs *LogFactory
	logf func(string, ...any)
	mux  *http.ServeMux
}

// NewHandler returns the feed handler. logf defaults to log.Printf.
func NewHandler(logs *LogFactory, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = log.Printf
	}
	h := &Handler{logs: logs, logf: logf, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /notifications", h.current)
	h.mux.HandleFunc("GET /notifications/{id}", h.byID)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	current, err := h.logs.CurrentLog(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (h *Handler) byID(w http.ResponseWriter, r *http.Request) {
	id, err := ParseLogID(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	found, err := h.logs.Log(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Archived logs never change.
	if found.Archived {
		w.Header().Set("Cache-Control", "max-age=3600")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	writeJSON(w, http.StatusOK, found)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logf("notification feed: %v", err)
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
