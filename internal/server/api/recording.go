package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ayusman/quforia/internal/store"
)

// RecordingHandler starts and stops session recording on /api/recording.
type RecordingHandler struct {
	recorder *store.Recorder
}

// NewRecordingHandler creates a new RecordingHandler for the given recorder.
func NewRecordingHandler(r *store.Recorder) *RecordingHandler {
	return &RecordingHandler{recorder: r}
}

type beginRecordingRequest struct {
	Name string `json:"name"`
}

type recordingResponse struct {
	Recording bool           `json:"recording"`
	Session   *store.Session `json:"session,omitempty"`
}

// ServeHTTP handles GET (state), POST (begin) and DELETE (end).
func (h *RecordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.state(w)
	case http.MethodPost:
		h.begin(w, r)
	case http.MethodDelete:
		h.end(w)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *RecordingHandler) state(w http.ResponseWriter) {
	sess := h.recorder.Active()
	writeJSON(w, http.StatusOK, recordingResponse{Recording: sess != nil, Session: sess})
}

func (h *RecordingHandler) begin(w http.ResponseWriter, r *http.Request) {
	var req beginRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	sess, err := h.recorder.Begin(req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start recording")
		return
	}
	writeJSON(w, http.StatusCreated, recordingResponse{Recording: true, Session: sess})
}

func (h *RecordingHandler) end(w http.ResponseWriter) {
	if err := h.recorder.End(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to stop recording")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
