// Package api is the REST surface for session management. Status reads
// answer from the snapshot store; control actions go through the engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aurelabs/assay/internal/session"
	"github.com/aurelabs/assay/internal/stage"
)

// Handler serves the /api/v1/sessions routes.
type Handler struct {
	reg *session.Registry
}

func New(reg *session.Registry) *Handler {
	return &Handler{reg: reg}
}

// Mount attaches the session routes to r. The stream route is mounted
// separately by the server so the API stays transport-agnostic.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/sessions", h.createSession)
	r.Get("/sessions/{id}", h.getSession)
	r.Post("/sessions/{id}/reset", h.resetSession)
	r.Post("/sessions/{id}/task", h.setTask)
	r.Delete("/sessions/{id}", h.deleteSession)
}

type createResponse struct {
	SessionID string             `json:"session_id"`
	CreatedAt time.Time          `json:"created_at"`
	Status    stage.StatusUpdate `json:"status"`
}

type taskRequest struct {
	Task string `json:"task"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	sess := h.reg.Create()
	writeJSON(w, http.StatusCreated, createResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		Status:    h.stamped(sess, sess.Engine.Status()),
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.reg.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if st, ok := h.reg.Store().Load(id); ok {
		writeJSON(w, http.StatusOK, st)
		return
	}
	writeError(w, http.StatusNotFound, session.ErrNotFound)
}

func (h *Handler) resetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	st := h.stamped(sess, sess.Engine.Reset())
	h.reg.Store().Save(sess.ID, st)
	h.reg.Touch(sess.ID)
	sess.Publish(session.EventStageChanged, st)
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) setTask(w http.ResponseWriter, r *http.Request) {
	sess, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad task request"))
		return
	}
	st, err := sess.Engine.SetTask(stage.Stage(req.Task))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	stamped := h.stamped(sess, st)
	h.reg.Store().Save(sess.ID, stamped)
	h.reg.Touch(sess.ID)
	sess.Publish(session.EventStageChanged, stamped)
	writeJSON(w, http.StatusOK, stamped)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	h.reg.Teardown(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stamped(sess *session.Session, st stage.StatusUpdate) stage.StatusUpdate {
	st.SessionID = sess.ID
	if sess.Transport() != session.TransportNone {
		st.ConnectionState = "connected"
	} else {
		st.ConnectionState = "disconnected"
	}
	return st
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
