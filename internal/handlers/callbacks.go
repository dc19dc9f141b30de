package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gluk-w/claworc/forwarder/internal/events"
	"github.com/gluk-w/claworc/forwarder/internal/logutil"
	"github.com/gluk-w/claworc/forwarder/internal/spawner"
)

// Manager serves every lifecycle request. Set by main before routing.
var Manager *spawner.Manager

// GetProgressEvents returns the latest event group with the active and ready
// flags of the session. Stopped sessions answer from the store.
func GetProgressEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	snap, err := Manager.Snapshot(r.Context(), id)
	if err != nil {
		writeSpawnerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// PostProgressEvent receives an event pushed by the remote server. A failed
// event stops the session.
func PostProgressEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	var e events.Event
	if err := decodeBody(r, &e); err != nil {
		log.Printf("[api] %s: rejected event: %v", logutil.SanitizeForLog(id.String()), err)
		writeSpawnerError(w, err)
		return
	}
	s, err := Manager.Lookup(r.Context(), id)
	if err == nil {
		err = s.ReportEvent(r.Context(), e)
	}
	// Events for a stopping or stopped session are acknowledged and dropped.
	var stopping *spawner.AlreadyStoppingError
	if errors.As(err, &stopping) {
		log.Printf("[api] %s: session is stopping, event ignored", logutil.SanitizeForLog(id.String()))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		log.Printf("[api] %s: event not accepted: %v", logutil.SanitizeForLog(id.String()), err)
		writeSpawnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetupTunnel receives the late connection info of a server that was started
// without a known address, and forwards and publishes it.
func SetupTunnel(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	var info map[string]any
	if err := decodeBody(r, &info); err != nil {
		writeSpawnerError(w, err)
		return
	}
	s, err := Manager.Lookup(r.Context(), id)
	if err != nil {
		writeSpawnerError(w, err)
		return
	}
	log.Printf("[api] %s: connection info received", logutil.SanitizeForLog(id.String()))
	if err := s.ReportConnectionInfo(r.Context(), info); err != nil {
		log.Printf("[api] %s: setup tunnel failed: %v", logutil.SanitizeForLog(id.String()), err)
		writeSpawnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
