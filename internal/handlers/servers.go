package handlers

import (
	"log"
	"net/http"

	"github.com/gluk-w/claworc/forwarder/internal/logutil"
	"github.com/gluk-w/claworc/forwarder/internal/spawner"
)

type sessionResponse struct {
	Owner        string `json:"owner"`
	Name         string `json:"name"`
	Phase        string `json:"phase"`
	EndpointName string `json:"endpoint_name"`
	Port         int    `json:"port"`
	URL          string `json:"url"`
	TunnelActive bool   `json:"tunnel_active"`
}

func sessionToResponse(s *spawner.Session) sessionResponse {
	id := s.ID()
	return sessionResponse{
		Owner:        id.Owner,
		Name:         id.Name,
		Phase:        s.Phase().String(),
		EndpointName: s.EndpointName(),
		Port:         s.LocalPort(),
		URL:          s.URL(),
		TunnelActive: s.TunnelActive(),
	}
}

// ListServers returns the (owner, name) pairs that hold a published endpoint.
func ListServers(w http.ResponseWriter, r *http.Request) {
	ids, err := Manager.ListPublished(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []spawner.Identity{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// ListSessions returns the live sessions of this process.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	list := Manager.Sessions()
	resp := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		resp = append(resp, sessionToResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SpawnServer starts a server in the background. An optional JSON body
// carries user_id and user_options. Progress is reported through the events
// endpoint and stream.
func SpawnServer(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	var opts spawner.SpawnOptions
	if r.ContentLength != 0 {
		if err := decodeBody(r, &opts); err != nil {
			writeSpawnerError(w, err)
			return
		}
	}
	s, err := Manager.SpawnWith(r.Context(), id, opts)
	if err != nil {
		writeSpawnerError(w, err)
		return
	}
	log.Printf("[api] %s: spawn requested", logutil.SanitizeForLog(id.String()))
	writeJSON(w, http.StatusAccepted, sessionToResponse(s))
}

// StopServer stops a server.
func StopServer(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	if err := Manager.StopSession(r.Context(), id); err != nil {
		writeSpawnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelServer cancels a pending start.
func CancelServer(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	if err := Manager.CancelSession(r.Context(), id); err != nil {
		writeSpawnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PollServer asks the outpost whether the server still runs.
func PollServer(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	s, err := Manager.Lookup(r.Context(), id)
	if err != nil {
		writeSpawnerError(w, err)
		return
	}
	st, err := s.Poll(r.Context())
	if err != nil {
		writeSpawnerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":   st.Running,
		"exit_code": st.ExitCode,
		"phase":     s.Phase().String(),
	})
}
