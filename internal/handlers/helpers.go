package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gluk-w/claworc/forwarder/internal/spawner"
	"github.com/go-chi/chi/v5"
)

// maxBody bounds callback payloads.
const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// identity reads the session identity from the {user} and {server} route
// parameters.
func identity(r *http.Request) (spawner.Identity, bool) {
	id := spawner.Identity{
		Owner: chi.URLParam(r, "user"),
		Name:  chi.URLParam(r, "server"),
	}
	return id, id.Owner != ""
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return &spawner.MalformedCallbackError{Reason: "read body", Err: err}
	}
	if len(raw) > maxBody {
		return &spawner.MalformedCallbackError{Reason: fmt.Sprintf("body larger than %d bytes", maxBody)}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &spawner.MalformedCallbackError{Reason: "invalid JSON", Err: err}
	}
	return nil
}

// writeSpawnerError maps lifecycle errors to status codes: unknown sessions
// are 404, rejected or malformed requests 400, outpost failures 502.
func writeSpawnerError(w http.ResponseWriter, err error) {
	var (
		stopping  *spawner.AlreadyStoppingError
		malformed *spawner.MalformedCallbackError
		tunnel    *spawner.TunnelError
		endpoint  *spawner.EndpointError
		remote    *spawner.RemoteCallError
		phase     *spawner.TransitionError
	)
	switch {
	case errors.Is(err, spawner.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, spawner.ErrSessionActive),
		errors.As(err, &stopping),
		errors.As(err, &malformed),
		errors.As(err, &tunnel),
		errors.As(err, &endpoint),
		errors.As(err, &phase):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &remote):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
