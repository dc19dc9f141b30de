package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/forwarder/internal/database"
	"github.com/gluk-w/claworc/forwarder/internal/sshforward"
)

// Driver is the ssh driver whose control connections are reported.
var Driver *sshforward.Driver

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	if err := database.Ping(); err != nil {
		dbStatus = "disconnected"
	}

	sessions := 0
	if Manager != nil {
		sessions = len(Manager.Sessions())
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"sessions": sessions,
	})
}

// ListControlConnections reports the ssh control connections this process
// opened and their last observed liveness.
func ListControlConnections(w http.ResponseWriter, r *http.Request) {
	if Driver == nil {
		writeJSON(w, http.StatusOK, []sshforward.ControlState{})
		return
	}
	list := Driver.Registry().Snapshot()
	if list == nil {
		list = []sshforward.ControlState{}
	}
	writeJSON(w, http.StatusOK, list)
}
