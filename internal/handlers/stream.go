package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/claworc/forwarder/internal/logutil"
	"github.com/gluk-w/claworc/forwarder/internal/spawner"
)

// StreamInterval is how often the progress stream checks for new events.
var StreamInterval = time.Second

// ProgressStream pushes the progress snapshot over a WebSocket whenever the
// latest event group grows, and closes once a terminal event was sent.
func ProgressStream(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	if _, err := Manager.Snapshot(r.Context(), id); err != nil {
		writeSpawnerError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] %s: accept progress websocket: %v", logutil.SanitizeForLog(id.String()), err)
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; CloseRead notices the client leaving.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(StreamInterval)
	defer ticker.Stop()

	sent := -1
	for {
		snap, err := Manager.Snapshot(ctx, id)
		if err != nil {
			conn.Close(4004, "Session not found")
			return
		}
		if len(snap.Events) != sent {
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				return
			}
			sent = len(snap.Events)
		}
		if finished(snap) {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap spawner.Snapshot) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, snap)
}

// finished reports whether the latest group ends with a terminal event.
func finished(snap spawner.Snapshot) bool {
	n := len(snap.Events)
	return n > 0 && snap.Events[n-1].Terminal()
}
