package handlers

import "github.com/go-chi/chi/v5"

// Routes registers the API below r. Authentication is up to the caller.
func Routes(r chi.Router) {
	// Callbacks from remote servers and the progress page.
	for _, p := range []string{"/{user}", "/{user}/{server}"} {
		r.Get("/users/progress/events"+p, GetProgressEvents)
		r.Post("/users/progress/events"+p, PostProgressEvent)
		r.Get("/users/progress/stream"+p, ProgressStream)
		r.Post("/users/setuptunnel"+p, SetupTunnel)
	}

	// Lifecycle. The default server has no name; "cancel" and "poll" are
	// therefore not usable as server names.
	for _, p := range []string{"/users/{user}/servers", "/users/{user}/servers/{server}"} {
		r.Post(p, SpawnServer)
		r.Delete(p, StopServer)
		r.Post(p+"/cancel", CancelServer)
		r.Get(p+"/poll", PollServer)
	}

	r.Get("/servers", ListServers)
	r.Get("/sessions", ListSessions)

	r.Get("/ssh/publickey", GetSSHPublicKey)
	r.Get("/ssh/connections", ListControlConnections)
	r.Get("/logs", GetServerLogs)
}
