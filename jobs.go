package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gluk-w/claworc/forwarder/internal/spawner"
	"github.com/robfig/cron/v3"
)

// scheduleJobs registers the periodic poll and prune runs on c.
func scheduleJobs(ctx context.Context, c *cron.Cron, mgr *spawner.Manager, pollSpec, pruneSpec string) error {
	if _, err := c.AddFunc(pollSpec, func() { mgr.PollAll(ctx) }); err != nil {
		return fmt.Errorf("poll schedule %q: %w", pollSpec, err)
	}
	if _, err := c.AddFunc(pruneSpec, func() {
		mgr.PruneAll(ctx)
		log.Printf("[jobs] pruned event logs of %d session(s)", len(mgr.Sessions()))
	}); err != nil {
		return fmt.Errorf("prune schedule %q: %w", pruneSpec, err)
	}
	return nil
}
