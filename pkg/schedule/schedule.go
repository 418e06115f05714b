// Package schedule keeps the process alive and triggers backup runs on a
// cron expression. A tick firing while the previous run is still active is
// skipped: the lock file would refuse the overlap anyway, so skipping just
// avoids a pointless error.
package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wshanks/wsbackup/pkg/plog"
)

// Run blocks, executing job per cron tick, until ctx is canceled. It
// returns an error only for an invalid cron expression; job failures are
// logged and the schedule keeps running.
func Run(ctx context.Context, spec string, job func(context.Context) error) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	var running atomic.Bool
	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() {
		if !running.CompareAndSwap(false, true) {
			plog.Warn("Previous backup run still active, skipping scheduled run")
			return
		}
		defer running.Store(false)

		plog.Info("Scheduled backup run starting")
		if err := job(ctx); err != nil {
			plog.Error("Scheduled backup run failed", "error", err)
		}
	}))

	plog.Info("Schedule active", "spec", spec, "next", sched.Next(time.Now()))
	c.Start()
	<-ctx.Done()

	// Let an in-flight run finish before returning.
	<-c.Stop().Done()
	return nil
}
