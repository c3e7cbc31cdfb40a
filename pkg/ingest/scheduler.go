package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/sunledger/sunledger/pkg/log"
)

// cronLogger sends cron's own messages to the context logger.
type cronLogger struct {
	ctx context.Context
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	log.Ctx(l.ctx).DebugContext(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Ctx(l.ctx).ErrorContext(l.ctx, "cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}

// Scheduler runs a Cycle on a cron schedule. A tick that fires while the
// previous cycle, or a triggered run on the same Runner, is still running is
// skipped.
type Scheduler struct {
	spec  string
	cycle func(ctx context.Context) ([]Summary, error)
}

// NewScheduler validates spec, a standard five-field cron expression or a
// descriptor such as "@every 15m".
func NewScheduler(r *Runner, spec string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return &Scheduler{spec: spec, cycle: r.Cycle}, nil
}

// Run blocks until ctx is done and then waits for a running cycle to finish.
// Cycles share ctx, so cancelling it also stops the running cycle from
// starting new device fetches.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{ctx: ctx}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	), cron.WithLogger(logger))

	if _, err := c.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule %q: %w", s.spec, err)
	}

	log.Ctx(ctx).InfoContext(ctx, "starting scheduler", slog.String("schedule", s.spec))
	c.Start()
	<-ctx.Done()

	log.Ctx(ctx).InfoContext(ctx, "stopping scheduler, waiting for running cycle")
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sums, err := s.cycle(ctx)
	if errors.Is(err, ErrRunInProgress) {
		log.Ctx(ctx).InfoContext(ctx, "skipping scheduled cycle, another run is in progress")
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "scheduled cycle failed", slog.Any("error", err), slog.Int("completedRuns", len(sums)))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "scheduled cycle finished", slog.Int("runs", len(sums)))
}
