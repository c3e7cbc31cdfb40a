package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/sunledger/sunledger/pkg/ingest"
	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/normalize"
	"github.com/sunledger/sunledger/pkg/provider"
	"github.com/sunledger/sunledger/pkg/secret"
	"github.com/sunledger/sunledger/pkg/server"
	"github.com/sunledger/sunledger/pkg/storage"
	"github.com/sunledger/sunledger/pkg/types"
)

func main() {
	// init packages
	s := storage.Configured()
	clients := provider.Configured()
	n := normalize.Configured()
	sealer := secret.Configured()
	runner := ingest.Configured(s, clients, n, sealer)

	// init server
	srv := server.Configured(runner)

	mode := lflag.String("mode", "serve", "What to do: historical, realtime, cycle (historical then realtime) or serve")
	schedule := lflag.String("schedule", "", "Cron schedule for cycles in serve mode (e.g. \"*/15 * * * *\"), empty disables")

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	logger := log.New(os.Stdout, level)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(log.With(context.Background(), logger), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	log.Ctx(ctx).DebugContext(ctx, "logger configured", slog.String("level", level.String()))

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	if err := run(ctx, *mode, *schedule, runner, srv); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "sunledger failed", slog.String("mode", *mode), slog.Any("error", err))
		cancel()
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "sunledger exited cleanly", slog.String("mode", *mode))
}

func run(ctx context.Context, mode, schedule string, runner *ingest.Runner, srv *server.Server) error {
	switch mode {
	case "historical", "realtime":
		m, err := types.ParseMode(mode)
		if err != nil {
			return err
		}
		sum, err := runner.Run(ctx, m)
		if err != nil {
			return err
		}
		if n := sum.Failures(); n > 0 {
			log.Ctx(ctx).WarnContext(ctx, "some credentials failed", slog.Int("failed", n), slog.Int("total", len(sum.Outcomes)))
		}
		return nil
	case "cycle":
		_, err := runner.Cycle(ctx)
		return err
	case "serve":
		var sched *ingest.Scheduler
		if schedule != "" {
			var err error
			if sched, err = ingest.NewScheduler(runner, schedule); err != nil {
				return err
			}
		}
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(ctx)
		})
		if sched != nil {
			g.Go(func() error {
				return sched.Run(ctx)
			})
		}
		return g.Wait()
	default:
		return fmt.Errorf("unknown mode: %q", mode)
	}
}
