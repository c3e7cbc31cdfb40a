// Package ingest drives credential → plant → device → fetch → normalize → load
// for every stored credential.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/normalize"
	"github.com/sunledger/sunledger/pkg/provider"
	"github.com/sunledger/sunledger/pkg/secret"
	"github.com/sunledger/sunledger/pkg/storage"
	"github.com/sunledger/sunledger/pkg/types"
)

const (
	defaultWorkers        = 4
	defaultHistoricalDays = 7
	defaultDrainTimeout   = 2 * time.Minute
)

// ClientFactory returns a fresh vendor client for one credential.
type ClientFactory interface {
	New(cred types.Credential) (provider.Client, error)
}

// Options tune a Runner. Zero values take the defaults.
type Options struct {
	Workers        int
	HistoricalDays int
	// DrainTimeout bounds a single device batch load. Loads run detached from
	// the run's cancellation so a started batch always gets to commit.
	DrainTimeout time.Duration
	Now          func() time.Time
}

// ErrRunInProgress is returned when a run or cycle is started while another
// one on the same Runner has not finished.
var ErrRunInProgress = errors.New("an ingestion run is already in progress")

// Runner executes ingestion runs. One Runner may serve many runs, one at a
// time.
type Runner struct {
	db         storage.Database
	clients    ClientFactory
	normalizer *normalize.Normalizer
	sealer     *secret.Sealer
	opts       Options

	running sync.Mutex
}

// New returns a Runner.
func New(db storage.Database, clients ClientFactory, n *normalize.Normalizer, s *secret.Sealer, opts Options) *Runner {
	r := &Runner{
		db:         db,
		clients:    clients,
		normalizer: n,
		sealer:     s,
	}
	r.setOptions(opts)
	return r
}

func (r *Runner) setOptions(opts Options) {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.HistoricalDays <= 0 {
		opts.HistoricalDays = defaultHistoricalDays
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r.opts = opts
}

// Configured registers the run flags and returns a Runner that is usable once
// flags are parsed.
func Configured(db storage.Database, clients ClientFactory, n *normalize.Normalizer, s *secret.Sealer) *Runner {
	workers := lflag.Int("ingest-workers", defaultWorkers, "Number of credentials processed concurrently")
	days := lflag.Int("ingest-historical-days", defaultHistoricalDays, "Lookback window of a historical run, in days")
	drain := lflag.Duration("ingest-drain-timeout", defaultDrainTimeout, "Upper bound on loading one device batch, which is not interrupted by cancellation")

	r := &Runner{db: db, clients: clients, normalizer: n, sealer: s}
	lflag.Do(func() {
		if *workers < 1 {
			panic(fmt.Sprintf("ingest-workers must be at least 1, got %d", *workers))
		}
		if *days < 1 {
			panic(fmt.Sprintf("ingest-historical-days must be at least 1, got %d", *days))
		}
		r.setOptions(Options{
			Workers:        *workers,
			HistoricalDays: *days,
			DrainTimeout:   *drain,
		})
	})
	return r
}

// Outcome is what happened to one credential during a run.
type Outcome struct {
	CredentialID string         `json:"credentialID"`
	Provider     types.Provider `json:"provider"`
	Plants       int            `json:"plants"`
	Devices      int            `json:"devices"`
	Records      int            `json:"records"`
	storage.LoadResult
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

func (o *Outcome) fail(err error) {
	o.Err = err
	o.Error = err.Error()
}

// Summary is the log of one run. It is returned to the caller and never
// persisted.
type Summary struct {
	RunID      uuid.UUID  `json:"runID"`
	Mode       types.Mode `json:"mode"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Outcomes   []Outcome  `json:"outcomes"`
}

// Totals sums the load counters over every credential.
func (s Summary) Totals() storage.LoadResult {
	var t storage.LoadResult
	for _, o := range s.Outcomes {
		t.Add(o.LoadResult)
	}
	return t
}

// Failures returns the number of credentials that ended early.
func (s Summary) Failures() int {
	var n int
	for _, o := range s.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Run attempts every stored credential once. One credential failing never
// stops the others; failures are reported in the Summary. The error is only
// set when the run could not start, ErrRunInProgress included.
func (r *Runner) Run(ctx context.Context, mode types.Mode) (Summary, error) {
	if !r.running.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer r.running.Unlock()
	return r.run(ctx, mode)
}

func (r *Runner) run(ctx context.Context, mode types.Mode) (Summary, error) {
	if _, err := storage.TableName(mode); err != nil {
		return Summary{}, err
	}
	sum := Summary{
		RunID:     uuid.New(),
		Mode:      mode,
		StartedAt: r.opts.Now().UTC(),
	}
	ctx = log.WithAttrs(ctx, slog.String("runID", sum.RunID.String()), slog.String("mode", string(mode)))

	creds, err := r.db.ListCredentials(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list credentials", slog.Any("error", err))
		return sum, fmt.Errorf("failed to list credentials: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "starting ingestion run", slog.Int("credentials", len(creds)))

	sum.Outcomes = make([]Outcome, len(creds))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for range min(r.opts.Workers, len(creds)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				sum.Outcomes[i] = r.runCredential(ctx, mode, creds[i])
			}
		}()
	}
	for i := range creds {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	sum.FinishedAt = r.opts.Now().UTC()
	totals := sum.Totals()
	log.Ctx(ctx).InfoContext(ctx, "ingestion run finished",
		slog.Int("credentials", len(creds)),
		slog.Int("failedCredentials", sum.Failures()),
		slog.Int("inserted", totals.Inserted),
		slog.Int("skipped", totals.Skipped),
		slog.Int("failedRows", totals.Failed),
		slog.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	return sum, nil
}

// Cycle runs historical and then realtime, as one scheduling tick does.
// Realtime is not started once ctx is done.
func (r *Runner) Cycle(ctx context.Context) ([]Summary, error) {
	if !r.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.running.Unlock()

	var out []Summary
	for _, mode := range []types.Mode{types.ModeHistorical, types.ModeRealtime} {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sum, err := r.run(ctx, mode)
		if err != nil {
			return out, fmt.Errorf("%s run: %w", mode, err)
		}
		out = append(out, sum)
	}
	return out, nil
}

// runCredential is the failure boundary for one credential. Nothing that
// happens inside it, panics included, escapes.
func (r *Runner) runCredential(ctx context.Context, mode types.Mode, cred types.Credential) (out Outcome) {
	out = Outcome{CredentialID: cred.ID, Provider: cred.Provider}
	ctx = log.WithAttrs(ctx, slog.String("credentialID", cred.ID), slog.String("provider", string(cred.Provider)))

	defer func() {
		if p := recover(); p != nil {
			out.fail(&types.RunFailure{
				CredentialID: cred.ID,
				Provider:     cred.Provider,
				Err:          fmt.Errorf("panic: %v", p),
			})
			log.Ctx(ctx).ErrorContext(ctx, "credential panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := ctx.Err(); err != nil {
		out.fail(&types.RunFailure{CredentialID: cred.ID, Provider: cred.Provider, Err: err})
		return out
	}

	if err := r.processCredential(ctx, mode, cred, &out); err != nil {
		out.fail(&types.RunFailure{CredentialID: cred.ID, Provider: cred.Provider, Err: err})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Ctx(ctx).WarnContext(ctx, "credential interrupted", slog.Any("error", err))
		} else {
			log.Ctx(ctx).ErrorContext(ctx, "credential failed", slog.Any("error", err))
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "credential finished",
		slog.Int("plants", out.Plants),
		slog.Int("devices", out.Devices),
		slog.Int("records", out.Records),
		slog.Int("inserted", out.Inserted),
		slog.Int("skipped", out.Skipped),
		slog.Int("failed", out.Failed),
	)
	return out
}

// skippable reports whether err only voids the current plant or device.
func skippable(err error) bool {
	if errors.Is(err, provider.ErrMissingDeviceIDs) {
		return true
	}
	return types.IsPermanent(err) && !types.IsAuth(err)
}

func (r *Runner) processCredential(ctx context.Context, mode types.Mode, cred types.Credential, out *Outcome) error {
	if err := r.sealer.OpenCredential(ctx, &cred); err != nil {
		return err
	}
	client, err := r.clients.New(cred)
	if err != nil {
		return err
	}
	if _, err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	plants, err := client.ListPlants(ctx, cred)
	if err != nil {
		return fmt.Errorf("list plants: %w", err)
	}

	for _, plant := range plants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if plant.ID == "" {
			log.Ctx(ctx).WarnContext(ctx, "skipping plant without id", slog.String("plantName", plant.Name))
			continue
		}
		out.Plants++
		log.Ctx(ctx).DebugContext(ctx, "processing plant",
			slog.String("plantID", plant.ID),
			slog.String("plantName", plant.Name),
			slog.Float64("capacity", plant.Capacity),
			slog.String("installDate", plant.InstallDate),
		)

		devices, err := client.ListDevices(ctx, plant.ID)
		if err != nil {
			if skippable(err) {
				log.Ctx(ctx).WarnContext(ctx, "device list refused, skipping plant",
					slog.String("plantID", plant.ID),
					slog.Any("error", err),
				)
				continue
			}
			return fmt.Errorf("list devices for plant %s: %w", plant.ID, err)
		}

		for _, device := range devices {
			// no new fetch starts once the run is cancelled
			if err := ctx.Err(); err != nil {
				return err
			}
			if device.SN == "" {
				log.Ctx(ctx).WarnContext(ctx, "skipping device without serial number",
					slog.String("plantID", plant.ID),
					slog.String("vendorID", device.VendorID),
				)
				continue
			}
			out.Devices++
			if err := r.processDevice(ctx, mode, cred, client, device, out); err != nil {
				if skippable(err) {
					log.Ctx(ctx).WarnContext(ctx, "device fetch refused, skipping device",
						slog.String("deviceSN", device.SN),
						slog.Any("error", err),
					)
					continue
				}
				return fmt.Errorf("device %s: %w", device.SN, err)
			}
		}
	}
	return nil
}

// window returns the historical lookback ending now.
func (r *Runner) window() (time.Time, time.Time) {
	end := r.opts.Now().UTC()
	return end.AddDate(0, 0, -r.opts.HistoricalDays), end
}

// processDevice fetches, normalizes and loads one device. A fetch interrupted
// by cancellation still loads what it returned before reporting the error.
func (r *Runner) processDevice(ctx context.Context, mode types.Mode, cred types.Credential, client provider.Client, device types.Device, out *Outcome) error {
	var (
		raws     []types.RawRecord
		fetchErr error
	)
	switch mode {
	case types.ModeHistorical:
		start, end := r.window()
		raws, fetchErr = client.FetchHistorical(ctx, device, start, end)
	case types.ModeRealtime:
		raws, fetchErr = client.FetchRealtime(ctx, device)
	default:
		return fmt.Errorf("%w: %q", storage.ErrUnknownMode, mode)
	}
	if fetchErr != nil && (len(raws) == 0 || ctx.Err() == nil) {
		return fetchErr
	}

	batch := make([]types.DataPoint, 0, len(raws))
	for _, raw := range raws {
		dp, ok := r.normalizer.Normalize(ctx, raw, cred.Provider)
		if !ok {
			continue
		}
		dp.DeviceSN = device.SN
		batch = append(batch, *dp)
	}
	out.Records += len(batch)
	if len(batch) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no records for device", slog.String("deviceSN", device.SN))
		return fetchErr
	}

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.DrainTimeout)
	defer cancel()
	res, err := r.db.InsertDataPoints(loadCtx, mode, storage.Tags{
		DeviceSN:   device.SN,
		CustomerID: cred.CustomerID,
		Provider:   cred.Provider,
	}, batch)
	out.Add(res)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "loaded device batch",
		slog.String("deviceSN", device.SN),
		slog.Int("records", len(batch)),
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)
	return fetchErr
}
