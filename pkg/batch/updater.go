package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/jobtrail/pkg/workflow"
)

// InstanceUpdater is the subset of workflow.Manager the Updater drives.
type InstanceUpdater interface {
	GetInstance(ctx context.Context, key workflow.InstanceKey) (*workflow.Instance, error)
	SetHostname(ctx context.Context, key workflow.InstanceKey, hostname string) error
	SetBatchID(ctx context.Context, key workflow.InstanceKey, id int64) error
	SetStatus(ctx context.Context, key workflow.InstanceKey, major workflow.Status, minor string) error
}

var _ InstanceUpdater = (*workflow.Manager)(nil)

// UpdaterOptions configures an Updater.
type UpdaterOptions struct {
	// StatusMap defaults to LSFStatusMap.
	StatusMap StatusMap
	// Rate is the number of reports applied per second. Zero or less
	// disables limiting.
	Rate float64
	// Burst defaults to 1.
	Burst int
	// Clock stamps Result.Duration. Throttling always runs on wall time,
	// since rate.Limiter reads time.Now itself.
	Clock  clock.Clock
	Logger *zap.Logger
}

// Updater applies batch reports to instances.
type Updater struct {
	target   InstanceUpdater
	statuses StatusMap
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   *zap.Logger
}

// NewUpdater returns an Updater writing through target.
func NewUpdater(target InstanceUpdater, opts UpdaterOptions) *Updater {
	if opts.StatusMap == nil {
		opts.StatusMap = LSFStatusMap()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Updater{
		target:   target,
		statuses: opts.StatusMap,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// Result summarizes one pass.
type Result struct {
	Applied  int           `json:"applied"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
	// Errors holds one entry per failed report.
	Errors []error `json:"-"`
}

// Err joins the per-report failures.
func (r *Result) Err() error {
	return errors.Join(r.Errors...)
}

// Run polls once and applies the reports.
func (u *Updater) Run(ctx context.Context, poller Poller) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	reports, err := poller.Poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll batch system: %w", err)
	}
	return u.Apply(ctx, reports)
}

// Apply writes hostname, batch id and major status for every report.
//
// Reports with an unparseable name or unknown status code are skipped, as
// are status moves the instance's final state forbids. Other failures are
// collected and the pass continues. A cancelled context stops the pass.
func (u *Updater) Apply(ctx context.Context, reports []Report) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := u.clock.Now()
	res := &Result{}

	for _, rep := range reports {
		if err := u.limiter.Wait(ctx); err != nil {
			res.Duration = u.clock.Since(start)
			return res, err
		}

		key, err := ParseExecutionName(rep.JobName)
		if err != nil {
			u.logger.Warn("Skipping batch job with foreign name",
				zap.String("batch_id", rep.BatchID), zap.String("job_name", rep.JobName))
			res.Skipped++
			continue
		}
		status, err := u.statuses.Resolve(rep.Stat)
		if err != nil {
			u.logger.Warn("Skipping batch job with unknown status",
				zap.String("instance", key.String()), zap.String("stat", rep.Stat))
			res.Skipped++
			continue
		}

		skipped, err := u.applyOne(ctx, key, rep, status)
		switch {
		case err != nil:
			u.logger.Error("Failed to apply batch report", zap.String("instance", key.String()), zap.Error(err))
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", key, err))
		case skipped:
			res.Skipped++
		default:
			res.Applied++
		}
	}

	res.Duration = u.clock.Since(start)
	u.logger.Info("Applied batch reports",
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (u *Updater) applyOne(ctx context.Context, key workflow.InstanceKey, rep Report, status workflow.Status) (bool, error) {
	if _, err := u.target.GetInstance(ctx, key); err != nil {
		return false, err
	}
	if host := rep.Host(); host != "" {
		if err := u.target.SetHostname(ctx, key, host); err != nil {
			return false, err
		}
	}
	if id, ok := rep.NumericBatchID(); ok {
		if err := u.target.SetBatchID(ctx, key, id); err != nil {
			return false, err
		}
	}
	if err := u.target.SetStatus(ctx, key, status, ""); err != nil {
		if workflow.IsInvalidTransition(err) {
			u.logger.Debug("Batch status ignored for final instance", zap.String("instance", key.String()))
			return true, nil
		}
		return false, err
	}
	return false, nil
}
