package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/adminaccess/internal/auditctx"
	"github.com/charlesng35/adminaccess/internal/permissions"
	"github.com/charlesng35/adminaccess/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultAuditSpec          = "@daily"
	defaultJobTimeout         = 5 * time.Minute
)

// Reconciler repairs drift between the stored system roles and the canonical set.
type Reconciler interface {
	Synchronize(ctx context.Context, force bool) (permissions.SyncReport, error)
}

// AuditPruner removes audit entries older than the retention window.
type AuditPruner interface {
	CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// Scheduler coordinates background maintenance: periodic role drift
// reconciliation and audit log retention.
type Scheduler struct {
	reconciler Reconciler
	audit      AuditPruner
	cron       *cron.Cron
	log        *zap.Logger
	retention  int
	timeout    time.Duration

	syncSchedule  string
	auditSchedule string
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained. Zero disables pruning.
func WithAuditRetentionDays(days int) Option {
	return func(s *Scheduler) {
		if days >= 0 {
			s.retention = days
		}
	}
}

// WithSyncSchedule enables drift reconciliation on the given cron specification.
func WithSyncSchedule(spec string) Option {
	return func(s *Scheduler) {
		s.syncSchedule = spec
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.auditSchedule = spec
		}
	}
}

// WithJobTimeout bounds a single job run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler constructs a Scheduler. A nil dependency skips the corresponding job,
// and reconciliation only runs when a sync schedule is configured.
func NewScheduler(reconciler Reconciler, audit AuditPruner, opts ...Option) *Scheduler {
	s := &Scheduler{
		reconciler:    reconciler,
		audit:         audit,
		retention:     defaultAuditRetentionDays,
		timeout:       defaultJobTimeout,
		auditSchedule: defaultAuditSpec,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

func (s *Scheduler) reconcileEnabled() bool {
	return s.reconciler != nil && s.syncSchedule != ""
}

func (s *Scheduler) pruneEnabled() bool {
	return s.audit != nil && s.retention > 0
}

// Start registers jobs with the cron scheduler and launches it if at least one job is enabled.
func (s *Scheduler) Start() error {
	if !s.reconcileEnabled() && !s.pruneEnabled() {
		return nil
	}

	if s.reconcileEnabled() {
		if _, err := s.cron.AddFunc(s.syncSchedule, func() {
			if err := s.run(s.reconcile); err != nil {
				s.log.Warn("role drift reconciliation failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.pruneEnabled() {
		if _, err := s.cron.AddFunc(s.auditSchedule, func() {
			if err := s.run(s.prune); err != nil {
				s.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// Jobs reports how many jobs are registered with the cron scheduler.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// RunOnce executes all enabled jobs sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if s.reconcileEnabled() {
		errs = multierr.Append(errs, s.reconcile(ctx))
	}
	if s.pruneEnabled() {
		errs = multierr.Append(errs, s.prune(ctx))
	}
	return errs
}

func (s *Scheduler) run(job func(context.Context) error) error {
	ctx := auditctx.WithActor(context.Background(), auditctx.Actor{Source: "maintenance"})
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return job(ctx)
}

// reconcile never forces: drifted system roles are recreated, hand edits are left alone.
func (s *Scheduler) reconcile(ctx context.Context) error {
	report, err := s.reconciler.Synchronize(ctx, false)
	if err != nil {
		return err
	}
	if report.Changed() {
		s.log.Info("role drift repaired",
			zap.Strings("created", report.Created),
			zap.Strings("demoted", report.Demoted),
			zap.Strings("deleted", report.Deleted),
		)
	}
	return nil
}

func (s *Scheduler) prune(ctx context.Context) error {
	removed, err := s.audit.CleanupOlderThan(ctx, s.retention)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.Debug("audit entries pruned", zap.Int64("removed", removed))
	}
	return nil
}
