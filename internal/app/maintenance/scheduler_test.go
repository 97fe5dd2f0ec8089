package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	testutil "github.com/charlesng35/adminaccess/internal/database/testutil"
	"github.com/charlesng35/adminaccess/internal/models"
	"github.com/charlesng35/adminaccess/internal/permissions"
	"github.com/charlesng35/adminaccess/internal/services"
)

type fakeReconciler struct {
	calls  []bool
	report permissions.SyncReport
	err    error
}

func (f *fakeReconciler) Synchronize(_ context.Context, force bool) (permissions.SyncReport, error) {
	f.calls = append(f.calls, force)
	return f.report, f.err
}

type fakePruner struct {
	days []int
	err  error
}

func (f *fakePruner) CleanupOlderThan(_ context.Context, retentionDays int) (int64, error) {
	f.days = append(f.days, retentionDays)
	return 1, f.err
}

func TestSchedulerRunOnceRunsEnabledJobs(t *testing.T) {
	reconciler := &fakeReconciler{report: permissions.SyncReport{Created: []string{"viewer"}}}
	pruner := &fakePruner{}

	s := NewScheduler(reconciler, pruner,
		WithSyncSchedule("@every 10m"),
		WithAuditRetentionDays(14),
	)
	require.NoError(t, s.RunOnce(context.Background()))

	require.Equal(t, []bool{false}, reconciler.calls, "reconciliation never forces")
	require.Equal(t, []int{14}, pruner.days)
}

func TestSchedulerSkipsReconciliationWithoutSchedule(t *testing.T) {
	reconciler := &fakeReconciler{}
	pruner := &fakePruner{}

	s := NewScheduler(reconciler, pruner, WithAuditRetentionDays(0))
	require.NoError(t, s.RunOnce(context.Background()))
	require.Empty(t, reconciler.calls)
	require.Empty(t, pruner.days)

	// nothing enabled, so Start registers no jobs
	require.NoError(t, s.Start())
	<-s.Stop().Done()
}

func TestSchedulerRunOnceAggregatesErrors(t *testing.T) {
	reconciler := &fakeReconciler{err: errors.New("sync failed")}
	pruner := &fakePruner{err: errors.New("prune failed")}

	err := NewScheduler(reconciler, pruner, WithSyncSchedule("@hourly")).RunOnce(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "sync failed")
	require.ErrorContains(t, err, "prune failed")
}

func TestSchedulerStartRejectsInvalidSchedule(t *testing.T) {
	s := NewScheduler(&fakeReconciler{}, nil,
		WithSyncSchedule("every now and then"),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.Error(t, s.Start())
}

func TestSchedulerStartRegistersJobs(t *testing.T) {
	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	s := NewScheduler(&fakeReconciler{}, &fakePruner{},
		WithCron(c),
		WithSyncSchedule("@every 1h"),
		WithAuditSchedule("@every 2h"),
	)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Len(t, c.Entries(), 2)
}

func TestSchedulerPrunesAuditLog(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	auditSvc, err := services.NewAuditService(db)
	require.NoError(t, err)

	for _, action := range []string{"role.create", "role.assign"} {
		require.NoError(t, auditSvc.Log(context.Background(), services.AuditEntry{
			Action: action,
			Result: "success",
		}))
	}
	var stale models.AuditLog
	require.NoError(t, db.Where("action = ?", "role.create").First(&stale).Error)
	require.NoError(t, db.Model(&stale).Update("created_at", time.Now().AddDate(0, 0, -10)).Error)

	s := NewScheduler(nil, auditSvc, WithAuditRetentionDays(7))
	require.NoError(t, s.RunOnce(context.Background()))

	var remaining []string
	require.NoError(t, db.Model(&models.AuditLog{}).Pluck("action", &remaining).Error)
	require.Equal(t, []string{"role.assign"}, remaining)
}
