package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/lagrangedao/go-computing-broker/constants"
	"github.com/lagrangedao/go-computing-broker/internal/escrow"
	"github.com/lagrangedao/go-computing-broker/internal/jobs"
	"github.com/lagrangedao/go-computing-broker/internal/models"
)

const (
	TaskReconcileJob     = constants.TASK_RECONCILE_JOB
	TaskReconcilePending = constants.TASK_RECONCILE_PENDING
)

// operator is the identity tasks act as when replaying a job.
var operator = models.AuthContext{UserID: "worker", Role: models.RoleAdmin}

// Tasks are the reconciliation jobs run off the request path.
type Tasks struct {
	machine *jobs.Machine
	escrow  *escrow.Coordinator
	timeout time.Duration
}

func NewTasks(machine *jobs.Machine, coord *escrow.Coordinator, timeout time.Duration) *Tasks {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Tasks{machine: machine, escrow: coord, timeout: timeout}
}

// Register binds the task names on the celery service.
func (t *Tasks) Register(s *CeleryService) {
	s.RegisterTask(TaskReconcileJob, t.ReconcileJob)
	s.RegisterTask(TaskReconcilePending, t.ReconcilePending)
}

// ReconcileJob replays the outstanding settlement of one job. The returned
// string is stored as the task result.
func (t *Tasks) ReconcileJob(jobID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	job, err := t.machine.RetrySettlement(ctx, operator, jobID)
	if err != nil {
		logs.GetLogger().Errorf("Failed reconcile job, job_id: %s, error: %+v", jobID, err)
		return fmt.Sprintf("error: %s: %v", models.KindOf(err), err)
	}
	logs.GetLogger().Infof("reconciled job %s, status: %s, settlement: %s", job.ID, job.Status, job.Settlement.Status)
	return fmt.Sprintf("%s/%s", job.Status, job.Settlement.Status)
}

// ReconcilePending re-queries every unsettled Transaction and replays every
// job parked in settlement_failed.
func (t *Tasks) ReconcilePending() string {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	report, err := t.escrow.Reconcile(ctx)
	if err != nil {
		logs.GetLogger().Errorf("Failed reconcile transactions, error: %+v", err)
		return fmt.Sprintf("error: %v", err)
	}
	settled, err := t.machine.RetryAllFailed(ctx)
	if err != nil {
		logs.GetLogger().Errorf("Failed retry parked jobs, error: %+v", err)
	}
	logs.GetLogger().Infof("reconciled pending settlement, checked: %d, advanced: %d, flagged: %d, jobs settled: %d",
		report.Checked, report.Advanced, report.Flagged, settled)
	return fmt.Sprintf("checked=%d advanced=%d flagged=%d settled=%d", report.Checked, report.Advanced, report.Flagged, settled)
}
