package reportgen

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/services"
)

type dispatcher struct {
	log       *logger.Logger
	tc        temporalsdkclient.Client
	taskQueue string
	metrics   *observability.Metrics
}

// NewDispatcher hands generations to Temporal workers so they survive API
// restarts.
func NewDispatcher(baseLog *logger.Logger, tc temporalsdkclient.Client, taskQueue string, metrics *observability.Metrics) (services.GenerationDispatcher, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if taskQueue == "" {
		return nil, fmt.Errorf("temporal task queue is not configured")
	}
	return &dispatcher{
		log:       baseLog.With("service", "GenerationDispatcher", "mode", "temporal"),
		tc:        tc,
		taskQueue: taskQueue,
		metrics:   metrics,
	}, nil
}

func (d *dispatcher) Mode() string { return "temporal" }

func (d *dispatcher) Dispatch(ctx context.Context, reportID uuid.UUID) error {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    WorkflowID(reportID),
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	run, err := d.tc.ExecuteWorkflow(ctx, opts, WorkflowName, Input{ReportID: reportID.String()})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			d.metrics.IncDispatch(d.Mode(), "already_running")
			d.log.Debug("Generation workflow already running", "report_id", reportID)
			return nil
		}
		d.metrics.IncDispatch(d.Mode(), "rejected")
		return fmt.Errorf("start generation workflow: %w", err)
	}
	d.metrics.IncDispatch(d.Mode(), "started")
	d.log.Info("Generation workflow started", "report_id", reportID, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return nil
}
