package reportgen

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Workflow runs a single generation attempt. Attempts are never retried
// here; the user decides when to retry a failed report.
func Workflow(ctx workflow.Context, in Input) error {
	if strings.TrimSpace(in.ReportID) == "" {
		return fmt.Errorf("reportgen: missing report_id")
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return workflow.ExecuteActivity(ctx, ActivityGenerate, in).Get(ctx, nil)
}
