package reportgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/services"
)

type Activities struct {
	Log *logger.Logger
	Gen services.GenerationService
}

func (a *Activities) Generate(ctx context.Context, in Input) error {
	if a == nil || a.Gen == nil {
		return fmt.Errorf("reportgen: activity not configured")
	}
	reportID, err := uuid.Parse(in.ReportID)
	if err != nil || reportID == uuid.Nil {
		return temporal.NewNonRetryableApplicationError("invalid report_id", "InvalidInput", err)
	}

	stop := startHeartbeat(ctx, 10*time.Second)
	defer stop()

	err = a.Gen.Generate(ctx, reportID)
	switch {
	case err == nil, errors.Is(err, services.ErrGenerationInFlight):
		return nil
	case services.KindOf(err) != "":
		// Already recorded on the report; surface it in workflow history.
		return temporal.NewNonRetryableApplicationError(err.Error(), services.KindOf(err), err)
	}

	a.Log.Error("Report generation crashed", "report_id", reportID, "error", err)
	if mErr := a.Gen.MarkFailed(context.WithoutCancel(ctx), reportID, reports.ErrorKindInternal, "generation_crashed", err); mErr != nil {
		a.Log.Error("Could not record generation crash", "report_id", reportID, "error", mErr)
	}
	return err
}

func startHeartbeat(ctx context.Context, every time.Duration) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
