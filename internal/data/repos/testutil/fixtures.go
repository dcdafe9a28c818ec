package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
)

func SampleInput() reports.InputData {
	return reports.InputData{
		BusinessProfile: reports.BusinessProfile{
			BusinessName: "Acme Dental",
			Industry:     "dental clinics",
			Location:     "Austin, TX",
		},
		Competitors: []reports.Competitor{
			{Name: "Smile Co", Website: "https://smile.example.com"},
			{Name: "BrightTeeth"},
		},
		Goals:    []string{"increase new patient bookings"},
		Tone:     "neutral",
		Language: "en",
	}
}

// SeedReport inserts a report directly, bypassing the draft-only Create
// guard, so tests can start from any lifecycle state.
func SeedReport(tb testing.TB, ctx context.Context, tx *gorm.DB, userID uuid.UUID, status types.ReportStatus, plan types.ReportPlan) *types.Report {
	tb.Helper()
	raw, err := json.Marshal(SampleInput())
	if err != nil {
		tb.Fatalf("marshal input: %v", err)
	}
	now := time.Now().UTC()
	r := &types.Report{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    status,
		Plan:      plan,
		InputData: datatypes.JSON(raw),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == types.ReportStatusReady {
		r.OutputData = datatypes.JSON([]byte(`{"executive_summary":"seeded"}`))
		r.CompletedAt = &now
		r.ProcessingProgress = 100
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed report: %v", err)
	}
	return r
}

func Reload(tb testing.TB, ctx context.Context, tx *gorm.DB, id uuid.UUID) *types.Report {
	tb.Helper()
	var r types.Report
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		tb.Fatalf("reload report %s: %v", id, err)
	}
	return &r
}

// Backdate moves updated_at into the past to simulate a stalled row.
func Backdate(tb testing.TB, ctx context.Context, tx *gorm.DB, id uuid.UUID, age time.Duration) {
	tb.Helper()
	if err := tx.WithContext(ctx).Model(&types.Report{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().UTC().Add(-age)).Error; err != nil {
		tb.Fatalf("backdate report: %v", err)
	}
}
