package domain

import "github.com/yungbote/marketbench-backend/internal/domain/reports"

type Report = reports.Report
type ReportPollView = reports.PollView
type ReportStatus = reports.Status
type ReportPlan = reports.Plan
type ReportInput = reports.InputData

const (
	ReportStatusDraft      = reports.StatusDraft
	ReportStatusPaid       = reports.StatusPaid
	ReportStatusProcessing = reports.StatusProcessing
	ReportStatusReady      = reports.StatusReady
	ReportStatusFailed     = reports.StatusFailed
	ReportStatusAbandoned  = reports.StatusAbandoned
)
