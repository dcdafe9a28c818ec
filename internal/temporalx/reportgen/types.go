package reportgen

import "github.com/google/uuid"

const (
	WorkflowName     = "report_generate"
	ActivityGenerate = "report_generate_run"
)

type Input struct {
	ReportID string `json:"report_id"`
}

// WorkflowID is stable per report, so a second dispatch while one is running
// is rejected by the server instead of starting a parallel generation.
func WorkflowID(reportID uuid.UUID) string {
	return "report-generate-" + reportID.String()
}
