package reports

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/marketbench-backend/internal/domain"
	domain "github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/dbctx"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

var ErrInvalidTransition = errors.New("invalid report transition")

// ReportRepo is the report store. Every status change goes through
// Transition, which only applies when the row is still in one of the
// expected statuses; a zero-row result is an idempotent no-op, not an error.
type ReportRepo interface {
	Create(dbc dbctx.Context, report *types.Report) (*types.Report, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Report, error)
	GetByIDForUser(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID) (*types.Report, error)
	GetBySessionID(dbc dbctx.Context, sessionID string) (*types.Report, error)
	ListForUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Report, error)
	Transition(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, from []types.ReportStatus, to types.ReportStatus, patch map[string]interface{}) (bool, error)
	AttachCheckoutSession(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, prevSessionID, sessionID string, plan types.ReportPlan) (bool, error)
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, step string, progress int) (bool, error)
	FailStale(dbc dbctx.Context, cutoff time.Time, patch map[string]interface{}) (int64, error)
}

type reportRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReportRepo(db *gorm.DB, baseLog *logger.Logger) ReportRepo {
	return &reportRepo{
		db:  db,
		log: baseLog.With("repo", "ReportRepo"),
	}
}

func (r *reportRepo) tx(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *reportRepo) Create(dbc dbctx.Context, report *types.Report) (*types.Report, error) {
	if report == nil {
		return nil, fmt.Errorf("nil report")
	}
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.Status == "" {
		report.Status = types.ReportStatusDraft
	}
	if report.Status != types.ReportStatusDraft {
		return nil, fmt.Errorf("%w: reports are created as draft, got %s", ErrInvalidTransition, report.Status)
	}
	if len(report.OutputData) > 0 {
		return nil, fmt.Errorf("%w: draft report cannot carry output_data", ErrInvalidTransition)
	}
	now := time.Now().UTC()
	report.CreatedAt = now
	report.UpdatedAt = now
	if err := r.tx(dbc).Create(report).Error; err != nil {
		return nil, err
	}
	return report, nil
}

func (r *reportRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Report, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var out types.Report
	if err := r.tx(dbc).Where("id = ?", id).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if out.ID == uuid.Nil {
		return nil, nil
	}
	return &out, nil
}

func (r *reportRepo) GetByIDForUser(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID) (*types.Report, error) {
	if id == uuid.Nil || userID == uuid.Nil {
		return nil, nil
	}
	var out types.Report
	if err := r.tx(dbc).Where("id = ? AND user_id = ?", id, userID).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if out.ID == uuid.Nil {
		return nil, nil
	}
	return &out, nil
}

func (r *reportRepo) GetBySessionID(dbc dbctx.Context, sessionID string) (*types.Report, error) {
	if sessionID == "" {
		return nil, nil
	}
	var out types.Report
	if err := r.tx(dbc).Where("stripe_session_id = ?", sessionID).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if out.ID == uuid.Nil {
		return nil, nil
	}
	return &out, nil
}

func (r *reportRepo) ListForUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Report, error) {
	out := []*types.Report{}
	if userID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if err := r.tx(dbc).
		Omit("output_data", "input_data").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Transition moves a report to `to` only if its current status is in `from`
// (and, when userID is set, only if it belongs to that user). The patch is
// applied in the same statement. output_data may only be written on the way
// into ready, and ready always carries it.
func (r *reportRepo) Transition(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, from []types.ReportStatus, to types.ReportStatus, patch map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing report id")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("%w: no expected status", ErrInvalidTransition)
	}
	fromStrings := make([]string, 0, len(from))
	for _, f := range from {
		if !domain.CanTransition(f, to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
		fromStrings = append(fromStrings, string(f))
	}

	updates := make(map[string]interface{}, len(patch)+2)
	for k, v := range patch {
		updates[k] = v
	}
	out, hasOutput := updates["output_data"]
	switch {
	case to == types.ReportStatusReady && (!hasOutput || isEmptyJSON(out)):
		return false, fmt.Errorf("%w: ready requires output_data", ErrInvalidTransition)
	case to != types.ReportStatusReady && hasOutput:
		return false, fmt.Errorf("%w: output_data only written on ready", ErrInvalidTransition)
	}
	updates["status"] = string(to)
	updates["updated_at"] = time.Now().UTC()

	q := r.tx(dbc).Model(&types.Report{}).Where("id = ? AND status IN ?", id, fromStrings)
	if userID != uuid.Nil {
		q = q.Where("user_id = ?", userID)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.log.Debug("Report transition skipped", "report_id", id, "from", fromStrings, "to", to)
	}
	return res.RowsAffected > 0, nil
}

// AttachCheckoutSession records sessionID on a draft whose current session is
// prevSessionID. Once a draft has a session its plan is fixed: replacing the
// session is only allowed for the same plan.
func (r *reportRepo) AttachCheckoutSession(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, prevSessionID, sessionID string, plan types.ReportPlan) (bool, error) {
	q := r.tx(dbc).Model(&types.Report{}).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, string(types.ReportStatusDraft)).
		Where("COALESCE(stripe_session_id, '') = ?", prevSessionID)
	if prevSessionID != "" {
		q = q.Where("plan = ?", string(plan))
	}
	res := q.Updates(map[string]interface{}{
		"stripe_session_id": sessionID,
		"plan":              string(plan),
		"updated_at":        time.Now().UTC(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateProgress records advisory progress for the current attempt. It is a
// no-op unless the report is processing and the new value does not go
// backwards. A repeated value still refreshes updated_at, which doubles as
// the generator heartbeat.
func (r *reportRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, step string, progress int) (bool, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	updates := map[string]interface{}{
		"processing_progress": progress,
		"updated_at":          time.Now().UTC(),
	}
	if step != "" {
		updates["processing_step"] = step
	}
	res := r.tx(dbc).Model(&types.Report{}).
		Where("id = ? AND status = ? AND processing_progress <= ?", id, string(types.ReportStatusProcessing), progress).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FailStale moves every processing report not updated since cutoff to failed.
func (r *reportRepo) FailStale(dbc dbctx.Context, cutoff time.Time, patch map[string]interface{}) (int64, error) {
	updates := make(map[string]interface{}, len(patch)+2)
	for k, v := range patch {
		if k == "output_data" {
			return 0, fmt.Errorf("%w: output_data only written on ready", ErrInvalidTransition)
		}
		updates[k] = v
	}
	updates["status"] = string(types.ReportStatusFailed)
	updates["updated_at"] = time.Now().UTC()
	res := r.tx(dbc).Model(&types.Report{}).
		Where("status = ? AND updated_at < ?", string(types.ReportStatusProcessing), cutoff.UTC()).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func isEmptyJSON(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []byte:
		return len(t) == 0 || string(t) == "null"
	case string:
		return t == "" || t == "null"
	default:
		if s, ok := v.(fmt.Stringer); ok {
			return s.String() == "" || s.String() == "null"
		}
		return false
	}
}
