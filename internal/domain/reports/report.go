package reports

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Report is one paid benchmark report and the single source of truth for its
// lifecycle. OutputData is non-null exactly when Status is ready.
type Report struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Status Status    `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Plan   Plan      `gorm:"column:plan;type:varchar(16);not null" json:"plan"`

	InputData  datatypes.JSON `gorm:"column:input_data;not null" json:"input_data"`
	OutputData datatypes.JSON `gorm:"column:output_data" json:"output_data,omitempty"`

	StripeSessionID string `gorm:"column:stripe_session_id;index" json:"stripe_session_id,omitempty"`
	StripePaymentID string `gorm:"column:stripe_payment_id" json:"stripe_payment_id,omitempty"`
	AmountPaid      int64  `gorm:"column:amount_paid;not null;default:0" json:"amount_paid"`
	Currency        string `gorm:"column:currency;type:varchar(8)" json:"currency,omitempty"`

	ProcessingStep     string `gorm:"column:processing_step" json:"processing_step,omitempty"`
	ProcessingProgress int    `gorm:"column:processing_progress;not null;default:0" json:"processing_progress"`
	ErrorKind          string `gorm:"column:error_kind;type:varchar(32)" json:"error_kind,omitempty"`
	ErrorMessage       string `gorm:"column:error_message" json:"error_message,omitempty"`
	GenerationAttempts int    `gorm:"column:generation_attempts;not null;default:0" json:"generation_attempts"`

	PaidAt      *time.Time `gorm:"column:paid_at" json:"paid_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;index" json:"updated_at"`
}

func (Report) TableName() string { return "report" }

// PollView is the subset of a report the client watcher reads on every tick.
type PollView struct {
	ID                 uuid.UUID      `json:"id"`
	Status             Status         `json:"status"`
	Plan               Plan           `json:"plan"`
	OutputData         datatypes.JSON `json:"output_data,omitempty"`
	ProcessingStep     string         `json:"processing_step,omitempty"`
	ProcessingProgress int            `json:"processing_progress"`
	ErrorKind          string         `json:"error_kind,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

func (r *Report) PollView() PollView {
	v := PollView{
		ID:                 r.ID,
		Status:             r.Status,
		Plan:               r.Plan,
		ProcessingStep:     r.ProcessingStep,
		ProcessingProgress: r.ProcessingProgress,
		ErrorKind:          r.ErrorKind,
		ErrorMessage:       r.ErrorMessage,
		UpdatedAt:          r.UpdatedAt,
		CompletedAt:        r.CompletedAt,
	}
	if r.Status == StatusReady {
		v.OutputData = r.OutputData
	}
	return v
}
