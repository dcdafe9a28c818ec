package reports

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// InputData is the questionnaire captured by the wizard. It is written once
// when the draft is created and never modified afterwards.
type InputData struct {
	BusinessProfile BusinessProfile `json:"business_profile" validate:"required"`
	Competitors     []Competitor    `json:"competitors" validate:"required,min=1,dive"`
	Goals           []string        `json:"goals" validate:"max=10,dive,required,max=280"`
	PricingContext  PricingContext  `json:"pricing_context"`
	Tone            string          `json:"tone,omitempty" validate:"omitempty,oneof=neutral formal friendly bold"`
	Language        string          `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`
}

type BusinessProfile struct {
	BusinessName  string `json:"business_name" validate:"required,max=200"`
	Industry      string `json:"industry" validate:"required,max=120"`
	Location      string `json:"location" validate:"required,max=200"`
	BusinessModel string `json:"business_model,omitempty" validate:"max=120"`
	CompanySize   string `json:"company_size,omitempty" validate:"max=60"`
	Description   string `json:"description,omitempty" validate:"max=2000"`
}

type Competitor struct {
	Name    string `json:"name" validate:"required,max=200"`
	Website string `json:"website,omitempty" validate:"omitempty,url"`
	Notes   string `json:"notes,omitempty" validate:"max=1000"`
}

type PricingContext struct {
	PriceRange   string `json:"price_range,omitempty" validate:"max=120"`
	PricingModel string `json:"pricing_model,omitempty" validate:"max=120"`
	Currency     string `json:"currency,omitempty" validate:"omitempty,len=3"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func inputValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Normalize trims free text and fills defaults.
func (in *InputData) Normalize() {
	in.BusinessProfile.BusinessName = strings.TrimSpace(in.BusinessProfile.BusinessName)
	in.BusinessProfile.Industry = strings.TrimSpace(in.BusinessProfile.Industry)
	in.BusinessProfile.Location = strings.TrimSpace(in.BusinessProfile.Location)
	for i := range in.Competitors {
		in.Competitors[i].Name = strings.TrimSpace(in.Competitors[i].Name)
		in.Competitors[i].Website = strings.TrimSpace(in.Competitors[i].Website)
	}
	goals := in.Goals[:0]
	for _, g := range in.Goals {
		if g = strings.TrimSpace(g); g != "" {
			goals = append(goals, g)
		}
	}
	in.Goals = goals
	if in.Tone == "" {
		in.Tone = "neutral"
	}
	if in.Language == "" {
		in.Language = "en"
	}
	in.PricingContext.Currency = strings.ToUpper(strings.TrimSpace(in.PricingContext.Currency))
}

// Validate checks struct tags plus the per-plan competitor ceiling.
func (in *InputData) Validate(plan Plan) error {
	if err := inputValidator().Struct(in); err != nil {
		return err
	}
	if max := plan.MaxCompetitors(); len(in.Competitors) > max {
		return fmt.Errorf("%s plan allows at most %d competitors, got %d", plan, max, len(in.Competitors))
	}
	return nil
}

func DecodeInput(raw []byte) (*InputData, error) {
	var in InputData
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode input_data: %w", err)
	}
	return &in, nil
}
