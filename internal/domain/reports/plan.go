package reports

import (
	"fmt"
	"strings"
)

type Plan string

const (
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
	PlanAgency   Plan = "agency"
)

func ParsePlan(raw string) (Plan, error) {
	switch p := Plan(strings.ToLower(strings.TrimSpace(raw))); p {
	case PlanStandard, PlanPro, PlanAgency:
		return p, nil
	default:
		return "", fmt.Errorf("invalid plan %q", raw)
	}
}

// MaxCompetitors bounds the questionnaire per tier.
func (p Plan) MaxCompetitors() int {
	switch p {
	case PlanStandard:
		return 10
	default:
		return 20
	}
}

func (p Plan) Title() string {
	switch p {
	case PlanPro:
		return "Pro"
	case PlanAgency:
		return "Agency"
	default:
		return "Standard"
	}
}

func (p Plan) String() string { return string(p) }
