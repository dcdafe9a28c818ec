package reports

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

var allStatuses = []Status{StatusDraft, StatusPaid, StatusProcessing, StatusReady, StatusFailed, StatusAbandoned}

// edges is the full transition graph. processing -> processing is a
// re-trigger of an in-flight report; failed -> processing is a retry.
var edges = map[Status][]Status{
	StatusDraft:      {StatusPaid, StatusAbandoned},
	StatusPaid:       {StatusProcessing, StatusAbandoned},
	StatusProcessing: {StatusProcessing, StatusReady, StatusFailed, StatusAbandoned},
	StatusFailed:     {StatusProcessing},
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range allStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown report status %q", raw)
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusAbandoned
}

// Generatable statuses may start (or restart) a generation attempt.
func (s Status) Generatable() bool {
	return s == StatusPaid || s == StatusProcessing || s == StatusFailed
}

// Abandonable statuses are the pre-terminal ones a client may walk away from.
func (s Status) Abandonable() bool {
	return s == StatusDraft || s == StatusPaid || s == StatusProcessing
}

func (s Status) String() string { return string(s) }
