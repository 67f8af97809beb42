package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Step identifies a position in the wizard. It is a tagged variant: either a
// numbered step in the monthly flow (1..9) or a tagged step in the one-off
// flow (O1..O3). The zero value is not a valid step.
type Step struct {
	Number int
	Tag    string
}

// Numbered steps of the monthly flow.
var (
	StepIdentity       = Step{Number: 1}
	StepRouting        = Step{Number: 2}
	StepQualification  = Step{Number: 3}
	StepRecommendation = Step{Number: 4}
	StepPricing        = Step{Number: 5}
	StepPaymentStyle   = Step{Number: 6}
	StepOnboarding     = Step{Number: 7}
	StepCommitment     = Step{Number: 8}
	StepConfirmation   = Step{Number: 9}
)

// Tagged steps of the one-off flow.
var (
	StepOneOffScoping      = Step{Tag: "O1"}
	StepOneOffProceed      = Step{Tag: "O2"}
	StepOneOffConfirmation = Step{Tag: "O3"}
)

func (s Step) IsZero() bool   { return s.Number == 0 && s.Tag == "" }
func (s Step) IsOneOff() bool { return s.Tag != "" }

// Terminal reports whether the step has no outgoing transitions.
func (s Step) Terminal() bool {
	return s == StepConfirmation || s == StepOneOffConfirmation
}

func (s Step) String() string {
	if s.Tag != "" {
		return s.Tag
	}
	return strconv.Itoa(s.Number)
}

// Ordinal maps a step onto the single numeric progress scale the CRM stores
// as last-completed-step. One-off steps occupy slots after the monthly flow.
func (s Step) Ordinal() int {
	switch s.Tag {
	case "O1":
		return 10
	case "O2":
		return 11
	case "O3":
		return 12
	}
	return s.Number
}

// ParseStep parses "1".."9" or "O1".."O3" (case-insensitive).
func ParseStep(raw string) (Step, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if strings.HasPrefix(raw, "O") {
		switch raw {
		case "O1", "O2", "O3":
			return Step{Tag: raw}, nil
		}
		return Step{}, fmt.Errorf("unknown one-off step %q", raw)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 9 {
		return Step{}, fmt.Errorf("unknown step %q", raw)
	}
	return Step{Number: n}, nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStep(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
