package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"leadline/internal/domain"
	"leadline/internal/quote"
)

// parseAndValidate decodes the submitted payload into the step's answer
// shape and checks it. Server-derived values (recommendation, prices) are
// recomputed here rather than trusted from the client.
func (e *Engine) parseAndValidate(rec domain.LeadRecord, step domain.Step, payload json.RawMessage) (any, error) {
	if !stepOnBranch(rec.FlowBranch, step) {
		return nil, fmt.Errorf("step %s is not on the %s flow", step, rec.FlowBranch)
	}
	switch step {
	case domain.StepIdentity:
		var a domain.IdentityAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		return a, validateIdentity(a)
	case domain.StepRouting:
		var a domain.RoutingAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		if a.SupportType != domain.BranchMonthly && a.SupportType != domain.BranchOneOff {
			return nil, &ValidationError{Field: "support_type", Message: "must be monthly or one-off"}
		}
		return a, nil
	case domain.StepQualification:
		var a domain.QualificationAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		return a, validateQualification(a)
	case domain.StepRecommendation:
		var a domain.RecommendationAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		qual, err := qualificationOf(rec)
		if err != nil {
			return nil, err
		}
		a.RecommendedTier = quote.Recommend(qual)
		if a.SelectedTier == "" {
			a.SelectedTier = a.RecommendedTier
		}
		if !validTier(a.SelectedTier) {
			return nil, &ValidationError{Field: "selected_tier", Message: "unknown tier"}
		}
		return a, nil
	case domain.StepPricing:
		var a domain.PricingAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		if a.SelectedTier == "" {
			a.SelectedTier = selectedTierOf(rec)
		}
		if !validTier(a.SelectedTier) {
			return nil, &ValidationError{Field: "selected_tier", Message: "unknown tier"}
		}
		qual, err := qualificationOf(rec)
		if err != nil {
			return nil, err
		}
		band, err := quote.Price(a.SelectedTier, qual.TurnoverBand)
		if err != nil {
			return nil, err
		}
		a.MonthlyPrice = band
		return a, nil
	case domain.StepPaymentStyle:
		var a domain.PaymentStyleAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		if a.PaymentStyle != "monthly" && a.PaymentStyle != "annual" {
			return nil, &ValidationError{Field: "payment_style", Message: "must be monthly or annual"}
		}
		if a.MonthlyPrice <= 0 {
			qual, err := qualificationOf(rec)
			if err != nil {
				return nil, err
			}
			band, err := quote.Price(selectedTierOf(rec), qual.TurnoverBand)
			if err != nil {
				return nil, err
			}
			a.MonthlyPrice = band.Min
		}
		a.AnnualPrice = quote.AnnualPrice(a.MonthlyPrice)
		a.Savings = quote.AnnualSavings(a.MonthlyPrice)
		a.DepositAmount = e.Config.Payment.DepositAmountPence
		return a, nil
	case domain.StepOnboarding:
		if rec.FlowBranch == domain.BranchMonthly && !rec.DepositPaid {
			return nil, &ValidationError{Field: "deposit", Message: "deposit must be paid before onboarding"}
		}
		var a domain.OnboardingAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		return a, validateOnboarding(a)
	case domain.StepCommitment:
		var a domain.CommitmentAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		if a.Option != "set-me-up" && a.Option != "book-call" {
			return nil, &ValidationError{Field: "option", Message: "must be set-me-up or book-call"}
		}
		return a, nil
	case domain.StepOneOffScoping:
		var a domain.OneOffScopingAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		return a, validateOneOffScoping(a)
	case domain.StepOneOffProceed:
		var a domain.OneOffProceedAnswers
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		if a.CallbackTime == "" {
			return nil, &ValidationError{Field: "callback_time", Message: "is required"}
		}
		return a, nil
	}
	return nil, fmt.Errorf("step %s does not accept submissions", step)
}

func decode(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return &ValidationError{Message: "request body is empty"}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &ValidationError{Message: fmt.Sprintf("malformed payload: %v", err)}
	}
	return nil
}

func validateIdentity(a domain.IdentityAnswers) error {
	if strings.TrimSpace(a.FirstName) == "" {
		return &ValidationError{Field: "first_name", Message: "is required"}
	}
	if strings.TrimSpace(a.LastName) == "" {
		return &ValidationError{Field: "last_name", Message: "is required"}
	}
	if !strings.Contains(a.Email, "@") {
		return &ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	if strings.TrimSpace(a.Phone) == "" {
		return &ValidationError{Field: "phone", Message: "is required"}
	}
	if !a.Consent {
		return &ValidationError{Field: "consent", Message: "consent is required to continue"}
	}
	return nil
}

func validateQualification(a domain.QualificationAnswers) error {
	if a.BusinessType == "" {
		return &ValidationError{Field: "business_type", Message: "is required"}
	}
	if a.TurnoverBand == "" {
		return &ValidationError{Field: "turnover_band", Message: "is required"}
	}
	if a.TeamStructure == "" {
		return &ValidationError{Field: "team_structure", Message: "is required"}
	}
	if a.Urgency == "" {
		return &ValidationError{Field: "urgency", Message: "is required"}
	}
	if len(a.Priorities) == 0 {
		return &ValidationError{Field: "priorities", Message: "pick at least one"}
	}
	return nil
}

func validateOnboarding(a domain.OnboardingAnswers) error {
	if strings.TrimSpace(a.LegalBusinessName) == "" {
		return &ValidationError{Field: "legal_business_name", Message: "is required"}
	}
	if strings.TrimSpace(a.BusinessAddress) == "" {
		return &ValidationError{Field: "business_address", Message: "is required"}
	}
	if strings.TrimSpace(a.Role) == "" {
		return &ValidationError{Field: "role", Message: "is required"}
	}
	if !a.AMLConsent {
		return &ValidationError{Field: "aml_consent", Message: "consent is required to continue"}
	}
	return nil
}

func validateOneOffScoping(a domain.OneOffScopingAnswers) error {
	if len(a.JobTypes) == 0 {
		return &ValidationError{Field: "job_types", Message: "pick at least one"}
	}
	if a.TimePeriod == "" {
		return &ValidationError{Field: "time_period", Message: "is required"}
	}
	if a.Urgency == "" {
		return &ValidationError{Field: "urgency", Message: "is required"}
	}
	return nil
}

func validTier(t domain.Tier) bool {
	switch t {
	case domain.TierSilver, domain.TierGold, domain.TierPlatinum:
		return true
	}
	return false
}

// qualificationOf re-reads the stored step 3 answers; later steps derive
// prices and recommendations from them.
func qualificationOf(rec domain.LeadRecord) (domain.QualificationAnswers, error) {
	raw, ok := rec.StepAnswers[domain.StepQualification.String()]
	if !ok {
		return domain.QualificationAnswers{}, &ValidationError{Message: "qualification step has not been completed"}
	}
	var a domain.QualificationAnswers
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("decode stored qualification answers: %w", err)
	}
	return a, nil
}

func selectedTierOf(rec domain.LeadRecord) domain.Tier {
	raw, ok := rec.StepAnswers[domain.StepRecommendation.String()]
	if !ok {
		return ""
	}
	var a domain.RecommendationAnswers
	if err := json.Unmarshal(raw, &a); err != nil {
		return ""
	}
	return a.SelectedTier
}
