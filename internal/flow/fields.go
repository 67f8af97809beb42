package flow

import (
	"strconv"
	"strings"

	"leadline/internal/domain"
)

// crmPayload maps a step's answers onto the flat field set and tags the CRM
// sync carries. Multi-selects are joined with ", "; the CRM side treats the
// keys as opaque.
func crmPayload(step domain.Step, answers any) (map[string]string, []string) {
	switch a := answers.(type) {
	case domain.IdentityAnswers:
		return map[string]string{
			"marketing_consent": strconv.FormatBool(a.Consent),
		}, []string{"quote-started"}
	case domain.RoutingAnswers:
		return map[string]string{
			"engagement_type": string(a.SupportType),
		}, nil
	case domain.QualificationAnswers:
		f := map[string]string{
			"business_type":   a.BusinessType,
			"turnover_band":   a.TurnoverBand,
			"team_structure":  a.TeamStructure,
			"current_support": a.CurrentSupport,
			"urgency":         a.Urgency,
			"priorities":      strings.Join(a.Priorities, ", "),
		}
		if a.BudgetComfort != "" {
			f["budget_comfort"] = a.BudgetComfort
		}
		return f, nil
	case domain.RecommendationAnswers:
		return map[string]string{
			"recommended_package": string(a.RecommendedTier),
			"selected_package":    string(a.SelectedTier),
		}, nil
	case domain.PricingAnswers:
		return map[string]string{
			"selected_package":  string(a.SelectedTier),
			"monthly_price_min": strconv.Itoa(a.MonthlyPrice.Min),
			"monthly_price_max": strconv.Itoa(a.MonthlyPrice.Max),
		}, nil
	case domain.PaymentStyleAnswers:
		return map[string]string{
			"payment_preference": a.PaymentStyle,
			"monthly_price":      strconv.Itoa(a.MonthlyPrice),
			"annual_price":       strconv.Itoa(a.AnnualPrice),
			"annual_savings":     strconv.Itoa(a.Savings),
		}, nil
	case domain.OnboardingAnswers:
		f := map[string]string{
			"legal_business_name": a.LegalBusinessName,
			"business_address":    a.BusinessAddress,
			"role":                a.Role,
		}
		if a.TradingName != "" {
			f["trading_name"] = a.TradingName
		}
		if a.CompanyNumber != "" {
			f["company_number"] = a.CompanyNumber
		}
		if a.Website != "" {
			f["website"] = a.Website
		}
		if a.OtherDirectors != "" {
			f["other_directors"] = a.OtherDirectors
		}
		if a.UKResidents != "" {
			f["uk_residents"] = a.UKResidents
		}
		return f, []string{"onboarding-complete"}
	case domain.CommitmentAnswers:
		tags := []string{}
		if a.Option == "book-call" {
			tags = append(tags, "book-call-requested")
		}
		return map[string]string{"commitment_option": a.Option}, tags
	case domain.OneOffScopingAnswers:
		f := map[string]string{
			"job_types":          strings.Join(a.JobTypes, ", "),
			"time_period":        a.TimePeriod,
			"urgency":            a.Urgency,
			"current_accountant": a.CurrentAccountant,
			"budget_comfort":     a.BudgetComfort,
		}
		if a.OtherJobType != "" {
			f["other_job_type"] = a.OtherJobType
		}
		return f, []string{"one-off-enquiry"}
	case domain.OneOffProceedAnswers:
		return map[string]string{
			"callback_time": a.CallbackTime,
		}, []string{"one-off-callback"}
	}
	return nil, nil
}
