package domain

// Step payload shapes. Each step validates its own payload before anything is
// merged into the lead record; nothing here performs I/O.

// IdentityAnswers is the step 1 payload.
type IdentityAnswers struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Consent   bool   `json:"consent"`
}

// RoutingAnswers is the step 2 payload; it fixes the flow branch.
type RoutingAnswers struct {
	SupportType FlowBranch `json:"support_type" enum:"monthly,one-off"`
}

// QualificationAnswers is the step 3 payload (monthly branch).
type QualificationAnswers struct {
	BusinessType   string   `json:"business_type" enum:"limited-company,sole-trader,partnership,not-set-up"`
	TurnoverBand   string   `json:"turnover_band" enum:"under-250k,250k-1m,1m-5m,over-5m"`
	TeamStructure  string   `json:"team_structure" enum:"just-me,me-employees,subcontractors-cis,employees-subcontractors"`
	CurrentSupport string   `json:"current_support" enum:"have-accountant,do-myself,mess-behind"`
	Urgency        string   `json:"urgency" enum:"immediately,within-30-days,within-3-months,just-researching"`
	Priorities     []string `json:"priorities"`
	BudgetComfort  string   `json:"budget_comfort,omitempty" enum:"sounds-fine,keep-costs-down,not-sure"`
}

// RecommendationAnswers is the step 4 payload.
type RecommendationAnswers struct {
	RecommendedTier Tier `json:"recommended_tier" enum:"silver,gold,platinum"`
	SelectedTier    Tier `json:"selected_tier" enum:"silver,gold,platinum"`
}

// PricingAnswers is the step 5 payload.
type PricingAnswers struct {
	SelectedTier Tier      `json:"selected_tier" enum:"silver,gold,platinum"`
	MonthlyPrice PriceBand `json:"monthly_price"`
}

// PaymentStyleAnswers is the step 6 payload. Annual price and savings are
// derived by the engine, not submitted.
type PaymentStyleAnswers struct {
	PaymentStyle  string `json:"payment_style" enum:"monthly,annual"`
	MonthlyPrice  int    `json:"monthly_price"`
	AnnualPrice   int    `json:"annual_price,omitempty"`
	Savings       int    `json:"savings,omitempty"`
	DepositAmount int    `json:"deposit_amount,omitempty"`
}

// OnboardingAnswers is the step 7 payload, reachable only once the deposit
// is paid.
type OnboardingAnswers struct {
	LegalBusinessName string `json:"legal_business_name"`
	TradingName       string `json:"trading_name,omitempty"`
	CompanyNumber     string `json:"company_number,omitempty"`
	BusinessAddress   string `json:"business_address"`
	Website           string `json:"website,omitempty"`
	Role              string `json:"role"`
	OtherDirectors    string `json:"other_directors,omitempty" enum:"yes,no"`
	UKResidents       string `json:"uk_residents,omitempty" enum:"yes,no"`
	AMLConsent        bool   `json:"aml_consent"`
}

// CommitmentAnswers is the step 8 payload. The book-call option is a
// terminal exit via external redirect rather than an advance.
type CommitmentAnswers struct {
	Option string `json:"option" enum:"set-me-up,book-call"`
}

// OneOffScopingAnswers is the O1 payload.
type OneOffScopingAnswers struct {
	JobTypes          []string `json:"job_types"`
	OtherJobType      string   `json:"other_job_type,omitempty"`
	TimePeriod        string   `json:"time_period" enum:"latest-tax-year,multiple-past-years,ongoing-issue"`
	Urgency           string   `json:"urgency" enum:"within-7-days,within-30-days,no-fixed-deadline"`
	CurrentAccountant string   `json:"current_accountant" enum:"yes,no,complicated"`
	BudgetComfort     string   `json:"budget_comfort" enum:"sounds-fine,keep-it-low,not-sure"`
}

// OneOffProceedAnswers is the O2 payload.
type OneOffProceedAnswers struct {
	CallbackTime string `json:"callback_time" enum:"morning,afternoon,evening,immediately"`
}
