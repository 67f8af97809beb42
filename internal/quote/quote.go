// Package quote holds the tier recommendation rules and the price tables.
// Everything here is pure: same answers in, same quote out.
package quote

import (
	"math"

	"leadline/internal/domain"
)

const (
	OneOffMin = 150
	OneOffMax = 1500
)

// priceTable maps turnover band to per-tier monthly price ranges, in pounds.
var priceTable = map[string]map[domain.Tier]domain.PriceBand{
	"under-250k": {
		domain.TierSilver:   {Min: 150, Max: 250},
		domain.TierGold:     {Min: 275, Max: 450},
		domain.TierPlatinum: {Min: 495, Max: 750},
	},
	"250k-1m": {
		domain.TierSilver:   {Min: 250, Max: 350},
		domain.TierGold:     {Min: 450, Max: 600},
		domain.TierPlatinum: {Min: 750, Max: 1000},
	},
	"1m-5m": {
		domain.TierSilver:   {Min: 350, Max: 450},
		domain.TierGold:     {Min: 600, Max: 750},
		domain.TierPlatinum: {Min: 1000, Max: 1300},
	},
	"over-5m": {
		domain.TierSilver:   {Min: 450, Max: 495},
		domain.TierGold:     {Min: 750, Max: 795},
		domain.TierPlatinum: {Min: 1300, Max: 1495},
	},
}

// Recommend picks a tier from the qualification answers. Rules run in order
// and the first match wins; gold is the fallback when nothing else applies.
func Recommend(a domain.QualificationAnswers) domain.Tier {
	if a.TurnoverBand == "over-5m" || a.TurnoverBand == "1m-5m" {
		if a.TeamStructure == "employees-subcontractors" || hasPriority(a.Priorities, "Virtual Finance Director level support") {
			return domain.TierPlatinum
		}
	}
	if a.TurnoverBand == "250k-1m" || a.TurnoverBand == "1m-5m" {
		if a.TeamStructure == "me-employees" ||
			a.TeamStructure == "employees-subcontractors" ||
			hasPriority(a.Priorities, "Reduce tax & keep more profit") ||
			hasPriority(a.Priorities, "Better finances, cashflow, monthly clarity") {
			return domain.TierGold
		}
	}
	if a.TeamStructure == "subcontractors-cis" || (a.Urgency == "immediately" && len(a.Priorities) >= 2) {
		return domain.TierGold
	}
	if a.TurnoverBand == "under-250k" || a.BusinessType == "not-set-up" {
		return domain.TierSilver
	}
	return domain.TierGold
}

// Price looks up the monthly range for a tier. Unknown turnover bands fall
// back to the lowest band and unknown tiers fall back to silver rather than
// failing the flow.
func Price(tier domain.Tier, turnoverBand string) (domain.PriceBand, error) {
	bands, ok := priceTable[turnoverBand]
	if !ok {
		bands = priceTable["under-250k"]
	}
	band, ok := bands[tier]
	if !ok {
		band = bands[domain.TierSilver]
	}
	return band, nil
}

// AnnualPrice applies the 5% discount for paying a year up front.
func AnnualPrice(monthly int) int {
	return int(math.Round(float64(monthly) * 12 * 0.95))
}

// AnnualSavings is what the discount is worth against twelve monthly payments.
func AnnualSavings(monthly int) int {
	return monthly*12 - AnnualPrice(monthly)
}

func hasPriority(priorities []string, want string) bool {
	for _, p := range priorities {
		if p == want {
			return true
		}
	}
	return false
}
