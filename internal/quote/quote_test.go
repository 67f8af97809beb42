package quote_test

import (
	"testing"

	"leadline/internal/domain"
	"leadline/internal/quote"
)

func TestRecommendRules(t *testing.T) {
	cases := []struct {
		name string
		in   domain.QualificationAnswers
		want domain.Tier
	}{
		{
			name: "high turnover with subcontractor team",
			in: domain.QualificationAnswers{
				TurnoverBand:  "1m-5m",
				TeamStructure: "employees-subcontractors",
				Priorities:    []string{"Reduce tax & keep more profit"},
			},
			want: domain.TierPlatinum,
		},
		{
			name: "high turnover with vfd priority",
			in: domain.QualificationAnswers{
				TurnoverBand:  "over-5m",
				TeamStructure: "just-me",
				Priorities:    []string{"Virtual Finance Director level support"},
			},
			want: domain.TierPlatinum,
		},
		{
			name: "medium turnover with employees",
			in: domain.QualificationAnswers{
				TurnoverBand:  "250k-1m",
				TeamStructure: "me-employees",
				Priorities:    []string{"Get set up properly"},
			},
			want: domain.TierGold,
		},
		{
			name: "cis structure",
			in: domain.QualificationAnswers{
				TurnoverBand:  "under-250k",
				TeamStructure: "subcontractors-cis",
				Priorities:    []string{"Get set up properly"},
			},
			want: domain.TierGold,
		},
		{
			name: "urgent with multiple priorities",
			in: domain.QualificationAnswers{
				TurnoverBand:  "under-250k",
				TeamStructure: "just-me",
				Urgency:       "immediately",
				Priorities:    []string{"a", "b"},
			},
			want: domain.TierGold,
		},
		{
			name: "small business",
			in: domain.QualificationAnswers{
				TurnoverBand:  "under-250k",
				TeamStructure: "just-me",
				Urgency:       "just-researching",
				Priorities:    []string{"a"},
			},
			want: domain.TierSilver,
		},
		{
			name: "not set up yet",
			in: domain.QualificationAnswers{
				BusinessType:  "not-set-up",
				TeamStructure: "just-me",
				Priorities:    []string{"a"},
			},
			want: domain.TierSilver,
		},
		{
			name: "fallback",
			in: domain.QualificationAnswers{
				TurnoverBand:  "1m-5m",
				TeamStructure: "just-me",
				Urgency:       "just-researching",
				Priorities:    []string{"a"},
			},
			want: domain.TierGold,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := quote.Recommend(tc.in); got != tc.want {
				t.Fatalf("Recommend() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRecommendDeterministic(t *testing.T) {
	in := domain.QualificationAnswers{
		TurnoverBand:  "250k-1m",
		TeamStructure: "me-employees",
		Priorities:    []string{"Reduce tax & keep more profit"},
	}
	first := quote.Recommend(in)
	for i := 0; i < 50; i++ {
		if got := quote.Recommend(in); got != first {
			t.Fatalf("recommendation changed between calls: %s then %s", first, got)
		}
	}
}

func TestPriceTable(t *testing.T) {
	band, err := quote.Price(domain.TierGold, "250k-1m")
	if err != nil {
		t.Fatal(err)
	}
	if band.Min != 450 || band.Max != 600 {
		t.Fatalf("gold 250k-1m = %+v, want 450-600", band)
	}
	band, err = quote.Price(domain.TierPlatinum, "over-5m")
	if err != nil {
		t.Fatal(err)
	}
	if band.Min != 1300 || band.Max != 1495 {
		t.Fatalf("platinum over-5m = %+v, want 1300-1495", band)
	}
}

func TestPriceUnknownBandFallsBack(t *testing.T) {
	band, err := quote.Price(domain.TierSilver, "no-such-band")
	if err != nil {
		t.Fatal(err)
	}
	if band.Min != 150 || band.Max != 250 {
		t.Fatalf("fallback = %+v, want lowest band 150-250", band)
	}
}

func TestPriceUnknownTierFallsBackToSilver(t *testing.T) {
	band, err := quote.Price(domain.Tier("bronze"), "under-250k")
	if err != nil {
		t.Fatal(err)
	}
	if band.Min != 150 || band.Max != 250 {
		t.Fatalf("fallback = %+v, want silver 150-250", band)
	}
}

func TestAnnualPrice(t *testing.T) {
	if got := quote.AnnualPrice(450); got != 5130 {
		t.Fatalf("AnnualPrice(450) = %d, want 5130", got)
	}
	if got := quote.AnnualSavings(450); got != 270 {
		t.Fatalf("AnnualSavings(450) = %d, want 270", got)
	}
}
