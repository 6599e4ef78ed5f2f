package fundingcycle

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

// decayedWeight applies the per-rollover discount to a weight over the given
// number of elapsed periods: weight × (1 − rate/MaxDiscountRate)^periods.
// The result never goes below zero.
func decayedWeight(weight decimal.Decimal, discountRate uint64, periods int64) decimal.Decimal {
	if discountRate == 0 || periods <= 0 || weight.IsZero() {
		return weight
	}
	if discountRate >= MaxDiscountRate {
		return decimal.Zero
	}
	rate := decimal.New(int64(discountRate), 0).Div(decimal.New(int64(MaxDiscountRate), 0))
	factor := one.Sub(rate).Pow(decimal.NewFromInt(periods))
	return weight.Mul(factor)
}

// deriveAt rolls a stored cycle forward to the window containing at. The
// derived cycle keeps the stored cycle's Configuration and BasedOn ids; only
// Number, Start and Weight advance. Cycles with zero duration never roll.
func deriveAt(base FundingCycle, at int64) FundingCycle {
	if base.Duration == 0 || at < base.Start+base.Duration {
		return base
	}
	periods := (at - base.Start) / base.Duration
	derived := base
	derived.Number += uint64(periods)
	derived.Start += periods * base.Duration
	derived.Weight = decayedWeight(base.Weight, base.DiscountRate, periods)
	return derived
}

// nextBoundary returns the first whole-period boundary of anchor that is at
// or after earliest, always strictly after anchor's own start, along with the
// number of periods stepped. A zero-duration anchor has no natural boundary;
// the new window opens at earliest after a single implied rollover.
func nextBoundary(anchor FundingCycle, earliest int64) (start int64, periods int64) {
	if anchor.Duration == 0 {
		return earliest, 1
	}
	periods = 1
	if distance := earliest - anchor.Start; distance > anchor.Duration {
		periods = distance / anchor.Duration
		if distance%anchor.Duration != 0 {
			periods++
		}
	}
	return anchor.Start + periods*anchor.Duration, periods
}
