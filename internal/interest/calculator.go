package interest

import "github.com/shopspring/decimal"

var daysPerYear = decimal.NewFromInt(365)

// PayoutPlaces is the precision payouts are truncated to before crediting.
const PayoutPlaces = 8

// Compute returns (yes × yesValue + no × noValue) × annualRate / 365.
// A non-positive result is zero. Eligibility is checked by the caller.
func Compute(sd ShareDays, v Valuation, annualRate decimal.Decimal) decimal.Decimal {
	weighted := positive(sd.Yes).Mul(v.Yes).Add(positive(sd.No).Mul(v.No))
	amount := weighted.Mul(annualRate).Div(daysPerYear)
	if !amount.IsPositive() {
		return decimal.Zero
	}
	return amount
}

// Net returns what is still owed after prior payouts, truncated to
// PayoutPlaces. Never negative.
func Net(gross, alreadyPaid decimal.Decimal) decimal.Decimal {
	net := gross.Sub(alreadyPaid).Truncate(PayoutPlaces)
	if !net.IsPositive() {
		return decimal.Zero
	}
	return net
}
