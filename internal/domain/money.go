package domain

import "github.com/shopspring/decimal"

// minorUnitExponent is the number of decimal places between the provider's
// minor units and stored major units.
const minorUnitExponent = 2

// MinorToMajor converts a provider amount in minor units (cents, pence) into
// major units. Every stored amount goes through here.
func MinorToMajor(minor decimal.Decimal) decimal.Decimal {
	return minor.Shift(-minorUnitExponent)
}
