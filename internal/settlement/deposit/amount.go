package deposit

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/timeutil"
)

var (
	ErrDepositRuleMissing     = errors.New("no enabled deposit rule")
	ErrZeroDepositAmount      = errors.New("deposit amount is not positive")
	ErrMissingCustomerContact = errors.New("customer contact snapshot missing")
	ErrUnsupportedMode        = errors.New("unsupported deposit mode")
	ErrNotService             = errors.New("deposits apply to service fulfillments only")
)

// Multiplier returns how many times the rule amount is charged.
func Multiplier(rule repo.DepositRule, snap repo.ContactSnapshot) (int, error) {
	switch rule.Mode {
	case repo.DepositFlat:
		return 1, nil
	case repo.DepositPerDay:
		days := 0
		if snap.StartDate.Valid && snap.EndDate.Valid {
			days = timeutil.DaySpan(snap.StartDate.Time, snap.EndDate.Time)
		}
		return atLeastOne(days), nil
	case repo.DepositPerPerson:
		people := snap.Adults
		if rule.IncludeChildren {
			people += snap.Children
		}
		return atLeastOne(people), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedMode, rule.Mode)
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// ComputeAmount applies the rule to the snapshot and rounds to the minor unit
// of the rule currency.
func ComputeAmount(rule repo.DepositRule, snap repo.ContactSnapshot) (float64, error) {
	mult, err := Multiplier(rule, snap)
	if err != nil {
		return 0, err
	}
	scale := math.Pow10(minorExponent(rule.Currency))
	amount := math.Round(rule.Amount*float64(mult)*scale) / scale
	if amount <= 0 {
		return 0, ErrZeroDepositAmount
	}
	return amount, nil
}

// MinorUnits converts an amount to integer minor units of the currency.
func MinorUnits(amount float64, currency string) int64 {
	return int64(math.Round(amount * math.Pow10(minorExponent(currency))))
}

func minorExponent(currency string) int {
	switch strings.ToUpper(currency) {
	case "BIF", "CLP", "DJF", "GNF", "ISK", "JPY", "KMF", "KRW", "PYG", "RWF", "UGX", "VND", "VUV", "XAF", "XOF", "XPF":
		return 0
	case "BHD", "IQD", "JOD", "KWD", "LYD", "OMR", "TND":
		return 3
	}
	return 2
}
