package marketdata

import (
	"regexp"
	"strings"
	"time"
)

// occPattern matches OCC-style option symbols: underlying, yymmdd expiry,
// C/P, strike in thousandths, e.g. "AAPL240621C00190000".
var occPattern = regexp.MustCompile(`^([A-Z]{1,6})(\d{6})([CP])(\d{8})$`)

// syntheticPrefix marks internal placeholder symbols for private holdings.
const syntheticPrefix = "PVT-"

// Priceable reports whether a symbol can be sent to the market-data
// provider. Private/synthetic symbols and expired option symbols cannot.
func Priceable(symbol string, asOf time.Time) bool {
	if symbol == "" || strings.HasPrefix(symbol, syntheticPrefix) {
		return false
	}
	if !IsOption(symbol) {
		return true
	}
	exp, ok := optionExpiry(symbol)
	if !ok {
		return false
	}
	return !exp.Before(asOf)
}

// IsOption reports whether the symbol parses as an OCC option symbol.
func IsOption(symbol string) bool {
	return occPattern.MatchString(symbol)
}

// OptionUnderlying extracts the underlying ticker from an OCC symbol, or
// returns the symbol unchanged when it is not an option.
func OptionUnderlying(symbol string) string {
	if m := occPattern.FindStringSubmatch(symbol); m != nil {
		return m[1]
	}
	return symbol
}

// optionExpiry parses the yymmdd expiry field out of an OCC symbol.
func optionExpiry(symbol string) (time.Time, bool) {
	m := occPattern.FindStringSubmatch(symbol)
	if m == nil {
		return time.Time{}, false
	}
	exp, err := time.Parse("060102", m[2])
	if err != nil {
		return time.Time{}, false
	}
	return exp, true
}
