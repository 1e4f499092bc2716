// Package symbol parses and formats OCC-style option symbols. Parsing is
// hand-rolled byte scanning rather than a regular expression: the format is
// fixed-grammar and this runs on every trade, so the cost of a single
// allocation-frugal pass matters more than regex convenience.
package symbol

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"optionsflow/internal/model"
)

// ErrMalformedSymbol is returned when a symbol does not match the
// O:<TICKER><YYMMDD|YYYMMDD><C|P><STRIKE8> grammar.
type ErrMalformedSymbol struct {
	Symbol string
	Reason string
}

func (e *ErrMalformedSymbol) Error() string {
	return fmt.Sprintf("malformed option symbol %q: %s", e.Symbol, e.Reason)
}

func malformed(symbol, reason string) error {
	return &ErrMalformedSymbol{Symbol: symbol, Reason: reason}
}

const prefix = "O:"

// Parse decodes an OCC-style option symbol of the form
// O:<TICKER><YYMMDD|YYYMMDD><C|P><STRIKE8> into a Contract. The ticker is
// variable length, ending where the date digits begin; the date is 6 or 7
// digits; side is a single letter; strike is an 8-digit integer representing
// strike price * 1000.
func Parse(sym string) (model.Contract, error) {
	if len(sym) < len(prefix)+1 {
		return model.Contract{}, malformed(sym, "too short")
	}
	if sym[:len(prefix)] != prefix {
		return model.Contract{}, malformed(sym, "missing O: prefix")
	}
	body := sym[len(prefix):]

	// The trailing 9 bytes are always side(1) + strike(8). What remains
	// before that is ticker + date, and the date is either 6 or 7 digits.
	if len(body) < 9 {
		return model.Contract{}, malformed(sym, "too short for side+strike")
	}
	sideByte := body[len(body)-9]
	strikeDigits := body[len(body)-8:]
	tickerAndDate := body[:len(body)-9]

	var side model.Side
	switch sideByte {
	case 'C':
		side = model.SideCall
	case 'P':
		side = model.SidePut
	default:
		return model.Contract{}, malformed(sym, "side must be C or P")
	}

	strikeInt, err := strconv.ParseInt(strikeDigits, 10, 64)
	if err != nil {
		return model.Contract{}, malformed(sym, "strike is not an 8-digit integer")
	}
	strike := decimal.New(strikeInt, -3)

	ticker, expiration, err := splitTickerAndDate(tickerAndDate, sym)
	if err != nil {
		return model.Contract{}, err
	}

	return model.Contract{
		Symbol:     sym,
		Underlying: ticker,
		Expiration: expiration,
		Side:       side,
		Strike:     strike,
	}, nil
}

// splitTickerAndDate finds where the trailing date digits begin: it first
// tries the last 6 characters as a YYMMDD date, and only when that fails to
// parse tries the last 7 characters as a YYYMMDD date.
func splitTickerAndDate(s, full string) (string, time.Time, error) {
	if len(s) < 7 {
		return "", time.Time{}, malformed(full, "no room for ticker and date")
	}

	if len(s) >= 6 {
		dateStart := len(s) - 6
		if allDigits(s[dateStart:]) {
			if t, err := parseDate(s[dateStart:], false); err == nil {
				ticker := s[:dateStart]
				if ticker == "" {
					return "", time.Time{}, malformed(full, "empty ticker")
				}
				return ticker, t, nil
			}
		}
	}

	if len(s) >= 7 {
		dateStart := len(s) - 7
		if allDigits(s[dateStart:]) {
			if t, err := parseDate(s[dateStart:], true); err == nil {
				ticker := s[:dateStart]
				if ticker == "" {
					return "", time.Time{}, malformed(full, "empty ticker")
				}
				return ticker, t, nil
			}
		}
	}

	return "", time.Time{}, malformed(full, "no valid 6 or 7 digit date found")
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseDate parses a 6-digit YYMMDD (year relative to 2000) or 7-digit
// YYYMMDD (year relative to 1000, i.e. a 3-digit year offset) date string.
func parseDate(digits string, sevenDigit bool) (time.Time, error) {
	if sevenDigit {
		year := digits[:3]
		y, err := strconv.Atoi(year)
		if err != nil {
			return time.Time{}, err
		}
		month, err := strconv.Atoi(digits[3:5])
		if err != nil || month < 1 || month > 12 {
			return time.Time{}, fmt.Errorf("invalid month")
		}
		day, err := strconv.Atoi(digits[5:7])
		if err != nil || day < 1 || day > 31 {
			return time.Time{}, fmt.Errorf("invalid day")
		}
		return time.Date(1000+y, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
	}

	y, err := strconv.Atoi(digits[:2])
	if err != nil {
		return time.Time{}, err
	}
	month, err := strconv.Atoi(digits[2:4])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid month")
	}
	day, err := strconv.Atoi(digits[4:6])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid day")
	}
	return time.Date(2000+y, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// Format renders a Contract back to its OCC-style symbol. Callers that
// parsed a symbol and never mutate the Contract should prefer the original
// Symbol field; Format is for contracts built programmatically.
func Format(c model.Contract) string {
	sideByte := "C"
	if c.Side == model.SidePut {
		sideByte = "P"
	}
	strikeInt := c.Strike.Mul(decimal.New(1000, 0)).IntPart()
	return fmt.Sprintf("O:%s%s%s%08d", c.Underlying, c.Expiration.UTC().Format("060102"), sideByte, strikeInt)
}
