package symbol

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optionsflow/internal/model"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		underlying string
		expiration time.Time
		side       model.Side
		strike     decimal.Decimal
	}{
		{"amd call", "AMD", time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC), model.SideCall, decimal.New(155, 0)},
		{"spy put", "SPY", time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC), model.SidePut, decimal.New(580, 0)},
		{"nvda fractional strike", "NVDA", time.Date(2025, 11, 22, 0, 0, 0, 0, time.UTC), model.SideCall, decimal.NewFromFloat(145.5)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			original := model.Contract{Underlying: tc.underlying, Expiration: tc.expiration, Side: tc.side, Strike: tc.strike}
			encoded := Format(original)

			parsed, err := Parse(encoded)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", encoded, err)
			}

			if parsed.Underlying != tc.underlying {
				t.Errorf("underlying = %q, want %q", parsed.Underlying, tc.underlying)
			}
			if !parsed.Expiration.Equal(tc.expiration) {
				t.Errorf("expiration = %v, want %v", parsed.Expiration, tc.expiration)
			}
			if parsed.Side != tc.side {
				t.Errorf("side = %v, want %v", parsed.Side, tc.side)
			}
			if !parsed.Strike.Equal(tc.strike) {
				t.Errorf("strike = %v, want %v", parsed.Strike, tc.strike)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"O:",
		"AMD251219C00155000",
		"O:AMD251219X00155000",
		"O:AMD25121C00155000",
		"O:C00155000",
	}

	for _, sym := range cases {
		t.Run(sym, func(t *testing.T) {
			if _, err := Parse(sym); err == nil {
				t.Errorf("Parse(%q) expected error, got nil", sym)
			} else if _, ok := err.(*ErrMalformedSymbol); !ok {
				t.Errorf("Parse(%q) error type = %T, want *ErrMalformedSymbol", sym, err)
			}
		})
	}
}

func TestParseKnownSymbols(t *testing.T) {
	cases := []struct {
		symbol     string
		underlying string
		side       model.Side
		strike     string
	}{
		{"O:AMD251219C00155000", "AMD", model.SideCall, "155"},
		{"O:NVDA251122C00145000", "NVDA", model.SideCall, "145"},
		{"O:SPY251115P00580000", "SPY", model.SidePut, "580"},
	}

	for _, tc := range cases {
		c, err := Parse(tc.symbol)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", tc.symbol, err)
		}
		if c.Underlying != tc.underlying {
			t.Errorf("%q: underlying = %q, want %q", tc.symbol, c.Underlying, tc.underlying)
		}
		if c.Side != tc.side {
			t.Errorf("%q: side = %v, want %v", tc.symbol, c.Side, tc.side)
		}
		want, _ := decimal.NewFromString(tc.strike)
		if !c.Strike.Equal(want) {
			t.Errorf("%q: strike = %v, want %v", tc.symbol, c.Strike, want)
		}
	}
}
