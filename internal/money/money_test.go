package money_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/cricket-auction/internal/money"
)

func TestPrice_Amount(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		unit    string
		want    money.Amount
		wantErr error
	}{
		{name: "whole lakhs", value: "20", unit: "Lakhs", want: 2_000_000},
		{name: "fractional crores", value: "1.5", unit: "Crores", want: 15_000_000},
		{name: "short unit", value: "2", unit: "cr", want: 20_000_000},
		{name: "singular lakh", value: "0.5", unit: "lakh", want: 50_000},
		{name: "zero", value: "0", unit: "Lakhs", want: 0},
		{name: "unknown unit", value: "1", unit: "Dollars", wantErr: money.ErrInvalidUnit},
		{name: "empty unit", value: "1", unit: "", wantErr: money.ErrInvalidUnit},
		{name: "negative", value: "-1", unit: "Lakhs", wantErr: money.ErrNegative},
		{name: "sub-rupee precision", value: "0.000001", unit: "Lakhs", wantErr: money.ErrFractional},
		{name: "beyond int64", value: "1e15", unit: "Crores", wantErr: money.ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := money.Price{Value: decimal.RequireFromString(tt.value), Unit: tt.unit}
			got, err := p.Amount()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Amount() error = %v, want %v", err, tt.wantErr)
				}
				if !money.IsValidationError(err) {
					t.Errorf("IsValidationError(%v) = false", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Amount() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Amount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    money.Amount
		wantErr bool
	}{
		{name: "object", raw: `{"value": 1.5, "unit": "Crores"}`, want: 15_000_000},
		{name: "object with string value", raw: `{"value": "25", "unit": "Lakhs"}`, want: 2_500_000},
		{name: "bare base units", raw: `2500000`, want: 2_500_000},
		{name: "bare negative", raw: `-500000`, want: -500_000},
		{name: "bare fraction", raw: `10.5`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "garbage", raw: `"abc"`, wantErr: true},
		{name: "bad object", raw: `{"value": 1, "unit": "Pounds"}`, wantErr: true},
		{name: "bare int64 max", raw: `9223372036854775807`, want: money.Amount(math.MaxInt64)},
		{name: "bare beyond int64", raw: `20000000000000000000`, wantErr: true},
		{name: "bare below int64", raw: `-20000000000000000000`, wantErr: true},
		{name: "object beyond int64", raw: `{"value": 1e15, "unit": "Crores"}`, wantErr: true},
		{name: "negative object", raw: `{"value": -5, "unit": "Lakhs"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := money.ParseJSON(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseJSON(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseJSON(%s) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseJSON_OutOfRange(t *testing.T) {
	for _, raw := range []string{`20000000000000000000`, `{"value": 1e15, "unit": "Crores"}`} {
		_, err := money.ParseJSON(json.RawMessage(raw))
		if !errors.Is(err, money.ErrOutOfRange) || !money.IsValidationError(err) {
			t.Errorf("ParseJSON(%s) error = %v, want validation error %v", raw, err, money.ErrOutOfRange)
		}
	}
}

func TestParseSignedJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    money.Amount
		wantErr error
	}{
		{name: "negative lakhs", raw: `{"value": -5, "unit": "Lakhs"}`, want: -500_000},
		{name: "negative fractional crores", raw: `{"value": "-0.25", "unit": "Crores"}`, want: -2_500_000},
		{name: "positive object", raw: `{"value": 5, "unit": "Lakhs"}`, want: 500_000},
		{name: "bare negative", raw: `-100000`, want: -100_000},
		{name: "unknown unit", raw: `{"value": -1, "unit": "Pounds"}`, wantErr: money.ErrInvalidUnit},
		{name: "below int64", raw: `{"value": -1e15, "unit": "Crores"}`, wantErr: money.ErrOutOfRange},
		{name: "fraction of a rupee", raw: `{"value": "-0.000001", "unit": "Lakhs"}`, wantErr: money.ErrFractional},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := money.ParseSignedJSON(json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseSignedJSON(%s) error = %v, want %v", tt.raw, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSignedJSON(%s) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ParseSignedJSON(%s) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestAmount_Add(t *testing.T) {
	tests := []struct {
		name string
		a, b money.Amount
		want money.Amount
	}{
		{name: "plain", a: 1_000_000, b: 500_000, want: 1_500_000},
		{name: "negative", a: 1_000_000, b: -1_500_000, want: -500_000},
		{name: "positive overflow", a: 1_000_000, b: math.MaxInt64, want: math.MaxInt64},
		{name: "negative overflow", a: -1_000_000, b: math.MinInt64, want: math.MinInt64},
		{name: "at max", a: math.MaxInt64, b: 0, want: math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Add(tt.b); got != tt.want {
				t.Errorf("%d.Add(%d) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestAmount_String(t *testing.T) {
	tests := []struct {
		in   money.Amount
		want string
	}{
		{15_000_000, "₹1.5 Cr"},
		{20_000_000, "₹2 Cr"},
		{2_500_000, "₹25 L"},
		{150_000, "₹1.5 L"},
		{900, "₹900"},
		{0, "₹0"},
		{-2_000_000, "-₹20 L"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("Amount(%d).String() = %q, want %q", int64(tt.in), got, tt.want)
		}
	}
}
