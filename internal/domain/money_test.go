package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMinorUnitConversion(t *testing.T) {
	cases := []struct {
		amount string
		minor  int64
	}{
		{"100", 10000},
		{"100.5", 10050},
		{"0.01", 1},
		{"12345.67", 1234567},
	}
	for _, tc := range cases {
		amt := decimal.RequireFromString(tc.amount)
		if got := ToMinor(amt); got != tc.minor {
			t.Fatalf("ToMinor(%s): got=%d want=%d", tc.amount, got, tc.minor)
		}
		if back := FromMinor(tc.minor); !back.Equal(amt) {
			t.Fatalf("FromMinor(%d): got=%s want=%s", tc.minor, back, amt)
		}
	}
}

func TestMatchesMinorTolerance(t *testing.T) {
	tol := decimal.RequireFromString("0.01")
	amt := decimal.RequireFromString("500")
	if !MatchesMinor(amt, 50000, tol) {
		t.Fatalf("exact amount should match")
	}
	if !MatchesMinor(amt, 50001, tol) {
		t.Fatalf("one minor unit off should be within tolerance")
	}
	if MatchesMinor(amt, 49000, tol) {
		t.Fatalf("ten units off must not match")
	}
}

func TestValidateAmount(t *testing.T) {
	min := decimal.RequireFromString("100")
	cases := []struct {
		amount string
		ok     bool
	}{
		{"100", true},
		{"250.75", true},
		{"99.99", false},
		{"0", false},
		{"-5", false},
		{"100.001", false},
		{"9999999999999999.99", true},
		{"10000000000000000", false},
		{"92233720368547758.08", false},
	}
	for _, tc := range cases {
		err := ValidateAmount(decimal.RequireFromString(tc.amount), min)
		if tc.ok && err != nil {
			t.Fatalf("amount %s: unexpected err %v", tc.amount, err)
		}
		if !tc.ok && !errors.Is(err, ErrValidation) {
			t.Fatalf("amount %s: expected validation error, got %v", tc.amount, err)
		}
	}
}

func TestNewReferenceFormat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewReference(TransferPrefix, now)
	b := NewReference(TransferPrefix, now)
	if a == b {
		t.Fatalf("references must be unique: %s", a)
	}
	parts := strings.Split(a, "_")
	if len(parts) != 3 || parts[0] != "TRF" || len(parts[2]) != 32 {
		t.Fatalf("unexpected reference shape: %s", a)
	}
}

func TestConflictErrorIs(t *testing.T) {
	err := error(&ConflictError{Reference: "TRF_1"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("conflict error should match ErrConflict")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Reference != "TRF_1" {
		t.Fatalf("conflict error should carry reference")
	}
	if !errors.Is(ErrWalletInactive, ErrNotFound) {
		t.Fatalf("inactive wallet should read as not found")
	}
}
