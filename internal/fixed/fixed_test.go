package fixed

import (
	"errors"
	"math/big"
	"testing"

	"github.com/perpdex/perpindexer/internal/domain"
)

func TestParseDecimalX6(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "108910.01", want: 108_910_010_000},
		{in: "0.000001", want: 1},
		{in: "3", want: 3_000_000},
		{in: "-0.5", want: -500_000},
		{in: "+1.25", want: 1_250_000},
		{in: ".5", want: 500_000},
		{in: "100.", want: 100_000_000},
		{in: "0", want: 0},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "1.2345678", wantErr: true}, // 7 fractional digits
		{in: "abc", wantErr: true},
		{in: "9999999999999999999", wantErr: true}, // int64 overflow
	}
	for _, tt := range tests {
		got, err := ParseDecimalX6(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDecimalX6(%q): expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDecimalX6(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDecimalX6(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatX6RoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 500_000, -500_000, 108_910_010_000, 99_000_000} {
		s := FormatX6(v)
		back, err := ParseDecimalX6(s)
		if err != nil {
			t.Fatalf("ParseDecimalX6(FormatX6(%d)=%q): %v", v, s, err)
		}
		if back != v {
			t.Errorf("round trip %d -> %q -> %d", v, s, back)
		}
	}
}

func TestBucket(t *testing.T) {
	got, err := Bucket(108_910_010_000, 10_000)
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}
	if got != 10_891_001 {
		t.Errorf("Bucket = %d, want 10891001", got)
	}

	if _, err := Bucket(1, 0); !errors.Is(err, domain.ErrBadTick) {
		t.Errorf("Bucket with zero tick: want ErrBadTick, got %v", err)
	}
	if _, err := Bucket(1, -5); !errors.Is(err, domain.ErrBadTick) {
		t.Errorf("Bucket with negative tick: want ErrBadTick, got %v", err)
	}
}

func TestNotionalAndMargin(t *testing.T) {
	one := big.NewInt(1)

	// 100.000000 entry, 2 lots, 1/1 lot ratio, 5x leverage.
	n := Notional(100_000_000, 2, one, one)
	if n != 200_000_000 {
		t.Errorf("Notional = %d, want 200000000", n)
	}
	if m := Margin(n, 5); m != 40_000_000 {
		t.Errorf("Margin = %d, want 40000000", m)
	}

	// Truncation toward zero on both divisions.
	n = Notional(100_000_001, 3, one, big.NewInt(2))
	if n != 150_000_001 { // 300000003/2 truncated
		t.Errorf("Notional trunc = %d, want 150000001", n)
	}
	if m := Margin(100, 3); m != 33 {
		t.Errorf("Margin trunc = %d, want 33", m)
	}
	if m := Margin(100, 0); m != 0 {
		t.Errorf("Margin with zero leverage = %d, want 0", m)
	}
}
