package units

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1.50", 1500000, false},
		{"0.000001", 1, false},
		{"100", 100000000, false},
		{"0", 0, false},
		{"0.0000009", 0, false}, // truncated below smallest unit
		{"", 0, true},
		{"-1", 0, true},
		{"1.2.3", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(1500000); got != "1.500000" {
		t.Errorf("Format(1500000) = %q", got)
	}
	if got := Format(0); got != "0.000000" {
		t.Errorf("Format(0) = %q", got)
	}
	if got := Format(199); got != "0.000199" {
		t.Errorf("Format(199) = %q", got)
	}
}

func TestFromChain(t *testing.T) {
	v, err := FromChain(big.NewInt(10000))
	if err != nil || v != 10000 {
		t.Errorf("FromChain(10000) = %d, %v", v, err)
	}
	if _, err := FromChain(big.NewInt(-1)); err == nil {
		t.Error("expected error for negative amount")
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 80)
	if _, err := FromChain(huge); err == nil {
		t.Error("expected overflow error")
	}
	if v, err := FromChain(nil); err != nil || v != 0 {
		t.Errorf("FromChain(nil) = %d, %v", v, err)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, minor := range []int64{0, 1, 10000, 1500000, 999999999} {
		back, err := FromChain(ToChain(minor))
		if err != nil || back != minor {
			t.Errorf("round trip %d -> %d, %v", minor, back, err)
		}
	}
}

func TestMulPct(t *testing.T) {
	if got := MulPct(10000, 2.0); got != 200 {
		t.Errorf("MulPct(10000, 2.0) = %d", got)
	}
	if got := MulPct(10000, 0); got != 0 {
		t.Errorf("MulPct with zero pct = %d", got)
	}
}
