package validation

import "testing"

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x036CbD53842c5426634e7929541eC2318f3dCF7e", true},
		{"0x0000000000000000000000000000000000000000", true},
		{"036CbD53842c5426634e7929541eC2318f3dCF7e", false}, // no prefix
		{"0x036CbD", false},
		{"", false},
		{"0xZZZZbD53842c5426634e7929541eC2318f3dCF7e", false},
	}
	for _, tt := range tests {
		if got := IsValidEthAddress(tt.addr); got != tt.want {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestIsValidPartyID(t *testing.T) {
	for _, ok := range []string{"user_42", "alice@example.com", "p-1.x"} {
		if !IsValidPartyID(ok) {
			t.Errorf("IsValidPartyID(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "has space", "semi;colon"} {
		if IsValidPartyID(bad) {
			t.Errorf("IsValidPartyID(%q) = true", bad)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	got := SanitizeAddress("  036CBD53842C5426634E7929541EC2318F3DCF7E ")
	if got != "0x036cbd53842c5426634e7929541ec2318f3dcf7e" {
		t.Errorf("SanitizeAddress = %q", got)
	}
}

func TestAmountValidators(t *testing.T) {
	if errs := Validate(PositiveAmount("amount", 0)); len(errs) != 1 {
		t.Error("zero amount should fail")
	}
	if errs := Validate(PositiveAmount("amount", 100)); len(errs) != 0 {
		t.Error("positive amount should pass")
	}
	if errs := Validate(AmountWithin("amount", 5000, 4000)); len(errs) != 1 {
		t.Error("amount above bound should fail")
	}
	if errs := Validate(AmountWithin("amount", 4000, 4000)); len(errs) != 0 {
		t.Error("amount at bound should pass")
	}
}

func TestValidSignature(t *testing.T) {
	sig := "0x" + string(make65ByteHex())
	if errs := Validate(ValidSignature("signature", sig)); len(errs) != 0 {
		t.Errorf("valid signature rejected: %v", errs)
	}
	if errs := Validate(ValidSignature("signature", "0xdeadbeef")); len(errs) != 1 {
		t.Error("short signature should fail")
	}
}

func make65ByteHex() []byte {
	b := make([]byte, 130)
	for i := range b {
		b[i] = 'a'
	}
	return b
}

func TestValidateCollects(t *testing.T) {
	errs := Validate(
		Required("payer", ""),
		ValidAddress("wallet", "bogus"),
		MaxLength("reason", "xx", 1),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("Error() should describe first failure")
	}
}
