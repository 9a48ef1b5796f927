package money

import (
	"testing"
)

func TestCommission(t *testing.T) {
	tests := []struct {
		credit string
		want   string
	}{
		{"100", "10"},
		{"99.99", "10"}, // 9.999 rounds up
		{"0.04", "0"},   // 0.004 rounds down
		{"49.50", "4.95"},
	}

	for _, tt := range tests {
		got := Commission(MustParse(tt.credit))
		if !got.Equal(MustParse(tt.want)) {
			t.Errorf("Commission(%s) = %s, want %s", tt.credit, got, tt.want)
		}
	}
}

func TestNetPayout(t *testing.T) {
	net := NetPayout(MustParse("100"))
	if !net.Equal(MustParse("90")) {
		t.Errorf("NetPayout(100) = %s, want 90", net)
	}

	// Commission plus payout always reconstructs the credit.
	for _, credit := range []string{"100", "99.99", "0.01", "1234.56"} {
		c := MustParse(credit)
		if !Commission(c).Add(NetPayout(c)).Equal(c) {
			t.Errorf("commission + payout != credit for %s", credit)
		}
	}
}

func TestFromCents(t *testing.T) {
	if got := FromCents(12345); !got.Equal(MustParse("123.45")) {
		t.Errorf("FromCents(12345) = %s, want 123.45", got)
	}
	if got := FromCents(0); !got.Equal(Zero) {
		t.Errorf("FromCents(0) = %s, want 0", got)
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse("not-a-number"); err == nil {
		t.Error("expected error for invalid amount")
	}
	d, err := Parse("99.50")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.String() != "99.5" {
		t.Errorf("Parse(99.50) = %s", d)
	}
}
