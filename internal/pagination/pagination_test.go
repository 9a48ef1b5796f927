package pagination

import "testing"

func TestParseLimit(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"empty uses default", "", 50},
		{"explicit", "25", 25},
		{"clamped to max", "9999", 200},
		{"zero uses default", "0", 50},
		{"negative uses default", "-5", 50},
		{"garbage uses default", "abc", 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLimit(tt.raw, 50, 200); got != tt.want {
				t.Errorf("ParseLimit(%q) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}
