package ips

import "testing"

func TestLikePrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"smith", "smith%"},
		{"o_brien", `o\_brien%`},
		{"100%", `100\%%`},
		{`back\slash`, `back\\slash%`},
		{"", "%"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := likePrefix(tt.in); got != tt.want {
				t.Errorf("likePrefix(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
