package room

import (
	"strings"
	"testing"
)

func TestNormalizeCode(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ab12cd", "AB12CD"},
		{"  AB12CD  ", "AB12CD"},
		{"\tab12cd\n", "AB12CD"},
		{"AB12CD", "AB12CD"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeCode(tc.in); got != tc.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGenerateCode_Shape(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := generateCode()
		if len(code) != CodeLength {
			t.Fatalf("expected %d chars, got %q", CodeLength, code)
		}
		for _, c := range code {
			if !strings.ContainsRune(codeAlphabet, c) {
				t.Fatalf("code %q contains %q outside the alphabet", code, c)
			}
		}
		// Codes are already normalized.
		if code != NormalizeCode(code) {
			t.Errorf("code %q is not in canonical form", code)
		}
	}
}
