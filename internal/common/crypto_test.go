package common

import (
	"strings"
	"testing"
)

func TestRandomString(t *testing.T) {
	const alphabet = "AB"
	s, err := RandomString(64, alphabet)
	if err != nil {
		t.Fatalf("random string: %v", err)
	}
	if len(s) != 64 || strings.Trim(s, alphabet) != "" {
		t.Fatalf("unexpected output %q", s)
	}
	other, _ := RandomString(64, alphabet)
	if s == other {
		t.Fatal("two draws must differ")
	}
}

func TestRandomHex(t *testing.T) {
	s, err := RandomHex(32)
	if err != nil {
		t.Fatalf("random hex: %v", err)
	}
	if len(s) != 64 || strings.Trim(s, "0123456789abcdef") != "" {
		t.Fatalf("unexpected output %q", s)
	}
}
