package resume

import (
	"strings"
	"testing"
)

func TestNewUIDFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := NewUID()
		if err != nil {
			t.Fatal(err)
		}
		if !ValidUID(code) {
			t.Fatalf("generated code %q is not valid", code)
		}
		if len(code) != 11 || code[5] != '-' {
			t.Fatalf("code %q is not XXXXX-XXXXX", code)
		}
		for _, c := range strings.ReplaceAll(code, "-", "") {
			switch c {
			case 'I', 'O', '0', '1':
				t.Fatalf("code %q contains ambiguous character %q", code, c)
			}
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Fatalf("too many duplicate codes in 200 draws: %d unique", len(seen))
	}
}

func TestNormalizeUID(t *testing.T) {
	if got := NormalizeUID("  f3k8q-2jq9x "); got != "F3K8Q-2JQ9X" {
		t.Fatalf("NormalizeUID = %q", got)
	}
	if got := NormalizeUID("F3K8Q - 2JQ9X"); got != "F3K8Q-2JQ9X" {
		t.Fatalf("NormalizeUID with inner spaces = %q", got)
	}
}

func TestValidUID(t *testing.T) {
	valid := []string{"ABCDE-FGHJK", "F3K8Q-2JQ9X", "23456-789ZZ"}
	for _, v := range valid {
		if !ValidUID(v) {
			t.Errorf("%q should be valid", v)
		}
	}
	invalid := []string{"", "ABCDE", "ABCDEFGHJK", "ABC1E-FGHJK", "ABCDE-FGHJ0", "abcde-fghjk", "ABCDE-FGHJKL"}
	for _, v := range invalid {
		if ValidUID(v) {
			t.Errorf("%q should be invalid", v)
		}
	}
}
