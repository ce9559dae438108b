package services

import (
	"strings"
	"testing"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		code := generateCode()
		if !strings.HasPrefix(code, "CHG-") {
			t.Fatalf("unexpected prefix: %s", code)
		}
		if len(code) != len("CHG-")+12 {
			t.Fatalf("unexpected length %d: %s", len(code), code)
		}
		if _, dup := seen[code]; dup {
			t.Fatalf("duplicate code: %s", code)
		}
		seen[code] = struct{}{}
	}
}
