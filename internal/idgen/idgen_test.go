package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("mfa_")
	if !strings.HasPrefix(id, "mfa_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if len(id) != len("mfa_")+24 {
		t.Fatalf("unexpected length %d", len(id))
	}
	if WithPrefix("mfa_") == id {
		t.Fatal("ids should not repeat")
	}
}

func TestDigits(t *testing.T) {
	for _, n := range []int{4, 6, 10} {
		code := Digits(n)
		if len(code) != n {
			t.Fatalf("Digits(%d) returned %q", n, code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("non-digit %q in %q", c, code)
			}
		}
	}
}
