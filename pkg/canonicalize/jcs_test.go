package canonicalize

import (
	"strings"
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	b, err := JCS(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if strings.Index(s, "alpha") > strings.Index(s, "zeta") {
		t.Fatalf("keys not sorted: %s", s)
	}
}

func TestCanonicalHashDeterministic(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]any{"b": "x", "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("missing algorithm prefix: %s", h1)
	}
}

func TestHashBytesDiffers(t *testing.T) {
	if HashBytes([]byte("a")) == HashBytes([]byte("b")) {
		t.Fatal("distinct inputs must not collide")
	}
	if HashString("a") != HashBytes([]byte("a")) {
		t.Fatal("HashString must agree with HashBytes")
	}
}
