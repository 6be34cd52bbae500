package fingerprint

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"a\r\nb":    "a\nb",
		"a\rb":      "a\nb",
		"a\x00b":    "ab",
		"plain":     "plain",
		"x\r\n\r\n": "x\n\n",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOfStable(t *testing.T) {
	a := Of("You are helpful.\r\n")
	b := Of("You are helpful.\n")
	if a != b {
		t.Error("line ending variants should hash identically")
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
	if Of("one") == Of("two") {
		t.Error("different text must not collide")
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey("agent-1", "  "); got != "agent-1:default" {
		t.Errorf("Expected default key, got %s", got)
	}
	k1 := SessionKey("agent-1", "be terse")
	k2 := SessionKey("agent-2", "be terse")
	if k1 == k2 {
		t.Error("same text on different agents must give different keys")
	}
	if k1 != SessionKey("agent-1", "be terse") {
		t.Error("key derivation must be deterministic")
	}
}
