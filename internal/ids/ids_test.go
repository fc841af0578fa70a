package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortableAndUnique(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26-char identifiers, got %q and %q", a, b)
	}
	if a == b {
		t.Fatal("expected distinct identifiers")
	}
	if b < a {
		t.Fatalf("expected monotonic ordering, got %q before %q", a, b)
	}
}

func TestTagged(t *testing.T) {
	id := Tagged("role")
	if !strings.HasPrefix(id, "role-") {
		t.Fatalf("expected role- prefix, got %q", id)
	}
	if len(id) != len("role-")+26 {
		t.Fatalf("unexpected length for %q", id)
	}
}
