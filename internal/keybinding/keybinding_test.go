package keybinding

import "testing"

func TestFromStrSingleChar(t *testing.T) {
	kc, err := FromStr("q")
	if err != nil {
		t.Fatalf("FromStr(q) error: %v", err)
	}
	if len(kc.Modifiers) != 0 {
		t.Fatalf("expected no modifiers, got %v", kc.Modifiers)
	}
	if kc.Key.Char != "q" {
		t.Fatalf("expected key char q, got %q", kc.Key.Char)
	}
}

func TestFromStrModifierAndChar(t *testing.T) {
	kc, err := FromStr("Ctrl+c")
	if err != nil {
		t.Fatalf("FromStr(Ctrl+c) error: %v", err)
	}
	if len(kc.Modifiers) != 1 || kc.Modifiers[0] != Ctrl {
		t.Fatalf("expected [Ctrl], got %v", kc.Modifiers)
	}
	if kc.Key.Char != "c" {
		t.Fatalf("expected key char c, got %q", kc.Key.Char)
	}
}

func TestFromStrMultipleModifiersCaseInsensitive(t *testing.T) {
	kc, err := FromStr("shift+CTRL+Enter")
	if err != nil {
		t.Fatalf("FromStr error: %v", err)
	}
	if kc.Key.Name != "Enter" {
		t.Fatalf("expected key name Enter, got %+v", kc.Key)
	}
	if len(kc.Modifiers) != 2 {
		t.Fatalf("expected 2 modifiers, got %v", kc.Modifiers)
	}
}

func TestFromStrAliases(t *testing.T) {
	a, err := FromStr("option+f1")
	if err != nil {
		t.Fatalf("FromStr(option+f1) error: %v", err)
	}
	b, err := FromStr("alt+F1")
	if err != nil {
		t.Fatalf("FromStr(alt+F1) error: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected option+f1 == alt+F1, got %v vs %v", a, b)
	}
}

func TestFromStrInvalidModifier(t *testing.T) {
	if _, err := FromStr("Cmd+q"); err == nil {
		t.Fatal("expected error for unrecognized modifier Cmd")
	}
}

func TestFromStrInvalidKey(t *testing.T) {
	if _, err := FromStr("Ctrl+NotAKey"); err == nil {
		t.Fatal("expected error for unrecognized key token")
	}
}

func TestEqualIgnoresOrder(t *testing.T) {
	a, _ := FromStr("Ctrl+Alt+Delete")
	b, _ := FromStr("Alt+Ctrl+Delete")
	if !a.Equal(b) {
		t.Fatalf("expected %v == %v regardless of input order", a, b)
	}
}

func TestDisplayCanonicalOrder(t *testing.T) {
	kc, err := FromStr("Shift+Ctrl+Alt+x")
	if err != nil {
		t.Fatalf("FromStr error: %v", err)
	}
	if got, want := Display(kc), "Ctrl+Alt+Shift+x"; got != want {
		t.Fatalf("Display = %q, want %q", got, want)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	kc, _ := FromStr("Ctrl+k")
	r.Bind(kc, "delete")
	r.Bind(kc, "confirm-delete")

	got := r.Lookup(kc)
	if len(got) != 2 || got[0] != "delete" || got[1] != "confirm-delete" {
		t.Fatalf("Lookup = %v, want [delete confirm-delete]", got)
	}

	other, _ := FromStr("Ctrl+Alt+k")
	if got := r.Lookup(other); len(got) != 0 {
		t.Fatalf("Lookup(unbound) = %v, want empty", got)
	}
}
