package id_test

import (
	"testing"

	"github.com/OpenAgentsInc/openagents-pool/id"
)

func TestNew_PrefixAndUniqueness(t *testing.T) {
	a := id.NewSubscriptionID()
	b := id.NewSubscriptionID()

	if a.Prefix() != id.PrefixSubscription {
		t.Errorf("Prefix() = %q, want %q", a.Prefix(), id.PrefixSubscription)
	}
	if a.String() == b.String() {
		t.Errorf("two generated IDs collide: %q", a)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := id.NewGroupID()

	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", orig, err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", parsed, orig)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{"", "not a typeid", "UPPER_01h2xcejqtf2nbrexx3vqjhp41"}
	for _, s := range cases {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	sub := id.NewSubscriptionID()
	if _, err := id.ParseWithPrefix(sub.String(), id.PrefixGroup); err == nil {
		t.Error("ParseWithPrefix accepted a mismatched prefix")
	}
}

func TestUnmarshalText_Empty(t *testing.T) {
	var i id.ID
	if err := i.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil): %v", err)
	}
	if !i.IsZero() {
		t.Error("UnmarshalText(nil) produced a non-zero ID")
	}
}
