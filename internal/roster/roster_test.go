package roster

import (
	"testing"
	"time"

	"github.com/meszmate/roster/internal/jid"
)

func TestPresenceToEffective(t *testing.T) {
	r := New()
	r.LoadFromPush([]PushItem{{BareJID: "a@x", Subscription: SubscriptionBoth}})

	base := time.Now()
	pc, err := jid.Parse("a@x/pc")
	if err != nil {
		t.Fatalf("jid.Parse: %v", err)
	}
	phone, err := jid.Parse("a@x/phone")
	if err != nil {
		t.Fatalf("jid.Parse: %v", err)
	}

	r.ApplyPresence(pc, PresenceAvailable, ShowOnline, "", 5, "", base)
	r.ApplyPresence(phone, PresenceAvailable, ShowAway, "", 10, "", base.Add(time.Second))

	c := r.Contact("a@x")
	if c == nil {
		t.Fatalf("expected contact a@x to exist")
	}
	eff := c.Effective()
	if eff == nil {
		t.Fatalf("expected an effective resource")
	}
	if eff.Show != ShowAway {
		t.Fatalf("expected effective show away (highest priority), got %q", eff.Show)
	}
}

func TestEffectiveTieBreaksByMostRecentUpdate(t *testing.T) {
	r := New()
	r.LoadFromPush([]PushItem{{BareJID: "a@x"}})

	now := time.Now()
	pc, _ := jid.Parse("a@x/pc")
	phone, _ := jid.Parse("a@x/phone")

	r.ApplyPresence(pc, PresenceAvailable, ShowOnline, "", 5, "", now)
	r.ApplyPresence(phone, PresenceAvailable, ShowDND, "", 5, "", now.Add(time.Minute))

	eff := r.Contact("a@x").Effective()
	if eff.Name != "phone" {
		t.Fatalf("expected tie to be broken toward the most recently updated resource, got %q", eff.Name)
	}
}

func TestUnavailablePresenceRemovesResource(t *testing.T) {
	r := New()
	r.LoadFromPush([]PushItem{{BareJID: "a@x"}})
	full, _ := jid.Parse("a@x/pc")

	r.ApplyPresence(full, PresenceAvailable, ShowOnline, "", 0, "", time.Now())
	if !r.Contact("a@x").Available() {
		t.Fatalf("expected contact to be available after presence")
	}

	r.ApplyPresence(full, PresenceUnavailable, ShowOnline, "", 0, "", time.Now())
	if r.Contact("a@x").Available() {
		t.Fatalf("expected contact to be offline after its only resource went unavailable")
	}
}

func TestContactsCardinalityMatchesDistinctNonRemovedBareJIDs(t *testing.T) {
	r := New()
	r.ApplySet(PushItem{BareJID: "a@x", Subscription: SubscriptionBoth})
	r.ApplySet(PushItem{BareJID: "b@x", Subscription: SubscriptionTo})
	r.ApplySet(PushItem{BareJID: "a@x", Subscription: SubscriptionBoth, Name: "Alice"})
	r.ApplySet(PushItem{BareJID: "b@x", Subscription: SubscriptionRemove})

	if got, want := r.Count(), 1; got != want {
		t.Fatalf("expected %d contacts, got %d", want, got)
	}
}
