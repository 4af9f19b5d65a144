package muc

import (
	"testing"

	"github.com/meszmate/roster/internal/jid"
)

func roomJID(t *testing.T) jid.JID {
	t.Helper()
	j, err := jid.Parse("room@svc")
	if err != nil {
		t.Fatalf("jid.Parse: %v", err)
	}
	return j
}

func TestJoinThenSelfPresenceMarksJoined(t *testing.T) {
	m := NewManager()
	rj := roomJID(t)
	m.Join(rj, "alice", "")

	occJID, _ := jid.Parse("room@svc/alice")
	room, _ := m.HandleOccupantPresence(rj, "alice", occJID, RoleParticipant, AffiliationMember, "", "", []int{StatusSelfPresence})

	if !room.Joined {
		t.Fatalf("expected room to be joined after self-presence")
	}
	if room.MyNick != "alice" {
		t.Fatalf("expected my_nick alice, got %q", room.MyNick)
	}
}

func TestJoinThenNickChange(t *testing.T) {
	m := NewManager()
	rj := roomJID(t)
	m.Join(rj, "alice", "")

	occJID, _ := jid.Parse("room@svc/alice")
	m.HandleOccupantPresence(rj, "alice", occJID, RoleParticipant, AffiliationMember, "", "", []int{StatusSelfPresence})

	room := m.HandleOccupantUnavailable(rj, "alice", []int{StatusNickChanged}, "bob")
	if room.PendingNickChange != "bob" {
		t.Fatalf("expected pending nick change to bob, got %q", room.PendingNickChange)
	}

	newJID, _ := jid.Parse("room@svc/bob")
	room, _ = m.HandleOccupantPresence(rj, "bob", newJID, RoleParticipant, AffiliationMember, "", "", []int{StatusSelfPresence})

	oldNick, fired := m.CommitNickChange(room, "bob")
	if !fired {
		t.Fatalf("expected nick change to fire exactly once")
	}
	if oldNick != "alice" {
		t.Fatalf("expected old nick alice, got %q", oldNick)
	}
	if room.MyNick != "bob" {
		t.Fatalf("expected my_nick bob, got %q", room.MyNick)
	}

	// A second commit attempt for the same transition must not fire again.
	if _, firedAgain := m.CommitNickChange(room, "bob"); firedAgain {
		t.Fatalf("expected nick change event to fire exactly once, fired again")
	}
}

func TestJoinThenLeavePreservesRoomExceptJoinedFlag(t *testing.T) {
	m := NewManager()
	rj := roomJID(t)
	room := m.Join(rj, "alice", "")
	room.Joined = true
	room.Subject = "hello"

	m.Leave(rj)

	after := m.Room(rj)
	if after.Joined {
		t.Fatalf("expected joined flag to be cleared after leave")
	}
	if after.Subject != "hello" {
		t.Fatalf("expected subject to be preserved across leave, got %q", after.Subject)
	}
}
