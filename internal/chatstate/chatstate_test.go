package chatstate

import (
	"testing"
	"time"

	"github.com/meszmate/roster/internal/encryption"
)

type fakeCollaborator struct {
	secure bool
}

func (f fakeCollaborator) Encrypt(peer, plaintext string) (string, encryption.Hints, error) {
	return "CIPHER(" + plaintext + ")", encryption.Hints{Namespace: "test:ns", Element: "x"}, nil
}

func (f fakeCollaborator) Decrypt(peer, body string) (string, bool, error) {
	return body[len("CIPHER(") : len(body)-1], true, nil
}

func (f fakeCollaborator) IsSecure(peer string) bool { return f.secure }

const barejid = "peer@example.com"

func newSupportedSession(m *Manager, now time.Time) {
	s := m.Get(barejid, now)
	s.PeerSupportsStates = true
}

func TestTypingTransitionsToComposingAndSends(t *testing.T) {
	m := NewManager()
	t0 := time.Unix(0, 0)
	newSupportedSession(m, t0)

	tr := m.HandleTyping(barejid, t0)
	if tr == nil || tr.Send != StateComposing {
		t.Fatalf("expected composing to be sent at t=0, got %+v", tr)
	}
}

func TestChatStateTimerScenario(t *testing.T) {
	m := NewManager()
	t0 := time.Unix(0, 0)
	newSupportedSession(m, t0)
	m.HandleTyping(barejid, t0)

	// No further typing; at t=10.1s expect paused.
	pausedAt := t0.Add(10100 * time.Millisecond)
	trs := m.Tick(pausedAt, 1)
	if len(trs) != 1 || trs[0].Send != StatePaused {
		t.Fatalf("expected paused at t=10.1s, got %+v", trs)
	}

	// ~30s after pausing expect inactive.
	inactiveAt := pausedAt.Add(30100 * time.Millisecond)
	trs = m.Tick(inactiveAt, 1)
	if len(trs) != 1 || trs[0].Send != StateInactive {
		t.Fatalf("expected inactive ~30s after pausing, got %+v", trs)
	}

	// With gone_minutes=1, ~60s after going inactive expect gone and removal.
	goneAt := inactiveAt.Add(60100 * time.Millisecond)
	trs = m.Tick(goneAt, 1)
	if len(trs) != 1 || trs[0].Send != StateGone || !trs[0].Removed {
		t.Fatalf("expected gone+removed ~60s after inactive, got %+v", trs)
	}

	if len(m.Sessions()) != 0 {
		t.Fatalf("expected session to be deleted after transitioning to gone")
	}
}

func TestComposingInvariantWithinTenSeconds(t *testing.T) {
	m := NewManager()
	now := time.Unix(0, 0)
	newSupportedSession(m, now)
	m.HandleTyping(barejid, now)

	check := now.Add(9 * time.Second)
	m.Tick(check, 1)
	s := m.Get(barejid, check)
	if s.State != StateComposing {
		t.Fatalf("expected still composing at 9s")
	}
	if check.Sub(s.LastStateChange) > 10*time.Second {
		t.Fatalf("composing session exceeded the 10s invariant")
	}
}

func TestCloseSendsGoneAndRemoves(t *testing.T) {
	m := NewManager()
	now := time.Unix(0, 0)
	newSupportedSession(m, now)

	tr := m.Close(barejid, now)
	if tr == nil || tr.Send != StateGone || !tr.Removed {
		t.Fatalf("expected gone+removed on close, got %+v", tr)
	}
	if len(m.Sessions()) != 0 {
		t.Fatalf("expected session removed after close")
	}
}

func TestPrepareOutboundEncryptsOnlyWhenModeSetAndCollaboratorSecure(t *testing.T) {
	m := NewManager()
	now := time.Unix(0, 0)

	// No encryption configured: plaintext passes through unchanged.
	text, _, encrypted, err := m.PrepareOutbound(barejid, "hello", now, nil)
	if err != nil || encrypted || text != "hello" {
		t.Fatalf("expected passthrough with no registry, got text=%q encrypted=%v err=%v", text, encrypted, err)
	}

	reg := encryption.NewRegistry()
	reg.Register("otr", fakeCollaborator{secure: false})
	m.Get(barejid, now).Encryption = EncryptionOTR

	text, _, encrypted, err = m.PrepareOutbound(barejid, "hello", now, reg)
	if err != nil || encrypted || text != "hello" {
		t.Fatalf("expected passthrough when collaborator reports insecure, got text=%q encrypted=%v err=%v", text, encrypted, err)
	}

	reg.Register("otr", fakeCollaborator{secure: true})
	text, hints, encrypted, err := m.PrepareOutbound(barejid, "hello", now, reg)
	if err != nil || !encrypted || text != "CIPHER(hello)" {
		t.Fatalf("expected ciphertext once the collaborator reports a secure session, got text=%q encrypted=%v err=%v", text, encrypted, err)
	}
	if hints.Namespace != "test:ns" {
		t.Fatalf("expected the collaborator's stanza hints to be returned, got %+v", hints)
	}
}

func TestHandleInboundDecryptsAndRecordsTrust(t *testing.T) {
	m := NewManager()
	now := time.Unix(0, 0)
	m.Get(barejid, now).Encryption = EncryptionOMEMO

	reg := encryption.NewRegistry()
	reg.Register("omemo", fakeCollaborator{secure: true})

	text, wasEncrypted := m.HandleInbound(barejid, "CIPHER(secret)", now, reg)
	if !wasEncrypted || text != "secret" {
		t.Fatalf("expected decrypted plaintext, got text=%q wasEncrypted=%v", text, wasEncrypted)
	}
	if !m.Get(barejid, now).EncryptionTrusted {
		t.Fatalf("expected EncryptionTrusted set from the collaborator's verdict")
	}
}
