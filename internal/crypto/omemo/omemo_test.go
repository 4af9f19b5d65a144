package omemo

import "testing"

func newTestManager(t *testing.T, jid string, trustOnFirst bool) *Manager {
	t.Helper()
	m, err := NewManager(jid, nil, trustOnFirst)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestProcessBundleTrustOnFirst(t *testing.T) {
	alice := newTestManager(t, "alice@example.com", true)
	bob := newTestManager(t, "bob@example.com", false)

	if err := alice.ProcessBundle("bob@example.com", bob.GetBundle()); err != nil {
		t.Fatalf("ProcessBundle: %v", err)
	}

	if !alice.HasSession("bob@example.com", bob.DeviceID()) {
		t.Fatalf("expected a session to be established after processing a bundle")
	}
	if alice.GetTrustLevel("bob@example.com", bob.DeviceID()) != TrustTrusted {
		t.Fatalf("expected trust-on-first-use to mark the device trusted")
	}
	if !alice.Collaborator().IsSecure("bob@example.com") {
		t.Fatalf("expected the collaborator to report secure once trusted")
	}
}

func TestProcessBundleWithoutTrustOnFirstIsUndecided(t *testing.T) {
	alice := newTestManager(t, "alice@example.com", false)
	bob := newTestManager(t, "bob@example.com", false)

	_ = alice.ProcessBundle("bob@example.com", bob.GetBundle())

	if alice.GetTrustLevel("bob@example.com", bob.DeviceID()) != TrustUndecided {
		t.Fatalf("expected an undecided trust level without trust-on-first-use")
	}
	if alice.Collaborator().IsSecure("bob@example.com") {
		t.Fatalf("expected not secure while the device is still undecided")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice := newTestManager(t, "alice@example.com", true)
	bob := newTestManager(t, "bob@example.com", true)

	_ = alice.ProcessBundle("bob@example.com", bob.GetBundle())

	msg, err := alice.Encrypt("bob@example.com", "hi bob")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, ok := msg.Keys[bob.DeviceID()]; !ok {
		t.Fatalf("expected the message to carry an encrypted key for bob's device")
	}

	plaintext, err := bob.Decrypt("alice@example.com", msg)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "hi bob" {
		t.Fatalf("expected the round trip to recover the plaintext, got %q", plaintext)
	}
}

func TestEncryptFailsWithoutSession(t *testing.T) {
	alice := newTestManager(t, "alice@example.com", true)
	if _, err := alice.Encrypt("bob@example.com", "hi"); err == nil {
		t.Fatalf("expected an error with no established session")
	}
}

func TestAdapterRoundTripsJSONPayload(t *testing.T) {
	alice := newTestManager(t, "alice@example.com", true)
	bob := newTestManager(t, "bob@example.com", true)
	_ = alice.ProcessBundle("bob@example.com", bob.GetBundle())

	body, _, err := alice.Collaborator().Encrypt("bob@example.com", "hi bob")
	if err != nil {
		t.Fatalf("Collaborator().Encrypt: %v", err)
	}
	if body == "" {
		t.Fatalf("expected a non-empty JSON-encoded payload")
	}
}
