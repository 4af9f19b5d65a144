package pgp

import "github.com/meszmate/roster/internal/encryption"

// collaboratorAdapter exposes Manager as an encryption.Collaborator for the
// chat-session engine's encryption gate.
type collaboratorAdapter struct{ m *Manager }

// Collaborator returns m wrapped as an encryption.Collaborator.
func (m *Manager) Collaborator() encryption.Collaborator {
	return collaboratorAdapter{m: m}
}

func (a collaboratorAdapter) Encrypt(peer, plaintext string) (string, encryption.Hints, error) {
	ciphertext, err := a.m.Encrypt(peer, plaintext)
	if err != nil {
		return "", encryption.Hints{}, err
	}
	return ciphertext, encryption.Hints{Namespace: "jabber:x:encrypted", Element: "x"}, nil
}

func (a collaboratorAdapter) Decrypt(peer, body string) (string, bool, error) {
	plaintext, err := a.m.Decrypt(body)
	if err != nil {
		return "", false, err
	}
	return plaintext, a.m.IsTrusted(peer), nil
}

func (a collaboratorAdapter) IsSecure(peer string) bool {
	return a.m.HasKey(peer) && a.m.IsTrusted(peer)
}
