package omemo

import (
	"encoding/json"

	"github.com/meszmate/roster/internal/encryption"
)

// collaboratorAdapter exposes Manager as an encryption.Collaborator for the
// chat-session engine's encryption gate. The OMEMO wire payload is an
// EncryptedMessage, not a bare string, so the adapter carries it as JSON in
// the body the common contract deals in.
type collaboratorAdapter struct{ m *Manager }

// Collaborator returns m wrapped as an encryption.Collaborator.
func (m *Manager) Collaborator() encryption.Collaborator {
	return collaboratorAdapter{m: m}
}

func (a collaboratorAdapter) Encrypt(peer, plaintext string) (string, encryption.Hints, error) {
	msg, err := a.m.Encrypt(peer, plaintext)
	if err != nil {
		return "", encryption.Hints{}, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", encryption.Hints{}, err
	}
	return string(raw), encryption.Hints{Namespace: "eu.siacs.conversations.axolotl", Element: "encrypted"}, nil
}

func (a collaboratorAdapter) Decrypt(peer, body string) (string, bool, error) {
	var msg EncryptedMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return "", false, err
	}
	plaintext, err := a.m.Decrypt(peer, &msg)
	if err != nil {
		return "", false, err
	}
	trusted := a.m.GetTrustLevel(peer, msg.SenderDeviceID) == TrustTrusted || a.m.GetTrustLevel(peer, msg.SenderDeviceID) == TrustVerified
	return plaintext, trusted, nil
}

func (a collaboratorAdapter) IsSecure(peer string) bool {
	return a.m.IsSecure(peer)
}
