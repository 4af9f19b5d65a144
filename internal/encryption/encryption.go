// Package encryption defines the three-function contract the chat-session
// engine's encryption gate uses to hand outbound text to, and recover
// inbound text from, whichever 1:1 encryption backend a peer's session is
// configured for. The core never inspects key material directly; it only
// calls Encrypt/Decrypt/IsSecure.
package encryption

import "sync"

// Hints are stanza-level additions a collaborator wants attached to an
// outbound message body (the namespace and wrapper element carrying the
// ciphertext), left for the stanza handler to render.
type Hints struct {
	Namespace string
	Element   string
}

// Collaborator is satisfied by each 1:1 encryption backend: OTR, PGP, and
// OMEMO collaborators all implement it against their own native session
// and key-management APIs.
type Collaborator interface {
	// Encrypt turns plaintext addressed to peer into ciphertext plus any
	// stanza hints the caller should attach.
	Encrypt(peer, plaintext string) (ciphertext string, hints Hints, err error)
	// Decrypt recovers plaintext from an inbound message body addressed to
	// or from peer, and reports whether the decrypting session is trusted.
	Decrypt(peer, body string) (plaintext string, trusted bool, err error)
	// IsSecure reports whether an active, usable encrypted session exists
	// with peer right now.
	IsSecure(peer string) bool
}

// Registry maps a chat-session's configured encryption mode name (e.g.
// "otr", "pgp", "omemo") to its collaborator. The chat-session engine holds
// one Registry per account.
type Registry struct {
	mu            sync.RWMutex
	collaborators map[string]Collaborator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{collaborators: make(map[string]Collaborator)}
}

// Register installs a collaborator under mode, replacing any prior one.
func (r *Registry) Register(mode string, c Collaborator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collaborators[mode] = c
}

// Get returns the collaborator registered for mode, if any.
func (r *Registry) Get(mode string) (Collaborator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collaborators[mode]
	return c, ok
}
