// Package chatstate implements the per-peer XEP-0085 chat-state state
// machine: active/composing/paused/inactive/gone, driven by a 1-second tick.
package chatstate

import (
	"sync"
	"time"

	"github.com/meszmate/roster/internal/encryption"
)

// State is one XEP-0085 chat state.
type State string

const (
	StateActive    State = "active"
	StateComposing State = "composing"
	StatePaused    State = "paused"
	StateInactive  State = "inactive"
	StateGone      State = "gone"
)

const (
	pausedTimeout   = 10 * time.Second
	inactiveTimeout = 30 * time.Second
)

// Encryption is the per-session encryption mode.
type Encryption string

const (
	EncryptionNone  Encryption = "none"
	EncryptionOTR   Encryption = "otr"
	EncryptionPGP   Encryption = "pgp"
	EncryptionOMEMO Encryption = "omemo"
)

// Session is the chat-state and encryption-mode record for one bare-JID
// peer.
type Session struct {
	BareJID            string
	ResourceOverride   string
	State              State
	LastStateChange    time.Time
	PeerSupportsStates bool
	SendStatesEnabled  bool
	Encryption         Encryption
	EncryptionTrusted  bool
}

// Manager owns the chat-session table, one Session per bare-JID peer.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty chat-session table.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Get returns (creating on first use, per the session lifecycle in the data
// model) the session for a peer.
func (m *Manager) Get(bareJID string, now time.Time) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(bareJID, now)
}

func (m *Manager) getLocked(bareJID string, now time.Time) *Session {
	s, ok := m.sessions[bareJID]
	if !ok {
		s = &Session{
			BareJID:           bareJID,
			State:             StateActive,
			LastStateChange:   now,
			SendStatesEnabled: true,
		}
		m.sessions[bareJID] = s
	}
	return s
}

// Delete removes a session (disconnect or explicit /close).
func (m *Manager) Delete(bareJID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, bareJID)
}

// Sessions returns every tracked session.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Transition is a side effect the tick or a typing event wants the caller
// to act on: send a chat-state stanza, and/or the session was removed.
type Transition struct {
	BareJID string
	Send    State
	Removed bool
}

// HandleTyping moves a session to composing on any printable keystroke,
// from any prior state. Returns a Transition to send <composing/> only when
// the state actually changed and sending is currently gated on.
func (m *Manager) HandleTyping(bareJID string, now time.Time) *Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getLocked(bareJID, now)
	if s.State == StateComposing {
		return nil
	}
	s.State = StateComposing
	s.LastStateChange = now

	if !m.shouldSend(s) {
		return nil
	}
	return &Transition{BareJID: bareJID, Send: StateComposing}
}

// shouldSend implements the gating rule: states_enabled and the peer having
// previously sent any chat-state. Caller holds m.mu.
func (m *Manager) shouldSend(s *Session) bool {
	return s.SendStatesEnabled && s.PeerSupportsStates
}

// Tick advances every session's timer by inspecting elapsed time against
// now, and returns the transitions (state changes with their side effects)
// that occurred. goneMinutes is the configured gone_minutes preference (0
// disables the inactive->gone transition).
func (m *Manager) Tick(now time.Time, goneMinutes int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transition
	for bareJID, s := range m.sessions {
		elapsed := now.Sub(s.LastStateChange)

		switch {
		case s.State == StateComposing && elapsed > pausedTimeout:
			s.State = StatePaused
			s.LastStateChange = now
			if m.shouldSend(s) {
				out = append(out, Transition{BareJID: bareJID, Send: StatePaused})
			}

		case (s.State == StatePaused || s.State == StateActive) && elapsed > inactiveTimeout:
			s.State = StateInactive
			s.LastStateChange = now
			if m.shouldSend(s) {
				out = append(out, Transition{BareJID: bareJID, Send: StateInactive})
			}

		case s.State == StateInactive && goneMinutes > 0 && elapsed > time.Duration(goneMinutes)*time.Minute:
			s.State = StateGone
			s.LastStateChange = now
			s.ResourceOverride = ""
			delete(m.sessions, bareJID)
			t := Transition{BareJID: bareJID, Removed: true}
			if m.shouldSend(s) {
				t.Send = StateGone
			}
			out = append(out, t)
		}
	}
	return out
}

// PrepareOutbound applies the encryption gate from the data model: when the
// session's encryption mode is not none and the registered collaborator
// reports an active secure session with the peer, plaintext is handed to
// the collaborator and its ciphertext (plus any stanza hints) is returned;
// otherwise plaintext passes through unchanged.
func (m *Manager) PrepareOutbound(bareJID, plaintext string, now time.Time, reg *encryption.Registry) (text string, hints encryption.Hints, encrypted bool, err error) {
	m.mu.Lock()
	mode := m.getLocked(bareJID, now).Encryption
	m.mu.Unlock()

	if mode == EncryptionNone || reg == nil {
		return plaintext, encryption.Hints{}, false, nil
	}
	collab, ok := reg.Get(string(mode))
	if !ok || !collab.IsSecure(bareJID) {
		return plaintext, encryption.Hints{}, false, nil
	}
	ciphertext, h, err := collab.Encrypt(bareJID, plaintext)
	if err != nil {
		return plaintext, encryption.Hints{}, false, err
	}
	return ciphertext, h, true, nil
}

// HandleInbound reverses PrepareOutbound for a received message body: when
// the session is in an encryption mode, the body is handed to that mode's
// collaborator for decryption, and EncryptionTrusted is updated from the
// collaborator's verdict. Returns the body unchanged if the session is
// unencrypted or decryption fails.
func (m *Manager) HandleInbound(bareJID, body string, now time.Time, reg *encryption.Registry) (text string, wasEncrypted bool) {
	m.mu.Lock()
	s := m.getLocked(bareJID, now)
	mode := s.Encryption
	m.mu.Unlock()

	if mode == EncryptionNone || reg == nil {
		return body, false
	}
	collab, ok := reg.Get(string(mode))
	if !ok {
		return body, false
	}
	plaintext, trusted, err := collab.Decrypt(bareJID, body)
	if err != nil {
		return body, false
	}

	m.mu.Lock()
	s.EncryptionTrusted = trusted
	m.mu.Unlock()
	return plaintext, true
}

// Close transitions a session straight to gone (window closed or
// disconnect) and removes it.
func (m *Manager) Close(bareJID string, now time.Time) *Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[bareJID]
	if !ok || s.State == StateGone {
		return nil
	}
	send := m.shouldSend(s)
	delete(m.sessions, bareJID)
	t := &Transition{BareJID: bareJID, Removed: true}
	if send {
		t.Send = StateGone
	}
	return t
}
