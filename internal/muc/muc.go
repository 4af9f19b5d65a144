// Package muc tracks per-room occupant tables, nicks, roles, affiliations
// and the pending-join / nick-change protocol of XEP-0045.
package muc

import (
	"sync"

	"github.com/meszmate/roster/internal/jid"
)

// Affiliation is a XEP-0045 affiliation.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// Role is a XEP-0045 role.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// Anonymity describes how a room discloses real JIDs.
type Anonymity string

const (
	AnonymityNonAnon  Anonymity = "nonanon"
	AnonymitySemiAnon Anonymity = "semianon"
	AnonymityUnknown  Anonymity = "unknown"
)

// Status codes from XEP-0045 §17.2 that the room state machine acts on.
const (
	StatusSelfPresence  = 110
	StatusNickChanged   = 303
	StatusBanned        = 301
	StatusKicked        = 307
)

// Occupant is one participant inside a room, identified by nick.
type Occupant struct {
	Nick        string
	JID         jid.JID
	Role        Role
	Affiliation Affiliation
	Show        string
	Status      string
}

// Room is the state of one multi-user-chat room.
type Room struct {
	RoomJID          jid.JID
	MyNick           string
	RequestedNick    string
	Name             string
	Subject          string
	SubjectBy        string
	Anonymity        Anonymity
	Autojoin         bool
	Password         string
	Joined           bool
	RosterReceived   bool
	PendingNickChange string
	Occupants        map[string]*Occupant
}

// Manager owns every room the session knows about, keyed by room bare JID.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates an empty MUC manager.
func NewManager() *Manager {
	return &Manager{rooms: make(map[string]*Room)}
}

// Join records a pending join: the caller still must send the directed
// <presence/> to roomjid/nick carrying the muc <x/> element (done by the
// stanza handlers); this only tracks the room as not-yet-joined until a
// self-presence arrives.
func (m *Manager) Join(roomJID jid.JID, nick, password string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	room := &Room{
		RoomJID:       roomJID.Bare(),
		RequestedNick: nick,
		Password:      password,
		Occupants:     make(map[string]*Occupant),
	}
	m.rooms[bare] = room
	return room
}

// Leave marks a room as left but retains it until the caller explicitly
// forgets it, matching the spec's "retain room as left until user closes
// the window" rule.
func (m *Manager) Leave(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[roomJID.Bare().String()]; ok {
		room.Joined = false
	}
}

// Forget removes a room entirely (the window has been closed).
func (m *Manager) Forget(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomJID.Bare().String())
}

// Room returns the room state for a room JID, or nil.
func (m *Manager) Room(roomJID jid.JID) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomJID.Bare().String()]
}

// IsSelfPresence classifies an incoming occupant presence as our own
// self-presence: either it carries status code 110, or — for the very
// first presence on a pending join, before any status code has been
// confirmed — the nick matches the nick we requested.
func (m *Manager) IsSelfPresence(room *Room, nick string, statusCodes []int) bool {
	for _, code := range statusCodes {
		if code == StatusSelfPresence {
			return true
		}
	}
	return !room.Joined && nick == room.RequestedNick
}

// HandleOccupantPresence applies an available occupant presence. If it is
// classified as self-presence the room transitions to joined and my_nick is
// set. Returns the occupant record.
func (m *Manager) HandleOccupantPresence(roomJID jid.JID, nick string, occJID jid.JID, role Role, affiliation Affiliation, show, status string, statusCodes []int) (*Room, *Occupant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomJID.Bare().String()]
	if !ok {
		return nil, nil
	}

	occ := &Occupant{Nick: nick, JID: occJID, Role: role, Affiliation: affiliation, Show: show, Status: status}
	room.Occupants[nick] = occ

	if m.IsSelfPresence(room, nick, statusCodes) {
		room.Joined = true
		// A rename in progress is finalized by CommitNickChange, which needs
		// MyNick to still hold the pre-change value when it runs; only the
		// initial join sets it here.
		if room.PendingNickChange == "" {
			room.MyNick = nick
		}
	}

	return room, occ
}

// HandleOccupantUnavailable applies an unavailable presence for an occupant,
// e.g. a plain part, or the old-nick half of a nick change (status 303).
// For a 303 unavailable for our own nick, the occupant is removed and the
// pending nick change is recorded so the subsequent available presence
// under the new nick can be committed as a single rename. Another
// occupant's 303 only removes that occupant.
func (m *Manager) HandleOccupantUnavailable(roomJID jid.JID, nick string, statusCodes []int, newNick string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomJID.Bare().String()]
	if !ok {
		return nil
	}

	isNickChange := false
	for _, code := range statusCodes {
		if code == StatusNickChanged {
			isNickChange = true
		}
	}

	delete(room.Occupants, nick)
	if isNickChange && newNick != "" && room.MyNick == nick {
		room.PendingNickChange = newNick
		room.RequestedNick = newNick
	}

	return room
}

// CommitNickChange finalizes a pending nick change once the available
// presence for newNick arrives, returning the old nick for the
// on_nick_changed(old,new) event, and a bool indicating whether a rename
// was actually pending (to guarantee the event fires exactly once).
func (m *Manager) CommitNickChange(room *Room, newNick string) (oldNick string, fired bool) {
	if room.PendingNickChange != newNick {
		return "", false
	}
	old := room.MyNick
	room.MyNick = newNick
	room.PendingNickChange = ""
	return old, true
}

// SetSubject updates the room subject.
func (m *Manager) SetSubject(roomJID jid.JID, subject, by string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[roomJID.Bare().String()]; ok {
		room.Subject = subject
		room.SubjectBy = by
	}
}

// Rooms returns every known room (joined or left, but not forgotten).
func (m *Manager) Rooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}
