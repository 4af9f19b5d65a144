// Package eventsink defines the tagged event stream the core emits toward
// its UI collaborator, and a small synchronous dispatcher for it.
package eventsink

import "sync"

// Kind identifies which variant an Event carries.
type Kind int

const (
	OnLoginSuccess Kind = iota
	OnLoginFailed
	OnLostConnection
	OnDisconnected
	OnRosterLoaded
	OnContactPresence
	OnSubscriptionRequest
	OnMessage
	OnMUCMessage
	OnMUCJoin
	OnMUCLeave
	OnMUCSubject
	OnMUCOccupantChange
	OnBookmarkAutojoin
	OnError
)

// Event is one tagged variant of the event-sink stream. Only the field(s)
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind Kind

	// OnLoginSuccess
	Account string
	Secured bool

	// OnLoginFailed, OnLostConnection, OnDisconnected, OnError
	Context string
	Text    string

	// OnContactPresence
	BareJID  string
	Resource string
	Show     string
	Status   string

	// OnSubscriptionRequest uses BareJID above.

	// OnMessage
	FromFull   string
	ToBare     string
	Body       string
	Delay      string
	ID         string
	ReplaceID  string
	Encrypted  bool

	// OnMUCMessage, OnMUCJoin, OnMUCLeave, OnMUCSubject, OnMUCOccupantChange
	Room        string
	Nick        string
	Reason      string
	Subject     string
	Role        string
	Affiliation string

	// OnBookmarkAutojoin
	Password string
}

// LoginSuccess builds an on_login_success event.
func LoginSuccess(account string, secured bool) Event {
	return Event{Kind: OnLoginSuccess, Account: account, Secured: secured}
}

// LoginFailed builds an on_login_failed event.
func LoginFailed(context, text string) Event {
	return Event{Kind: OnLoginFailed, Context: context, Text: text}
}

// LostConnection builds an on_lost_connection event.
func LostConnection(context, text string) Event {
	return Event{Kind: OnLostConnection, Context: context, Text: text}
}

// Disconnected builds an on_disconnected event.
func Disconnected() Event {
	return Event{Kind: OnDisconnected}
}

// RosterLoaded builds an on_roster_loaded event.
func RosterLoaded() Event {
	return Event{Kind: OnRosterLoaded}
}

// ContactPresence builds an on_contact_presence event.
func ContactPresence(bareJID, resource, show, status string) Event {
	return Event{Kind: OnContactPresence, BareJID: bareJID, Resource: resource, Show: show, Status: status}
}

// SubscriptionRequest builds an on_subscription_request event.
func SubscriptionRequest(bareJID string) Event {
	return Event{Kind: OnSubscriptionRequest, BareJID: bareJID}
}

// Message builds an on_message event.
func Message(fromFull, toBare, body, delay, id, replaceID string, encrypted bool) Event {
	return Event{
		Kind: OnMessage, FromFull: fromFull, ToBare: toBare, Body: body,
		Delay: delay, ID: id, ReplaceID: replaceID, Encrypted: encrypted,
	}
}

// MUCMessage builds an on_muc_message event.
func MUCMessage(room, nick, body, delay string) Event {
	return Event{Kind: OnMUCMessage, Room: room, Nick: nick, Body: body, Delay: delay}
}

// MUCJoin builds an on_muc_join event.
func MUCJoin(room string) Event {
	return Event{Kind: OnMUCJoin, Room: room}
}

// MUCLeave builds an on_muc_leave event.
func MUCLeave(room, nick, reason string) Event {
	return Event{Kind: OnMUCLeave, Room: room, Nick: nick, Reason: reason}
}

// MUCSubject builds an on_muc_subject event.
func MUCSubject(room, nick, subject string) Event {
	return Event{Kind: OnMUCSubject, Room: room, Nick: nick, Subject: subject}
}

// MUCOccupantChange builds an on_muc_occupant_change event.
func MUCOccupantChange(room, nick, role, affiliation string) Event {
	return Event{Kind: OnMUCOccupantChange, Room: room, Nick: nick, Role: role, Affiliation: affiliation}
}

// BookmarkAutojoin builds an on_bookmark_autojoin event.
func BookmarkAutojoin(room, nick, password string) Event {
	return Event{Kind: OnBookmarkAutojoin, Room: room, Nick: nick, Password: password}
}

// ErrorEvent builds an on_error event.
func ErrorEvent(context, text string) Event {
	return Event{Kind: OnError, Context: context, Text: text}
}

// Handler receives one emitted event.
type Handler func(Event)

// Sink dispatches events to subscribed handlers in registration order and
// on the caller's goroutine. The core's single-threaded event loop is the
// only caller, so dispatch here stays synchronous: a handler that posts to
// the UI must observe state updates in the exact order the loop produced
// them, which a fire-and-forget goroutine per handler cannot guarantee.
type Sink struct {
	mu       sync.Mutex
	handlers map[Kind][]Handler
	all      []Handler
}

// NewSink creates an empty dispatcher.
func NewSink() *Sink {
	return &Sink{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers handler for one event kind.
func (s *Sink) Subscribe(kind Kind, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], handler)
}

// SubscribeAll registers handler for every event kind.
func (s *Sink) SubscribeAll(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, handler)
}

// Emit runs every handler registered for ev.Kind, then every catch-all
// handler, in registration order, synchronously.
func (s *Sink) Emit(ev Event) {
	s.mu.Lock()
	kindHandlers := append([]Handler(nil), s.handlers[ev.Kind]...)
	allHandlers := append([]Handler(nil), s.all...)
	s.mu.Unlock()

	for _, h := range kindHandlers {
		h(ev)
	}
	for _, h := range allHandlers {
		h(ev)
	}
}
