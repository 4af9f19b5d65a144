// Package roster mirrors the server-pushed contact list: bare-JID-keyed
// contacts, each with zero or more available resources, and the effective
// presence derived from them.
package roster

import (
	"sort"
	"sync"
	"time"

	"github.com/meszmate/roster/internal/jid"
)

// Subscription is the XMPP roster subscription state.
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// Show is the XMPP <show/> value; the empty string means plain "online".
type Show string

const (
	ShowOnline Show = ""
	ShowChat   Show = "chat"
	ShowAway   Show = "away"
	ShowXA     Show = "xa"
	ShowDND    Show = "dnd"
)

// Resource is one available full-JID resource of a contact.
type Resource struct {
	Name      string
	Show      Show
	Status    string
	Priority  int
	CapsKey   string
	UpdatedAt time.Time
}

// Contact is one roster entry and its currently available resources.
type Contact struct {
	BareJID      string
	Name         string
	Subscription Subscription
	PendingOut   bool
	Groups       []string
	Resources    map[string]*Resource
}

// Available reports whether the contact has at least one resource.
func (c *Contact) Available() bool {
	return len(c.Resources) > 0
}

// Effective returns the resource that determines the contact's displayed
// presence: highest priority, ties broken by most recent update. Returns nil
// if the contact has no available resources.
func (c *Contact) Effective() *Resource {
	var best *Resource
	for _, r := range c.Resources {
		if best == nil {
			best = r
			continue
		}
		if r.Priority > best.Priority {
			best = r
			continue
		}
		if r.Priority == best.Priority && r.UpdatedAt.After(best.UpdatedAt) {
			best = r
		}
	}
	return best
}

// Roster is the authoritative, server-pushed contact list for the logged-in
// account.
type Roster struct {
	mu       sync.RWMutex
	contacts map[string]*Contact
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{contacts: make(map[string]*Contact)}
}

// LoadFromPush replaces the whole roster with the contents of an initial
// roster result. Returns the loaded contacts for the caller to forward to
// the event sink as on_roster_loaded.
func (r *Roster) LoadFromPush(items []PushItem) []*Contact {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.contacts = make(map[string]*Contact)
	for _, item := range items {
		r.applySetLocked(item)
	}

	out := make([]*Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	return out
}

// PushItem is the payload of one roster <item/>, either from the initial
// roster result or a subsequent roster push.
type PushItem struct {
	BareJID      string
	Name         string
	Subscription Subscription
	Groups       []string
}

// ApplySet upserts a single roster push item. It returns the resulting
// contact (nil if the item was a removal) and whether name/groups changed
// on an existing contact (on_contact_updated).
func (r *Roster) ApplySet(item PushItem) (contact *Contact, updated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applySetLocked(item)
}

func (r *Roster) applySetLocked(item PushItem) (*Contact, bool) {
	if item.Subscription == SubscriptionRemove {
		delete(r.contacts, item.BareJID)
		return nil, false
	}

	existing, ok := r.contacts[item.BareJID]
	if !ok {
		c := &Contact{
			BareJID:      item.BareJID,
			Name:         item.Name,
			Subscription: item.Subscription,
			Groups:       item.Groups,
			Resources:    make(map[string]*Resource),
		}
		r.contacts[item.BareJID] = c
		return c, false
	}

	changed := existing.Name != item.Name || !equalGroups(existing.Groups, item.Groups)
	existing.Name = item.Name
	existing.Subscription = item.Subscription
	existing.Groups = item.Groups
	return existing, changed
}

func equalGroups(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PresenceKind distinguishes an available presence from an unavailable one.
type PresenceKind string

const (
	PresenceAvailable   PresenceKind = "available"
	PresenceUnavailable PresenceKind = "unavailable"
)

// ApplyPresence updates or creates a resource on the contact named by
// fullJID's bare part. It returns the contact (creating a bare shell entry
// if the presence arrived for a JID not yet in the roster, e.g. directed
// presence from an unsubscribed sender) so the caller can compute the
// effective presence for the event sink.
func (r *Roster) ApplyPresence(full jid.JID, kind PresenceKind, show Show, status string, priority int, capsKey string, now time.Time) *Contact {
	r.mu.Lock()
	defer r.mu.Unlock()

	bare := normalizeBare(full)
	c, ok := r.contacts[bare]
	if !ok {
		c = &Contact{BareJID: bare, Resources: make(map[string]*Resource)}
		r.contacts[bare] = c
	}

	resource := full.Resourcepart()
	if kind == PresenceUnavailable {
		delete(c.Resources, resource)
		return c
	}

	c.Resources[resource] = &Resource{
		Name:      resource,
		Show:      show,
		Status:    status,
		Priority:  priority,
		CapsKey:   capsKey,
		UpdatedAt: now,
	}
	return c
}

func normalizeBare(j jid.JID) string {
	return j.Bare().String()
}

// Contact returns the contact for a bare JID, or nil.
func (r *Roster) Contact(bareJID string) *Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contacts[bareJID]
}

// Contacts returns all contacts, sorted by bare JID for deterministic
// iteration.
func (r *Roster) Contacts() []*Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BareJID < out[j].BareJID })
	return out
}

// Groups returns the set of distinct group names across all contacts.
func (r *Roster) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, c := range r.contacts {
		for _, g := range c.Groups {
			seen[g] = true
		}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of contacts currently in the roster.
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts)
}
