// Package stanzahandler decodes message/presence/iq child elements into
// plain structs the session orchestrator can route, and tracks outstanding
// iq ids so replies can be matched back to their request.
package stanzahandler

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"sync"
	"time"

	"mellium.im/xmpp/stanza"

	"github.com/meszmate/roster/internal/jid"
)

// TokenReader is the minimal interface a decoded XMPP session exposes for
// walking a stanza's child elements.
type TokenReader interface {
	Token() (xml.Token, error)
}

const (
	nsChatStates = "http://jabber.org/protocol/chatstates"
	nsDelay      = "urn:xmpp:delay"
	nsCorrect    = "urn:xmpp:message-correct:0"
	nsReceipts   = "urn:xmpp:receipts"
	nsMarkers    = "urn:xmpp:chat-markers:0"
	nsMUCUser    = "http://jabber.org/protocol/muc#user"
	nsCaps       = "http://jabber.org/protocol/caps"
	nsVersion    = "jabber:iq:version"
	nsPing       = "urn:xmpp:ping"
	nsDiscoInfo  = "http://jabber.org/protocol/disco#info"
	nsDiscoItems = "http://jabber.org/protocol/disco#items"
	nsRoster     = "jabber:iq:roster"
	delayLayout  = "2006-01-02T15:04:05Z"
)

var chatStateNames = map[string]bool{
	"active": true, "composing": true, "paused": true, "inactive": true, "gone": true,
}

// Message is a decoded chat/groupchat/error message, with every optional
// extension this core understands already extracted.
type Message struct {
	From      jid.JID
	To        jid.JID
	Type      stanza.MessageType
	ID        string
	Body      string
	HasBody   bool
	ChatState string
	ReplaceID string
	Encrypted bool
	HasDelay  bool
	Delay     time.Time
	MUCUser   bool // carries a muc#user <x/>: private MUC message or MUC-relayed error
}

// Route classifies a decoded Message for dispatch, per the routing rule:
// groupchat goes to the room, chat with a muc#user child is a MUC private
// message, otherwise it is 1:1, and error is always routed to the
// addressed window regardless of type.
func (m Message) Route() string {
	switch {
	case m.Type == stanza.ErrorMessage:
		return "error"
	case m.Type == stanza.GroupChatMessage:
		return "muc"
	case m.MUCUser:
		return "muc-private"
	default:
		return "chat"
	}
}

// ParseMessage decodes a <message/> start element and its children. tr must
// yield the tokens following start; ParseMessage consumes up to and
// including the matching </message>.
func ParseMessage(tr TokenReader, start xml.StartElement) (Message, error) {
	msg := Message{Type: stanza.ChatMessage}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "from":
			msg.From, _ = jid.Parse(attr.Value)
		case "to":
			msg.To, _ = jid.Parse(attr.Value)
		case "id":
			msg.ID = attr.Value
		case "type":
			msg.Type = stanza.MessageType(attr.Value)
		}
	}

	for {
		tok, err := tr.Token()
		if err != nil {
			if err == io.EOF {
				return msg, nil
			}
			return msg, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "body":
				text, err := readCharData(tr, t.Name)
				if err != nil {
					return msg, err
				}
				msg.Body = text
				msg.HasBody = true

			case t.Name.Space == nsChatStates && chatStateNames[t.Name.Local]:
				msg.ChatState = t.Name.Local
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return msg, err
				}

			case t.Name.Local == "delay" && t.Name.Space == nsDelay:
				for _, attr := range t.Attr {
					if attr.Name.Local == "stamp" {
						if parsed, err := time.Parse(delayLayout, attr.Value); err == nil {
							msg.Delay = parsed
							msg.HasDelay = true
						}
					}
				}
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return msg, err
				}

			case t.Name.Local == "replace" && t.Name.Space == nsCorrect:
				for _, attr := range t.Attr {
					if attr.Name.Local == "id" {
						msg.ReplaceID = attr.Value
					}
				}
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return msg, err
				}

			case t.Name.Local == "encrypted":
				msg.Encrypted = true
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return msg, err
				}

			case t.Name.Local == "x" && t.Name.Space == nsMUCUser:
				msg.MUCUser = true
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return msg, err
				}

			default:
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return msg, err
				}
			}

		case xml.EndElement:
			if t.Name.Local == "message" {
				return msg, nil
			}
		}
	}
}

// Presence is a decoded <presence/>, including the XEP-0115 capability
// hash and any muc#user extension.
type Presence struct {
	From     jid.JID
	To       jid.JID
	Type     stanza.PresenceType
	Show     string
	Status   string
	Priority int8

	HasCaps  bool
	CapsVer  string
	CapsNode string
	CapsHash string

	HasDelay bool
	Delay    time.Time

	HasMUCUser      bool
	MUCStatusCodes  []int
	MUCItemJID      jid.JID
	MUCItemNick     string
	MUCRole         string
	MUCAffiliation  string
}

// ParsePresence decodes a <presence/> start element and its children,
// consuming up to and including the matching </presence>.
func ParsePresence(tr TokenReader, start xml.StartElement) (Presence, error) {
	p := Presence{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "from":
			p.From, _ = jid.Parse(attr.Value)
		case "to":
			p.To, _ = jid.Parse(attr.Value)
		case "type":
			p.Type = stanza.PresenceType(attr.Value)
		}
	}

	for {
		tok, err := tr.Token()
		if err != nil {
			if err == io.EOF {
				return p, nil
			}
			return p, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "show":
				text, err := readCharData(tr, t.Name)
				if err != nil {
					return p, err
				}
				p.Show = text

			case t.Name.Local == "status":
				text, err := readCharData(tr, t.Name)
				if err != nil {
					return p, err
				}
				p.Status = text

			case t.Name.Local == "priority":
				text, err := readCharData(tr, t.Name)
				if err != nil {
					return p, err
				}
				var prio int
				fmt.Sscanf(text, "%d", &prio)
				p.Priority = int8(prio)

			case t.Name.Local == "c" && t.Name.Space == nsCaps:
				p.HasCaps = true
				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "ver":
						p.CapsVer = attr.Value
					case "node":
						p.CapsNode = attr.Value
					case "hash":
						p.CapsHash = attr.Value
					}
				}
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return p, err
				}

			case t.Name.Local == "delay" && t.Name.Space == nsDelay:
				for _, attr := range t.Attr {
					if attr.Name.Local == "stamp" {
						if parsed, err := time.Parse(delayLayout, attr.Value); err == nil {
							p.Delay = parsed
							p.HasDelay = true
						}
					}
				}
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return p, err
				}

			case t.Name.Local == "x" && t.Name.Space == nsMUCUser:
				if err := parseMUCUserX(tr, t, &p); err != nil && err != io.EOF {
					return p, err
				}

			default:
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return p, err
				}
			}

		case xml.EndElement:
			if t.Name.Local == "presence" {
				return p, nil
			}
		}
	}
}

// RosterPushItem is one <item/> decoded from a jabber:iq:roster query.
type RosterPushItem struct {
	JID          jid.JID
	Name         string
	Subscription string
	Groups       []string
}

// ParseRosterQuery decodes a jabber:iq:roster <query/> element's items, up
// to its matching end element.
func ParseRosterQuery(tr TokenReader, start xml.StartElement) ([]RosterPushItem, error) {
	var items []RosterPushItem
	for {
		tok, err := tr.Token()
		if err != nil {
			if err == io.EOF {
				return items, nil
			}
			return items, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "item" {
				item, err := parseRosterPushItem(tr, t)
				if err != nil {
					return items, err
				}
				items = append(items, item)
			} else {
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return items, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "query" {
				return items, nil
			}
		}
	}
}

func parseRosterPushItem(tr TokenReader, start xml.StartElement) (RosterPushItem, error) {
	item := RosterPushItem{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "jid":
			item.JID, _ = jid.Parse(attr.Value)
		case "name":
			item.Name = attr.Value
		case "subscription":
			item.Subscription = attr.Value
		}
	}
	for {
		tok, err := tr.Token()
		if err != nil {
			if err == io.EOF {
				return item, nil
			}
			return item, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "group" {
				text, err := readCharData(tr, t.Name)
				if err != nil {
					return item, err
				}
				item.Groups = append(item.Groups, text)
			} else {
				if err := skipToEnd(tr, t.Name); err != nil && err != io.EOF {
					return item, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "item" {
				return item, nil
			}
		}
	}
}

// parseMUCUserX reads a muc#user <x/> child, collecting <status code="…"/>
// and <item role="…" affiliation="…" jid="…"/>, up to its matching </x>.
func parseMUCUserX(tr TokenReader, start xml.StartElement, p *Presence) error {
	p.HasMUCUser = true
	depth := 1
	for {
		tok, err := tr.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "x" && t.Name.Space == nsMUCUser:
				depth++
			case t.Name.Local == "status":
				for _, attr := range t.Attr {
					if attr.Name.Local == "code" {
						var code int
						fmt.Sscanf(attr.Value, "%d", &code)
						p.MUCStatusCodes = append(p.MUCStatusCodes, code)
					}
				}
			case t.Name.Local == "item":
				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "role":
						p.MUCRole = attr.Value
					case "affiliation":
						p.MUCAffiliation = attr.Value
					case "jid":
						p.MUCItemJID, _ = jid.Parse(attr.Value)
					case "nick":
						p.MUCItemNick = attr.Value
					}
				}
			}
		case xml.EndElement:
			if t.Name.Local == "x" && t.Name.Space == nsMUCUser {
				depth--
				if depth == 0 {
					return nil
				}
			}
		}
	}
}

// IQAction classifies an inbound get/set iq that warrants an automatic
// reply, independent of any outstanding request.
type IQAction int

const (
	IQActionNone IQAction = iota
	IQActionVersion
	IQActionPing
	IQActionDiscoInfo
	IQActionDiscoItems
	IQActionRosterPush
)

// ClassifyIQ inspects the iq type and the namespace of its single child
// element to decide which auto-reply (if any) applies.
func ClassifyIQ(iqType stanza.IQType, childNamespace string) IQAction {
	switch {
	case iqType == stanza.GetIQ && childNamespace == nsVersion:
		return IQActionVersion
	case iqType == stanza.GetIQ && childNamespace == nsPing:
		return IQActionPing
	case iqType == stanza.GetIQ && childNamespace == nsDiscoInfo:
		return IQActionDiscoInfo
	case iqType == stanza.GetIQ && childNamespace == nsDiscoItems:
		return IQActionDiscoItems
	case iqType == stanza.SetIQ && childNamespace == nsRoster:
		return IQActionRosterPush
	default:
		return IQActionNone
	}
}

// readCharData reads a single text node and its matching end element for a
// leaf element (one with only character data as content, possibly none).
func readCharData(tr TokenReader, name xml.Name) (string, error) {
	var text string
	for {
		tok, err := tr.Token()
		if err != nil {
			return text, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			text += string(t)
		case xml.EndElement:
			if t.Name == name {
				return text, nil
			}
		}
	}
}

// skipToEnd discards tokens up to and including the matching end element
// for name, tolerating nested elements of the same name.
func skipToEnd(tr TokenReader, name xml.Name) error {
	depth := 1
	for {
		tok, err := tr.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name == name {
				depth++
			}
		case xml.EndElement:
			if t.Name == name {
				depth--
				if depth == 0 {
					return nil
				}
			}
		}
	}
}

// PendingEntry is one outstanding request awaiting an iq result/error.
type PendingEntry struct {
	ID      string
	Created time.Time
	Timeout time.Duration
}

// PendingResult is delivered to a pending handler, either from a genuine
// reply or a synthesized timeout or disconnect error.
type PendingResult struct {
	ID           string
	IQ           stanza.IQ
	Err          error
	Synthesized  bool
}

// PendingHandler receives the eventual result for one outstanding id.
type PendingHandler func(PendingResult)

// PendingIDs tracks outstanding iq ids awaiting a result/error, keyed by a
// monotonically increasing counter salted per connection so two handlers
// registered on different connections can never collide.
type PendingIDs struct {
	mu       sync.Mutex
	salt     string
	counter  uint64
	handlers map[string]PendingHandler
	created  map[string]time.Time
	timeout  map[string]time.Duration
}

// NewPendingIDs creates an empty table with a fresh random salt.
func NewPendingIDs() *PendingIDs {
	return &PendingIDs{
		salt:     randomSalt(),
		handlers: make(map[string]PendingHandler),
		created:  make(map[string]time.Time),
		timeout:  make(map[string]time.Duration),
	}
}

func randomSalt() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "fallback-salt"
	}
	return fmt.Sprintf("%x", binary.BigEndian.Uint64(b[:]))
}

// NextID returns a fresh id unique to this table.
func (p *PendingIDs) NextID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return fmt.Sprintf("%s-%d", p.salt, p.counter)
}

// Register records a handler for id, to be invoked exactly once by Resolve
// or Disconnect. timeout of zero means no expiry.
func (p *PendingIDs) Register(id string, now time.Time, timeout time.Duration, handler PendingHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[id] = handler
	p.created[id] = now
	p.timeout[id] = timeout
}

// Resolve delivers iq to the handler registered for its id, removing the
// entry. Returns false if no handler was registered (an unmatched reply).
func (p *PendingIDs) Resolve(iq stanza.IQ) bool {
	p.mu.Lock()
	handler, ok := p.handlers[iq.ID]
	if ok {
		delete(p.handlers, iq.ID)
		delete(p.created, iq.ID)
		delete(p.timeout, iq.ID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	handler(PendingResult{ID: iq.ID, IQ: iq})
	return true
}

// Tick invokes a synthesized timeout error for every entry whose deadline
// has passed, and removes them.
func (p *PendingIDs) Tick(now time.Time) {
	p.mu.Lock()
	var expired []string
	for id, timeout := range p.timeout {
		if timeout <= 0 {
			continue
		}
		if now.Sub(p.created[id]) >= timeout {
			expired = append(expired, id)
		}
	}
	handlers := make(map[string]PendingHandler, len(expired))
	for _, id := range expired {
		handlers[id] = p.handlers[id]
		delete(p.handlers, id)
		delete(p.created, id)
		delete(p.timeout, id)
	}
	p.mu.Unlock()

	for id, handler := range handlers {
		handler(PendingResult{ID: id, Err: fmt.Errorf("stanzahandler: iq %s timed out", id), Synthesized: true})
	}
}

// Disconnect invokes every outstanding handler with a synthesized
// disconnect error and clears the table, per the propagation policy that
// no caller is left waiting forever across a lost connection.
func (p *PendingIDs) Disconnect(err error) {
	p.mu.Lock()
	handlers := p.handlers
	p.handlers = make(map[string]PendingHandler)
	p.created = make(map[string]time.Time)
	p.timeout = make(map[string]time.Duration)
	p.mu.Unlock()

	for id, handler := range handlers {
		handler(PendingResult{ID: id, Err: err, Synthesized: true})
	}
}

// Pending reports the number of outstanding entries, for tests and
// diagnostics.
func (p *PendingIDs) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}
