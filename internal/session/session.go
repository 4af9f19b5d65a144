// Package session is the top-level orchestrator: it owns the
// single-threaded process_events tick, wiring the roster, MUC, chat-state,
// capabilities, account, connection, and stanza-handler components
// together and emitting events to the UI collaborator through a Sink.
package session

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"mellium.im/xmpp/stanza"

	"github.com/meszmate/roster/internal/caps"
	"github.com/meszmate/roster/internal/chatstate"
	"github.com/meszmate/roster/internal/connection"
	"github.com/meszmate/roster/internal/encryption"
	"github.com/meszmate/roster/internal/eventsink"
	"github.com/meszmate/roster/internal/httpupload"
	"github.com/meszmate/roster/internal/jid"
	"github.com/meszmate/roster/internal/logging"
	"github.com/meszmate/roster/internal/muc"
	"github.com/meszmate/roster/internal/roster"
	"github.com/meszmate/roster/internal/stanzahandler"
	"github.com/meszmate/roster/internal/storage/sqlite"
)

// maxStanzasPerTick is a per-pass stanza bound sized for the ~10ms
// timeslice the tick is allotted. DrainStanzas takes its bound from its
// limit argument; this constant is not referenced in this module.
const maxStanzasPerTick = 64

// Sender is the subset of connection.Engine used to send stanzas. The
// Orchestrator does not take a Sender: its Conn field is a concrete
// *connection.Engine.
type Sender interface {
	Send(ctx context.Context, v interface{}) error
}

// Config configures one account's orchestrator.
type Config struct {
	Account     string
	BareJID     string
	GoneMinutes int
	Activity    ActivityPrefs
	Carbons     bool
}

// Orchestrator ties every core component together behind one tick.
type Orchestrator struct {
	cfg Config

	Conn       *connection.Engine
	Roster     *roster.Roster
	MUC        *muc.Manager
	Chat       *chatstate.Manager
	Caps       *caps.Cache
	Pending    *stanzahandler.PendingIDs
	Sink       *eventsink.Sink
	Encryption *encryption.Registry
	Upload     *httpupload.Manager

	// Log is the optional append-only chat-log secondary sink (§9). Nil
	// disables it entirely; callers opt in by setting it after New.
	Log *sqlite.DB

	activity *ActivityMachine
}

// New creates an orchestrator for one account's components.
func New(cfg Config, conn *connection.Engine, now time.Time) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		Conn:       conn,
		Roster:     roster.New(),
		MUC:        muc.NewManager(),
		Chat:       chatstate.NewManager(),
		Caps:       caps.NewCache(),
		Pending:    stanzahandler.NewPendingIDs(),
		Sink:       eventsink.NewSink(),
		Encryption: encryption.NewRegistry(),
		Upload:     httpupload.NewManager(),
		activity:   NewActivityMachine(cfg.Activity, now),
	}
}

// Activity exposes the auto-away state machine for tests and the UI's idle
// reporting.
func (o *Orchestrator) Activity() *ActivityMachine { return o.activity }

// DrainStanzas reads up to limit top-level stanzas from tr and dispatches
// each to the matching handler, synchronously and in order, satisfying
// §5's guarantee that within one tick state updates precede the
// event-sink emissions derived from them. Returns io.EOF when the stream
// has ended (the caller should treat that as connection loss).
func (o *Orchestrator) DrainStanzas(tr stanzahandler.TokenReader, limit int, now time.Time) error {
	for n := 0; n < limit; {
		tok, err := tr.Token()
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		n++
		switch start.Name.Local {
		case "message":
			msg, err := stanzahandler.ParseMessage(tr, start)
			if err != nil && err != io.EOF {
				logging.Warn("dropping malformed message stanza: %v", err)
				continue
			}
			o.handleMessage(msg, now)
		case "presence":
			p, err := stanzahandler.ParsePresence(tr, start)
			if err != nil && err != io.EOF {
				logging.Warn("dropping malformed presence stanza: %v", err)
				continue
			}
			o.handlePresence(p, now)
		case "iq":
			if err := o.handleIQ(tr, start, now); err != nil && err != io.EOF {
				logging.Warn("dropping malformed iq stanza: %v", err)
				continue
			}
		}
	}
	return nil
}

func (o *Orchestrator) handleMessage(msg stanzahandler.Message, now time.Time) {
	if msg.ChatState != "" && msg.From.String() != "" {
		sess := o.Chat.Get(msg.From.Bare().String(), now)
		sess.PeerSupportsStates = true
	}

	switch msg.Route() {
	case "error":
		o.Sink.Emit(eventsink.ErrorEvent(msg.From.String(), "message delivery error"))
	case "muc":
		room := msg.From.Bare().String()
		nick := msg.From.Resourcepart()
		var delay string
		if msg.HasDelay {
			delay = msg.Delay.Format(time.RFC3339)
		}
		if msg.HasBody {
			o.Sink.Emit(eventsink.MUCMessage(room, nick, msg.Body, delay))
		}
	case "muc-private", "chat":
		if !msg.HasBody {
			return
		}
		var delay string
		if msg.HasDelay {
			delay = msg.Delay.Format(time.RFC3339)
		}
		to := ""
		if msg.To.String() != "" {
			to = msg.To.Bare().String()
		}

		body := msg.Body
		encrypted := msg.Encrypted
		if peer := msg.From.Bare().String(); peer != "" {
			if plaintext, wasEncrypted := o.Chat.HandleInbound(peer, body, now, o.Encryption); wasEncrypted {
				body, encrypted = plaintext, true
			}
		}

		o.Sink.Emit(eventsink.Message(msg.From.String(), to, body, delay, msg.ID, msg.ReplaceID, encrypted))
		if o.Log != nil {
			_ = o.Log.Append(msg.From.Bare().String(), body, now)
		}
	}
}

// SendMessage runs the encryption gate on outbound plaintext addressed to
// bareJID (encrypting it if the session's mode has an active secure
// collaborator session) and sends the resulting chat message.
func (o *Orchestrator) SendMessage(ctx context.Context, bareJID, plaintext string, now time.Time) error {
	to, err := jid.Parse(bareJID)
	if err != nil {
		return err
	}

	body, _, _, err := o.Chat.PrepareOutbound(bareJID, plaintext, now, o.Encryption)
	if err != nil {
		logging.Warn("encryption failed for %s: %v", bareJID, err)
		return err
	}

	if err := o.Conn.Send(ctx, outboundChatMessage{
		Message: stanza.Message{To: to, Type: stanza.ChatMessage},
		Body:    body,
	}); err != nil {
		return err
	}

	if o.Log != nil {
		_ = o.Log.Append(bareJID, plaintext, now)
	}
	return nil
}

type outboundChatMessage struct {
	stanza.Message
	Body string `xml:"body"`
}

// RequestUploadSlot sends a XEP-0363 slot request to the configured upload
// service for a file of the given name and size, registering the request
// id with the pending table so the result (or a timeout) reaches handler.
// The orchestrator does not itself parse the slot out of the iq result,
// matching how every other get-result (roster, bookmarks, disco) is
// resolved opaquely through the pending table; the collaborator is
// expected to read the slot off the raw decoded stream via handler. As with
// the post-login requests, a send error is not returned: the id is
// registered regardless, and handler then receives the timeout.
func (o *Orchestrator) RequestUploadSlot(ctx context.Context, filename string, size int64, now time.Time, handler stanzahandler.PendingHandler) error {
	service := o.Upload.Service()
	if service.String() == "" {
		return fmt.Errorf("httpupload: no service configured")
	}

	id := o.Pending.NextID()
	req := httpupload.NewSlotRequest(id, service, filename, size)
	_ = o.Conn.Send(ctx, req)
	o.Pending.Register(id, now, 30*time.Second, handler)
	return nil
}

func (o *Orchestrator) handlePresence(p stanzahandler.Presence, now time.Time) {
	if p.HasMUCUser {
		room := p.From.Bare()
		nick := p.From.Resourcepart()

		if p.Type == stanza.UnavailablePresence {
			isNickChange := false
			for _, code := range p.MUCStatusCodes {
				if code == muc.StatusNickChanged {
					isNickChange = true
				}
			}
			r := o.MUC.HandleOccupantUnavailable(room, nick, p.MUCStatusCodes, p.MUCItemNick)
			if r != nil && !isNickChange {
				o.Sink.Emit(eventsink.MUCLeave(room.String(), nick, p.Status))
			}
			return
		}

		existing := o.MUC.Room(room)
		wasJoined := existing != nil && existing.Joined

		r, _ := o.MUC.HandleOccupantPresence(room, nick, p.From, muc.Role(p.MUCRole), muc.Affiliation(p.MUCAffiliation), p.Show, p.Status, p.MUCStatusCodes)
		if r == nil {
			return
		}
		if r.Joined && !wasJoined {
			o.Sink.Emit(eventsink.MUCJoin(room.String()))
		}
		if old, fired := o.MUC.CommitNickChange(r, nick); fired {
			o.Sink.Emit(eventsink.MUCOccupantChange(room.String(), old+"->"+nick, p.MUCRole, p.MUCAffiliation))
		}
		return
	}

	if p.Type == stanza.SubscribePresence {
		o.Sink.Emit(eventsink.SubscriptionRequest(p.From.Bare().String()))
		return
	}

	if p.Type != "" && p.Type != stanza.UnavailablePresence {
		return
	}

	kind := roster.PresenceAvailable
	if p.Type == stanza.UnavailablePresence {
		kind = roster.PresenceUnavailable
	}
	c := o.Roster.ApplyPresence(p.From, kind, roster.Show(p.Show), p.Status, int(p.Priority), p.CapsVer, now)
	if c != nil {
		o.Sink.Emit(eventsink.ContactPresence(c.BareJID, p.From.Resourcepart(), p.Show, p.Status))
	}
}

func (o *Orchestrator) handleIQ(tr stanzahandler.TokenReader, start xml.StartElement, now time.Time) error {
	var iqType, iqID string
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "type":
			iqType = attr.Value
		case "id":
			iqID = attr.Value
		}
	}

	var tok xml.Token
	for {
		t, err := tr.Token()
		if err != nil {
			return err
		}
		if _, isText := t.(xml.CharData); !isText {
			tok = t
			break
		}
	}

	child, hasChild := tok.(xml.StartElement)
	if !hasChild {
		o.resolveIQ(stanza.IQType(iqType), iqID)
		return nil
	}

	action := stanzahandler.ClassifyIQ(stanza.IQType(iqType), child.Name.Space)
	switch action {
	case stanzahandler.IQActionRosterPush:
		items, _ := stanzahandler.ParseRosterQuery(tr, child)
		pushes := make([]roster.PushItem, 0, len(items))
		for _, it := range items {
			pushes = append(pushes, roster.PushItem{
				BareJID:      it.JID.String(),
				Name:         it.Name,
				Subscription: roster.Subscription(it.Subscription),
				Groups:       it.Groups,
			})
		}
		for _, push := range pushes {
			o.Roster.ApplySet(push)
		}
		return consumeTo(tr, start.Name)

	case stanzahandler.IQActionVersion, stanzahandler.IQActionPing, stanzahandler.IQActionDiscoInfo, stanzahandler.IQActionDiscoItems:
		// The request is consumed and dropped: no version, ping or disco
		// reply is sent, and the classification is not passed to the caller.
		if err := consumeTo(tr, child.Name); err != nil && err != io.EOF {
			return err
		}
		return consumeTo(tr, start.Name)

	default:
		o.resolveIQ(stanza.IQType(iqType), iqID)
		return consumeRemaining(tr, child.Name, start.Name)
	}
}

// resolveIQ matches a bare result/error iq (no or already-consumed child)
// against the pending table and the autoping expectation.
func (o *Orchestrator) resolveIQ(iqType stanza.IQType, id string) {
	if iqType != stanza.ResultIQ && iqType != stanza.ErrorIQ {
		return
	}
	o.Conn.ReceivePong(id)
	o.Pending.Resolve(stanza.IQ{ID: id, Type: iqType})
}

func consumeTo(tr stanzahandler.TokenReader, name xml.Name) error {
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

func consumeRemaining(tr stanzahandler.TokenReader, childName, outerName xml.Name) error {
	if err := consumeTo(tr, childName); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return consumeTo(tr, outerName)
}

// Tick advances chat-state timers and the auto-away state machine, and
// sends any resulting stanzas. Called once per process_events pass after
// stanza draining.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time, connected bool) {
	for _, tr := range o.Chat.Tick(now, o.cfg.GoneMinutes) {
		if tr.Send == "" {
			continue
		}
		to, err := jid.Parse(tr.BareJID)
		if err != nil {
			continue
		}
		_ = o.Conn.Send(ctx, chatStateMessage{
			Message: stanza.Message{To: to, Type: stanza.ChatMessage},
			State:   chatStateElement{Name: xml.Name{Local: string(tr.Send), Space: "http://jabber.org/protocol/chatstates"}},
		})
	}

	if transition := o.activity.Tick(now, connected); transition != nil {
		// Online/away/xa are all the empty presence type with a <show/>
		// child; only unavailable would need a real type, and auto-away
		// never sends that.
		_ = o.Conn.Send(ctx, presenceWithExtras{
			Show:   transition.SendShow,
			Status: transition.SendStatus,
		})
	}

	o.Pending.Tick(now)
}

// chatStateElement is a generic XEP-0085 state element, named dynamically.
type chatStateElement struct {
	XMLName xml.Name
}

type chatStateMessage struct {
	stanza.Message
	State chatStateElement
}

type presenceWithExtras struct {
	stanza.Presence
	Show   string `xml:"show,omitempty"`
	Status string `xml:"status,omitempty"`
}

// OnLoginSuccess runs the post-login sequence: request roster, bookmarks,
// blocking list, disco the server domain, and enable carbons if
// configured. Emits on_login_success first so the UI can show the account
// as connected before the follow-up requests land.
func (o *Orchestrator) OnLoginSuccess(ctx context.Context, secured bool) {
	o.Sink.Emit(eventsink.LoginSuccess(o.cfg.Account, secured))
	now := time.Now()
	noop := func(stanzahandler.PendingResult) {}

	type rosterGet struct {
		stanza.IQ
		Query struct {
			XMLName xml.Name `xml:"jabber:iq:roster query"`
		}
	}
	rosterID := o.Pending.NextID()
	_ = o.Conn.Send(ctx, rosterGet{IQ: stanza.IQ{ID: rosterID, Type: stanza.GetIQ}})
	o.Pending.Register(rosterID, now, 30*time.Second, noop)

	type bookmarksGet struct {
		stanza.IQ
		Query struct {
			XMLName xml.Name `xml:"jabber:iq:private query"`
			Storage struct {
				XMLName xml.Name `xml:"storage:bookmarks storage"`
			}
		}
	}
	bookmarksID := o.Pending.NextID()
	_ = o.Conn.Send(ctx, bookmarksGet{IQ: stanza.IQ{ID: bookmarksID, Type: stanza.GetIQ}})
	o.Pending.Register(bookmarksID, now, 30*time.Second, noop)

	type blockingGet struct {
		stanza.IQ
		List struct {
			XMLName xml.Name `xml:"urn:xmpp:blocking blocklist"`
		}
	}
	blockingID := o.Pending.NextID()
	_ = o.Conn.Send(ctx, blockingGet{IQ: stanza.IQ{ID: blockingID, Type: stanza.GetIQ}})
	o.Pending.Register(blockingID, now, 30*time.Second, noop)

	type discoGet struct {
		stanza.IQ
		Query struct {
			XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
		}
	}
	discoID := o.Pending.NextID()
	_ = o.Conn.Send(ctx, discoGet{IQ: stanza.IQ{ID: discoID, Type: stanza.GetIQ, To: jid.MustParse(o.domainOf())}})
	o.Pending.Register(discoID, now, 30*time.Second, noop)

	if o.cfg.Carbons {
		type carbonsEnable struct {
			stanza.IQ
			Enable struct {
				XMLName xml.Name `xml:"urn:xmpp:carbons:2 enable"`
			}
		}
		carbonsID := o.Pending.NextID()
		_ = o.Conn.Send(ctx, carbonsEnable{IQ: stanza.IQ{ID: carbonsID, Type: stanza.SetIQ}})
		o.Pending.Register(carbonsID, now, 30*time.Second, noop)
	}
}

func (o *Orchestrator) domainOf() string {
	j, err := jid.Parse(o.cfg.BareJID)
	if err != nil {
		return o.cfg.BareJID
	}
	return j.Domain().String()
}

// OnLoginFailed emits on_login_failed and, if a reconnect timer is armed,
// leaves it running; otherwise the caller is responsible for clearing
// saved credentials per §4.9.
func (o *Orchestrator) OnLoginFailed(reason string) {
	o.Sink.Emit(eventsink.LoginFailed(o.cfg.Account, reason))
}
