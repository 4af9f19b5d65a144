package session

import (
	"context"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/meszmate/roster/internal/chatstate"
	"github.com/meszmate/roster/internal/connection"
	"github.com/meszmate/roster/internal/encryption"
	"github.com/meszmate/roster/internal/eventsink"
	"github.com/meszmate/roster/internal/jid"
	"github.com/meszmate/roster/internal/roster"
	"github.com/meszmate/roster/internal/stanzahandler"
	"github.com/meszmate/roster/internal/storage/sqlite"
)

// xmlTokenReader adapts an xml.Decoder to stanzahandler.TokenReader, the
// same shim the stanzahandler package tests use to feed canned XML.
type xmlTokenReader struct {
	dec *xml.Decoder
}

func (r xmlTokenReader) Token() (xml.Token, error) {
	return r.dec.Token()
}

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	j, err := jid.Parse("alice@example.com/roster")
	if err != nil {
		t.Fatalf("jid.Parse: %v", err)
	}
	conn := connection.New(connection.Config{JID: j, TLSPolicy: connection.TLSAllow})
	cfg := Config{Account: "alice@example.com", BareJID: "alice@example.com", GoneMinutes: 10}
	return New(cfg, conn, time.Unix(0, 0))
}

func collectEvents(o *Orchestrator) *[]eventsink.Event {
	got := &[]eventsink.Event{}
	o.Sink.SubscribeAll(func(ev eventsink.Event) { *got = append(*got, ev) })
	return got
}

func TestDrainStanzasDispatchesChatMessageToSink(t *testing.T) {
	o := newOrchestrator(t)
	got := collectEvents(o)

	raw := `<stream>
		<message from="bob@example.com/phone" to="alice@example.com" type="chat" id="m1">
			<body>hi there</body>
		</message>
	</stream>`
	dec := xml.NewDecoder(strings.NewReader(raw))
	// consume the opening <stream> start element first
	if _, err := dec.Token(); err != nil {
		t.Fatalf("unexpected error reading stream open: %v", err)
	}

	if err := o.DrainStanzas(xmlTokenReader{dec: dec}, 10, time.Unix(1, 0)); err != nil {
		t.Fatalf("DrainStanzas: %v", err)
	}

	found := false
	for _, ev := range *got {
		if ev.Kind == eventsink.OnMessage && ev.Body == "hi there" && ev.FromFull == "bob@example.com/phone" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an on_message event for the chat body, got %+v", *got)
	}
}

type fakeCollaborator struct{}

func (fakeCollaborator) Encrypt(peer, plaintext string) (string, encryption.Hints, error) {
	return "CIPHER(" + plaintext + ")", encryption.Hints{}, nil
}

func (fakeCollaborator) Decrypt(peer, body string) (string, bool, error) {
	return body[len("CIPHER(") : len(body)-1], true, nil
}

func (fakeCollaborator) IsSecure(peer string) bool { return true }

func TestDrainStanzasDecryptsEncryptedSessionBody(t *testing.T) {
	o := newOrchestrator(t)
	got := collectEvents(o)

	o.Encryption.Register("otr", fakeCollaborator{})
	o.Chat.Get("bob@example.com", time.Unix(0, 0)).Encryption = chatstate.EncryptionOTR

	raw := `<stream>
		<message from="bob@example.com/phone" to="alice@example.com" type="chat" id="m2">
			<body>CIPHER(top secret)</body>
		</message>
	</stream>`
	dec := xml.NewDecoder(strings.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		t.Fatalf("unexpected error reading stream open: %v", err)
	}

	if err := o.DrainStanzas(xmlTokenReader{dec: dec}, 10, time.Unix(1, 0)); err != nil {
		t.Fatalf("DrainStanzas: %v", err)
	}

	found := false
	for _, ev := range *got {
		if ev.Kind == eventsink.OnMessage && ev.Body == "top secret" && ev.Encrypted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a decrypted on_message event, got %+v", *got)
	}
}

func TestDrainStanzasAppliesRosterPush(t *testing.T) {
	o := newOrchestrator(t)

	raw := `<stream>
		<iq type="set" id="push1">
			<query xmlns="jabber:iq:roster">
				<item jid="carol@example.com" name="Carol" subscription="both"><group>Friends</group></item>
			</query>
		</iq>
	</stream>`
	dec := xml.NewDecoder(strings.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		t.Fatalf("unexpected error reading stream open: %v", err)
	}

	if err := o.DrainStanzas(xmlTokenReader{dec: dec}, 10, time.Unix(1, 0)); err != nil {
		t.Fatalf("DrainStanzas: %v", err)
	}

	c := o.Roster.Contact("carol@example.com")
	if c == nil || c.Name != "Carol" {
		t.Fatalf("expected roster push to add Carol, got %+v", c)
	}
}

func TestDrainStanzasUpdatesRosterPresence(t *testing.T) {
	o := newOrchestrator(t)
	got := collectEvents(o)

	o.Roster.ApplySet(roster.PushItem{BareJID: "bob@example.com", Name: "Bob", Subscription: "both"})

	raw := `<stream>
		<presence from="bob@example.com/phone">
			<show>away</show>
			<status>brb</status>
		</presence>
	</stream>`
	dec := xml.NewDecoder(strings.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		t.Fatalf("unexpected error reading stream open: %v", err)
	}

	if err := o.DrainStanzas(xmlTokenReader{dec: dec}, 10, time.Unix(1, 0)); err != nil {
		t.Fatalf("DrainStanzas: %v", err)
	}

	found := false
	for _, ev := range *got {
		if ev.Kind == eventsink.OnContactPresence && ev.Show == "away" && ev.Status == "brb" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an on_contact_presence event, got %+v", *got)
	}
}

func TestDrainStanzasSubscribeRequestEmitsEvent(t *testing.T) {
	o := newOrchestrator(t)
	got := collectEvents(o)

	raw := `<stream><presence from="dave@example.com" type="subscribe"/></stream>`
	dec := xml.NewDecoder(strings.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		t.Fatalf("unexpected error reading stream open: %v", err)
	}

	if err := o.DrainStanzas(xmlTokenReader{dec: dec}, 10, time.Unix(1, 0)); err != nil {
		t.Fatalf("DrainStanzas: %v", err)
	}

	if len(*got) != 1 || (*got)[0].Kind != eventsink.OnSubscriptionRequest || (*got)[0].BareJID != "dave@example.com" {
		t.Fatalf("expected a single subscription-request event, got %+v", *got)
	}
}

func TestOnLoginSuccessEmitsFirst(t *testing.T) {
	o := newOrchestrator(t)
	got := collectEvents(o)

	o.OnLoginSuccess(context.Background(), true)

	if len(*got) == 0 || (*got)[0].Kind != eventsink.OnLoginSuccess || !(*got)[0].Secured {
		t.Fatalf("expected on_login_success to be the first emitted event, got %+v", *got)
	}
	if o.Pending.Pending() == 0 {
		t.Fatalf("expected the post-login requests to register pending ids")
	}
}

func TestOnLoginFailedEmitsEvent(t *testing.T) {
	o := newOrchestrator(t)
	got := collectEvents(o)

	o.OnLoginFailed("bad-auth")

	if len(*got) != 1 || (*got)[0].Kind != eventsink.OnLoginFailed || (*got)[0].Text != "bad-auth" {
		t.Fatalf("expected a single on_login_failed event, got %+v", *got)
	}
}

func TestTickAdvancesPendingTimeouts(t *testing.T) {
	o := newOrchestrator(t)
	var resolved *stanzahandler.PendingResult
	id := o.Pending.NextID()
	o.Pending.Register(id, time.Unix(0, 0), 2*time.Second, func(r stanzahandler.PendingResult) { resolved = &r })

	o.Tick(context.Background(), time.Unix(1, 0), true)
	if resolved != nil {
		t.Fatalf("expected no timeout before the deadline")
	}

	o.Tick(context.Background(), time.Unix(3, 0), true)
	if resolved == nil || !resolved.Synthesized {
		t.Fatalf("expected a synthesized timeout after the deadline, got %+v", resolved)
	}
}

func TestDrainStanzasAppendsToLogSink(t *testing.T) {
	o := newOrchestrator(t)
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	defer db.Close()
	o.Log = db

	raw := `<stream>
		<message from="bob@example.com/phone" to="alice@example.com" type="chat" id="m3">
			<body>logged</body>
		</message>
	</stream>`
	dec := xml.NewDecoder(strings.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		t.Fatalf("unexpected error reading stream open: %v", err)
	}

	if err := o.DrainStanzas(xmlTokenReader{dec: dec}, 10, time.Unix(1, 0)); err != nil {
		t.Fatalf("DrainStanzas: %v", err)
	}

	entries, err := db.Tail("bob@example.com", 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "logged" {
		t.Fatalf("expected the message to be appended to the log sink, got %+v", entries)
	}
}

func TestRequestUploadSlotFailsWithoutService(t *testing.T) {
	o := newOrchestrator(t)
	err := o.RequestUploadSlot(context.Background(), "photo.jpg", 2048, time.Unix(0, 0), func(stanzahandler.PendingResult) {})
	if err == nil {
		t.Fatalf("expected an error when no upload service is configured")
	}
}

func TestRequestUploadSlotRegistersPendingID(t *testing.T) {
	o := newOrchestrator(t)
	service, err := jid.Parse("upload.example.com")
	if err != nil {
		t.Fatalf("jid.Parse: %v", err)
	}
	o.Upload.SetService(service)

	before := o.Pending.Pending()
	if err := o.RequestUploadSlot(context.Background(), "photo.jpg", 2048, time.Unix(0, 0), func(stanzahandler.PendingResult) {}); err != nil {
		t.Fatalf("RequestUploadSlot: %v", err)
	}
	if o.Pending.Pending() != before+1 {
		t.Fatalf("expected the slot request id to be registered as pending")
	}
}

func TestTickAdvancesActivityMachine(t *testing.T) {
	o := newOrchestrator(t)
	o.activity.prefs = ActivityPrefs{Mode: ModeAway, AwayTime: 5 * time.Second, Message: "brb"}

	o.Tick(context.Background(), time.Unix(5, 0), true)
	if o.Activity().State() != ActivityAway {
		t.Fatalf("expected the activity machine to move to away, got %v", o.Activity().State())
	}
}
