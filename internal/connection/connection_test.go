package connection

import (
	"testing"
	"time"

	"github.com/meszmate/roster/internal/jid"
)

func testEngine(t *testing.T, reconnectSeconds int) *Engine {
	t.Helper()
	j, err := jid.Parse("alice@example.com/roster")
	if err != nil {
		t.Fatalf("jid.Parse: %v", err)
	}
	return New(Config{
		JID:              j,
		TLSPolicy:        TLSAllow,
		AuthPolicy:       AuthDefault,
		ReconnectSeconds: reconnectSeconds,
	})
}

func TestNewEngineStartsInStartedState(t *testing.T) {
	e := testEngine(t, 5)
	if e.State() != StateStarted {
		t.Fatalf("expected initial state started, got %v", e.State())
	}
}

func TestValidateTLSPolicyRejectsTrustWithoutOptIn(t *testing.T) {
	if err := validateTLSPolicy(TLSTrust, false); err == nil {
		t.Fatalf("expected trust without opt-in to be rejected")
	}
	if err := validateTLSPolicy(TLSTrust, true); err != nil {
		t.Fatalf("expected trust with opt-in to be accepted, got %v", err)
	}
	for _, p := range []TLSPolicy{TLSForce, TLSAllow, TLSDisable, TLSLegacy} {
		if err := validateTLSPolicy(p, false); err != nil {
			t.Fatalf("expected policy %q to be accepted without opt-in, got %v", p, err)
		}
	}
}

func TestHandleLostArmsReconnectOnlyWithoutExplicitDisconnect(t *testing.T) {
	e := testEngine(t, 5)
	e.mu.Lock()
	e.state = StateConnected
	e.mu.Unlock()

	now := time.Unix(100, 0)
	e.HandleLost(now)

	if e.State() != StateDisconnected {
		t.Fatalf("expected disconnected after lost connection, got %v", e.State())
	}
	if !e.reconnectArmed {
		t.Fatalf("expected reconnect timer armed after involuntary loss")
	}
	if e.ShouldReconnect(now.Add(4 * time.Second)) {
		t.Fatalf("expected reconnect not yet due before reconnect_seconds elapses")
	}
	if !e.ShouldReconnect(now.Add(5 * time.Second)) {
		t.Fatalf("expected reconnect due once reconnect_seconds has elapsed")
	}
}

func TestHandleLostDoesNotArmReconnectWhenDisabled(t *testing.T) {
	e := testEngine(t, 0)
	e.mu.Lock()
	e.state = StateConnected
	e.mu.Unlock()

	e.HandleLost(time.Unix(0, 0))
	if e.reconnectArmed {
		t.Fatalf("expected reconnect timer not armed when reconnect_seconds=0")
	}
}

func TestExplicitDisconnectDisarmsReconnect(t *testing.T) {
	e := testEngine(t, 5)
	e.mu.Lock()
	e.state = StateConnected
	e.explicitDisconnect = true
	e.mu.Unlock()

	e.HandleLost(time.Unix(0, 0))
	if e.reconnectArmed {
		t.Fatalf("expected no reconnect timer armed after an explicit user disconnect")
	}
}

func TestMaybeSendPingRespectsIntervalAndTimeout(t *testing.T) {
	e := testEngine(t, 0)
	e.cfg.AutopingSeconds = 10
	e.cfg.AutopingTimeout = 5 * time.Second
	e.mu.Lock()
	e.state = StateConnected
	e.mu.Unlock()

	ids := 0
	nextID := func() string { ids++; return "ping-1" }

	t0 := time.Unix(0, 0)
	sent, timedOut := e.MaybeSendPing(t0, nextID)
	if !sent || timedOut {
		t.Fatalf("expected first tick to send a ping, got sent=%v timedOut=%v", sent, timedOut)
	}

	sent, timedOut = e.MaybeSendPing(t0.Add(2*time.Second), nextID)
	if sent || timedOut {
		t.Fatalf("expected no action before the autoping timeout, got sent=%v timedOut=%v", sent, timedOut)
	}

	sent, timedOut = e.MaybeSendPing(t0.Add(6*time.Second), nextID)
	if sent || !timedOut {
		t.Fatalf("expected timeout once autoping_timeout has elapsed, got sent=%v timedOut=%v", sent, timedOut)
	}
}

func TestReceivePongClearsAwaitingOnlyForMatchingID(t *testing.T) {
	e := testEngine(t, 0)
	e.cfg.AutopingSeconds = 10
	e.cfg.AutopingTimeout = 5 * time.Second
	e.mu.Lock()
	e.state = StateConnected
	e.mu.Unlock()

	e.MaybeSendPing(time.Unix(0, 0), func() string { return "abc" })
	e.ReceivePong("wrong-id")
	if !e.awaitingPong {
		t.Fatalf("expected awaitingPong to remain set for a mismatched id")
	}
	e.ReceivePong("abc")
	if e.awaitingPong {
		t.Fatalf("expected awaitingPong cleared for the matching id")
	}
}
