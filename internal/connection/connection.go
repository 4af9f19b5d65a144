// Package connection implements the wire-level state machine: connect,
// disconnect, autoping, and reconnect-on-loss, wrapping a negotiated
// mellium.im/xmpp session.
package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/roster/internal/coreerr"
	"github.com/meszmate/roster/internal/jid"
	"github.com/meszmate/roster/internal/logging"
)

// State is one of the engine's explicit connection states. Unlike the
// reference client, which only tracks a connected bool, dialing and
// tearing down are their own states so the session orchestrator can tell
// "about to connect" apart from "connected" when deciding what to do on a
// tick.
type State int

const (
	StateDisconnected State = iota
	StateStarted
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateStarted:
		return "started"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// TLSPolicy controls how StartTLS is negotiated.
type TLSPolicy string

const (
	TLSForce   TLSPolicy = "force"   // fail if starttls is not offered
	TLSAllow   TLSPolicy = "allow"   // upgrade if offered, otherwise continue in the clear
	TLSTrust   TLSPolicy = "trust"   // upgrade and accept any certificate; requires AllowInsecureTLS
	TLSDisable TLSPolicy = "disable" // never negotiate starttls
	TLSLegacy  TLSPolicy = "legacy"  // direct TLS dial, no starttls negotiation
)

// AuthPolicy selects the SASL mechanisms Connect offers. AuthDefault offers
// SCRAM-SHA-256-PLUS, SCRAM-SHA-256, SCRAM-SHA-1-PLUS, SCRAM-SHA-1 and PLAIN;
// AuthLegacy offers the same list without the channel-binding -PLUS
// mechanisms. Both authenticate through SASL; non-SASL (jabber:iq:auth)
// login is not implemented.
type AuthPolicy string

const (
	AuthDefault AuthPolicy = "default"
	AuthLegacy  AuthPolicy = "legacy"
)

// Config is everything the engine needs to dial and negotiate one account.
type Config struct {
	JID      jid.JID
	Password string
	Server   string // altdomain override; empty uses the JID's domain
	Port     int

	TLSPolicy        TLSPolicy
	AuthPolicy       AuthPolicy
	AllowInsecureTLS bool // required opt-in before TLSTrust is honored

	AutopingSeconds int           // 0 disables autoping
	AutopingTimeout time.Duration
	ReconnectSeconds int // 0 disables reconnect
}

// Engine is the connection state machine for one account. It is safe for
// concurrent use, though in practice only the session orchestrator's
// single event-loop goroutine calls into it.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	session *xmpp.Session
	ctx     context.Context
	cancel  context.CancelFunc

	explicitDisconnect bool
	reconnectArmed     bool
	lostConnectionAt   time.Time

	awaitingPong   bool
	pingSentAt     time.Time
	lastPingID     string
}

// New creates an engine in the started state: configured but not yet
// dialing.
func New(cfg Config) *Engine {
	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	return &Engine{cfg: cfg, state: StateStarted}
}

// State reports the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// validateTLSPolicy rejects TLSTrust unless the caller has explicitly
// opted in, since it disables certificate validation.
func validateTLSPolicy(policy TLSPolicy, allowInsecure bool) error {
	switch policy {
	case TLSForce, TLSAllow, TLSDisable, TLSLegacy:
		return nil
	case TLSTrust:
		if !allowInsecure {
			return coreerr.New(coreerr.TLSFailed, "connect", fmt.Errorf("tls.policy=trust requires an explicit AllowInsecureTLS opt-in"))
		}
		return nil
	default:
		return coreerr.New(coreerr.TLSFailed, "connect", fmt.Errorf("unknown tls policy %q", policy))
	}
}

// Connect dials the server, negotiates StartTLS/SASL/resource bind per the
// configured policies, and moves the engine to connected. It mirrors the
// negotiation sequence of the reference client's Connect, generalized
// across the explicit TLS/auth policy values.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateConnected || e.state == StateConnecting {
		e.mu.Unlock()
		return nil
	}
	if err := validateTLSPolicy(e.cfg.TLSPolicy, e.cfg.AllowInsecureTLS); err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = StateConnecting
	e.explicitDisconnect = false
	cctx, cancel := context.WithCancel(ctx)
	e.ctx, e.cancel = cctx, cancel
	cfg := e.cfg
	e.mu.Unlock()

	server := cfg.Server
	if server == "" {
		server = cfg.JID.Domain().String()
	}
	addr := net.JoinHostPort(server, strconv.Itoa(cfg.Port))
	logging.Info("connecting to %s as %s", addr, cfg.JID.Bare())

	tlsConfig := &tls.Config{
		ServerName:         cfg.JID.Domain().String(),
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSPolicy == TLSTrust,
	}

	var conn net.Conn
	var err error
	if cfg.TLSPolicy == TLSLegacy {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: 30 * time.Second}, "tcp", addr, tlsConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, 30*time.Second)
	}
	if err != nil {
		e.markDisconnected()
		logging.Warn("dial to %s failed: %v", addr, err)
		return coreerr.New(coreerr.IoFailed, "connect", err)
	}

	var features []xmpp.StreamFeature
	if cfg.TLSPolicy != TLSDisable && cfg.TLSPolicy != TLSLegacy {
		features = append(features, xmpp.StartTLS(tlsConfig))
	}
	// auth.policy=legacy skips the certificate-bound SCRAM-PLUS mechanisms,
	// for servers behind TLS-terminating proxies where channel binding fails.
	var mechanisms []sasl.Mechanism
	if cfg.AuthPolicy == AuthLegacy {
		mechanisms = []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1, sasl.Plain}
	} else {
		mechanisms = []sasl.Mechanism{sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain}
	}
	features = append(features,
		xmpp.SASL("", cfg.Password, mechanisms...),
		xmpp.BindResource(),
	)

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{Features: features}
	})

	session, err := xmpp.NewSession(cctx, cfg.JID.Domain(), cfg.JID, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		e.markDisconnected()
		logging.Warn("negotiation with %s failed: %v", addr, err)
		return coreerr.New(coreerr.AuthFailed, "connect", err)
	}

	e.mu.Lock()
	e.session = session
	e.state = StateConnected
	e.reconnectArmed = false
	e.mu.Unlock()

	logging.Info("connected as %s", cfg.JID)
	return nil
}

// markDisconnected is called after a failed dial/negotiate attempt.
func (e *Engine) markDisconnected() {
	e.mu.Lock()
	e.state = StateDisconnected
	e.mu.Unlock()
}

// Disconnect performs a voluntary disconnect: send unavailable presence,
// close the stream, and disarm any reconnect timer, since reconnect only
// applies to connection loss the user did not ask for.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if e.state == StateDisconnected || e.state == StateStarted {
		e.mu.Unlock()
		return nil
	}
	e.state = StateDisconnecting
	e.explicitDisconnect = true
	e.reconnectArmed = false
	session := e.session
	cancel := e.cancel
	e.mu.Unlock()

	if session != nil {
		_ = session.Encode(context.Background(), stanza.Presence{Type: stanza.UnavailablePresence})
		_ = session.Close()
	}
	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	e.state = StateDisconnected
	e.session = nil
	e.mu.Unlock()
	return nil
}

// HandleLost records an involuntary connection loss and, unless the user
// had already requested a disconnect, arms the reconnect timer.
func (e *Engine) HandleLost(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasConnected := e.state == StateConnected || e.state == StateConnecting
	e.state = StateDisconnected
	e.session = nil
	if wasConnected && !e.explicitDisconnect && e.cfg.ReconnectSeconds > 0 {
		e.reconnectArmed = true
		e.lostConnectionAt = now
		logging.Warn("connection to %s lost, reconnecting in %ds", e.cfg.JID.Domain(), e.cfg.ReconnectSeconds)
	}
}

// ShouldReconnect reports whether a reconnect attempt is due at now.
func (e *Engine) ShouldReconnect(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.reconnectArmed || e.state != StateDisconnected {
		return false
	}
	return now.Sub(e.lostConnectionAt) >= time.Duration(e.cfg.ReconnectSeconds)*time.Second
}

// Send encodes a stanza onto the wire. Returns coreerr(Disconnected) if not
// currently connected.
func (e *Engine) Send(ctx context.Context, v interface{}) error {
	e.mu.Lock()
	if e.state != StateConnected || e.session == nil {
		e.mu.Unlock()
		return coreerr.New(coreerr.Disconnected, "send", nil)
	}
	session := e.session
	e.mu.Unlock()
	return session.Encode(ctx, v)
}

// Session returns the negotiated session, or nil if not currently
// connected. The orchestrator does not call it: DrainStanzas reads from
// whatever TokenReader its caller passes in.
func (e *Engine) Session() *xmpp.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// pingIQ is the outbound urn:xmpp:ping stanza.
type pingIQ struct {
	stanza.IQ
	Ping struct{} `xml:"urn:xmpp:ping ping"`
}

// MaybeSendPing sends an autoping if AutopingSeconds has elapsed since the
// last one, and reports whether the previous ping timed out without a
// reply (treated as connection loss by the caller).
func (e *Engine) MaybeSendPing(now time.Time, nextID func() string) (sent bool, timedOut bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.AutopingSeconds <= 0 || e.state != StateConnected {
		return false, false
	}

	if e.awaitingPong {
		if now.Sub(e.pingSentAt) >= e.cfg.AutopingTimeout {
			e.awaitingPong = false
			return false, true
		}
		return false, false
	}

	if now.Sub(e.pingSentAt) < time.Duration(e.cfg.AutopingSeconds)*time.Second {
		return false, false
	}

	e.lastPingID = nextID()
	e.pingSentAt = now
	e.awaitingPong = true

	session := e.session
	if session != nil {
		_ = session.Encode(e.ctx, pingIQ{IQ: stanza.IQ{ID: e.lastPingID, Type: stanza.GetIQ}})
	}
	return true, false
}

// ReceivePong clears the outstanding autoping expectation when a matching
// ping reply arrives.
func (e *Engine) ReceivePong(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.awaitingPong && id == e.lastPingID {
		e.awaitingPong = false
	}
}
