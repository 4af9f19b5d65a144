package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/meszmate/roster/internal/account"
	"github.com/meszmate/roster/internal/config"
	"github.com/meszmate/roster/internal/connection"
	"github.com/meszmate/roster/internal/crypto/otr"
	"github.com/meszmate/roster/internal/eventsink"
	"github.com/meszmate/roster/internal/jid"
	"github.com/meszmate/roster/internal/logging"
	"github.com/meszmate/roster/internal/session"
	"github.com/meszmate/roster/internal/storage/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	}); err != nil {
		log.Fatalf("Failed to init logging: %v", err)
	}

	paths, err := config.GetPaths()
	if err != nil {
		log.Fatalf("Failed to resolve paths: %v", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	accounts, err := account.Load(filepath.Join(paths.ConfigDir, "accounts"))
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}

	names := accounts.Names()
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "no accounts configured; add one to", filepath.Join(paths.ConfigDir, "accounts"))
		os.Exit(1)
	}

	rec, ok := accounts.Get(names[0])
	if !ok || !rec.Enabled {
		fmt.Fprintln(os.Stderr, "first configured account is disabled or missing:", names[0])
		os.Exit(1)
	}

	bareJID, err := jid.Parse(rec.JID)
	if err != nil {
		log.Fatalf("Invalid account jid %q: %v", rec.JID, err)
	}

	conn := connection.New(connection.Config{
		JID:              bareJID,
		Password:         rec.Password,
		Server:           rec.Server,
		Port:             rec.Port,
		TLSPolicy:        connection.TLSPolicy(rec.TLSPolicy),
		AuthPolicy:       connection.AuthPolicy(rec.AuthPolicy),
		AutopingSeconds:  55,
		AutopingTimeout:  15 * time.Second,
		ReconnectSeconds: 10,
	})

	orch := session.New(session.Config{
		Account:     rec.Name,
		BareJID:     bareJID.Bare().String(),
		GoneMinutes: 0,
		Carbons:     true,
	}, conn, time.Now())

	// OTR is the one collaborator registered by default; PGP and OMEMO need
	// key material the account record doesn't carry yet (a public keyring, a
	// device store) so they stay reachable via Encryption.Register but unused
	// until that's wired up.
	orch.Encryption.Register("otr", otr.NewManager(otr.PolicyOpportunistic).Collaborator())

	if cfg.Storage.SaveMessages {
		logDB, err := sqlite.Open(paths.DataDir)
		if err != nil {
			logging.Error("chat-log sink unavailable: %v", err)
		} else {
			defer logDB.Close()
			orch.Log = logDB
		}
	}

	orch.Sink.SubscribeAll(func(ev eventsink.Event) {
		logging.Info("event %+v", ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Disconnect()

	orch.OnLoginSuccess(ctx, true)

	// A real collaborator drives DrainStanzas off the negotiated session's
	// token stream; the tick loop below only advances timers so the core
	// subsystem stays runnable standalone.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		orch.Tick(ctx, time.Now(), conn.State() == connection.StateConnected)
	}
}
