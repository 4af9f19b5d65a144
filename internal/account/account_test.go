package account

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestAccountFilePreservesUnknownKeyAcrossSave(t *testing.T) {
	path := writeTemp(t, "[a]\njid = a@example.com\npriority.online = 0\n\n[b]\njid = b@example.com\ncustom.x = 42\n")

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	f.Set("a", "priority.online", "7")

	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, ok := reloaded.GetKey("b", "custom.x")
	if !ok || got != "42" {
		t.Fatalf("expected unknown key b.custom.x to survive save as 42, got %q ok=%v", got, ok)
	}

	rec, ok := reloaded.Get("a")
	if !ok {
		t.Fatalf("expected account a to exist")
	}
	if rec.Priority["online"] != 7 {
		t.Fatalf("expected mutated priority.online=7, got %d", rec.Priority["online"])
	}
}

func TestLoadSerializeIsFixedPointForProducedFiles(t *testing.T) {
	path := writeTemp(t, "")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.AddAccount("home"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	f.Set("home", "jid", "me@example.com")
	f.Set("home", "resource", "roster")

	serialized := f.Serialize()

	path2 := writeTemp(t, serialized)
	reloaded, err := Load(path2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.Serialize(); got != serialized {
		t.Fatalf("load(serialize(x)) is not a fixed point:\nfirst:  %q\nsecond: %q", serialized, got)
	}
}

func TestGetFillsDefaults(t *testing.T) {
	path := writeTemp(t, "[home]\njid = alice@example.com\n")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec, ok := f.Get("home")
	if !ok {
		t.Fatalf("expected account home to exist")
	}
	if rec.Resource != "roster" {
		t.Fatalf("expected default resource roster, got %q", rec.Resource)
	}
	if rec.MUCNick != "alice" {
		t.Fatalf("expected muc nick defaulted from localpart, got %q", rec.MUCNick)
	}
	if rec.TLSPolicy != TLSAllow {
		t.Fatalf("expected default tls policy allow, got %q", rec.TLSPolicy)
	}
}

func TestPriorityClampedToRange(t *testing.T) {
	path := writeTemp(t, "[home]\njid = a@x\npriority.online = 999\npriority.away = -999\n")
	f, _ := Load(path)
	rec, _ := f.Get("home")
	if rec.Priority["online"] != 127 {
		t.Fatalf("expected priority.online clamped to 127, got %d", rec.Priority["online"])
	}
	if rec.Priority["away"] != -128 {
		t.Fatalf("expected priority.away clamped to -128, got %d", rec.Priority["away"])
	}
}

func TestAddAccountRejectsDuplicate(t *testing.T) {
	path := writeTemp(t, "[home]\njid = a@x\n")
	f, _ := Load(path)
	if err := f.AddAccount("home"); err == nil {
		t.Fatalf("expected duplicate account add to fail")
	}
}
