// Package account loads, mutates, and atomically rewrites the account file:
// a grouped key/value text file, one group per account name. A rewrite
// keeps every group, every key (unknown ones included) and every value,
// in file order.
//
// The format is a group→ordered-key/value-list structure, not a freshly
// serialized map, so that an external editor's groups, keys and comment
// lines survive a save that only touches one account. Untouched groups are
// not kept byte-for-byte: each pair is written back as "key = value", and
// comment lines are re-attached as described on Load.
package account

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// kv is one key/value pair within a group, in file order.
type kv struct {
	key   string
	value string
}

// group is one `[name]` section: an ordered list of key/value pairs plus
// any blank/comment lines that preceded it, preserved verbatim.
type group struct {
	name    string
	preamble []string
	pairs   []kv
}

func (g *group) get(key string) (string, bool) {
	for _, p := range g.pairs {
		if p.key == key {
			return p.value, true
		}
	}
	return "", false
}

func (g *group) set(key, value string) {
	for i, p := range g.pairs {
		if p.key == key {
			g.pairs[i].value = value
			return
		}
	}
	g.pairs = append(g.pairs, kv{key: key, value: value})
}

func (g *group) clear(key string) {
	for i, p := range g.pairs {
		if p.key == key {
			g.pairs = append(g.pairs[:i], g.pairs[i+1:]...)
			return
		}
	}
}

// File is the in-memory representation of an account file: an ordered list
// of groups plus any leading preamble lines before the first group.
type File struct {
	path     string
	preamble []string
	groups   []*group
}

// Load parses path into a File. A nonexistent file yields an empty File that
// Save will create. Blank, comment and other non key=value lines are kept
// with the next group header, so a comment between two key/value pairs of
// one group is written back before the following group; blank lines before
// the first group are dropped.
func Load(path string) (*File, error) {
	f := &File{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("account: read %s: %w", path, err)
	}

	var current *group
	var pending []string
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(strings.TrimSpace(trimmed), "["):
			name := strings.TrimSpace(trimmed)
			name = strings.TrimPrefix(name, "[")
			name = strings.TrimSuffix(name, "]")
			current = &group{name: name, preamble: pending}
			pending = nil
			f.groups = append(f.groups, current)
		case current == nil:
			if trimmed == "" && len(f.groups) == 0 {
				continue
			}
			pending = append(pending, trimmed)
		default:
			if strings.TrimSpace(trimmed) == "" || strings.HasPrefix(strings.TrimSpace(trimmed), "#") {
				pending = append(pending, trimmed)
				continue
			}
			idx := strings.Index(trimmed, "=")
			if idx < 0 {
				pending = append(pending, trimmed)
				continue
			}
			key := strings.TrimSpace(trimmed[:idx])
			value := strings.TrimSpace(trimmed[idx+1:])
			current.pairs = append(current.pairs, kv{key: key, value: value})
		}
	}
	// Lines after the last group have no header to precede; they are kept
	// as the file preamble and so are written back at the top of the file.
	f.preamble = pending

	return f, nil
}

// Names returns every account name in the file, in file order.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g.name)
	}
	return out
}

func (f *File) find(name string) *group {
	for _, g := range f.groups {
		if g.name == name {
			return g
		}
	}
	return nil
}

// GetKey returns one key's raw string value from an account's group.
func (f *File) GetKey(name, key string) (string, bool) {
	g := f.find(name)
	if g == nil {
		return "", false
	}
	return g.get(key)
}

// Set upserts a key in an account's group, creating the group if it does
// not already exist.
func (f *File) Set(name, key, value string) {
	g := f.find(name)
	if g == nil {
		g = &group{name: name}
		f.groups = append(f.groups, g)
	}
	g.set(key, value)
}

// Clear removes a key from an account's group, if present.
func (f *File) Clear(name, key string) {
	if g := f.find(name); g != nil {
		g.clear(key)
	}
}

// Rename changes an account's group name in place, preserving its keys and
// position in the file.
func (f *File) Rename(oldName, newName string) error {
	g := f.find(oldName)
	if g == nil {
		return fmt.Errorf("account: %q not found", oldName)
	}
	if f.find(newName) != nil {
		return fmt.Errorf("account: %q already exists", newName)
	}
	g.name = newName
	return nil
}

// Remove deletes an account's group entirely.
func (f *File) Remove(name string) {
	for i, g := range f.groups {
		if g.name == name {
			f.groups = append(f.groups[:i], f.groups[i+1:]...)
			return
		}
	}
}

// HasAccount reports whether an account group exists.
func (f *File) HasAccount(name string) bool {
	return f.find(name) != nil
}

// AddAccount creates a new, empty account group. Returns an error if the
// name is already in use.
func (f *File) AddAccount(name string) error {
	if f.HasAccount(name) {
		return fmt.Errorf("account: %q already exists", name)
	}
	f.groups = append(f.groups, &group{name: name})
	return nil
}

// Serialize renders the File back to its on-disk text form, preserving
// group order, preambles (blank lines/comments), and every key this package
// did not touch.
func (f *File) Serialize() string {
	var b strings.Builder
	for _, line := range f.preamble {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, g := range f.groups {
		for _, line := range g.preamble {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('[')
		b.WriteString(g.name)
		b.WriteString("]\n")
		for _, p := range g.pairs {
			b.WriteString(p.key)
			b.WriteString(" = ")
			b.WriteString(p.value)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Save atomically rewrites the account file: write to a temp file in the
// same directory, then rename over the target, so a reader never observes a
// partially-written file.
func (f *File) Save() error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("account: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(f.Serialize()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("account: write: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("account: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("account: close: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("account: rename into place: %w", err)
	}
	return nil
}

// TLSPolicy is one of the allowed values for the tls.policy key.
type TLSPolicy string

const (
	TLSForce   TLSPolicy = "force"
	TLSAllow   TLSPolicy = "allow"
	TLSTrust   TLSPolicy = "trust"
	TLSDisable TLSPolicy = "disable"
	TLSLegacy  TLSPolicy = "legacy"
)

var validTLSPolicies = map[TLSPolicy]bool{
	TLSForce: true, TLSAllow: true, TLSTrust: true, TLSDisable: true, TLSLegacy: true,
}

// AuthPolicy selects which SASL mechanisms the connection engine offers;
// see connection.AuthPolicy.
type AuthPolicy string

const (
	AuthDefault AuthPolicy = "default"
	AuthLegacy  AuthPolicy = "legacy"
)

// Record is a materialized account with defaults filled in and values
// validated, per §4.6's get() operation.
type Record struct {
	Name        string
	JID         string
	Password    string
	Enabled     bool
	Server      string
	Port        int
	Resource    string
	Priority    map[string]int // keyed by presence show value
	MUCService  string
	MUCNick     string
	TLSPolicy   TLSPolicy
	AuthPolicy  AuthPolicy
	MaxSessions int
}

// Get materializes a Record for name, applying defaults and clamping
// priorities to [-128,127]. Returns ok=false if the account does not exist.
func (f *File) Get(name string) (Record, bool) {
	g := f.find(name)
	if g == nil {
		return Record{}, false
	}

	r := Record{
		Name:        name,
		Resource:    "roster",
		TLSPolicy:   TLSAllow,
		AuthPolicy:  AuthDefault,
		Priority:    map[string]int{"online": 0, "chat": 0, "away": 0, "xa": 0, "dnd": 0},
		MaxSessions: 1,
	}

	if v, ok := g.get("jid"); ok {
		r.JID = v
	}
	if v, ok := g.get("password"); ok {
		r.Password = v
	}
	if v, ok := g.get("server"); ok {
		r.Server = v
	}
	if v, ok := g.get("port"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			r.Port = p
		}
	}
	if v, ok := g.get("resource"); ok && v != "" {
		r.Resource = v
	}
	if v, ok := g.get("enabled"); ok {
		r.Enabled = v == "true" || v == "1"
	} else {
		r.Enabled = true
	}
	if v, ok := g.get("muc.service"); ok {
		r.MUCService = v
	}
	if v, ok := g.get("muc.nick"); ok {
		r.MUCNick = v
	} else {
		r.MUCNick = localpartOf(r.JID)
	}
	for _, show := range []string{"online", "chat", "away", "xa", "dnd"} {
		if v, ok := g.get("priority." + show); ok {
			if p, err := strconv.Atoi(v); err == nil {
				r.Priority[show] = clampPriority(p)
			}
		}
	}
	if v, ok := g.get("tls.policy"); ok && validTLSPolicies[TLSPolicy(v)] {
		r.TLSPolicy = TLSPolicy(v)
	}
	if v, ok := g.get("auth.policy"); ok && (v == string(AuthLegacy) || v == string(AuthDefault)) {
		r.AuthPolicy = AuthPolicy(v)
	}
	if v, ok := g.get("max.sessions"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			r.MaxSessions = n
		}
	}

	return r, true
}

func clampPriority(p int) int {
	if p < -128 {
		return -128
	}
	if p > 127 {
		return 127
	}
	return p
}

func localpartOf(bareOrFullJID string) string {
	at := strings.Index(bareOrFullJID, "@")
	if at < 0 {
		return bareOrFullJID
	}
	local := bareOrFullJID[:at]
	if local == "" {
		return bareOrFullJID[at+1:]
	}
	return local
}
