// Package jid parses and composes XMPP addresses, wrapping mellium.im/xmpp/jid
// with the reject rules and bare-JID normalization the core requires.
package jid

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/meszmate/roster/internal/coreerr"
	"mellium.im/xmpp/jid"
)

// JID is an immutable parsed XMPP address.
type JID = jid.JID

// Parse splits and validates raw into a JID. It rejects the empty string,
// strings beginning with '/' or '@', and non-UTF8 input. The resourcepart
// is everything after the first '/', so it may itself contain '/' (MUC
// nicks commonly do); the local/domain split is then on the first '@' of
// what precedes it.
func Parse(raw string) (JID, error) {
	if raw == "" {
		return JID{}, coreerr.New(coreerr.InvalidJID, raw, fmt.Errorf("empty jid"))
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "@") {
		return JID{}, coreerr.New(coreerr.InvalidJID, raw, fmt.Errorf("jid may not begin with '/' or '@'"))
	}
	if !utf8.ValidString(raw) {
		return JID{}, coreerr.New(coreerr.InvalidJID, raw, fmt.Errorf("jid is not valid utf8"))
	}

	localDomain := raw
	resource := ""
	if i := strings.Index(raw, "/"); i != -1 {
		localDomain = raw[:i]
		resource = raw[i+1:]
		if resource == "" {
			return JID{}, coreerr.New(coreerr.InvalidJID, raw, fmt.Errorf("resourcepart must not be empty"))
		}
	}

	local := ""
	domain := localDomain
	if i := strings.Index(localDomain, "@"); i != -1 {
		local = localDomain[:i]
		domain = localDomain[i+1:]
		if local == "" {
			return JID{}, coreerr.New(coreerr.InvalidJID, raw, fmt.Errorf("localpart must not be empty"))
		}
	}

	j, err := jid.New(local, domain, resource)
	if err != nil {
		return JID{}, coreerr.New(coreerr.InvalidJID, raw, err)
	}
	return j, nil
}

// MustParse is like Parse but panics on error, for compile-time-constant
// JIDs (server domains and the like).
func MustParse(raw string) JID {
	j, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return j
}

// Compose builds a full JID from a bare JID and a resource.
func Compose(bare JID, resource string) (JID, error) {
	if resource == "" {
		return bare, nil
	}
	full, err := bare.WithResource(resource)
	if err != nil {
		return JID{}, coreerr.New(coreerr.InvalidJID, bare.String()+"/"+resource, err)
	}
	return full, nil
}

// Bare returns the normalized (lowercased) bare-JID string: localpart "@"
// domainpart, or just domainpart when there is no localpart.
func Bare(j JID) string {
	return strings.ToLower(j.Bare().String())
}

// EqualBare reports whether a and b share the same bare JID, comparing
// local and domain parts case-insensitively. Resourceparts are never
// consulted.
func EqualBare(a, b JID) bool {
	return Bare(a) == Bare(b)
}
