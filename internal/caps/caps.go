// Package caps maintains the XEP-0115 entity-capabilities cache: the
// identities/features/forms advertised by peers, keyed by their verification
// hash, plus the index from a full JID to the ver its presence last
// advertised.
package caps

import (
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"
	"sync"

	"github.com/meszmate/roster/internal/jid"
)

// Identity is one disco <identity/> element.
type Identity struct {
	Category string
	Type     string
	Lang     string
	Name     string
}

// Feature is a disco <feature var="..."/> value.
type Feature string

// Common features referenced by the stanza handlers.
const (
	FeatureDisco      Feature = "http://jabber.org/protocol/disco#info"
	FeatureDiscoItems Feature = "http://jabber.org/protocol/disco#items"
	FeatureMUC        Feature = "http://jabber.org/protocol/muc"
	FeatureChatStates Feature = "http://jabber.org/protocol/chatstates"
	FeatureReceipts   Feature = "urn:xmpp:receipts"
	FeatureCarbons    Feature = "urn:xmpp:carbons:2"
	FeatureMAM        Feature = "urn:xmpp:mam:2"
	FeatureHTTPUpload Feature = "urn:xmpp:http:upload:0"
	FeatureCorrection Feature = "urn:xmpp:message-correct:0"
	FeaturePing       Feature = "urn:xmpp:ping"
)

// FormField is one field of an extended disco data form.
type FormField struct {
	Var    string
	Values []string
}

// Form is an extended disco data form (jabber:x:data) keyed by FORM_TYPE.
type Form struct {
	FormType string
	Fields   []FormField
}

// Entry is a full capabilities record for one ver hash.
type Entry struct {
	Ver        string
	Identities []Identity
	Features   []Feature
	Forms      []Form
}

// Cache stores capability entries by ver, and the ver currently advertised
// by each full JID seen in a presence <c/> element.
type Cache struct {
	mu      sync.RWMutex
	byVer   map[string]*Entry
	jidVer  map[string]string
}

// NewCache creates an empty capabilities cache.
func NewCache() *Cache {
	return &Cache{
		byVer:  make(map[string]*Entry),
		jidVer: make(map[string]string),
	}
}

// Put records an entry, keyed by its Ver field as given; Put does not
// recompute it (the caller is expected to have already verified Ver(entry)
// against an advertised hash where one was given).
func (c *Cache) Put(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byVer[entry.Ver] = entry
}

// Get returns the entry cached for a ver hash, or nil.
func (c *Cache) Get(ver string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byVer[ver]
}

// SetJIDVer records that full JID j last advertised ver in a presence <c/>
// element.
func (c *Cache) SetJIDVer(j jid.JID, ver string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jidVer[j.String()] = ver
}

// EntryFor resolves the capabilities entry for a full JID via its last
// advertised ver, or nil if none is known or cached.
func (c *Cache) EntryFor(j jid.JID) *Entry {
	c.mu.RLock()
	ver, ok := c.jidVer[j.String()]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.Get(ver)
}

// HasFeature reports whether the entry cached for j advertises feature.
func (c *Cache) HasFeature(j jid.JID, feature Feature) bool {
	entry := c.EntryFor(j)
	if entry == nil {
		return false
	}
	for _, f := range entry.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byVer = make(map[string]*Entry)
	c.jidVer = make(map[string]string)
}

// VerString computes the XEP-0115 §5 ver-string for an entry: identities
// sorted by category/type/lang/name, each "cat/type/lang/name<"; features
// sorted octet-wise, each "var<"; then each form (sorted by FORM_TYPE)
// contributing "FORM_TYPE<" followed by each field (sorted by var) as
// "var<" and its values (sorted octet-wise) each followed by "<".
func VerString(e *Entry) string {
	var b strings.Builder

	identities := append([]Identity(nil), e.Identities...)
	sort.Slice(identities, func(i, j int) bool {
		a, b := identities[i], identities[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Lang != b.Lang {
			return a.Lang < b.Lang
		}
		return a.Name < b.Name
	})
	for _, id := range identities {
		b.WriteString(id.Category)
		b.WriteByte('/')
		b.WriteString(id.Type)
		b.WriteByte('/')
		b.WriteString(id.Lang)
		b.WriteByte('/')
		b.WriteString(id.Name)
		b.WriteByte('<')
	}

	features := append([]Feature(nil), e.Features...)
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })
	for _, f := range features {
		b.WriteString(string(f))
		b.WriteByte('<')
	}

	forms := append([]Form(nil), e.Forms...)
	sort.Slice(forms, func(i, j int) bool { return forms[i].FormType < forms[j].FormType })
	for _, form := range forms {
		b.WriteString(form.FormType)
		b.WriteByte('<')
		fields := append([]FormField(nil), form.Fields...)
		sort.Slice(fields, func(i, j int) bool { return fields[i].Var < fields[j].Var })
		for _, field := range fields {
			b.WriteString(field.Var)
			b.WriteByte('<')
			values := append([]string(nil), field.Values...)
			sort.Strings(values)
			for _, v := range values {
				b.WriteString(v)
				b.WriteByte('<')
			}
		}
	}

	return b.String()
}

// Ver computes the base64(SHA-1(VerString(e))) hash per XEP-0115.
func Ver(e *Entry) string {
	sum := sha1.Sum([]byte(VerString(e)))
	return base64.StdEncoding.EncodeToString(sum[:])
}
