// Package httpupload implements the XEP-0363 HTTP Upload client flow: ask a
// service for a slot, then PUT the file to the returned URL.
package httpupload

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"sync"

	"mellium.im/xmpp/stanza"

	"github.com/meszmate/roster/internal/jid"
)

const NS = "urn:xmpp:http:upload:0"

// Slot is the service's answer to a slot request: where to PUT the file
// (plus any headers it requires) and where it will be GET-able afterward.
type Slot struct {
	PutURL  string
	GetURL  string
	Headers map[string]string
}

// SlotRequest is the IQ payload for requesting a slot, built from the file
// being offered.
type SlotRequest struct {
	stanza.IQ
	Request struct {
		XMLName     xml.Name `xml:"urn:xmpp:http:upload:0 request"`
		Filename    string   `xml:"filename,attr"`
		Size        int64    `xml:"size,attr"`
		ContentType string   `xml:"content-type,attr,omitempty"`
	}
}

// NewSlotRequest builds the get-iq asking service for a slot to upload
// filename (size bytes).
func NewSlotRequest(id string, service jid.JID, filename string, size int64) SlotRequest {
	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req := SlotRequest{IQ: stanza.IQ{ID: id, To: service, Type: stanza.GetIQ}}
	req.Request.Filename = filename
	req.Request.Size = size
	req.Request.ContentType = mimeType
	return req
}

// Manager tracks the HTTP upload service JID and performs PUT uploads once
// a slot has been granted. Put is synchronous and returns its outcome to
// the caller; the manager starts no goroutines of its own.
type Manager struct {
	mu      sync.Mutex
	service jid.JID
	maxSize int64
	client  *http.Client
}

// NewManager creates a manager with no configured service; the
// orchestrator's RequestUploadSlot fails until SetService is called. Put
// itself does not consult the service.
func NewManager() *Manager {
	return &Manager{maxSize: 10 * 1024 * 1024, client: &http.Client{}}
}

func (m *Manager) SetService(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.service = j
}

func (m *Manager) Service() jid.JID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.service
}

func (m *Manager) SetMaxSize(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSize = size
}

// MaxSize reports the configured upload ceiling.
func (m *Manager) MaxSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSize
}

// Put uploads data to the slot's PutURL and returns the resulting GetURL on
// success. Blocking; the caller runs it off the tick goroutine.
func (m *Manager) Put(ctx context.Context, slot Slot, mimeType string, size int64, r io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PutURL, r)
	if err != nil {
		return "", fmt.Errorf("httpupload: build request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.ContentLength = size
	for k, v := range slot.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("httpupload: put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("httpupload: put failed with status %d", resp.StatusCode)
	}
	return slot.GetURL, nil
}
