package httpupload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meszmate/roster/internal/jid"
)

func TestNewSlotRequestFillsAttrs(t *testing.T) {
	service, err := jid.Parse("upload.example.com")
	if err != nil {
		t.Fatalf("jid.Parse: %v", err)
	}
	req := NewSlotRequest("slot1", service, "photo.jpg", 2048)
	if req.Request.Filename != "photo.jpg" || req.Request.Size != 2048 {
		t.Fatalf("unexpected request attrs: %+v", req.Request)
	}
	if req.Request.ContentType != "image/jpeg" {
		t.Fatalf("expected a mime type guessed from the extension, got %q", req.Request.ContentType)
	}
	if req.IQ.ID != "slot1" || req.IQ.To != service {
		t.Fatalf("expected the iq envelope to carry the id and service, got %+v", req.IQ)
	}
}

func TestPutUploadsToSlot(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m := NewManager()
	slot := Slot{PutURL: srv.URL, GetURL: srv.URL + "/get", Headers: map[string]string{"Authorization": "Bearer tok"}}

	url, err := m.Put(context.Background(), slot, "text/plain", 5, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != slot.GetURL {
		t.Fatalf("expected the slot's get url back, got %q", url)
	}
	if gotHeader != "Bearer tok" {
		t.Fatalf("expected the slot's headers to be sent, got %q", gotHeader)
	}
}

func TestPutFailsOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	m := NewManager()
	slot := Slot{PutURL: srv.URL, GetURL: srv.URL + "/get"}

	if _, err := m.Put(context.Background(), slot, "text/plain", 5, strings.NewReader("hello")); err == nil {
		t.Fatalf("expected an error for a non-2xx status")
	}
}
