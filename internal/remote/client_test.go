package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oversightlabs/fieldsync/internal/types"
)

func TestCreate_ReturnsServerAssignedID(t *testing.T) {
	// Given: A server that assigns id 101 on create
	var gotAuth, gotIdempotency string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/notes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotIdempotency = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.RemoteRecord{ID: 101, Payload: json.RawMessage(`{"title":"ok"}`)})
	}))
	defer srv.Close()

	// When: A create is issued
	c := NewClient(srv.URL, "secret-token")
	rec, err := c.Create(context.Background(), types.EntityNote, json.RawMessage(`{"title":"ok"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Then: The server id comes back and auth plus idempotency headers
	// were sent
	if rec.ID != 101 {
		t.Errorf("expected id 101, got %d", rec.ID)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("missing bearer token, got %q", gotAuth)
	}
	if gotIdempotency == "" {
		t.Error("missing Idempotency-Key header")
	}
}

func TestUpdate_ServerErrorYieldsTypedAPIError(t *testing.T) {
	// Given: A server that rejects updates with a structured body
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"code": "version_conflict", "message": "stale record"})
	}))
	defer srv.Close()

	// When: An update is issued
	c := NewClient(srv.URL, "")
	_, err := c.Update(context.Background(), types.EntityNote, 5, json.RawMessage(`{}`))

	// Then: The error carries the status and typed body
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "version_conflict" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestDelete_NotFoundIsDetectable(t *testing.T) {
	// Given: A server that no longer knows the record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	// When: The delete is issued
	c := NewClient(srv.URL, "")
	err := c.Delete(context.Background(), types.EntityAttendance, 9)

	// Then: The caller can classify it as a tombstone
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got %v", err)
	}
}

func TestClient_UnknownEntityType(t *testing.T) {
	// Given: A client
	c := NewClient("http://localhost:0", "")

	// When/Then: An unmapped entity type is rejected before any request
	if _, err := c.Create(context.Background(), types.EntityType("BOGUS"), nil); err == nil {
		t.Error("expected error for unknown entity type")
	}
}

func TestDelete_NoContentIsSuccess(t *testing.T) {
	// Given: A server answering 204
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// When/Then: The delete succeeds
	c := NewClient(srv.URL, "")
	if err := c.Delete(context.Background(), types.EntityDocument, 3); err != nil {
		t.Errorf("Delete: %v", err)
	}
}
