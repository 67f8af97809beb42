package crm_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"leadline/internal/crm"
)

func newStatusServer(t *testing.T, status int) *crm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"message":"nope"}`))
	}))
	t.Cleanup(srv.Close)
	return crm.NewClient(srv.URL, "test-key", "", time.Second)
}

func TestUpsertTerminalStatuses(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnprocessableEntity} {
		c := newStatusServer(t, status)
		_, err := c.Upsert(context.Background(), crm.ContactUpsert{Email: "ada@example.com"})
		if !crm.IsTerminal(err) {
			t.Fatalf("status %d: err = %v, want terminal", status, err)
		}
	}
}

func TestUpsertRetryableStatuses(t *testing.T) {
	for _, status := range []int{
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
	} {
		c := newStatusServer(t, status)
		_, err := c.Upsert(context.Background(), crm.ContactUpsert{Email: "ada@example.com"})
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if crm.IsTerminal(err) {
			t.Fatalf("status %d: err = %v, want retryable", status, err)
		}
	}
}

func TestUpsertReturnsContactID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"contact":{"id":"crm-123"}}`))
	}))
	t.Cleanup(srv.Close)
	c := crm.NewClient(srv.URL, "test-key", "", time.Second)
	id, err := c.Upsert(context.Background(), crm.ContactUpsert{Email: "ada@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "crm-123" {
		t.Fatalf("contact id = %q, want crm-123", id)
	}
}
