package drive_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/fumiko/internal/fumiko/drive"
)

func newTestClient(t *testing.T, handler http.Handler) drive.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return drive.NewClient(drive.Config{
		BaseURL:     srv.URL,
		Token:       "test-token",
		Timeout:     2 * time.Second,
		MaxAttempts: 1,
	})
}

func TestList_DecodesEntries(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if got := r.URL.Query().Get("path"); got != "/ProjectX" {
			t.Errorf("path = %q, want /ProjectX", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"entries": []map[string]any{
				{"name": "report.pdf", "path": "/ProjectX/report.pdf", "is_folder": false, "size": 1024},
				{"name": "drafts", "path": "/ProjectX/drafts", "is_folder": true},
			},
		})
	}))

	entries, err := c.List(context.Background(), "/ProjectX")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "report.pdf" || entries[0].IsFolder {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if !entries[1].IsFolder {
		t.Errorf("drafts should be a folder: %+v", entries[1])
	}
}

func TestList_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no such folder"})
	}))

	_, err := c.List(context.Background(), "/nope")
	if !errors.Is(err, drive.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_SendsPath(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Query().Get("path")
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := c.Delete(context.Background(), "/ProjectX/report.pdf"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", gotMethod)
	}
	if gotPath != "/ProjectX/report.pdf" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestMove_SendsSourceAndDestination(t *testing.T) {
	var body struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Move(context.Background(), "/a.pdf", "/Archive/a.pdf"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if body.Source != "/a.pdf" || body.Destination != "/Archive/a.pdf" {
		t.Errorf("unexpected move body: %+v", body)
	}
}

func TestRead_TruncatesAtMaxBytes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 10_000))
	}))

	data, err := c.Read(context.Background(), "/big.txt", 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) != 1024 {
		t.Errorf("got %d bytes, want 1024", len(data))
	}
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"entries": []any{}})
	}))
	defer srv.Close()

	c := drive.NewClient(drive.Config{
		BaseURL:     srv.URL,
		Token:       "t",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
	})

	if _, err := c.List(context.Background(), "/"); err != nil {
		t.Fatalf("List after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}
}

func TestCall_DoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := drive.NewClient(drive.Config{BaseURL: srv.URL, Token: "t", MaxAttempts: 3})

	_, err := c.List(context.Background(), "/nope")
	if !errors.Is(err, drive.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (404 is final)", calls.Load())
	}
}

func TestAPIError_Temporary(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{403, false},
	} {
		e := &drive.APIError{StatusCode: tc.status}
		if got := e.Temporary(); got != tc.want {
			t.Errorf("Temporary(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
