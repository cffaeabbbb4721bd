package gitdonesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientCompleteStepSendsFiles(t *testing.T) {
	var got struct {
		Comments string `json:"comments"`
		Files    []File `json:"files"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/complete/tok-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_id":"e1","step_id":"s1","commit":{"hash":"abc","files":["a.txt"]},"event_completed":true,"triggered":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.CompleteStep(context.Background(), "tok-1", "done", []File{{Name: "a.txt", Data: []byte("hi")}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.EventCompleted || res.Commit.Hash != "abc" {
		t.Fatalf("result = %+v", res)
	}
	if got.Comments != "done" || len(got.Files) != 1 || string(got.Files[0].Data) != "hi" {
		t.Fatalf("request body = %+v", got)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"token_used","message":"token already used"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.StepForToken(context.Background(), "tok-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsCode(err, "token_used") {
		t.Fatalf("err = %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
}

func TestClientBaseJoinsPath(t *testing.T) {
	c := &Client{BaseURL: "http://host/", BasePath: "/api/v0/"}
	if got := c.base(); got != "http://host/api/v0" {
		t.Fatalf("base = %q", got)
	}
	c.BasePath = ""
	if got := c.base(); got != "http://host" {
		t.Fatalf("base = %q", got)
	}
}

func TestClientExportReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/events/e1/export" || r.URL.Query().Get("format") != "csv" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("Step Name,Status\nFlowers,pending\n"))
	}))
	defer srv.Close()

	body, err := New(srv.URL).Export(context.Background(), "e1", "csv")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(body) != "Step Name,Status\nFlowers,pending\n" {
		t.Fatalf("body = %q", body)
	}
}
