package report

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "reportsched/pkg/logx"
)

func TestRenderAndSend(t *testing.T) {
	t.Parallel()

	var gotPath, gotDate string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDate = r.URL.Query().Get("render_date")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	if err := c.RenderAndSend(context.Background(), "weekly-42", at); err != nil {
		t.Fatalf("RenderAndSend: %v", err)
	}
	if gotPath != "/content/weekly-42/render_and_send" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotDate != at.Format(time.RFC3339) {
		t.Fatalf("render_date = %q", gotDate)
	}
}

func TestRenderAndSendErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template missing", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = c.RenderAndSend(context.Background(), "weekly-42", time.Now())
	if err == nil {
		t.Fatal("expected error for http 500")
	}
	if !strings.Contains(err.Error(), "template missing") {
		t.Fatalf("error should carry the response body: %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewClient(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestRenderAndSendEmptyContentID(t *testing.T) {
	t.Parallel()
	c, err := NewClient(Config{BaseURL: "http://localhost:1"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.RenderAndSend(context.Background(), "  ", time.Now()); err == nil {
		t.Fatal("expected error for empty content id")
	}
}
