package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const (
	invalidPayloadMsg    = "invalid payload: %v"
	unexpectedPayloadMsg = "unexpected payload: %v"
)

func TestGenericSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf(invalidPayloadMsg, err)
		}
		if payload["title"] != "T" || payload["message"] != "M" || payload["agent"] != "deployctl" {
			t.Errorf(unexpectedPayloadMsg, payload)
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	g := &Generic{WebhookURL: server.URL}
	if err := g.Send(context.Background(), "T", "M"); err != nil {
		t.Fatalf("generic send failed: %v", err)
	}
}

func TestDiscordPayload(t *testing.T) {
	var colors []float64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf(invalidPayloadMsg, err)
		}
		embeds, ok := payload["embeds"].([]interface{})
		if !ok || len(embeds) == 0 {
			t.Errorf("expected embeds array in payload: %v", payload)
			return
		}
		first := embeds[0].(map[string]interface{})
		if first["description"] != "M" {
			t.Errorf("unexpected embed content: %v", first)
		}
		colors = append(colors, first["color"].(float64))
		w.WriteHeader(200)
	}))
	defer server.Close()

	d := &Discord{WebhookURL: server.URL}
	if err := d.Send(context.Background(), "T", "M"); err != nil {
		t.Fatalf("discord send failed: %v", err)
	}
	if err := d.Send(context.Background(), failurePrefix+"T", "M"); err != nil {
		t.Fatalf("discord send failed: %v", err)
	}
	if len(colors) != 2 || colors[0] != discordBlue || colors[1] != discordRed {
		t.Fatalf("unexpected embed colours: %v", colors)
	}
}

func TestSlackPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf(invalidPayloadMsg, err)
		}
		if payload["text"] != "*T*\nM" {
			t.Errorf(unexpectedPayloadMsg, payload)
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	s := &Slack{WebhookURL: server.URL}
	if err := s.Send(context.Background(), "T", "M"); err != nil {
		t.Fatalf("slack send failed: %v", err)
	}
}

func TestWebhookErrorRedactsURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	s := &Slack{WebhookURL: server.URL + "/services/T000/B000/secret-token"}
	err := s.Send(context.Background(), "T", "M")
	if err == nil {
		t.Fatal("expected error on 403")
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("error leaks webhook token: %v", err)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status in error: %v", err)
	}
}

func TestRedact(t *testing.T) {
	if got := redact("https://hooks.slack.com/services/x/y/z"); got != "https://hooks.slack.com/..." {
		t.Fatalf("unexpected redaction %q", got)
	}
	if got := redact("::not a url"); got != "<webhook>" {
		t.Fatalf("unexpected redaction %q", got)
	}
}

func TestTransportErrorRedactsURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL + "/hooks/secret-token"
	server.Close()

	err := (&Generic{WebhookURL: target}).Send(context.Background(), "T", "M")
	if err == nil {
		t.Fatal("expected error for a closed server")
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("error leaks webhook token: %v", err)
	}
}
