package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestEventBody() string {
	payload, _ := json.Marshal(MessagePayload{
		Conversation: Direct("user-001"),
		Message:      Message{ID: 1, SenderID: "user-001", Content: "Hello from test"},
	})
	b, _ := json.Marshal(map[string]any{
		"source":    "vyapar360_chat",
		"event":     EventMessageNew,
		"timestamp": 1700000000,
		"payload":   json.RawMessage(payload),
	})
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestEventBody()
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestEventBody()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestEventBody()
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestEventBody()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestEventBody()
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
	})
}

// ============================================================================
// ParseWebhookEvent
// ============================================================================

func TestParseWebhookEvent(t *testing.T) {
	t.Run("valid event", func(t *testing.T) {
		event, err := ParseWebhookEvent(makeTestEventBody())
		if err != nil {
			t.Fatalf("ParseWebhookEvent failed: %v", err)
		}
		if event.Event != EventMessageNew {
			t.Errorf("event = %q", event.Event)
		}

		var p MessagePayload
		if err := event.Envelope().decode(&p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Message.Content != "Hello from test" {
			t.Errorf("content = %q", p.Message.Content)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookEvent("{not json"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		body := `{"source":"other_app","event":"message:new","payload":{}}`
		if _, err := ParseWebhookEvent(body); err == nil {
			t.Fatal("expected error for unknown source")
		}
	})

	t.Run("missing event", func(t *testing.T) {
		body := `{"source":"vyapar360_chat","payload":{}}`
		if _, err := ParseWebhookEvent(body); err == nil {
			t.Fatal("expected error for missing event")
		}
	})

	t.Run("missing payload", func(t *testing.T) {
		body := `{"source":"vyapar360_chat","event":"message:new"}`
		if _, err := ParseWebhookEvent(body); err == nil {
			t.Fatal("expected error for missing payload")
		}
	})
}

// ============================================================================
// ChatWebhook HTTP handling
// ============================================================================

func TestChatWebhookHTTPHandler(t *testing.T) {
	newServer := func(t *testing.T, handler WebhookHandlerFunc) *httptest.Server {
		t.Helper()
		wh, err := NewChatWebhook(testSecret, handler)
		if err != nil {
			t.Fatalf("NewChatWebhook failed: %v", err)
		}
		server := httptest.NewServer(wh.HTTPHandler())
		t.Cleanup(server.Close)
		return server
	}

	post := func(t *testing.T, url, body, sig string) (int, string) {
		t.Helper()
		req, _ := http.NewRequest("POST", url, strings.NewReader(body))
		if sig != "" {
			req.Header.Set("X-Vyapar-Signature", sig)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(respBody)
	}

	t.Run("valid request dispatches", func(t *testing.T) {
		var got *WebhookEvent
		server := newServer(t, func(event *WebhookEvent) error {
			got = event
			return nil
		})

		body := makeTestEventBody()
		status, _ := post(t, server.URL, body, makeTestSignature(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if got == nil || got.Event != EventMessageNew {
			t.Fatalf("handler saw %+v", got)
		}
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		server := newServer(t, func(*WebhookEvent) error { return nil })
		body := makeTestEventBody()
		status, _ := post(t, server.URL, body, "sha256="+strings.Repeat("0", 64))
		if status != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", status)
		}
	})

	t.Run("handler error becomes 500", func(t *testing.T) {
		server := newServer(t, func(*WebhookEvent) error {
			return fmt.Errorf("boom")
		})
		body := makeTestEventBody()
		status, respBody := post(t, server.URL, body, makeTestSignature(body, testSecret))
		if status != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", status)
		}
		if !strings.Contains(respBody, "boom") {
			t.Errorf("body = %q", respBody)
		}
	})

	t.Run("GET is rejected", func(t *testing.T) {
		server := newServer(t, func(*WebhookEvent) error { return nil })
		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", resp.StatusCode)
		}
	})

	t.Run("empty secret is rejected at construction", func(t *testing.T) {
		if _, err := NewChatWebhook("", nil); err == nil {
			t.Fatal("expected error")
		}
	})
}
