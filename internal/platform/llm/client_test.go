package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBuildChatRequest_TextOnly(t *testing.T) {
	cr := buildChatRequest("gpt-4o", Request{System: "sys", User: "hello", MaxTokens: 100})
	if len(cr.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(cr.Messages))
	}
	if cr.Messages[0].Role != "system" || cr.Messages[0].Content != "sys" {
		t.Errorf("unexpected system message %+v", cr.Messages[0])
	}
	if s, ok := cr.Messages[1].Content.(string); !ok || s != "hello" {
		t.Errorf("expected plain string user content, got %#v", cr.Messages[1].Content)
	}
}

func TestBuildChatRequest_ImagesFollowText(t *testing.T) {
	cr := buildChatRequest("gpt-4o", Request{User: "look", Images: []string{"data:image/png;base64,AAA", "data:image/jpeg;base64,BBB"}})
	if len(cr.Messages) != 1 {
		t.Fatalf("expected only the user message without a system prompt, got %d", len(cr.Messages))
	}
	parts, ok := cr.Messages[0].Content.([]contentPart)
	if !ok {
		t.Fatalf("expected content parts, got %T", cr.Messages[0].Content)
	}
	if len(parts) != 3 || parts[0].Type != "text" || parts[0].Text != "look" {
		t.Fatalf("unexpected parts %+v", parts)
	}
	if parts[1].ImageURL.URL != "data:image/png;base64,AAA" || parts[2].ImageURL.URL != "data:image/jpeg;base64,BBB" {
		t.Errorf("images out of order: %+v", parts[1:])
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			t.Errorf("bad json body: %v", err)
		}
		got.Model, _ = raw["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Résumé"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "gpt-4o-mini", Timeout: 5 * time.Second})
	out, err := c.Complete(context.Background(), Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Résumé" {
		t.Errorf("expected Résumé, got %q", out)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("expected configured model, got %q", got.Model)
	}
}

func TestOpenAIClient_NoChoicesIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	out, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL}).Complete(context.Background(), Request{User: "u"})
	if err != nil || out != "" {
		t.Fatalf("expected empty answer without error, got (%q, %v)", out, err)
	}
}

func TestOpenAIClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL}).Complete(context.Background(), Request{User: "u"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.StatusCode)
	}
}

func TestOpenAIClient_NotConfigured(t *testing.T) {
	_, err := NewOpenAIClient(Config{}).Complete(context.Background(), Request{User: "u"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if truncate("abc", 5) != "abc" {
		t.Error("short strings must be unchanged")
	}
	if truncate("abcdef", 3) != "abc..." {
		t.Errorf("unexpected truncation %q", truncate("abcdef", 3))
	}
}
