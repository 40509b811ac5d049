package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
)

func completionBody(content string) map[string]any {
	return map[string]any{
		"model": "demo-model",
		"choices": []any{
			map[string]any{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30},
	}
}

func newTestClient(url string, retries int) *Client {
	return NewClient(Config{APIKey: "test", BaseURL: url, Model: "demo-model", MaxRetries: retries}, nil,
		WithSleeper(func(time.Duration) {}))
}

func TestCompleteSendsPromptAndReturnsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			t.Fatalf("unexpected auth header %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		var req chatRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Fatalf("unexpected messages: %#v", req.Messages)
		}
		if !strings.Contains(req.Messages[1].Content.(string), `"files"`) {
			t.Fatalf("payload not encoded as JSON: %v", req.Messages[1].Content)
		}
		if req.ResponseFormat["type"] != "json_object" {
			t.Fatalf("expected json_object response format, got %#v", req.ResponseFormat)
		}
		_ = json.NewEncoder(w).Encode(completionBody(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	out, err := client.Complete(context.Background(), llm.Request{
		Op:      "test",
		System:  "Return JSON.",
		Payload: map[string]any{"files": []string{"a.pdf"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if out.Text != `{"ok":true}` {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if out.Usage.PromptTokens != 120 || out.Usage.CompletionTokens != 30 {
		t.Fatalf("unexpected usage %+v", out.Usage)
	}
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(completionBody(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	if _, err := client.Complete(context.Background(), llm.Request{System: "s", Payload: "{}"}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCompleteGivesUpAfterRetryBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	_, err := client.Complete(context.Background(), llm.Request{System: "s", Payload: "{}"})
	if !errors.Is(err, common.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	_, err := client.Complete(context.Background(), llm.Request{System: "s", Payload: "{}"})
	if err == nil {
		t.Fatal("expected error")
	}
	if common.IsRetryable(err) {
		t.Fatalf("400 must not be classified as retryable: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestCompleteUnauthorizedIsConfigError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	_, err := client.Complete(context.Background(), llm.Request{System: "s", Payload: "{}"})
	if !errors.Is(err, common.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestCompleteMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := client.Complete(context.Background(), llm.Request{System: "s"})
	if !errors.Is(err, common.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestCompleteAttachesImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"image_url"`) || !strings.Contains(string(raw), "data:image/png;base64,AAAA") {
			t.Fatalf("image part missing from request: %s", raw)
		}
		_ = json.NewEncoder(w).Encode(completionBody(`{"action":"final"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	_, err := client.Complete(context.Background(), llm.Request{
		System: "s",
		History: []llm.Message{
			{Role: "assistant", Content: `{"action":"get_page_image"}`},
			{Role: "user", Content: "page 2", ImageDataURL: "data:image/png;base64,AAAA"},
		},
		Payload: "{}",
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
}
