package qwen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lkarlslund/qwengate/pkg/config"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.UpstreamConfig{
		BaseURL:   srv.URL,
		AuthToken: "session-token",
		Cookies:   "cnaui=a; aui=b; token=session-token",
	}, nil)
}

func TestChatStreamDecodesPhases(t *testing.T) {
	var gotPayload map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("chat_id") != "chat-1" {
			t.Errorf("missing chat_id query param, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer session-token" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"response.created\":{\"response_id\":\"resp-9\"}}\n")
		fmt.Fprint(w, "\n")
		fmt.Fprint(w, "data: not json at all\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"phase\":\"think\",\"content\":\"hmm\"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"phase\":\"answer\",\"content\":\"Hello\"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"phase\":\"answer\",\"status\":\"finished\",\"finish_reason\":\"stop\"}}],\"usage\":{\"input_tokens\":3,\"output_tokens\":5,\"total_tokens\":8}}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	})
	c := testClient(t, handler)

	stream, err := c.ChatStream(context.Background(), CompletionRequest{
		ChatID:   "chat-1",
		Model:    "qwen3-max",
		Content:  "hi",
		Thinking: ThinkingOptions{Enabled: true, Budget: 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	ev, err := stream.Next()
	if err != nil || ev.ResponseID != "resp-9" {
		t.Fatalf("first event should carry the response id, got %+v, %v", ev, err)
	}
	ev, err = stream.Next()
	if err != nil || ev.Delta == nil || ev.Delta.Phase != "think" || ev.Delta.Content != "hmm" {
		t.Fatalf("expected think delta, got %+v, %v", ev, err)
	}
	ev, err = stream.Next()
	if err != nil || ev.Delta == nil || ev.Delta.Phase != "answer" || ev.Delta.Content != "Hello" {
		t.Fatalf("expected answer delta, got %+v, %v", ev, err)
	}
	ev, err = stream.Next()
	if err != nil || ev.Usage == nil || ev.Usage.TotalTokens != 8 || ev.Delta.Status != "finished" {
		t.Fatalf("expected final delta with usage, got %+v, %v", ev, err)
	}
	if _, err = stream.Next(); err != io.EOF {
		t.Fatalf("after [DONE] the stream must report EOF, got %v", err)
	}

	// Wire shape of the dispatched turn.
	if gotPayload["stream"] != true || gotPayload["incremental_output"] != true {
		t.Error("payload must request incremental streaming")
	}
	msgs, ok := gotPayload["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("payload should carry exactly one message, got %v", gotPayload["messages"])
	}
	msg := msgs[0].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "hi" || msg["chat_type"] != "t2t" {
		t.Errorf("unexpected message payload: %v", msg)
	}
	fc := msg["feature_config"].(map[string]any)
	if fc["thinking_enabled"] != true || fc["output_schema"] != "phase" || fc["thinking_budget"] != float64(100) {
		t.Errorf("unexpected feature config: %v", fc)
	}
}

func TestChatStreamMissingSentinel(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"phase\":\"answer\",\"content\":\"cut\"}}]}\n")
	})
	c := testClient(t, handler)
	stream, err := c.ChatStream(context.Background(), CompletionRequest{ChatID: "c", Model: "m", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	if _, err := stream.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Next(); err != io.ErrUnexpectedEOF {
		t.Fatalf("truncated stream must report unexpected EOF, got %v", err)
	}
}

func TestChatStreamErrorStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	c := testClient(t, handler)
	_, err := c.ChatStream(context.Background(), CompletionRequest{ChatID: "c", Model: "m", Content: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Errorf("401 on dispatch should classify as auth error, got %v", err)
	}
}

func TestProbeAuthLoginPage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<!DOCTYPE html><html><body>sign in</body></html>")
	})
	c := testClient(t, handler)
	err := c.ProbeAuth(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("HTML body on 200 means the session expired, got %v", err)
	}
	if !IsAuthError(err) {
		t.Error("expired session must classify as auth error")
	}
}

func TestCreateChatAndModels(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/chats/new":
			fmt.Fprint(w, `{"success":true,"data":{"id":"chat-new-1"}}`)
		case "/api/models":
			fmt.Fprint(w, `{"data":[{"id":"qwen3-max","name":"Qwen3 Max"},{"id":"","name":"ghost"}]}`)
		default:
			http.NotFound(w, r)
		}
	})
	c := testClient(t, handler)

	id, err := c.CreateChat(context.Background(), "qwen3-max", "Test chat")
	if err != nil || id != "chat-new-1" {
		t.Fatalf("CreateChat = %q, %v", id, err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].ID != "qwen3-max" {
		t.Fatalf("empty model ids must be skipped, got %+v", models)
	}
}
