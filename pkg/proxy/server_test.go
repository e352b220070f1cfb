package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/qwengate/pkg/config"
	"github.com/lkarlslund/qwengate/pkg/conversations"
	"github.com/lkarlslund/qwengate/pkg/health"
	"github.com/lkarlslund/qwengate/pkg/qwen"
	"github.com/lkarlslund/qwengate/pkg/upload"
)

// fakeQwen emulates the upstream web chat API surface the gateway
// talks to, plus a bucket endpoint for uploads.
type fakeQwen struct {
	mu           sync.Mutex
	chatsCreated int
	completions  int
	lastParent   string
	lastContent  string
	deleted      []string
	rejectAuth   bool
	// stallCompletions blocks the completion endpoint until the caller
	// gives up, emulating a wedged upstream.
	stallCompletions bool
	ossURL           string
}

func (f *fakeQwen) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.stallCompletions && r.URL.Path == "/api/v2/chat/completions" {
		// Drain the body so the server's background read can observe
		// the client hanging up and cancel the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/api/v1/auths/":
		if f.rejectAuth {
			http.Error(w, `{"detail":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"id":"user-1"}`)
	case r.URL.Path == "/api/models":
		fmt.Fprint(w, `{"data":[{"id":"qwen3-max","name":"Qwen3 Max"},{"id":"qwen3-235b-a22b","name":"Qwen3 235B"}]}`)
	case r.URL.Path == "/api/v2/users/user/settings":
		fmt.Fprint(w, `{"data":{"model_config":{"qwen3-max":{"thinking_budget":81920}}}}`)
	case r.URL.Path == "/api/v2/chats/new":
		f.chatsCreated++
		fmt.Fprint(w, `{"success":true,"data":{"id":"chat-77"}}`)
	case r.URL.Path == "/api/v2/chat/completions":
		f.completions++
		var payload struct {
			ParentID *string `json:"parent_id"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		f.lastParent = ""
		if payload.ParentID != nil {
			f.lastParent = *payload.ParentID
		}
		if len(payload.Messages) > 0 {
			f.lastContent = payload.Messages[0].Content
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"response.created\":{\"response_id\":\"resp-%d\"}}\n", f.completions)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"phase\":\"think\",\"content\":\"thinking...\"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"phase\":\"answer\",\"content\":\"Hello \"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"phase\":\"answer\",\"content\":\"world\"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"phase\":\"answer\",\"status\":\"finished\",\"finish_reason\":\"stop\"}}],\"usage\":{\"input_tokens\":2,\"output_tokens\":4,\"total_tokens\":6}}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	case r.URL.Path == "/api/v2/files/getstsToken":
		fmt.Fprintf(w, `{"success":true,"data":{"access_key_id":"AK","access_key_secret":"SK","security_token":"ST","bucketname":"bkt","endpoint":"%s","file_path":"uid/fid_up.txt","file_id":"fid-1","file_url":"%s/uid/fid_up.txt"}}`, f.ossURL, f.ossURL)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/v2/chats/"):
		f.deleted = append(f.deleted, strings.TrimPrefix(r.URL.Path, "/api/v2/chats/"))
		fmt.Fprint(w, `{"success":true}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestGateway(t *testing.T, fake *fakeQwen, tweaks ...func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(fake)
	t.Cleanup(upstream.Close)
	oss := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(oss.Close)
	fake.ossURL = oss.URL

	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.AuthToken = "session-token"
	cfg.Upstream.Cookies = "cnaui=a; aui=b; token=session-token"
	cfg.IncomingTokens = []config.IncomingAPIToken{{Key: "sk-test", Name: "test"}}
	cfg.AllowLocalhostNoAuth = false
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	cfg.Normalize()

	dir := t.TempDir()
	client := qwen.NewClient(cfg.Upstream, nil)
	convs, err := conversations.Open(filepath.Join(dir, "conv.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { convs.Close() })

	srv := NewServer(Options{
		Store:           config.NewStore(filepath.Join(dir, "cfg.toml"), cfg),
		Client:          client,
		Conversations:   convs,
		Uploader:        upload.NewPipeline(client, upload.Config{}, nil),
		Monitor:         health.NewMonitor(client, time.Hour, time.Hour, qwen.IsAuthError, nil),
		ModelsCachePath: filepath.Join(dir, "models.json"),
	})
	gw := httptest.NewServer(srv.Handler())
	t.Cleanup(gw.Close)
	return srv, gw
}

func openaiClient(gw *httptest.Server) *openai.Client {
	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = gw.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestChatCompletionAndContinuity(t *testing.T) {
	fake := &fakeQwen{}
	_, gw := newTestGateway(t, fake)
	oc := openaiClient(gw)
	ctx := context.Background()

	resp, err := oc.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: "qwen",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Choices[0].Message.Content; got != "Hello world" {
		t.Errorf("content = %q", got)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if fake.chatsCreated != 1 || fake.lastParent != "" {
		t.Fatalf("first turn should create a chat with no parent, created=%d parent=%q",
			fake.chatsCreated, fake.lastParent)
	}

	// Echoing the assistant reply back resumes the same remote chat.
	_, err = oc.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: "qwen",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
			{Role: openai.ChatMessageRoleAssistant, Content: "Hello world"},
			{Role: openai.ChatMessageRoleUser, Content: "and now?"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fake.chatsCreated != 1 {
		t.Errorf("follow-up must not create a second remote chat, created=%d", fake.chatsCreated)
	}
	if fake.lastParent != "resp-1" {
		t.Errorf("follow-up parent = %q, want resp-1", fake.lastParent)
	}
	if fake.lastContent != "and now?" {
		t.Errorf("only the new turn should be sent upstream, got %q", fake.lastContent)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	fake := &fakeQwen{}
	_, gw := newTestGateway(t, fake)
	oc := openaiClient(gw)

	stream, err := oc.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:  "qwen3-max",
		Stream: true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	var content strings.Builder
	var finish string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
			if chunk.Choices[0].FinishReason != "" {
				finish = string(chunk.Choices[0].FinishReason)
			}
		}
	}
	if content.String() != "Hello world" {
		t.Errorf("streamed content = %q", content.String())
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q", finish)
	}
}

func TestModelsEndpoint(t *testing.T) {
	fake := &fakeQwen{}
	_, gw := newTestGateway(t, fake)
	oc := openaiClient(gw)

	list, err := oc.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Models) != 2 || list.Models[0].ID != "qwen3-max" {
		t.Fatalf("models = %+v", list.Models)
	}
}

func TestFileUploadEndpoint(t *testing.T) {
	fake := &fakeQwen{}
	_, gw := newTestGateway(t, fake)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, _ := form.CreateFormFile("file", "notes.txt")
	part.Write([]byte("some document content"))
	form.Close()

	req, _ := http.NewRequest(http.MethodPost, gw.URL+"/v1/files/upload", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer sk-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, b)
	}
	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Bytes != int64(len("some document content")) {
		t.Errorf("bytes = %d", result.Bytes)
	}
	if result.Status != "uploaded" || result.ID != "fid-1" || result.FileType != "file" {
		t.Errorf("result = %+v", result)
	}
}

func TestDeleteChatEndpoint(t *testing.T) {
	fake := &fakeQwen{}
	_, gw := newTestGateway(t, fake)

	req, _ := http.NewRequest(http.MethodDelete, gw.URL+"/v1/chats/chat-77", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "chat-77" {
		t.Errorf("upstream deletions = %v", fake.deleted)
	}
}

func TestExpiredSessionBlocksCompletions(t *testing.T) {
	fake := &fakeQwen{rejectAuth: true}
	srv, gw := newTestGateway(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.monitor.Run(ctx)
	deadline := time.After(2 * time.Second)
	for srv.monitor.Snapshot().Status != health.StatusExpired {
		select {
		case <-deadline:
			t.Fatal("monitor never classified the session as expired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	body := `{"model":"qwen","messages":[{"role":"user","content":"hi"}]}`
	req, _ := http.NewRequest(http.MethodPost, gw.URL+"/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "credentials_expired") {
		t.Errorf("body should name the credential failure: %s", raw)
	}
}

func TestNonStreamingRequestTimesOut(t *testing.T) {
	fake := &fakeQwen{stallCompletions: true}
	_, gw := newTestGateway(t, fake, func(cfg *config.ServerConfig) {
		cfg.Upstream.TimeoutSeconds = 1
	})

	body := `{"model":"qwen","messages":[{"role":"user","content":"hi"}]}`
	req, _ := http.NewRequest(http.MethodPost, gw.URL+"/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status %d, want 504", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"timeout"`) {
		t.Errorf("body should carry the timeout code: %s", raw)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("request should fail at the configured timeout, took %s", elapsed)
	}
}

func TestStatusEndpointUnauthenticated(t *testing.T) {
	fake := &fakeQwen{}
	_, gw := newTestGateway(t, fake)

	resp, err := http.Get(gw.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var st statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Session.Status != health.StatusUnknown {
		t.Errorf("fresh gateway session status = %s, want unknown", st.Session.Status)
	}
}
