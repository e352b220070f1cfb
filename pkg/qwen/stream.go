package qwen

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ThinkingOptions struct {
	Enabled bool
	Budget  int
}

// CompletionRequest is one outgoing user turn against a remote
// conversation. ParentID is empty for the first turn of a fresh chat.
type CompletionRequest struct {
	ChatID   string
	Model    string
	ParentID string
	Content  string
	Files    []FileInfo
	Thinking ThinkingOptions
}

type featureConfig struct {
	OutputSchema    string `json:"output_schema"`
	ThinkingEnabled bool   `json:"thinking_enabled"`
	ThinkingBudget  int    `json:"thinking_budget,omitempty"`
}

type messagePayload struct {
	FID           string         `json:"fid"`
	ParentID      *string        `json:"parentId"`
	ChildrenIDs   []string       `json:"childrenIds"`
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	UserAction    string         `json:"user_action"`
	Files         []FileInfo     `json:"files"`
	Timestamp     int64          `json:"timestamp"`
	Models        []string       `json:"models"`
	ChatType      string         `json:"chat_type"`
	FeatureConfig featureConfig  `json:"feature_config"`
	Extra         map[string]any `json:"extra"`
	SubChatType   string         `json:"sub_chat_type"`
	ParentIDSnake *string        `json:"parent_id"`
}

type completionPayload struct {
	Stream            bool             `json:"stream"`
	IncrementalOutput bool             `json:"incremental_output"`
	ChatID            string           `json:"chat_id"`
	ChatMode          string           `json:"chat_mode"`
	Model             string           `json:"model"`
	ParentID          *string          `json:"parent_id"`
	Messages          []messagePayload `json:"messages"`
	Timestamp         int64            `json:"timestamp"`
}

// Delta is one increment of upstream output. Phase distinguishes the
// reasoning stream from the answer stream.
type Delta struct {
	Phase        string `json:"phase"`
	Status       string `json:"status"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamEvent carries whichever fields the upstream frame held; any of
// them may be unset.
type StreamEvent struct {
	ResponseID string
	Delta      *Delta
	Usage      *Usage
}

// Stream reads server-sent events from an in-flight completion. Close
// must be called to release the connection.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// ChatStream dispatches the turn and returns the event stream. The
// upstream protocol is always streaming; aggregation happens client
// side.
func (c *Client) ChatStream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	now := time.Now().UnixMilli()
	var parent *string
	if req.ParentID != "" {
		parent = &req.ParentID
	}
	files := req.Files
	if files == nil {
		files = []FileInfo{}
	}
	fc := featureConfig{OutputSchema: "phase", ThinkingEnabled: req.Thinking.Enabled}
	if req.Thinking.Enabled && req.Thinking.Budget > 0 {
		fc.ThinkingBudget = req.Thinking.Budget
	}
	payload := completionPayload{
		Stream:            true,
		IncrementalOutput: true,
		ChatID:            req.ChatID,
		ChatMode:          "normal",
		Model:             req.Model,
		ParentID:          parent,
		Messages: []messagePayload{{
			FID:           uuid.NewString(),
			ParentID:      parent,
			ChildrenIDs:   []string{uuid.NewString()},
			Role:          "user",
			Content:       req.Content,
			UserAction:    "chat",
			Files:         files,
			Timestamp:     now,
			Models:        []string{req.Model},
			ChatType:      "t2t",
			FeatureConfig: fc,
			Extra:         map[string]any{"meta": map[string]any{"subChatType": "t2t"}},
			SubChatType:   "t2t",
			ParentIDSnake: parent,
		}},
		Timestamp: now,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost,
		"/api/v2/chat/completions?chat_id="+url.QueryEscape(req.ChatID), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	// Upstream buffers the stream without this.
	httpReq.Header.Set("X-Accel-Buffering", "no")

	resp, err := c.streamHTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{Op: "chat completion", StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next event, or io.EOF after the [DONE] sentinel.
// Unparseable frames are skipped, matching the web client's tolerance.
func (s *Stream) Next() (*StreamEvent, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			return nil, io.EOF
		}
		var frame struct {
			ResponseCreated *struct {
				ResponseID string `json:"response_id"`
			} `json:"response.created"`
			Choices []struct {
				Delta Delta `json:"delta"`
			} `json:"choices"`
			Usage *Usage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		ev := &StreamEvent{Usage: frame.Usage}
		if frame.ResponseCreated != nil {
			ev.ResponseID = frame.ResponseCreated.ResponseID
		}
		if len(frame.Choices) > 0 {
			d := frame.Choices[0].Delta
			ev.Delta = &d
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	// Connection ended without the sentinel.
	return nil, io.ErrUnexpectedEOF
}

func (s *Stream) Close() error {
	return s.body.Close()
}
