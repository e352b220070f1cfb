package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/qwengate/pkg/conversations"
	"github.com/lkarlslund/qwengate/pkg/health"
	"github.com/lkarlslund/qwengate/pkg/qwen"
	"github.com/lkarlslund/qwengate/pkg/upload"
)

const maxMultipartMemory = 32 << 20

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body",
			"could not parse request body: "+err.Error())
		return
	}
	s.completeChat(w, r, req, true)
}

// handleMultimodalChat is the same pipeline with thinking disabled by
// default, matching the web client's behavior for attachment turns.
func (s *Server) handleMultimodalChat(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body",
			"could not parse request body: "+err.Error())
		return
	}
	s.completeChat(w, r, req, false)
}

func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest, thinkingDefault bool) {
	if len(req.Messages) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_messages",
			"messages must not be empty")
		return
	}
	if s.monitor.Snapshot().Status == health.StatusExpired {
		writeCredentialsExpired(w)
		return
	}
	ctx := r.Context()
	cfg := s.store.Snapshot()
	model := cfg.ResolveModel(req.Model)

	// Non-streaming exchanges are bounded by the configured upstream
	// timeout so a stalled upstream cannot hang the request forever.
	// Streaming clients see deltas as they arrive and can hang up.
	if !req.Stream {
		if timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	history := make([]conversations.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, conversations.Message{Role: m.Role, Content: m.Content.FlattenText()})
	}
	files := collectFiles(req.Messages)

	match := s.convs.Resolve(history)
	chatID := match.RemoteChatID
	parentID := match.ParentResponseID
	var prompt string
	if match.Found && chatID != "" {
		prompt = renderPrompt(match.NewMessages)
	} else {
		var err error
		chatID, err = s.client.CreateChat(ctx, model, chatTitle(history))
		if err != nil {
			s.log.Warn("create remote chat failed", "error", err)
			writeUpstreamError(w, err)
			return
		}
		parentID = ""
		prompt = renderPrompt(history)
	}
	if strings.TrimSpace(prompt) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_messages",
			"no new message content to send")
		return
	}

	thinking := qwen.ThinkingOptions{Enabled: thinkingDefault}
	if req.EnableThinking != nil {
		thinking.Enabled = *req.EnableThinking
	}
	budgetLimited := false
	if req.ThinkingBudget != nil && *req.ThinkingBudget > 0 {
		thinking.Budget = *req.ThinkingBudget
		budgetLimited = true
	} else if thinking.Enabled {
		thinking.Budget = s.client.DefaultThinkingBudget(model)
	}

	stream, err := s.client.ChatStream(ctx, qwen.CompletionRequest{
		ChatID:   chatID,
		Model:    model,
		ParentID: parentID,
		Content:  prompt,
		Files:    files,
		Thinking: thinking,
	})
	if err != nil {
		s.log.Warn("chat dispatch failed", "chat_id", chatID, "error", err)
		writeUpstreamError(w, err)
		return
	}
	defer stream.Close()

	tr := newTranslation(model, chatID, thinking.Budget, budgetLimited)
	if req.Stream {
		s.relayStream(w, r, stream, tr)
	} else {
		if err := drainStream(stream, tr); err != nil {
			s.log.Warn("chat stream failed", "chat_id", chatID, "error", err)
			writeUpstreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tr.Response())
	}
	s.commitExchange(match.ThreadID, chatID, history, tr)
}

// relayStream forwards translated chunks as server-sent events. The
// request context cancels the upstream body when the client goes away.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, stream *qwen.Stream, tr *translation) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, _ := w.(http.Flusher)

	writeChunk := func(c ChatCompletionChunk) bool {
		b, err := json.Marshal(c)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				// Client disconnected; nothing left to tell it.
				return
			}
			s.log.Warn("upstream stream interrupted", "error", err)
			writeChunk(tr.ErrorChunk())
			fmt.Fprint(w, "data: [DONE]\n\n")
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		for _, c := range tr.Feed(ev) {
			if !writeChunk(c) {
				return
			}
		}
	}
	writeChunk(tr.FinishChunk())
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func drainStream(stream *qwen.Stream, tr *translation) error {
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		tr.Feed(ev)
	}
}

// commitExchange persists the completed turn so the next stateless
// request can resume this remote conversation. Failures are logged, not
// surfaced: continuity is best effort.
func (s *Server) commitExchange(threadID, chatID string, history []conversations.Message, tr *translation) {
	if tr.AnswerText() == "" || chatID == "" {
		return
	}
	full := append(append([]conversations.Message{}, history...), conversations.Message{
		Role:      conversations.RoleAssistant,
		Content:   tr.AnswerText(),
		CreatedAt: time.Now().UTC(),
	})
	if _, err := s.convs.CommitExchange(threadID, chatID, tr.ResponseID(), full); err != nil {
		s.log.Warn("persist conversation failed", "chat_id", chatID, "error", err)
	}
}

// renderPrompt flattens the pending turns into the single user message
// the upstream protocol accepts. A lone user turn passes through as-is;
// anything else keeps role labels so context survives.
func renderPrompt(msgs []conversations.Message) string {
	if len(msgs) == 1 && msgs[0].Role == conversations.RoleUser {
		return msgs[0].Content
	}
	var b strings.Builder
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func chatTitle(history []conversations.Message) string {
	for _, m := range history {
		if m.Role == conversations.RoleUser && strings.TrimSpace(m.Content) != "" {
			t := strings.TrimSpace(m.Content)
			if len(t) > 30 {
				t = t[:30]
			}
			return t
		}
	}
	return "New Chat"
}

// collectFiles gathers attachments from the message parts: complete
// file_info objects pass through untouched, bare URL references get
// rebuilt into degraded descriptors.
func collectFiles(msgs []ChatMessage) []qwen.FileInfo {
	var files []qwen.FileInfo
	for _, m := range msgs {
		for _, p := range m.Content.Parts {
			switch {
			case p.FileInfo != nil:
				files = append(files, *p.FileInfo)
			case p.ImageURL != nil && p.ImageURL.URL != "":
				files = append(files, qwen.FileInfoFromURL(p.ImageURL.URL))
			case p.VideoURL != nil && p.VideoURL.URL != "":
				files = append(files, qwen.FileInfoFromURL(p.VideoURL.URL))
			case p.FileURL != nil && p.FileURL.URL != "":
				files = append(files, qwen.FileInfoFromURL(p.FileURL.URL))
			}
		}
	}
	return files
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if s.monitor.Snapshot().Status == health.StatusExpired {
		writeCredentialsExpired(w)
		return
	}
	in, err := readMultipartFile(r, "file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_file", err.Error())
		return
	}
	fd, err := s.uploader.Upload(r.Context(), *in)
	if err != nil {
		s.log.Warn("file upload failed", "name", in.Name, "error", err)
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResult{
		ID:          fd.ID,
		Object:      "file",
		Bytes:       fd.ByteSize,
		CreatedAt:   fd.UploadedAt.Unix(),
		Filename:    fd.Name,
		Purpose:     "assistants",
		URL:         fd.URL,
		Status:      string(fd.Status),
		FileType:    fd.Category.STSFileType(),
		ContentType: fd.MIMEType,
	})
}

func (s *Server) handleImageUploadAndChat(w http.ResponseWriter, r *http.Request) {
	s.uploadAndChat(w, r, "image")
}

func (s *Server) handleVideoUploadAndChat(w http.ResponseWriter, r *http.Request) {
	s.uploadAndChat(w, r, "video")
}

// uploadAndChat is the one-shot convenience endpoint: multipart payload
// plus prompt in, completion out.
func (s *Server) uploadAndChat(w http.ResponseWriter, r *http.Request, field string) {
	if s.monitor.Snapshot().Status == health.StatusExpired {
		writeCredentialsExpired(w)
		return
	}
	in, err := readMultipartFile(r, field, "file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_file", err.Error())
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		prompt = "Describe this " + field + "."
	}

	fd, err := s.uploader.Upload(r.Context(), *in)
	if err != nil {
		s.log.Warn("upload failed", "name", in.Name, "error", err)
		writeUpstreamError(w, err)
		return
	}
	fi := qwen.FileInfoFromDescriptor(fd)

	req := ChatCompletionRequest{
		Model:  r.FormValue("model"),
		Stream: r.FormValue("stream") == "true",
		Messages: []ChatMessage{{
			Role: conversations.RoleUser,
			Content: MessageContent{Parts: []ContentPart{
				{Type: "text", Text: prompt},
				{Type: "file_info", FileInfo: &fi},
			}},
		}},
	}
	if v := r.FormValue("enable_thinking"); v != "" {
		enabled := v == "true"
		req.EnableThinking = &enabled
	}
	if v := r.FormValue("thinking_budget"); v != "" {
		if budget, err := strconv.Atoi(v); err == nil && budget > 0 {
			req.ThinkingBudget = &budget
		}
	}
	s.completeChat(w, r, req, false)
}

func readMultipartFile(r *http.Request, fields ...string) (*upload.Input, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}
	var (
		file   multipart.File
		header *multipart.FileHeader
		err    error
	)
	for _, f := range fields {
		file, header, err = r.FormFile(f)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("missing file field %q", fields[0])
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read uploaded file: %w", err)
	}
	return &upload.Input{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if strings.TrimSpace(chatID) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_chat_id",
			"chat id must not be empty")
		return
	}
	if err := s.client.DeleteChat(r.Context(), chatID); err != nil {
		s.log.Warn("delete remote chat failed", "chat_id", chatID, "error", err)
		writeUpstreamError(w, err)
		return
	}
	removed, err := s.convs.DeleteByRemoteChatID(chatID)
	if err != nil {
		s.log.Warn("delete local conversation records failed", "chat_id", chatID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            chatID,
		"object":        "chat.deleted",
		"deleted":       true,
		"local_records": removed,
	})
}
