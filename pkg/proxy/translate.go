package proxy

import (
	"strings"
	"time"

	"github.com/lkarlslund/qwengate/pkg/qwen"
)

type translationPhase int

const (
	phaseInit translationPhase = iota
	phaseThinking
	phaseAnswering
	phaseDone
)

// translation converts the upstream phase-tagged delta stream into
// OpenAI-shaped chunks. It runs a small state machine: init, an
// optional thinking phase, answering, done. When the caller set a
// thinking budget, each reasoning delta consumes one unit; once the
// budget is spent the translation force-switches to answering and
// silently drops any further reasoning output.
type translation struct {
	completionID string
	model        string
	created      int64

	budgetRemaining int
	budgetLimited   bool

	phase        translationPhase
	reasoning    strings.Builder
	answer       strings.Builder
	responseID   string
	usage        *qwen.Usage
	finishReason string
	sentRole     bool
}

func newTranslation(model, remoteChatID string, budget int, limited bool) *translation {
	id := remoteChatID
	if len(id) > 10 {
		id = id[:10]
	}
	if id == "" {
		id = "local"
	}
	return &translation{
		completionID:    "chatcmpl-" + id,
		model:           model,
		created:         time.Now().Unix(),
		budgetRemaining: budget,
		budgetLimited:   limited,
		phase:           phaseInit,
	}
}

func (t *translation) chunk(delta DeltaMessage, finish *string) ChatCompletionChunk {
	if !t.sentRole && finish == nil {
		delta.Role = "assistant"
		t.sentRole = true
	}
	return ChatCompletionChunk{
		ID:      t.completionID,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

// Feed consumes one upstream event and returns the chunks to forward to
// a streaming client. Aggregating callers ignore the return value and
// read the accumulated state afterwards.
func (t *translation) Feed(ev *qwen.StreamEvent) []ChatCompletionChunk {
	if ev == nil {
		return nil
	}
	if ev.ResponseID != "" {
		t.responseID = ev.ResponseID
	}
	if ev.Usage != nil {
		u := *ev.Usage
		t.usage = &u
	}
	d := ev.Delta
	if d == nil || t.phase == phaseDone {
		return nil
	}
	if d.FinishReason != "" {
		t.finishReason = d.FinishReason
	}

	var out []ChatCompletionChunk
	switch d.Phase {
	case "think":
		if t.phase == phaseAnswering {
			// Reasoning after the answer started is upstream noise.
			break
		}
		if t.budgetLimited && t.budgetRemaining <= 0 {
			t.phase = phaseAnswering
			break
		}
		t.phase = phaseThinking
		if d.Content != "" {
			t.reasoning.WriteString(d.Content)
			out = append(out, t.chunk(DeltaMessage{ReasoningContent: d.Content}, nil))
			if t.budgetLimited {
				t.budgetRemaining--
				if t.budgetRemaining <= 0 {
					t.phase = phaseAnswering
				}
			}
		}
	case "answer":
		if t.phase != phaseDone {
			t.phase = phaseAnswering
		}
		if d.Content != "" {
			t.answer.WriteString(d.Content)
			out = append(out, t.chunk(DeltaMessage{Content: d.Content}, nil))
		}
	default:
		// Some upstream frames omit the phase tag entirely; any
		// content they carry is answer text, same as the web client
		// treats it.
		if d.Content != "" {
			t.phase = phaseAnswering
			t.answer.WriteString(d.Content)
			out = append(out, t.chunk(DeltaMessage{Content: d.Content}, nil))
		}
	}
	if d.Status == "finished" {
		t.phase = phaseDone
		if t.finishReason == "" {
			t.finishReason = "stop"
		}
	}
	return out
}

// FinishChunk is the terminal chunk carrying the finish reason.
func (t *translation) FinishChunk() ChatCompletionChunk {
	reason := t.finishReason
	if reason == "" {
		reason = "stop"
	}
	return t.chunk(DeltaMessage{}, &reason)
}

// ErrorChunk terminates a stream that failed after output already went
// out; the HTTP status is long gone at that point.
func (t *translation) ErrorChunk() ChatCompletionChunk {
	reason := "error"
	return t.chunk(DeltaMessage{}, &reason)
}

// Response assembles the aggregated non-streaming body.
func (t *translation) Response() ChatCompletionResponse {
	reason := t.finishReason
	if reason == "" {
		reason = "stop"
	}
	usage := Usage{}
	if t.usage != nil {
		usage = Usage{
			PromptTokens:     t.usage.InputTokens,
			CompletionTokens: t.usage.OutputTokens,
			TotalTokens:      t.usage.TotalTokens,
		}
	}
	return ChatCompletionResponse{
		ID:      t.completionID,
		Object:  "chat.completion",
		Created: t.created,
		Model:   t.model,
		Choices: []ChatChoice{{
			Message: AssistantMessage{
				Role:             "assistant",
				Content:          t.answer.String(),
				ReasoningContent: t.reasoning.String(),
			},
			FinishReason: reason,
		}},
		Usage: usage,
	}
}

func (t *translation) AnswerText() string    { return t.answer.String() }
func (t *translation) ReasoningText() string { return t.reasoning.String() }
func (t *translation) ResponseID() string    { return t.responseID }
