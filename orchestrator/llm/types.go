// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"fmt"
	"time"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventPrompt echoes the exact text sent upstream.
	EventPrompt EventKind = iota + 1

	// EventPartial carries the cumulative text generated so far.
	EventPartial

	// EventWarning is informational and never ends the sequence.
	EventWarning

	// EventError is terminal. Nothing follows it.
	EventError

	// EventFinal carries the sanitized reply. Nothing follows it.
	EventFinal
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventPrompt:
		return "prompt"
	case EventPartial:
		return "partial"
	case EventWarning:
		return "warning"
	case EventError:
		return "error"
	case EventFinal:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one element of the sequence an adapter produces.
type Event struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text"`

	// Meta is only set on EventFinal.
	Meta *ResponseMeta `json:"meta,omitempty"`
}

// Terminal reports whether the event ends the sequence.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventFinal
}

// PromptEvent builds an EventPrompt.
func PromptEvent(prompt string) Event { return Event{Kind: EventPrompt, Text: prompt} }

// PartialEvent builds an EventPartial.
func PartialEvent(text string) Event { return Event{Kind: EventPartial, Text: text} }

// WarningEvent builds an EventWarning.
func WarningEvent(text string) Event { return Event{Kind: EventWarning, Text: text} }

// ErrorEvent builds an EventError.
func ErrorEvent(text string) Event { return Event{Kind: EventError, Text: text} }

// FinalEvent builds an EventFinal.
func FinalEvent(text string, meta *ResponseMeta) Event {
	return Event{Kind: EventFinal, Text: text, Meta: meta}
}

// ResponseMeta accompanies the terminal reply.
type ResponseMeta struct {
	// Adapter is the id of the adapter that served the request.
	Adapter string `json:"adapter"`

	// Model is the upstream model, when the backend reports or requires one.
	Model string `json:"model,omitempty"`

	// Usage contains token counts. Estimated is true when the backend did
	// not report them.
	Usage UsageStats `json:"usage"`

	// Latency is the time from the upstream call to the terminal event.
	Latency time.Duration `json:"latency"`

	// Streamed is true when the reply was assembled from a stream.
	Streamed bool `json:"streamed"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// EstimateUsage approximates token counts at four characters per token.
func EstimateUsage(prompt, completion string) UsageStats {
	p := (len(prompt) + 3) / 4
	c := (len(completion) + 3) / 4
	return UsageStats{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c, Estimated: true}
}

// GenerationRequest encapsulates one generation call. It is owned by the
// orchestrator for the duration of the call.
type GenerationRequest struct {
	// RequestID correlates log lines for this generation.
	RequestID string `json:"request_id,omitempty"`

	// UserID identifies an authenticated requester.
	UserID string `json:"user_id,omitempty"`

	// GuestID identifies an anonymous session when UserID is empty.
	GuestID string `json:"guest_id,omitempty"`

	// Service is the adapter id. Ignored when Settings is set.
	Service string `json:"service,omitempty"`

	// Settings holds the per-adapter configuration (credentials, model, URL).
	Settings Settings `json:"-"`

	// Prompt is the fully constructed prompt text.
	Prompt string `json:"prompt"`

	Sampling Sampling `json:"sampling"`

	// Stream requests incremental partial events.
	Stream bool `json:"stream"`

	Reply ReplyContext `json:"reply"`
}

// Identity returns the key used for the generation lock.
func (r *GenerationRequest) Identity() string {
	if r.UserID != "" {
		return r.UserID
	}
	if r.GuestID != "" {
		return "guest:" + r.GuestID
	}
	return ""
}

// AdapterID resolves the adapter for the request. Settings win over Service.
func (r *GenerationRequest) AdapterID() string {
	if r.Settings != nil {
		return r.Settings.Adapter()
	}
	return r.Service
}

// Sampling contains the generic sampling parameters. Adapters map these onto
// backend field names and drop the ones they do not support.
type Sampling struct {
	MaxTokens  int `json:"maxTokens,omitempty"`
	MaxContext int `json:"maxContextLength,omitempty"`

	Temp             float64 `json:"temp,omitempty"`
	DynatempRange    float64 `json:"dynatempRange,omitempty"`
	DynatempExponent float64 `json:"dynatempExponent,omitempty"`

	TopK             int     `json:"topK,omitempty"`
	TopP             float64 `json:"topP,omitempty"`
	TopA             float64 `json:"topA,omitempty"`
	MinP             float64 `json:"minP,omitempty"`
	TypicalP         float64 `json:"typicalP,omitempty"`
	TailFreeSampling float64 `json:"tailFreeSampling,omitempty"`

	RepetitionPenalty      float64 `json:"repetitionPenalty,omitempty"`
	RepetitionPenaltyRange int     `json:"repetitionPenaltyRange,omitempty"`
	RepetitionPenaltySlope float64 `json:"repetitionPenaltySlope,omitempty"`
	FrequencyPenalty       float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty        float64 `json:"presencePenalty,omitempty"`

	CFGScale float64 `json:"cfgScale,omitempty"`

	StopSequences []string `json:"stopSequences,omitempty"`

	SamplerOrder     SamplerList `json:"order,omitempty"`
	DisabledSamplers SamplerList `json:"disabledSamplers,omitempty"`

	// TrimSentences enables sentence-boundary trimming of the reply.
	TrimSentences bool `json:"trimSentences,omitempty"`
}

// ReplyContext describes the conversation the reply belongs to. Only the
// sanitizer reads it.
type ReplyContext struct {
	// ReplyAs is the name of the character being replied as.
	ReplyAs string `json:"replyAs,omitempty"`

	// Characters are the other character names in the conversation.
	Characters []string `json:"characters,omitempty"`

	// Members are the handles of the humans in the chat.
	Members []string `json:"members,omitempty"`

	// Impersonating is true when the reply is written for the user.
	Impersonating bool `json:"impersonating,omitempty"`
}

// StopNames returns the names the reply must not speak for.
func (c ReplyContext) StopNames() []string {
	names := make([]string, 0, len(c.Characters)+len(c.Members))
	for _, n := range append(append([]string{}, c.Characters...), c.Members...) {
		if n == "" || n == c.ReplyAs {
			continue
		}
		names = append(names, n)
	}
	return names
}
