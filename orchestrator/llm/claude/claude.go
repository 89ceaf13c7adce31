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

// Package claude implements the Anthropic Messages API adapter.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"genstream/orchestrator/llm"
)

const (
	// ID is the adapter id.
	ID = llm.AdapterClaude

	// Label prefixes error messages.
	Label = "Claude"

	// DefaultBaseURL is the Anthropic API base URL
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens is used when the request does not set a limit; the
	// API requires one.
	DefaultMaxTokens = 1024

	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-3-5-sonnet-20241022"
)

// Descriptor advertises the adapter.
var Descriptor = llm.Descriptor{
	ID:    ID,
	Label: "Claude",
	Settings: []llm.SettingField{
		{Field: "apiKey", Label: "API Key", Secret: true, Type: llm.FieldPassword},
		{Field: "model", Label: "Model", Type: llm.FieldText, Preset: true},
		{Field: "url", Label: "Base URL", Type: llm.FieldText},
	},
	Options:   []string{"temp", "topK", "topP", "streamResponse"},
	Streaming: true,
}

// Request is the Messages API body. The Bedrock adapter reuses it.
type Request struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	TopK             *int      `json:"top_k,omitempty"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the Messages API reply.
type Response struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Text concatenates the text blocks.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// Stats converts the usage block.
func (r *Response) Stats() llm.UsageStats {
	return llm.UsageStats{
		PromptTokens:     r.Usage.InputTokens,
		CompletionTokens: r.Usage.OutputTokens,
		TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
	}
}

// BuildRequest maps generic sampling onto a Messages API body.
func BuildRequest(req *llm.GenerationRequest, stops []string) Request {
	s := req.Sampling
	out := Request{
		Messages:      []Message{{Role: "user", Content: req.Prompt}},
		MaxTokens:     s.MaxTokens,
		StopSequences: stops,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}

	// Temperature: 0.0 is valid (deterministic); it is only sent when set.
	if s.Temp > 0 {
		temp := s.Temp
		if temp > 1 {
			temp = 1
		}
		out.Temperature = &temp
	}
	if s.TopP > 0 {
		topP := s.TopP
		out.TopP = &topP
	}
	if s.TopK > 0 {
		topK := s.TopK
		out.TopK = &topK
	}
	return out
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string `json:"model"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// wireFormat decodes Messages API stream events.
var wireFormat = llm.SSEData("anthropic", func(data []byte) ([]string, bool, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, fmt.Errorf("malformed stream event: %w", err)
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			return []string{ev.Delta.Text}, false, nil
		}
	case "message_stop":
		return nil, true, nil
	case "error":
		if ev.Error != nil {
			return nil, false, fmt.Errorf("%s: %s", ev.Error.Type, ev.Error.Message)
		}
		return nil, false, errors.New("stream error")
	}
	return nil, false, nil
})

type adapter struct {
	opts llm.AdapterOptions
}

// Register adds the Claude adapter to r.
func Register(r *llm.Registry, opts llm.AdapterOptions) {
	a := &adapter{opts: opts.WithDefaults()}
	r.Register(ID, a.handle, Descriptor)
}

func (a *adapter) handle(ctx context.Context, req *llm.GenerationRequest) <-chan llm.Event {
	return llm.Run(ctx, Label, func(e *llm.Emitter) {
		settings, _ := llm.SettingsAs[llm.ClaudeSettings](req.Settings)
		if settings.APIKey == "" {
			e.Fail("%s request failed: no API key configured", Label)
			return
		}

		reply := llm.NewReply(e, req, Label)
		if !e.Send(llm.PromptEvent(req.Prompt)) {
			return
		}

		body := BuildRequest(req, reply.Stops())
		body.Model = settings.Model
		if body.Model == "" {
			body.Model = DefaultModel
		}
		body.Stream = req.Stream

		base := strings.TrimRight(strings.TrimSpace(settings.URL), "/")
		if base == "" {
			base = DefaultBaseURL
		}

		callCtx, cancel := a.opts.Deadline(ctx)
		defer cancel()

		up := llm.Upstream{
			UserID:    req.Identity(),
			RequestID: req.RequestID,
			AdapterID: ID,
			Label:     Label,
			URL:       base + "/v1/messages",
			Headers: map[string]string{
				"x-api-key":         settings.APIKey,
				"anthropic-version": DefaultAPIVersion,
			},
			Body:   body,
			Logger: a.opts.Logger,
		}

		start := time.Now()
		var seq <-chan llm.Chunk
		if req.Stream {
			seq = llm.StreamCompletion(callCtx, a.opts.Client, up, wireFormat)
		} else {
			seq = llm.RequestFullCompletion(callCtx, a.opts.Client, up)
		}

		meta := &llm.ResponseMeta{Adapter: ID, Model: body.Model, Streamed: req.Stream}
		text, _, err := reply.Complete(callCtx, seq, func(raw json.RawMessage) (string, error) {
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				return "", err
			}
			if resp.Model != "" {
				meta.Model = resp.Model
			}
			meta.Usage = resp.Stats()
			return resp.Text(), nil
		})
		if err != nil {
			reply.Fail(err)
			return
		}

		meta.Latency = time.Since(start)
		reply.Finish(text, meta)
	})
}
