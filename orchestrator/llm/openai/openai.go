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

// Package openai implements the OpenAI chat completions adapter. Any
// compatible endpoint can be used by setting the URL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"genstream/orchestrator/llm"
)

const (
	// ID is the adapter id.
	ID = llm.AdapterOpenAI

	// Label prefixes error messages.
	Label = "OpenAI"

	// DefaultURL is the chat completions endpoint.
	DefaultURL = "https://api.openai.com/v1/chat/completions"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	// maxStops is the most stop sequences the API accepts.
	maxStops = 4
)

// Descriptor advertises the adapter.
var Descriptor = llm.Descriptor{
	ID:    ID,
	Label: "OpenAI",
	Settings: []llm.SettingField{
		{Field: "apiKey", Label: "API Key", Secret: true, Type: llm.FieldPassword},
		{Field: "model", Label: "Model", Type: llm.FieldText, Preset: true},
		{Field: "url", Label: "Base URL", Type: llm.FieldText},
	},
	Options: []string{"temp", "topP", "frequencyPenalty", "presencePenalty", "streamResponse"},
	Streaming: true,
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string    `json:"model"`
	Messages         []message `json:"messages"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             float64   `json:"top_p,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Stream           bool      `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage *llm.OpenAIUsage `json:"usage"`
}

type adapter struct {
	opts llm.AdapterOptions
}

// Register adds the OpenAI adapter to r.
func Register(r *llm.Registry, opts llm.AdapterOptions) {
	a := &adapter{opts: opts.WithDefaults()}
	r.Register(ID, a.handle, Descriptor)
}

func (a *adapter) handle(ctx context.Context, req *llm.GenerationRequest) <-chan llm.Event {
	return llm.Run(ctx, Label, func(e *llm.Emitter) {
		settings, _ := llm.SettingsAs[llm.OpenAISettings](req.Settings)
		if settings.APIKey == "" {
			e.Fail("%s request failed: no API key configured", Label)
			return
		}
		model := settings.Model
		if model == "" {
			model = DefaultModel
		}

		reply := llm.NewReply(e, req, Label)
		if !e.Send(llm.PromptEvent(req.Prompt)) {
			return
		}

		s := req.Sampling
		body := chatRequest{
			Model:            model,
			Messages:         []message{{Role: "user", Content: req.Prompt}},
			MaxTokens:        s.MaxTokens,
			TopP:             s.TopP,
			FrequencyPenalty: s.FrequencyPenalty,
			PresencePenalty:  s.PresencePenalty,
			Stop:             limitStops(reply.Stops()),
			Stream:           req.Stream,
		}
		if s.Temp > 0 {
			temp := s.Temp
			body.Temperature = &temp
		}

		callCtx, cancel := a.opts.Deadline(ctx)
		defer cancel()

		up := llm.Upstream{
			UserID:    req.Identity(),
			RequestID: req.RequestID,
			AdapterID: ID,
			Label:     Label,
			URL:       endpoint(settings.URL),
			Headers:   map[string]string{"Authorization": "Bearer " + settings.APIKey},
			Body:      body,
			Logger:    a.opts.Logger,
		}

		start := time.Now()
		var seq <-chan llm.Chunk
		if req.Stream {
			seq = llm.StreamCompletion(callCtx, a.opts.Client, up, llm.OpenAIChat)
		} else {
			seq = llm.RequestFullCompletion(callCtx, a.opts.Client, up)
		}

		meta := &llm.ResponseMeta{Adapter: ID, Model: model, Streamed: req.Stream}
		text, _, err := reply.Complete(callCtx, seq, func(raw json.RawMessage) (string, error) {
			var resp chatResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", errors.New("no choices")
			}
			if resp.Model != "" {
				meta.Model = resp.Model
			}
			meta.Usage = resp.Usage.Stats()
			return resp.Choices[0].Message.Content, nil
		})
		if err != nil {
			reply.Fail(err)
			return
		}

		meta.Latency = time.Since(start)
		reply.Finish(text, meta)
	})
}

// endpoint accepts either a full chat completions URL or a base URL.
func endpoint(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case raw == "":
		return DefaultURL
	case strings.HasSuffix(raw, "/chat/completions"):
		return raw
	case strings.HasSuffix(raw, "/v1"):
		return raw + "/chat/completions"
	default:
		return raw + "/v1/chat/completions"
	}
}

func limitStops(stops []string) []string {
	if len(stops) > maxStops {
		return stops[:maxStops]
	}
	return stops
}
