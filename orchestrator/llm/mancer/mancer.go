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

// Package mancer implements the Mancer adapter, an OpenAI-compatible text
// completion API.
package mancer

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
	ID = llm.AdapterMancer

	// Label prefixes error messages.
	Label = "Mancer"

	// DefaultURL is the completions endpoint.
	DefaultURL = "https://neuro.mancer.tech/oai/v1/completions"
)

// Descriptor advertises the adapter.
var Descriptor = llm.Descriptor{
	ID:    ID,
	Label: "Mancer",
	Settings: []llm.SettingField{
		{Field: "apiKey", Label: "API Key", Secret: true, Type: llm.FieldPassword},
		{Field: "model", Label: "Model", Type: llm.FieldText, Preset: true},
		{Field: "url", Label: "Endpoint URL", Type: llm.FieldText},
	},
	Options: []string{
		"temp", "topK", "topP", "topA", "minP", "typicalP", "tailFreeSampling",
		"repetitionPenalty", "frequencyPenalty", "presencePenalty", "streamResponse",
	},
	Streaming: true,
}

type completionRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	TopP              float64  `json:"top_p,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	TopA              float64  `json:"top_a,omitempty"`
	MinP              float64  `json:"min_p,omitempty"`
	TypicalP          float64  `json:"typical_p,omitempty"`
	TFS               float64  `json:"tfs,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	FrequencyPenalty  float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty   float64  `json:"presence_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Stream            bool     `json:"stream"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Usage *llm.OpenAIUsage `json:"usage"`
}

type adapter struct {
	opts llm.AdapterOptions
}

// Register adds the Mancer adapter to r.
func Register(r *llm.Registry, opts llm.AdapterOptions) {
	a := &adapter{opts: opts.WithDefaults()}
	r.Register(ID, a.handle, Descriptor)
}

func (a *adapter) handle(ctx context.Context, req *llm.GenerationRequest) <-chan llm.Event {
	return llm.Run(ctx, Label, func(e *llm.Emitter) {
		settings, _ := llm.SettingsAs[llm.MancerSettings](req.Settings)
		if settings.APIKey == "" {
			e.Fail("%s request failed: no API key configured", Label)
			return
		}
		if settings.Model == "" {
			e.Fail("%s request failed: no model selected", Label)
			return
		}
		endpoint := strings.TrimSpace(settings.URL)
		if endpoint == "" {
			endpoint = DefaultURL
		}

		reply := llm.NewReply(e, req, Label)
		if !e.Send(llm.PromptEvent(req.Prompt)) {
			return
		}

		s := req.Sampling
		body := completionRequest{
			Model:             settings.Model,
			Prompt:            req.Prompt,
			MaxTokens:         s.MaxTokens,
			Temperature:       s.Temp,
			TopP:              s.TopP,
			TopK:              s.TopK,
			TopA:              s.TopA,
			MinP:              s.MinP,
			TypicalP:          s.TypicalP,
			TFS:               s.TailFreeSampling,
			RepetitionPenalty: s.RepetitionPenalty,
			FrequencyPenalty:  s.FrequencyPenalty,
			PresencePenalty:   s.PresencePenalty,
			Stop:              reply.Stops(),
			Stream:            req.Stream,
		}

		callCtx, cancel := a.opts.Deadline(ctx)
		defer cancel()

		up := llm.Upstream{
			UserID:    req.Identity(),
			RequestID: req.RequestID,
			AdapterID: ID,
			Label:     Label,
			URL:       endpoint,
			Headers:   map[string]string{"X-API-KEY": settings.APIKey},
			Body:      body,
			Logger:    a.opts.Logger,
		}

		start := time.Now()
		var seq <-chan llm.Chunk
		if req.Stream {
			seq = llm.StreamCompletion(callCtx, a.opts.Client, up, llm.OpenAIText)
		} else {
			seq = llm.RequestFullCompletion(callCtx, a.opts.Client, up)
		}

		meta := &llm.ResponseMeta{Adapter: ID, Model: settings.Model, Streamed: req.Stream}
		text, raw, err := reply.Complete(callCtx, seq, func(body json.RawMessage) (string, error) {
			var resp completionResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", errors.New("no choices")
			}
			meta.Usage = resp.Usage.Stats()
			return resp.Choices[0].Text, nil
		})
		if err != nil {
			reply.Fail(err)
			return
		}
		if req.Stream && raw != nil {
			var last completionResponse
			if json.Unmarshal(raw, &last) == nil {
				meta.Usage = last.Usage.Stats()
			}
		}

		meta.Latency = time.Since(start)
		reply.Finish(text, meta)
	})
}
