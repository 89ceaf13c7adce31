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

// Package novel implements the NovelAI text generation adapter.
package novel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"genstream/orchestrator/llm"
)

const (
	// ID is the adapter id.
	ID = llm.AdapterNovel

	// Label prefixes error messages.
	Label = "NovelAI"

	// DefaultBaseURL is the NovelAI API.
	DefaultBaseURL = "https://api.novelai.net"

	// DefaultModel is used when no model is configured.
	DefaultModel = "kayra-v1"

	// MaxLength is the longest reply the API generates in one call.
	MaxLength = 150
)

// Descriptor advertises the adapter.
var Descriptor = llm.Descriptor{
	ID:    ID,
	Label: "NovelAI",
	Settings: []llm.SettingField{
		{Field: "apiKey", Label: "API Key", Secret: true, Type: llm.FieldPassword},
		{Field: "model", Label: "Model", Type: llm.FieldSelect, Preset: true,
			Options: []string{"kayra-v1", "clio-v1", "llama-3-erato-v1"}},
	},
	Options: []string{
		"temp", "topK", "topP", "topA", "minP", "typicalP", "tailFreeSampling", "cfgScale",
		"repetitionPenalty", "repetitionPenaltyRange", "repetitionPenaltySlope",
		"frequencyPenalty", "presencePenalty", "samplerOrder", "streamResponse",
	},
	Streaming: true,
}

// Options configures the adapter.
type Options struct {
	llm.AdapterOptions

	// BaseURL overrides DefaultBaseURL.
	BaseURL string
}

type generateRequest struct {
	Input      string     `json:"input"`
	Model      string     `json:"model"`
	Parameters parameters `json:"parameters"`
}

type parameters struct {
	UseString                  bool    `json:"use_string"`
	Temperature                float64 `json:"temperature,omitempty"`
	MaxLength                  int     `json:"max_length"`
	MinLength                  int     `json:"min_length"`
	TopK                       int     `json:"top_k,omitempty"`
	TopP                       float64 `json:"top_p,omitempty"`
	TopA                       float64 `json:"top_a,omitempty"`
	MinP                       float64 `json:"min_p,omitempty"`
	TypicalP                   float64 `json:"typical_p,omitempty"`
	TailFreeSampling           float64 `json:"tail_free_sampling,omitempty"`
	RepetitionPenalty          float64 `json:"repetition_penalty,omitempty"`
	RepetitionPenaltyRange     int     `json:"repetition_penalty_range,omitempty"`
	RepetitionPenaltySlope     float64 `json:"repetition_penalty_slope,omitempty"`
	RepetitionPenaltyFrequency float64 `json:"repetition_penalty_frequency,omitempty"`
	RepetitionPenaltyPresence  float64 `json:"repetition_penalty_presence,omitempty"`
	CFGScale                   float64 `json:"cfg_scale,omitempty"`
	Order                      []int   `json:"order,omitempty"`
	GenerateUntilSentence      bool    `json:"generate_until_sentence"`
}

type generateResponse struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

type streamEvent struct {
	Token string `json:"token"`
	Final bool   `json:"final"`
	Error string `json:"error"`
}

// wireFormat decodes /ai/generate-stream newToken events.
var wireFormat = llm.SSEData("novel", func(data []byte) ([]string, bool, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, fmt.Errorf("malformed stream event: %w", err)
	}
	if ev.Error != "" {
		return nil, false, fmt.Errorf("%s", ev.Error)
	}
	return []string{ev.Token}, ev.Final, nil
})

type adapter struct {
	opts    llm.AdapterOptions
	baseURL string
}

// Register adds the NovelAI adapter to r.
func Register(r *llm.Registry, opts Options) {
	a := &adapter{
		opts:    opts.AdapterOptions.WithDefaults(),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
	if a.baseURL == "" {
		a.baseURL = DefaultBaseURL
	}
	r.Register(ID, a.handle, Descriptor)
}

func (a *adapter) handle(ctx context.Context, req *llm.GenerationRequest) <-chan llm.Event {
	return llm.Run(ctx, Label, func(e *llm.Emitter) {
		settings, _ := llm.SettingsAs[llm.NovelSettings](req.Settings)
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

		body := generateRequest{
			Input:      req.Prompt,
			Model:      model,
			Parameters: buildParameters(req.Sampling),
		}
		if req.Sampling.MaxTokens > MaxLength {
			reply.Warn("NovelAI generates at most %d tokens per reply; requested %d", MaxLength, req.Sampling.MaxTokens)
		}

		callCtx, cancel := a.opts.Deadline(ctx)
		defer cancel()

		up := llm.Upstream{
			UserID:    req.Identity(),
			RequestID: req.RequestID,
			AdapterID: ID,
			Label:     Label,
			Headers:   map[string]string{"Authorization": "Bearer " + settings.APIKey},
			Body:      body,
			Logger:    a.opts.Logger,
		}

		start := time.Now()
		var seq <-chan llm.Chunk
		if req.Stream {
			up.URL = a.baseURL + "/ai/generate-stream"
			seq = llm.StreamCompletion(callCtx, a.opts.Client, up, wireFormat)
		} else {
			up.URL = a.baseURL + "/ai/generate"
			seq = llm.RequestFullCompletion(callCtx, a.opts.Client, up)
		}

		text, _, err := reply.Complete(callCtx, seq, func(raw json.RawMessage) (string, error) {
			var resp generateResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return "", err
			}
			if resp.Error != "" {
				return "", fmt.Errorf("%s", resp.Error)
			}
			return resp.Output, nil
		})
		if err != nil {
			reply.Fail(err)
			return
		}

		reply.Finish(text, &llm.ResponseMeta{
			Adapter:  ID,
			Model:    model,
			Latency:  time.Since(start),
			Streamed: req.Stream,
		})
	})
}

func buildParameters(s llm.Sampling) parameters {
	maxLength := s.MaxTokens
	if maxLength <= 0 || maxLength > MaxLength {
		maxLength = MaxLength
	}

	p := parameters{
		UseString:                  true,
		Temperature:                s.Temp,
		MaxLength:                  maxLength,
		MinLength:                  1,
		TopK:                       s.TopK,
		TopP:                       s.TopP,
		TopA:                       s.TopA,
		MinP:                       s.MinP,
		TypicalP:                   s.TypicalP,
		TailFreeSampling:           s.TailFreeSampling,
		RepetitionPenalty:          s.RepetitionPenalty,
		RepetitionPenaltyRange:     s.RepetitionPenaltyRange,
		RepetitionPenaltySlope:     s.RepetitionPenaltySlope,
		RepetitionPenaltyFrequency: s.FrequencyPenalty,
		RepetitionPenaltyPresence:  s.PresencePenalty,
		CFGScale:                   s.CFGScale,
		GenerateUntilSentence:      true,
	}

	order, _ := llm.ToSamplerOrder(ID, s.SamplerOrder, s.DisabledSamplers)
	if len(order) > 0 {
		p.Order = order
	}
	return p
}
