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

// Package kobold implements the KoboldAI / KoboldCpp adapter.
package kobold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"genstream/orchestrator/llm"
)

const (
	// ID is the adapter id.
	ID = llm.AdapterKobold

	// Label prefixes error messages.
	Label = "Kobold"

	generatePath = "/api/v1/generate"
	streamPath   = "/api/extra/generate/stream"
)

// Descriptor advertises the adapter.
var Descriptor = llm.Descriptor{
	ID:    ID,
	Label: "KoboldAI",
	Settings: []llm.SettingField{
		{Field: "url", Label: "Kobold URL", Type: llm.FieldText},
	},
	Options: []string{
		"temp", "dynatemp", "topK", "topP", "topA", "minP", "typicalP", "tailFreeSampling",
		"repetitionPenalty", "repetitionPenaltyRange", "repetitionPenaltySlope",
		"samplerOrder", "streamResponse",
	},
	Streaming: true,
}

// generateRequest is the KoboldAI generate payload.
type generateRequest struct {
	Prompt           string   `json:"prompt"`
	MaxLength        int      `json:"max_length,omitempty"`
	MaxContextLength int      `json:"max_context_length,omitempty"`
	Temperature      float64  `json:"temperature,omitempty"`
	DynatempRange    float64  `json:"dynatemp_range,omitempty"`
	DynatempExponent float64  `json:"dynatemp_exponent,omitempty"`
	TopK             int      `json:"top_k"`
	TopP             float64  `json:"top_p"`
	TopA             float64  `json:"top_a"`
	MinP             float64  `json:"min_p"`
	Typical          float64  `json:"typical"`
	TFS              float64  `json:"tfs"`
	RepPen           float64  `json:"rep_pen,omitempty"`
	RepPenRange      int      `json:"rep_pen_range,omitempty"`
	RepPenSlope      float64  `json:"rep_pen_slope,omitempty"`
	SamplerOrder     []int    `json:"sampler_order,omitempty"`
	StopSequence     []string `json:"stop_sequence,omitempty"`
	TrimStop         bool     `json:"trim_stop"`
}

type generateResponse struct {
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
}

type streamEvent struct {
	Token        string `json:"token"`
	FinishReason string `json:"finish_reason"`
}

// wireFormat decodes /api/extra/generate/stream events.
var wireFormat = llm.SSEData("kobold", func(data []byte) ([]string, bool, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, fmt.Errorf("malformed stream event: %w", err)
	}
	done := ev.FinishReason != "" && ev.FinishReason != "null"
	return []string{ev.Token}, done, nil
})

type adapter struct {
	opts llm.AdapterOptions
}

// Register adds the Kobold adapter to r.
func Register(r *llm.Registry, opts llm.AdapterOptions) {
	a := &adapter{opts: opts.WithDefaults()}
	r.Register(ID, a.handle, Descriptor)
}

func (a *adapter) handle(ctx context.Context, req *llm.GenerationRequest) <-chan llm.Event {
	return llm.Run(ctx, Label, func(e *llm.Emitter) {
		settings, _ := llm.SettingsAs[llm.KoboldSettings](req.Settings)
		base, err := NormalizeURL(settings.URL)
		if err != nil {
			e.Fail("%s request failed: %v", Label, err)
			return
		}

		reply := llm.NewReply(e, req, Label)
		if !e.Send(llm.PromptEvent(req.Prompt)) {
			return
		}

		sampling := req.Sampling
		reply.Dynatemp(&sampling)
		body := buildRequest(req.Prompt, sampling, reply.Stops())

		callCtx, cancel := a.opts.Deadline(ctx)
		defer cancel()

		up := llm.Upstream{
			UserID:    req.Identity(),
			RequestID: req.RequestID,
			AdapterID: ID,
			Label:     Label,
			Body:      body,
			Logger:    a.opts.Logger,
		}

		start := time.Now()
		var seq <-chan llm.Chunk
		if req.Stream {
			up.URL = base + streamPath
			seq = llm.StreamCompletion(callCtx, a.opts.Client, up, wireFormat)
		} else {
			up.URL = base + generatePath
			seq = llm.RequestFullCompletion(callCtx, a.opts.Client, up)
		}

		text, _, err := reply.Complete(callCtx, seq, extractText)
		if err != nil {
			reply.Fail(err)
			return
		}

		reply.Finish(text, &llm.ResponseMeta{
			Adapter:  ID,
			Latency:  time.Since(start),
			Streamed: req.Stream,
		})
	})
}

func extractText(body json.RawMessage) (string, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "", errors.New("no results")
	}
	return resp.Results[0].Text, nil
}

// neutral values switch a sampler off.
var neutral = map[string]func(r *generateRequest){
	"topK":              func(r *generateRequest) { r.TopK = 0 },
	"topA":              func(r *generateRequest) { r.TopA = 0 },
	"topP":              func(r *generateRequest) { r.TopP = 1 },
	"tailFreeSampling":  func(r *generateRequest) { r.TFS = 1 },
	"typicalP":          func(r *generateRequest) { r.Typical = 1 },
	"repetitionPenalty": func(r *generateRequest) { r.RepPen = 1 },
}

func buildRequest(prompt string, s llm.Sampling, stops []string) generateRequest {
	body := generateRequest{
		Prompt:           prompt,
		MaxLength:        s.MaxTokens,
		MaxContextLength: s.MaxContext,
		Temperature:      s.Temp,
		DynatempRange:    s.DynatempRange,
		DynatempExponent: s.DynatempExponent,
		TopK:             s.TopK,
		TopP:             orOne(s.TopP),
		TopA:             s.TopA,
		MinP:             s.MinP,
		Typical:          orOne(s.TypicalP),
		TFS:              orOne(s.TailFreeSampling),
		RepPen:           s.RepetitionPenalty,
		RepPenRange:      s.RepetitionPenaltyRange,
		RepPenSlope:      s.RepetitionPenaltySlope,
		StopSequence:     stops,
		TrimStop:         true,
	}

	order, disabled := llm.ToSamplerOrder(ID, s.SamplerOrder, s.DisabledSamplers)
	for _, name := range llm.SamplerNames(ID, disabled) {
		if fn, ok := neutral[name]; ok {
			fn(&body)
		}
	}
	if len(order) > 0 {
		// KoboldCpp wants every slot listed; disabled samplers run last
		// with neutral values.
		body.SamplerOrder = append(order, disabled...)
	}
	return body
}

func orOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// NormalizeURL validates a Kobold base URL and strips known API suffixes.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("no Kobold URL configured")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid Kobold URL %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	path := strings.TrimRight(u.Path, "/")
	for _, suffix := range []string{generatePath, streamPath, "/api/v1", "/api"} {
		path = strings.TrimSuffix(path, suffix)
	}
	u.Path = path
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}
