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

// Package bedrock implements the AWS Bedrock adapter using AWS SDK v2.
// Requests are signed with Signature V4, from static keys when the user
// supplies them or from the default credential chain otherwise.
package bedrock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"genstream/orchestrator/llm"
	"genstream/orchestrator/llm/claude"
)

const (
	// ID is the adapter id.
	ID = llm.AdapterBedrock

	// Label prefixes error messages.
	Label = "Bedrock"

	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	anthropicVersion = "bedrock-2023-05-31"
)

// Descriptor advertises the adapter.
var Descriptor = llm.Descriptor{
	ID:    ID,
	Label: "AWS Bedrock",
	Settings: []llm.SettingField{
		{Field: "region", Label: "Region", Type: llm.FieldText},
		{Field: "model", Label: "Model ID", Type: llm.FieldText, Preset: true},
		{Field: "accessKeyId", Label: "Access Key ID", Secret: true, Type: llm.FieldPassword},
		{Field: "secretAccessKey", Label: "Secret Access Key", Secret: true, Type: llm.FieldPassword},
	},
	Options:   []string{"temp", "topK", "topP"},
	Streaming: false,
}

// Invoker is the subset of the Bedrock runtime client the adapter uses.
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// InvokerFactory builds an Invoker for the given settings.
type InvokerFactory func(ctx context.Context, s llm.BedrockSettings) (Invoker, error)

// Options configures the adapter.
type Options struct {
	llm.AdapterOptions

	// NewInvoker overrides client construction (tests).
	NewInvoker InvokerFactory
}

type adapter struct {
	opts       llm.AdapterOptions
	newInvoker InvokerFactory

	mu      sync.Mutex
	clients map[string]Invoker
}

// Register adds the Bedrock adapter to r.
func Register(r *llm.Registry, opts Options) {
	a := &adapter{
		opts:       opts.AdapterOptions.WithDefaults(),
		newInvoker: opts.NewInvoker,
		clients:    make(map[string]Invoker),
	}
	if a.newInvoker == nil {
		a.newInvoker = NewSDKInvoker
	}
	r.Register(ID, a.handle, Descriptor)
}

// NewSDKInvoker loads AWS configuration for the region and returns a
// Bedrock runtime client.
func NewSDKInvoker(ctx context.Context, s llm.BedrockSettings) (Invoker, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.Region)}
	if s.AccessKeyID != "" && s.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config (region: %s): %w", s.Region, err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// invoker returns a cached client per region and credential set. Clients
// are built outside the lock; when two requests race, the first stored wins.
func (a *adapter) invoker(ctx context.Context, s llm.BedrockSettings) (Invoker, error) {
	key := clientKey(s)

	a.mu.Lock()
	inv, ok := a.clients[key]
	a.mu.Unlock()
	if ok {
		return inv, nil
	}

	inv, err := a.newInvoker(ctx, s)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cached, ok := a.clients[key]; ok {
		return cached, nil
	}
	a.clients[key] = inv
	return inv, nil
}

// clientKey identifies a client by region and a digest of the full key
// pair, so a cached client is never reused with a different secret.
func clientKey(s llm.BedrockSettings) string {
	if s.AccessKeyID == "" && s.SecretAccessKey == "" {
		return s.Region + "|default"
	}
	sum := sha256.Sum256([]byte(s.AccessKeyID + "\x00" + s.SecretAccessKey))
	return s.Region + "|" + hex.EncodeToString(sum[:])
}

func (a *adapter) handle(ctx context.Context, req *llm.GenerationRequest) <-chan llm.Event {
	return llm.Run(ctx, Label, func(e *llm.Emitter) {
		settings, _ := llm.SettingsAs[llm.BedrockSettings](req.Settings)
		if settings.Region == "" {
			settings.Region = DefaultRegion
		}
		if settings.Model == "" {
			settings.Model = DefaultModel
		}
		if (settings.AccessKeyID == "") != (settings.SecretAccessKey == "") {
			e.Fail("%s request failed: access key id and secret access key must be set together", Label)
			return
		}
		family := ModelFamily(settings.Model)
		if family == "" {
			e.Fail("%s request failed: unsupported model %q", Label, settings.Model)
			return
		}

		reply := llm.NewReply(e, req, Label)
		if !e.Send(llm.PromptEvent(req.Prompt)) {
			return
		}
		if req.Stream {
			reply.Warn("Bedrock does not stream; the reply arrives in one piece")
		}

		body, err := buildRequest(family, req, reply.Stops())
		if err != nil {
			reply.Fail(err)
			return
		}

		callCtx, cancel := a.opts.Deadline(ctx)
		defer cancel()

		inv, err := a.invoker(callCtx, settings)
		if err != nil {
			reply.Fail(err)
			return
		}

		start := time.Now()
		seq := llm.Once(callCtx, func(ctx context.Context) (json.RawMessage, error) {
			out, err := inv.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
				ModelId:     aws.String(settings.Model),
				Body:        body,
				ContentType: aws.String("application/json"),
				Accept:      aws.String("application/json"),
			})
			if err != nil {
				return nil, a.upstreamError(req, err)
			}
			if !json.Valid(out.Body) {
				return nil, errors.New("received a malformed response")
			}
			return out.Body, nil
		})

		meta := &llm.ResponseMeta{Adapter: ID, Model: settings.Model}
		text, _, err := reply.Complete(callCtx, seq, func(raw json.RawMessage) (string, error) {
			text, usage, err := parseResponse(family, raw)
			meta.Usage = usage
			return text, err
		})
		if err != nil {
			reply.Fail(err)
			return
		}

		meta.Latency = time.Since(start)
		reply.Finish(text, meta)
	})
}

// upstreamError extracts the HTTP status and service message from an SDK
// error.
func (a *adapter) upstreamError(req *llm.GenerationRequest, err error) error {
	out := &llm.UpstreamError{Adapter: ID, Cause: err, Message: fmt.Sprintf("%s request failed: %v", Label, err)}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		out.Message = fmt.Sprintf("%s request failed: %s", Label, apiErr.ErrorMessage())
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		out.StatusCode = respErr.HTTPStatusCode()
	}

	a.opts.Logger.ErrorWithCode(req.Identity(), req.RequestID, "Bedrock invocation failed", out.StatusCode, err, map[string]interface{}{
		"adapter": ID,
	})
	return out
}

// inferenceProfilePrefixes are the known AWS Bedrock inference profile prefixes.
var inferenceProfilePrefixes = map[string]bool{"eu": true, "us": true, "apac": true, "global": true}

var supportedFamilies = map[string]bool{"anthropic": true, "amazon": true, "meta": true, "mistral": true}

// ModelFamily returns the provider segment of a model or inference profile
// id, or "" when unsupported.
//
//	anthropic.claude-3-5-sonnet-20240620-v1:0 -> anthropic
//	us.anthropic.claude-sonnet-4-5-20250929-v1:0 -> anthropic
func ModelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}
	family := segments[0]
	if inferenceProfilePrefixes[family] {
		family = segments[1]
	}
	if !supportedFamilies[family] {
		return ""
	}
	return family
}

func buildRequest(family string, req *llm.GenerationRequest, stops []string) ([]byte, error) {
	s := req.Sampling
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claude.DefaultMaxTokens
	}

	var body any
	switch family {
	case "anthropic":
		r := claude.BuildRequest(req, stops)
		r.AnthropicVersion = anthropicVersion
		body = r
	case "amazon":
		body = map[string]interface{}{
			"inputText": req.Prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   s.Temp,
				"topP":          orDefault(s.TopP, 0.9),
				"stopSequences": stops,
			},
		}
	case "meta":
		body = map[string]interface{}{
			"prompt":      req.Prompt,
			"max_gen_len": maxTokens,
			"temperature": s.Temp,
			"top_p":       orDefault(s.TopP, 0.9),
		}
	case "mistral":
		body = map[string]interface{}{
			"prompt":      req.Prompt,
			"max_tokens":  maxTokens,
			"temperature": s.Temp,
			"top_p":       orDefault(s.TopP, 0.9),
			"top_k":       s.TopK,
			"stop":        stops,
		}
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
	return json.Marshal(body)
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func parseResponse(family string, raw []byte) (string, llm.UsageStats, error) {
	switch family {
	case "anthropic":
		var resp claude.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", llm.UsageStats{}, err
		}
		return resp.Text(), resp.Stats(), nil

	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", llm.UsageStats{}, err
		}
		if len(resp.Results) == 0 {
			return "", llm.UsageStats{}, errors.New("no results")
		}
		out := resp.Results[0]
		return out.OutputText, usage(resp.InputTextTokenCount, out.TokenCount), nil

	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", llm.UsageStats{}, err
		}
		return resp.Generation, usage(resp.PromptTokenCount, resp.GenTokenCount), nil

	case "mistral":
		var resp struct {
			Outputs []struct {
				Text string `json:"text"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", llm.UsageStats{}, err
		}
		if len(resp.Outputs) == 0 {
			return "", llm.UsageStats{}, errors.New("no outputs")
		}
		// Mistral doesn't provide token counts
		return resp.Outputs[0].Text, llm.UsageStats{}, nil
	}
	return "", llm.UsageStats{}, fmt.Errorf("unsupported model family: %s", family)
}

func usage(prompt, completion int) llm.UsageStats {
	return llm.UsageStats{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}
