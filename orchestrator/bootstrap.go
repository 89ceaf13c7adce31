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

package orchestrator

import (
	"fmt"
	"sort"

	"genstream/orchestrator/llm"
	"genstream/orchestrator/llm/bedrock"
	"genstream/orchestrator/llm/claude"
	"genstream/orchestrator/llm/kobold"
	"genstream/orchestrator/llm/mancer"
	"genstream/orchestrator/llm/novel"
	"genstream/orchestrator/llm/openai"
	"genstream/shared/config"
)

// BootstrapOptions configures the built-in adapters.
type BootstrapOptions struct {
	Adapter llm.AdapterOptions

	// NovelBaseURL overrides the NovelAI API host.
	NovelBaseURL string

	// BedrockInvoker overrides Bedrock client construction.
	BedrockInvoker bedrock.InvokerFactory
}

// NewDefaultRegistry returns a registry holding every built-in adapter.
func NewDefaultRegistry(opts BootstrapOptions) *llm.Registry {
	r := llm.NewRegistry()

	kobold.Register(r, opts.Adapter)
	novel.Register(r, novel.Options{AdapterOptions: opts.Adapter, BaseURL: opts.NovelBaseURL})
	mancer.Register(r, opts.Adapter)
	openai.Register(r, opts.Adapter)
	claude.Register(r, opts.Adapter)
	bedrock.Register(r, bedrock.Options{AdapterOptions: opts.Adapter, NewInvoker: opts.BedrockInvoker})

	return r
}

// DefaultSettings converts configured adapter defaults into typed settings.
// Secret references must already be resolved.
func DefaultSettings(adapters map[string]config.AdapterConfig) (map[string]llm.Settings, error) {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]llm.Settings, len(adapters))
	for _, name := range names {
		s, err := settingsFromConfig(name, adapters[name])
		if err != nil {
			return nil, fmt.Errorf("adapters.%s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

func settingsFromConfig(name string, c config.AdapterConfig) (llm.Settings, error) {
	zero, err := llm.NewSettings(name)
	if err != nil {
		return nil, err
	}

	switch zero.(type) {
	case llm.KoboldSettings:
		return llm.KoboldSettings{URL: c.URL}, nil
	case llm.NovelSettings:
		return llm.NovelSettings{APIKey: c.APIKey, Model: c.Model}, nil
	case llm.MancerSettings:
		return llm.MancerSettings{APIKey: c.APIKey, Model: c.Model, URL: c.URL}, nil
	case llm.OpenAISettings:
		return llm.OpenAISettings{APIKey: c.APIKey, Model: c.Model, URL: c.URL}, nil
	case llm.ClaudeSettings:
		return llm.ClaudeSettings{APIKey: c.APIKey, Model: c.Model, URL: c.URL}, nil
	case llm.BedrockSettings:
		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			return nil, fmt.Errorf("access_key_id and secret_access_key must be set together")
		}
		return llm.BedrockSettings{
			Region:          c.Region,
			Model:           c.Model,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
		}, nil
	}
	return zero, nil
}
