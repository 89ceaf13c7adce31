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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstream/orchestrator/llm"
	"genstream/shared/config"
)

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(BootstrapOptions{})

	ids := make([]string, 0)
	for _, d := range r.List() {
		ids = append(ids, d.ID)
		assert.NotEmpty(t, d.Label, "adapter %s has a label", d.ID)
	}
	assert.Equal(t, []string{
		llm.AdapterBedrock, llm.AdapterClaude, llm.AdapterKobold,
		llm.AdapterMancer, llm.AdapterNovel, llm.AdapterOpenAI,
	}, ids)

	bedrock, err := r.Get(llm.AdapterBedrock)
	require.NoError(t, err)
	assert.False(t, bedrock.Descriptor.Streaming)

	kobold, err := r.Get(llm.AdapterKobold)
	require.NoError(t, err)
	assert.True(t, kobold.Descriptor.Streaming)
	assert.True(t, kobold.Descriptor.Supports("samplerOrder"))
}

func TestDefaultSettings(t *testing.T) {
	got, err := DefaultSettings(map[string]config.AdapterConfig{
		"kobold":  {URL: "http://localhost:5001", APIKey: "ignored"},
		"novel":   {APIKey: "pst-1", Model: "kayra-v1"},
		"mancer":  {APIKey: "mcr", Model: "mytholite", URL: "https://mancer.example"},
		"openai":  {APIKey: "sk", Model: "gpt-4o-mini"},
		"claude":  {APIKey: "sk-ant", Model: "claude-3-5-haiku-20241022"},
		"bedrock": {Region: "us-west-2", Model: "anthropic.claude-3-haiku-20240307-v1:0", AccessKeyID: "AKIA", SecretAccessKey: "s"},
	})
	require.NoError(t, err)
	require.Len(t, got, 6)

	assert.Equal(t, llm.KoboldSettings{URL: "http://localhost:5001"}, got["kobold"])
	assert.Equal(t, llm.NovelSettings{APIKey: "pst-1", Model: "kayra-v1"}, got["novel"])
	assert.Equal(t, llm.MancerSettings{APIKey: "mcr", Model: "mytholite", URL: "https://mancer.example"}, got["mancer"])
	assert.Equal(t, llm.OpenAISettings{APIKey: "sk", Model: "gpt-4o-mini"}, got["openai"])
	assert.Equal(t, llm.ClaudeSettings{APIKey: "sk-ant", Model: "claude-3-5-haiku-20241022"}, got["claude"])

	b, ok := llm.SettingsAs[llm.BedrockSettings](got["bedrock"])
	require.True(t, ok)
	assert.Equal(t, "us-west-2", b.Region)
	assert.Equal(t, "AKIA", b.AccessKeyID)
}

func TestDefaultSettings_Errors(t *testing.T) {
	_, err := DefaultSettings(map[string]config.AdapterConfig{"horde": {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapters.horde")
	assert.True(t, llm.IsConfigError(err))

	_, err = DefaultSettings(map[string]config.AdapterConfig{"bedrock": {AccessKeyID: "AKIA"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")
}

func TestDefaultSettings_Empty(t *testing.T) {
	got, err := DefaultSettings(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
