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
	"encoding/json"
	"fmt"
	"strings"
)

// Built-in adapter ids.
const (
	AdapterKobold  = "kobold"
	AdapterNovel   = "novel"
	AdapterMancer  = "mancer"
	AdapterOpenAI  = "openai"
	AdapterClaude  = "claude"
	AdapterBedrock = "bedrock"
)

// Settings is the closed set of per-adapter configuration records. Use
// SettingsAs to narrow to a concrete type.
type Settings interface {
	// Adapter returns the adapter id these settings belong to.
	Adapter() string

	// withDefaults fills empty fields from d, which has the same concrete type.
	withDefaults(d Settings) Settings
}

// KoboldSettings configures a KoboldAI or KoboldCpp server.
type KoboldSettings struct {
	URL string `json:"url" yaml:"url"`
}

// NovelSettings configures NovelAI.
type NovelSettings struct {
	APIKey string `json:"apiKey" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

// MancerSettings configures Mancer.
type MancerSettings struct {
	APIKey string `json:"apiKey" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
	URL    string `json:"url,omitempty" yaml:"url"`
}

// OpenAISettings configures OpenAI or any compatible chat completions API.
type OpenAISettings struct {
	APIKey string `json:"apiKey" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
	URL    string `json:"url,omitempty" yaml:"url"`
}

// ClaudeSettings configures Anthropic's Messages API.
type ClaudeSettings struct {
	APIKey string `json:"apiKey" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
	URL    string `json:"url,omitempty" yaml:"url"`
}

// BedrockSettings configures AWS Bedrock. Empty keys fall back to the
// default AWS credential chain.
type BedrockSettings struct {
	Region          string `json:"region" yaml:"region"`
	Model           string `json:"model" yaml:"model"`
	AccessKeyID     string `json:"accessKeyId,omitempty" yaml:"access_key_id"`
	SecretAccessKey string `json:"secretAccessKey,omitempty" yaml:"secret_access_key"`
}

func (KoboldSettings) Adapter() string  { return AdapterKobold }
func (NovelSettings) Adapter() string   { return AdapterNovel }
func (MancerSettings) Adapter() string  { return AdapterMancer }
func (OpenAISettings) Adapter() string  { return AdapterOpenAI }
func (ClaudeSettings) Adapter() string  { return AdapterClaude }
func (BedrockSettings) Adapter() string { return AdapterBedrock }

func (s KoboldSettings) withDefaults(d Settings) Settings {
	if def, ok := d.(KoboldSettings); ok {
		s.URL = orDefault(s.URL, def.URL)
	}
	return s
}

func (s NovelSettings) withDefaults(d Settings) Settings {
	if def, ok := d.(NovelSettings); ok {
		s.APIKey = orDefault(s.APIKey, def.APIKey)
		s.Model = orDefault(s.Model, def.Model)
	}
	return s
}

func (s MancerSettings) withDefaults(d Settings) Settings {
	if def, ok := d.(MancerSettings); ok {
		if sameEndpoint(s.URL, def.URL) {
			s.APIKey = orDefault(s.APIKey, def.APIKey)
		}
		s.Model = orDefault(s.Model, def.Model)
		s.URL = orDefault(s.URL, def.URL)
	}
	return s
}

func (s OpenAISettings) withDefaults(d Settings) Settings {
	if def, ok := d.(OpenAISettings); ok {
		if sameEndpoint(s.URL, def.URL) {
			s.APIKey = orDefault(s.APIKey, def.APIKey)
		}
		s.Model = orDefault(s.Model, def.Model)
		s.URL = orDefault(s.URL, def.URL)
	}
	return s
}

func (s ClaudeSettings) withDefaults(d Settings) Settings {
	if def, ok := d.(ClaudeSettings); ok {
		if sameEndpoint(s.URL, def.URL) {
			s.APIKey = orDefault(s.APIKey, def.APIKey)
		}
		s.Model = orDefault(s.Model, def.Model)
		s.URL = orDefault(s.URL, def.URL)
	}
	return s
}

func (s BedrockSettings) withDefaults(d Settings) Settings {
	if def, ok := d.(BedrockSettings); ok {
		s.Region = orDefault(s.Region, def.Region)
		s.Model = orDefault(s.Model, def.Model)
		// Keys travel as a pair.
		if s.AccessKeyID == "" && s.SecretAccessKey == "" {
			s.AccessKeyID = def.AccessKeyID
			s.SecretAccessKey = def.SecretAccessKey
		}
	}
	return s
}

// sameEndpoint reports whether a request URL targets the endpoint the
// server defaults were configured for. Server keys are only sent there.
func sameEndpoint(url, def string) bool {
	if strings.TrimSpace(url) == "" {
		return true
	}
	return normalizeURL(url) == normalizeURL(def)
}

func normalizeURL(u string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(u), "/"))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// SettingsAs narrows s to the concrete settings type T.
func SettingsAs[T Settings](s Settings) (T, bool) {
	t, ok := s.(T)
	return t, ok
}

// MergeSettings fills empty fields of s from defaults. Either may be nil.
// Settings for different adapters are not merged.
func MergeSettings(s, defaults Settings) Settings {
	switch {
	case s == nil:
		return defaults
	case defaults == nil || defaults.Adapter() != s.Adapter():
		return s
	default:
		return s.withDefaults(defaults)
	}
}

// NewSettings returns zero-valued settings for a built-in adapter id.
func NewSettings(service string) (Settings, error) {
	switch service {
	case AdapterKobold:
		return KoboldSettings{}, nil
	case AdapterNovel:
		return NovelSettings{}, nil
	case AdapterMancer:
		return MancerSettings{}, nil
	case AdapterOpenAI:
		return OpenAISettings{}, nil
	case AdapterClaude:
		return ClaudeSettings{}, nil
	case AdapterBedrock:
		return BedrockSettings{}, nil
	default:
		return nil, &NotFoundError{ID: service}
	}
}

// DecodeSettings decodes raw JSON into the settings type for service.
// An empty payload yields zero-valued settings.
func DecodeSettings(service string, raw json.RawMessage) (Settings, error) {
	zero, err := NewSettings(service)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return zero, nil
	}

	var s Settings
	switch zero.(type) {
	case KoboldSettings:
		s, err = decodeInto[KoboldSettings](raw)
	case NovelSettings:
		s, err = decodeInto[NovelSettings](raw)
	case MancerSettings:
		s, err = decodeInto[MancerSettings](raw)
	case OpenAISettings:
		s, err = decodeInto[OpenAISettings](raw)
	case ClaudeSettings:
		s, err = decodeInto[ClaudeSettings](raw)
	case BedrockSettings:
		s, err = decodeInto[BedrockSettings](raw)
	}
	if err != nil {
		return nil, &ConfigError{
			Adapter: service,
			Code:    ErrCodeInvalidSettings,
			Message: fmt.Sprintf("invalid settings: %v", err),
			Cause:   err,
		}
	}
	return s, nil
}

func decodeInto[T Settings](raw json.RawMessage) (Settings, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
