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
	"errors"
	"fmt"
	"strings"
)

// doneSentinel ends OpenAI-style streams.
const doneSentinel = "[DONE]"

// SSEData builds a wire format for streams that carry one JSON object per
// data line. decode receives the raw payload of every event except the
// [DONE] sentinel.
func SSEData(name string, decode func(data []byte) (tokens []string, done bool, err error)) WireFormat {
	return WireFormat{
		Name: name,
		Decode: func(ev SSEEvent) ([]string, bool, error) {
			data := strings.TrimSpace(ev.Data)
			if data == doneSentinel {
				return nil, true, nil
			}
			if ev.Event == "error" {
				return nil, false, streamError(data)
			}
			return decode([]byte(data))
		},
	}
}

// streamError turns an SSE error payload into an error.
func streamError(data string) error {
	if msg := upstreamMessage(0, []byte(data)); msg != "" && msg != data {
		return errors.New(msg)
	}
	if data == "" {
		return errors.New("upstream reported an error")
	}
	return errors.New(data)
}

type openAIStreamChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

func decodeOpenAI(data []byte, chat bool) ([]string, bool, error) {
	var chunk openAIStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, fmt.Errorf("malformed stream event: %w", err)
	}
	if msg := rawMessage(chunk.Error); msg != "" {
		return nil, false, errors.New(msg)
	}
	var out []string
	for _, c := range chunk.Choices {
		if chat {
			out = append(out, c.Delta.Content)
		} else {
			out = append(out, c.Text)
		}
	}
	return out, false, nil
}

// OpenAIText decodes /v1/completions streams.
var OpenAIText = SSEData("openai-text", func(data []byte) ([]string, bool, error) {
	return decodeOpenAI(data, false)
})

// OpenAIChat decodes /v1/chat/completions streams.
var OpenAIChat = SSEData("openai-chat", func(data []byte) ([]string, bool, error) {
	return decodeOpenAI(data, true)
})

// OpenAIUsage is the usage block of OpenAI-compatible responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stats converts the usage block.
func (u *OpenAIUsage) Stats() UsageStats {
	if u == nil {
		return UsageStats{}
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return UsageStats{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: total}
}
