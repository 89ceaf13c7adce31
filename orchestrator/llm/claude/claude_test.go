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

package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstream/orchestrator/llm"
	"genstream/orchestrator/llm/llmtest"
)

func handler(t *testing.T) llm.Handler {
	t.Helper()
	r := llm.NewRegistry()
	Register(r, llm.AdapterOptions{})
	a, err := r.Get(ID)
	require.NoError(t, err)
	return a.Handler
}

func request(url string, stream bool) *llm.GenerationRequest {
	return &llm.GenerationRequest{
		UserID:   "user-1",
		Settings: llm.ClaudeSettings{APIKey: "test-key", URL: url},
		Prompt:   "Hello",
		Stream:   stream,
		Sampling: llm.Sampling{Temp: 1.4, TopK: 5},
	}
}

func TestHandle_MissingKey(t *testing.T) {
	req := request("", true)
	req.Settings = llm.ClaudeSettings{Model: DefaultModel}
	llmtest.AssertErrorFirst(t, llmtest.Collect(t, handler(t)(context.Background(), req)),
		"Claude request failed: no API key configured")
}

func TestHandle_BufferedAndStreamedAgree(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, DefaultAPIVersion, r.Header.Get("anthropic-version"))

		var body Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, DefaultModel, body.Model)
		assert.Equal(t, DefaultMaxTokens, body.MaxTokens)
		require.NotNil(t, body.Temperature)
		assert.Equal(t, 1.0, *body.Temperature)
		require.NotNil(t, body.TopK)
		assert.Equal(t, 5, *body.TopK)

		if !body.Stream {
			_, _ = w.Write([]byte(`{"id":"msg_1","model":"claude-3-5-sonnet-20241022","content":[{"type":"text","text":"Hi! Nice day."}],` +
				`"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":4}}`))
			return
		}
		llmtest.StartSSE(w)
		llmtest.WriteSSE(w, "message_start", `{"type":"message_start","message":{"model":"claude-3-5-sonnet-20241022"}}`)
		llmtest.WriteSSE(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi!"}}`)
		llmtest.WriteSSE(w, "ping", `{"type":"ping"}`)
		llmtest.WriteSSE(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":" Nice day."}}`)
		llmtest.WriteSSE(w, "message_stop", `{"type":"message_stop"}`)
	}))
	defer srv.Close()
	h := handler(t)

	buffered := llmtest.Collect(t, h(context.Background(), request(srv.URL, false)))
	streamed := llmtest.Collect(t, h(context.Background(), request(srv.URL, true)))

	b := llmtest.Last(t, buffered)
	s := llmtest.Last(t, streamed)
	require.Equal(t, llm.EventFinal, b.Kind, b.Text)
	require.Equal(t, llm.EventFinal, s.Kind, s.Text)
	assert.Equal(t, "Hi! Nice day.", b.Text)
	assert.Equal(t, b.Text, s.Text)
	assert.Equal(t, []string{"Hi!", "Hi! Nice day."}, llmtest.Partials(streamed))
	assert.Equal(t, 9, b.Meta.Usage.TotalTokens)
}

func TestHandle_OverloadedStreamEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		llmtest.StartSSE(w)
		llmtest.WriteSSE(w, "error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	events := llmtest.Collect(t, handler(t)(context.Background(), request(srv.URL, true)))
	assert.Equal(t, []llm.EventKind{llm.EventPrompt, llm.EventError}, llmtest.Kinds(events))
	assert.Contains(t, events[1].Text, "Claude request failed:")
	assert.Contains(t, events[1].Text, "Overloaded")
}

func TestHandle_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Rate limit exceeded"}}`))
	}))
	defer srv.Close()

	events := llmtest.Collect(t, handler(t)(context.Background(), request(srv.URL, false)))
	assert.Equal(t, "Claude request failed: Rate limit exceeded (status 429)", llmtest.Last(t, events).Text)
}

func TestBuildRequest(t *testing.T) {
	req := &llm.GenerationRequest{Prompt: "p", Sampling: llm.Sampling{MaxTokens: 64, TopP: 0.9}}
	body := BuildRequest(req, []string{"\nUser:"})

	assert.Equal(t, 64, body.MaxTokens)
	assert.Nil(t, body.Temperature)
	require.NotNil(t, body.TopP)
	assert.Equal(t, 0.9, *body.TopP)
	assert.Nil(t, body.TopK)
	assert.Equal(t, []string{"\nUser:"}, body.StopSequences)
	assert.Equal(t, []Message{{Role: "user", Content: "p"}}, body.Messages)
}
