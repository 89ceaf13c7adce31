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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockHTTPClient is a mock HTTP client for testing
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			require.FailNow(t, "sequence did not end")
		}
	}
}

var testWire = SSEData("test", func(data []byte) ([]string, bool, error) {
	var ev struct {
		Token string `json:"token"`
		Stop  bool   `json:"stop"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, err
	}
	return []string{ev.Token}, ev.Stop, nil
})

// =============================================================================
// RequestFullCompletion
// =============================================================================

func TestRequestFullCompletion_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["prompt"])
		_, _ = w.Write([]byte(`{"results":[{"text":"hi"}]}`))
	}))
	defer srv.Close()

	chunks := drain(t, RequestFullCompletion(context.Background(), srv.Client(), Upstream{
		AdapterID: "test",
		URL:       srv.URL,
		Headers:   map[string]string{"X-API-KEY": "secret"},
		Body:      map[string]string{"prompt": "hello"},
	}))

	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)
	assert.JSONEq(t, `{"results":[{"text":"hi"}]}`, string(chunks[0].Body))
}

func TestRequestFullCompletion_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantMsg    string
	}{
		{"json error object", 500, `{"error":{"message":"boom"}}`, 500, "Test request failed: boom (status 500)"},
		{"json error string", 400, `{"error":"bad prompt"}`, 400, "Test request failed: bad prompt (status 400)"},
		{"html page", 502, `<html>Bad Gateway</html>`, 502, "Test request failed: Bad Gateway (status 502)"},
		{"plain text", 429, `slow down`, 429, "Test request failed: slow down (status 429)"},
		{"malformed 200", 200, `not json`, 200, "Test request failed: received a malformed response (status 200)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			chunks := drain(t, RequestFullCompletion(context.Background(), srv.Client(), Upstream{
				AdapterID: "test", Label: "Test", URL: srv.URL,
			}))
			require.Len(t, chunks, 1)
			require.Error(t, chunks[0].Err)

			var upErr *UpstreamError
			require.True(t, errors.As(chunks[0].Err, &upErr))
			assert.Equal(t, tt.wantStatus, upErr.StatusCode)
			assert.Equal(t, tt.wantMsg, upErr.Error())
		})
	}
}

func TestRequestFullCompletion_TransportError(t *testing.T) {
	client := new(MockHTTPClient)
	client.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	chunks := drain(t, RequestFullCompletion(context.Background(), client, Upstream{
		AdapterID: "test", Label: "Test", URL: "http://127.0.0.1:1",
	}))
	require.Len(t, chunks, 1)
	assert.EqualError(t, chunks[0].Err, "Test request failed: connection refused")
	client.AssertExpectations(t)
}

// =============================================================================
// StreamCompletion
// =============================================================================

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			_, _ = fmt.Fprint(w, l)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamCompletion_Tokens(t *testing.T) {
	srv := sseServer(t,
		": keep-alive\n\n",
		"event: message\ndata: {\"token\":\"Hel\"}\n\n",
		"data: {\"token\":\"lo\"}\r\n\r\n",
		"data: {\"token\":\"\",\"stop\":true}\n\n",
		"data: {\"token\":\"ignored\"}\n\n",
	)

	chunks := drain(t, StreamCompletion(context.Background(), srv.Client(), Upstream{AdapterID: "test", URL: srv.URL}, testWire))

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Token)
	assert.Equal(t, "lo", chunks[1].Token)
	assert.True(t, chunks[2].Done)
	assert.JSONEq(t, `{"token":"","stop":true}`, string(chunks[2].Body))
}

func TestStreamCompletion_EOFWithoutStop(t *testing.T) {
	srv := sseServer(t, "data: {\"token\":\"a\"}\n\n", "data: {\"token\":\"b\"}")

	comp, err := Consume(StreamCompletion(context.Background(), srv.Client(), Upstream{URL: srv.URL}, testWire), nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", comp.Text)
	assert.True(t, comp.Streamed)
	assert.False(t, comp.Truncated)
}

func TestStreamCompletion_ErrorEvent(t *testing.T) {
	srv := sseServer(t, "data: {\"token\":\"a\"}\n\n", "event: error\ndata: {\"error\":{\"message\":\"overloaded\"}}\n\n")

	chunks := drain(t, StreamCompletion(context.Background(), srv.Client(), Upstream{Label: "Test", URL: srv.URL}, testWire))
	last := chunks[len(chunks)-1]
	require.Error(t, last.Err)
	assert.Equal(t, "Test request failed: stream interrupted: overloaded", last.Err.Error())
}

func TestStreamCompletion_MalformedEvent(t *testing.T) {
	srv := sseServer(t, "data: {oops\n\n")

	chunks := drain(t, StreamCompletion(context.Background(), srv.Client(), Upstream{Label: "Test", URL: srv.URL}, testWire))
	require.Len(t, chunks, 1)
	assert.Error(t, chunks[0].Err)
}

func TestStreamCompletion_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	chunks := drain(t, StreamCompletion(context.Background(), srv.Client(), Upstream{Label: "Test", URL: srv.URL}, testWire))
	require.Len(t, chunks, 1)
	var upErr *UpstreamError
	require.True(t, errors.As(chunks[0].Err, &upErr))
	assert.Equal(t, http.StatusForbidden, upErr.StatusCode)
}

func TestStreamCompletion_CancelStopsProducer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"token\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	seq := StreamCompletion(ctx, srv.Client(), Upstream{URL: srv.URL}, testWire)

	first := <-seq
	assert.Equal(t, "first", first.Token)
	cancel()

	// The producer closes the channel without a terminal chunk.
	for c := range seq {
		assert.False(t, c.Done)
	}
}

func TestConsume_StopsEarly(t *testing.T) {
	srv := sseServer(t,
		"data: {\"token\":\"one \"}\n\n",
		"data: {\"token\":\"STOP\"}\n\n",
		"data: {\"token\":\"three\"}\n\n",
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	comp, err := Consume(StreamCompletion(ctx, srv.Client(), Upstream{URL: srv.URL}, testWire), func(text string) bool {
		seen = append(seen, text)
		return !strings.Contains(text, "STOP")
	})
	require.NoError(t, err)
	assert.True(t, comp.Truncated)
	assert.Equal(t, "one STOP", comp.Text)
	assert.Nil(t, comp.Body)
	assert.Equal(t, []string{"one ", "one STOP"}, seen)
}

// =============================================================================
// Once and helpers
// =============================================================================

func TestOnce(t *testing.T) {
	chunks := drain(t, Once(context.Background(), func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)

	chunks = drain(t, Once(context.Background(), func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("sdk failed")
	}))
	require.Len(t, chunks, 1)
	assert.EqualError(t, chunks[0].Err, "sdk failed")
}

func TestOnce_RecoversPanic(t *testing.T) {
	chunks := drain(t, Once(context.Background(), func(ctx context.Context) (json.RawMessage, error) {
		panic("nil client")
	}))
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].Done)
	assert.EqualError(t, chunks[0].Err, "upstream call panicked: nil client")
}

func TestConsume_BufferedAndStreamedShareLoop(t *testing.T) {
	buffered := make(chan Chunk, 1)
	buffered <- Chunk{Done: true, Body: json.RawMessage(`{"text":"x"}`)}
	close(buffered)

	comp, err := Consume(buffered, func(string) bool { t.Fatal("no tokens expected"); return true })
	require.NoError(t, err)
	assert.False(t, comp.Streamed)
	assert.Equal(t, "", comp.Text)
	assert.JSONEq(t, `{"text":"x"}`, string(comp.Body))

	closed := make(chan Chunk)
	close(closed)
	_, err = Consume(closed, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadSSE_MultilineData(t *testing.T) {
	var events []SSEEvent
	err := readSSE(strings.NewReader("event: x\ndata: line1\ndata: line2\nid: 7\n\ndata:nospace\n\n"), func(ev SSEEvent) (bool, error) {
		events = append(events, ev)
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, SSEEvent{Event: "x", Data: "line1\nline2"}, events[0])
	assert.Equal(t, SSEEvent{Data: "nospace"}, events[1])
}

func TestOpenAIFormats(t *testing.T) {
	tokens, done, err := OpenAIText.Decode(SSEEvent{Data: `{"choices":[{"text":"hi"}]}`})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, []string{"hi"}, tokens)

	tokens, _, err = OpenAIChat.Decode(SSEEvent{Data: `{"choices":[{"delta":{"content":"yo"}}]}`})
	require.NoError(t, err)
	assert.Equal(t, []string{"yo"}, tokens)

	_, done, err = OpenAIChat.Decode(SSEEvent{Data: "[DONE]"})
	require.NoError(t, err)
	assert.True(t, done)

	_, _, err = OpenAIText.Decode(SSEEvent{Data: `{"error":{"message":"quota"}}`})
	assert.EqualError(t, err, "quota")
}
