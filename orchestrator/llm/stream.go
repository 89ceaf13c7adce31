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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genstream/shared/logger"
)

const (
	// maxErrorBody bounds how much of a failed response is read for diagnosis.
	maxErrorBody = 64 << 10

	// maxSSELine bounds a single SSE line.
	maxSSELine = 1 << 20
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Upstream describes one call to a backend.
type Upstream struct {
	UserID    string
	RequestID string

	// AdapterID and Label identify the adapter in logs and error messages.
	AdapterID string
	Label     string

	URL     string
	Method  string
	Headers map[string]string

	// Body is marshalled to JSON. A json.RawMessage or []byte is sent as is.
	Body any

	Logger *logger.Logger
}

// Chunk is one element of a primitive's sequence. Every sequence ends with
// exactly one terminal chunk: Err set, or Done set with the final body.
type Chunk struct {
	// Token is a text fragment decoded from a stream.
	Token string

	// Err ends the sequence with a failure.
	Err error

	// Done ends the sequence successfully.
	Done bool

	// Body is the parsed completion on the Done chunk: the whole response for
	// buffered calls, the last JSON payload for streams.
	Body json.RawMessage
}

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// WireFormat decodes stream events into token fragments.
type WireFormat struct {
	Name string

	// Decode returns the fragments carried by ev. done ends the stream
	// successfully; err ends it with a failure.
	Decode func(ev SSEEvent) (tokens []string, done bool, err error)
}

// RequestFullCompletion performs one buffered POST and yields a single
// terminal chunk carrying the parsed body.
func RequestFullCompletion(ctx context.Context, client HTTPClient, up Upstream) <-chan Chunk {
	ch := make(chan Chunk, 1)

	go func() {
		defer close(ch)
		start := time.Now()

		resp, err := up.do(ctx, client, false)
		if err != nil {
			sendChunk(ctx, ch, Chunk{Err: err})
			return
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			sendChunk(ctx, ch, Chunk{Err: up.fail(0, fmt.Sprintf("failed to read response: %v", err), err)})
			return
		}
		if !json.Valid(body) {
			sendChunk(ctx, ch, Chunk{Err: up.fail(resp.StatusCode, "received a malformed response", nil)})
			return
		}

		up.log().Debug(up.UserID, up.RequestID, "Upstream completion received", map[string]interface{}{
			"adapter":     up.AdapterID,
			"duration_ms": time.Since(start).Milliseconds(),
			"bytes":       len(body),
		})
		sendChunk(ctx, ch, Chunk{Done: true, Body: body})
	}()

	return ch
}

// StreamCompletion opens a server-sent-events response and yields one chunk
// per decoded token, then a terminal chunk carrying the last JSON payload.
func StreamCompletion(ctx context.Context, client HTTPClient, up Upstream, format WireFormat) <-chan Chunk {
	ch := make(chan Chunk, 16)

	go func() {
		defer close(ch)

		resp, err := up.do(ctx, client, true)
		if err != nil {
			sendChunk(ctx, ch, Chunk{Err: err})
			return
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		var last json.RawMessage
		tokens := 0
		err = readSSE(resp.Body, func(ev SSEEvent) (bool, error) {
			if json.Valid([]byte(ev.Data)) {
				last = json.RawMessage(ev.Data)
			}
			frags, done, err := format.Decode(ev)
			if err != nil {
				return false, err
			}
			for _, frag := range frags {
				if frag == "" {
					continue
				}
				tokens++
				if !sendChunk(ctx, ch, Chunk{Token: frag}) {
					return false, ctx.Err()
				}
			}
			return !done, nil
		})

		if ctx.Err() != nil {
			// Consumer cancelled; nobody is listening for a terminal chunk.
			return
		}
		if err != nil {
			var upErr *UpstreamError
			if !errors.As(err, &upErr) {
				err = up.fail(0, fmt.Sprintf("stream interrupted: %v", err), err)
			}
			sendChunk(ctx, ch, Chunk{Err: err})
			return
		}

		up.log().Debug(up.UserID, up.RequestID, "Upstream stream finished", map[string]interface{}{
			"adapter": up.AdapterID,
			"format":  format.Name,
			"tokens":  tokens,
		})
		sendChunk(ctx, ch, Chunk{Done: true, Body: last})
	}()

	return ch
}

// Once adapts a call that is not plain HTTP (an SDK client) to the same
// terminal-chunk contract.
func Once(ctx context.Context, fn func(ctx context.Context) (json.RawMessage, error)) <-chan Chunk {
	ch := make(chan Chunk, 1)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("upstream call panicked: %v", r)})
			}
		}()
		body, err := fn(ctx)
		if err != nil {
			sendChunk(ctx, ch, Chunk{Err: err})
			return
		}
		sendChunk(ctx, ch, Chunk{Done: true, Body: body})
	}()
	return ch
}

// Completion is the outcome of consuming a primitive's sequence.
type Completion struct {
	// Text is the concatenation of all streamed tokens (empty for buffered calls).
	Text string

	// Body is the terminal payload. Nil when the stream was cut short.
	Body json.RawMessage

	// Streamed is true when at least one token arrived.
	Streamed bool

	// Truncated is true when onToken asked to stop early.
	Truncated bool
}

// Consume drives a primitive's sequence to its terminal chunk. onToken sees
// the cumulative streamed text after each token and returns false to stop
// early; the caller must then cancel the context it passed to the primitive.
// The loop is the same for buffered and streamed sequences.
func Consume(seq <-chan Chunk, onToken func(text string) bool) (*Completion, error) {
	var sb strings.Builder
	out := &Completion{}

	for chunk := range seq {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err
		case chunk.Done:
			out.Text = sb.String()
			out.Body = chunk.Body
			return out, nil
		case chunk.Token != "":
			sb.WriteString(chunk.Token)
			out.Streamed = true
			if onToken != nil && !onToken(sb.String()) {
				out.Text = sb.String()
				out.Truncated = true
				return out, nil
			}
		}
	}

	// Closed without a terminal chunk: the context was cancelled.
	return nil, context.Canceled
}

func sendChunk(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (up Upstream) log() *logger.Logger {
	if up.Logger == nil {
		return logger.Nop()
	}
	return up.Logger
}

func (up Upstream) label() string {
	if up.Label != "" {
		return up.Label
	}
	return up.AdapterID
}

// fail builds an UpstreamError and logs it.
func (up Upstream) fail(status int, msg string, cause error) *UpstreamError {
	err := &UpstreamError{
		Adapter:    up.AdapterID,
		StatusCode: status,
		Message:    fmt.Sprintf("%s request failed: %s", up.label(), msg),
		Cause:      cause,
	}
	up.log().ErrorWithCode(up.UserID, up.RequestID, "Upstream request failed", status, cause, map[string]interface{}{
		"adapter": up.AdapterID,
		"reason":  msg,
	})
	return err
}

// do sends the request and returns the response when the status is 2xx.
func (up Upstream) do(ctx context.Context, client HTTPClient, stream bool) (*http.Response, error) {
	var payload []byte
	switch b := up.Body.(type) {
	case nil:
	case json.RawMessage:
		payload = b
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(b)
		if err != nil {
			return nil, up.fail(0, fmt.Sprintf("failed to marshal request: %v", err), err)
		}
	}

	method := up.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, up.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, up.fail(0, fmt.Sprintf("failed to create request: %v", err), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range up.Headers {
		req.Header.Set(k, v)
	}

	up.log().Debug(up.UserID, up.RequestID, "Sending upstream request", map[string]interface{}{
		"adapter": up.AdapterID,
		"stream":  stream,
	})

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, up.fail(0, fmt.Sprintf("request cancelled: %v", ctx.Err()), ctx.Err())
		}
		return nil, up.fail(0, err.Error(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, up.fail(resp.StatusCode, upstreamMessage(resp.StatusCode, body), nil)
	}

	return resp, nil
}

// upstreamMessage extracts a human-readable message from an error body.
func upstreamMessage(status int, body []byte) string {
	var parsed struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if msg := rawMessage(parsed.Error); msg != "" {
			return msg
		}
		if parsed.Message != "" {
			return parsed.Message
		}
		if msg := rawMessage(parsed.Detail); msg != "" {
			return msg
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "<") {
		return http.StatusText(status)
	}
	if len(text) > 300 {
		text = text[:300] + "..."
	}
	return text
}

// rawMessage reads a field that is either a string or an object with a
// message field.
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Msg
	}
	return ""
}

// readSSE parses server-sent events from r and calls fn for each one. fn
// returns false to stop reading.
func readSSE(r io.Reader, fn func(ev SSEEvent) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)

	var ev SSEEvent
	var data []string

	dispatch := func() (bool, error) {
		if len(data) == 0 {
			ev = SSEEvent{}
			return true, nil
		}
		ev.Data = strings.Join(data, "\n")
		cont, err := fn(ev)
		ev = SSEEvent{}
		data = data[:0]
		return cont, err
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if line == "" {
			cont, err := dispatch()
			if err != nil || !cont {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	_, err := dispatch()
	return err
}
