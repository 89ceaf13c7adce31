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

// Package llmtest provides helpers for testing adapters.
package llmtest

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstream/orchestrator/llm"
)

// Collect drains ch, failing the test if it does not close in time.
func Collect(t testing.TB, ch <-chan llm.Event) []llm.Event {
	t.Helper()
	var out []llm.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			require.FailNow(t, "adapter channel did not close", "events so far: %v", out)
			return out
		}
	}
}

// Kinds lists the event kinds in order.
func Kinds(events []llm.Event) []llm.EventKind {
	out := make([]llm.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// Last returns the final element, which must be terminal.
func Last(t testing.TB, events []llm.Event) llm.Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Terminal(), "last event %s is not terminal", last.Kind)
	return last
}

// Partials returns the text of every partial event.
func Partials(events []llm.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == llm.EventPartial {
			out = append(out, ev.Text)
		}
	}
	return out
}

// AssertMonotonic checks that partial texts never shrink.
func AssertMonotonic(t testing.TB, events []llm.Event) {
	t.Helper()
	prev := 0
	for _, p := range Partials(events) {
		assert.GreaterOrEqual(t, len(p), prev, "partial %q shrank", p)
		prev = len(p)
	}
}

// AssertErrorFirst checks that a validation failure is the first and only event.
func AssertErrorFirst(t testing.TB, events []llm.Event, contains string) {
	t.Helper()
	require.Len(t, events, 1, "events: %v", events)
	assert.Equal(t, llm.EventError, events[0].Kind)
	assert.Contains(t, events[0].Text, contains)
}

// WriteSSE writes one server-sent event and flushes it.
func WriteSSE(w http.ResponseWriter, event, data string) {
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// StartSSE sets stream headers.
func StartSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}
