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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			require.FailNow(t, "channel did not close")
		}
	}
}

func TestRun_DropsEventsAfterTerminal(t *testing.T) {
	events := collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		assert.True(t, e.Send(PromptEvent("p")))
		e.Send(FinalEvent("done", nil))
		assert.True(t, e.Finished())
		assert.False(t, e.Send(PartialEvent("late")))
		e.Fail("also late")
	}))

	require.Len(t, events, 2)
	assert.Equal(t, EventPrompt, events[0].Kind)
	assert.Equal(t, EventFinal, events[1].Kind)
}

func TestRun_RecoversPanic(t *testing.T) {
	events := collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		e.Send(PromptEvent("p"))
		panic("nil map")
	}))

	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Kind)
	assert.Equal(t, "Test request failed: internal error: nil map", events[1].Text)
}

func TestRun_MissingTerminal(t *testing.T) {
	events := collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		e.Send(PromptEvent("p"))
	}))

	require.Len(t, events, 2)
	assert.Equal(t, "Test request failed: adapter produced no response", events[1].Text)
}

func TestRun_ConsumerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	ch := Run(ctx, "Test", func(e *Emitter) {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if !e.Send(PartialEvent("x")) {
				return
			}
		}
	})

	<-ch
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer kept running after cancellation")
	}
	for range ch {
	}
}

func TestReply_PartialsAndFinal(t *testing.T) {
	req := &GenerationRequest{
		Prompt:   "Alice:",
		Sampling: Sampling{StopSequences: []string{"###"}},
		Reply:    ReplyContext{ReplyAs: "Alice", Characters: []string{"Bob"}},
	}

	events := collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		r := NewReply(e, req, "Test")
		assert.Equal(t, []string{"###"}, r.Stops())
		assert.True(t, r.OnToken("  "))
		assert.True(t, r.OnToken("  Hi"))
		assert.True(t, r.OnToken("  Hi there"))
		assert.False(t, r.OnToken("  Hi there\nBob:"))
		assert.Equal(t, 2, r.Partials())
		r.Finish("  Hi there\nBob:", &ResponseMeta{Adapter: "test"})
	}))

	require.Len(t, events, 3)
	assert.Equal(t, "Hi", events[0].Text)
	assert.Equal(t, "Hi there", events[1].Text)
	assert.Equal(t, EventFinal, events[2].Kind)
	assert.Equal(t, "Hi there", events[2].Text)
	assert.True(t, events[2].Meta.Usage.Estimated)
}

func TestReply_PartialsAreSanitized(t *testing.T) {
	req := &GenerationRequest{UserID: "u1", Prompt: "Say hi."}
	events := collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		r := NewReply(e, req, "Test")
		for _, text := range []string{" Hi<|im", " Hi<|im_end|>", " Hi<|im_end|> there"} {
			assert.True(t, r.OnToken(text))
		}
		assert.Equal(t, 2, r.Partials())
		r.Finish(" Hi<|im_end|> there", &ResponseMeta{Adapter: "test"})
	}))

	require.Len(t, events, 3)
	assert.Equal(t, PartialEvent("Hi"), events[0])
	assert.Equal(t, PartialEvent("Hi there"), events[1])
	assert.Equal(t, EventFinal, events[2].Kind)
	assert.Equal(t, "Hi there", events[2].Text)
}

func TestReply_EmptyIsError(t *testing.T) {
	events := collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		NewReply(e, &GenerationRequest{}, "Test").Finish(" \n ", &ResponseMeta{})
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "Test request failed: received an empty response", events[0].Text)
}

func TestReply_FailPrefixesOnce(t *testing.T) {
	events := collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		NewReply(e, &GenerationRequest{}, "Test").Fail(&UpstreamError{Message: "Test request failed: boom", StatusCode: 500})
	}))
	assert.Equal(t, "Test request failed: boom (status 500)", events[0].Text)

	events = collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		NewReply(e, &GenerationRequest{}, "Test").Fail(assert.AnError)
	}))
	assert.Equal(t, "Test request failed: "+assert.AnError.Error(), events[0].Text)
}

func TestClampDynatemp(t *testing.T) {
	tests := []struct {
		temp, rng float64
		want      float64
		changed   bool
	}{
		{1.0, 0.5, 0.5, false},
		{1.0, 0, 0, false},
		{0.5, 0.5, 0.4, true},
		{0.5, 2.0, 0.4, true},
		{0.05, 0.3, 0, true},
	}
	for _, tt := range tests {
		got, changed := ClampDynatemp(tt.temp, tt.rng)
		assert.InDelta(t, tt.want, got, 1e-9)
		assert.Equal(t, tt.changed, changed)
		if tt.rng > 0 {
			assert.True(t, got < tt.temp || got == 0)
		}
	}
}

func TestReply_DynatempWarning(t *testing.T) {
	s := Sampling{Temp: 0.8, DynatempRange: 1.0}
	events := collect(t, Run(context.Background(), "Test", func(e *Emitter) {
		r := NewReply(e, &GenerationRequest{}, "Test")
		r.Dynatemp(&s)
		e.Send(FinalEvent("ok", nil))
	}))
	require.Len(t, events, 2)
	assert.Equal(t, EventWarning, events[0].Kind)
	assert.InDelta(t, 0.7, s.DynatempRange, 1e-9)
}
