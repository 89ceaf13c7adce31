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
	"fmt"
)

// Handler is the contract every backend adapter implements. It returns a
// channel of events that the adapter closes after its terminal event (or
// after ctx is cancelled). The first event is an EventError when required
// settings are missing; otherwise an EventPrompt precedes any partial or
// terminal event. Handlers must not block: the work happens in a goroutine.
type Handler func(ctx context.Context, req *GenerationRequest) <-chan Event

// FieldType is the UI type of a setting field.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
	FieldSelect   FieldType = "select"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
)

// SettingField declares one configuration field an adapter reads.
type SettingField struct {
	Field  string    `json:"field"`
	Label  string    `json:"label"`
	Secret bool      `json:"secret"`
	Type   FieldType `json:"type"`

	// Preset fields are persisted with a generation preset rather than with
	// the user's account settings.
	Preset bool `json:"preset,omitempty"`

	Options []string `json:"options,omitempty"`
}

// Descriptor advertises an adapter. It is immutable once registered.
type Descriptor struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Settings []SettingField `json:"settings"`

	// Options lists the sampling option names the adapter honours.
	Options []string `json:"options"`

	// Streaming reports whether the adapter can produce partial events.
	Streaming bool `json:"streaming"`
}

// Supports reports whether the adapter honours the named sampling option.
func (d Descriptor) Supports(option string) bool {
	for _, o := range d.Options {
		if o == option {
			return true
		}
	}
	return false
}

// Adapter is a registered handler with its descriptor.
type Adapter struct {
	Handler    Handler
	Descriptor Descriptor
}

// Emitter delivers events from an adapter goroutine. It drops everything
// after a terminal event and gives up once the context is done.
type Emitter struct {
	ctx      context.Context
	ch       chan<- Event
	finished bool
}

// Send delivers ev. It returns false when the consumer is gone or the
// sequence already ended; adapters stop working when that happens.
func (e *Emitter) Send(ev Event) bool {
	if e.finished {
		return false
	}
	if ev.Terminal() {
		e.finished = true
	}
	select {
	case e.ch <- ev:
		return !e.finished
	case <-e.ctx.Done():
		e.finished = true
		return false
	}
}

// Fail sends a terminal error event.
func (e *Emitter) Fail(format string, args ...any) {
	e.Send(ErrorEvent(fmt.Sprintf(format, args...)))
}

// Finished reports whether a terminal event was sent or the consumer left.
func (e *Emitter) Finished() bool {
	return e.finished
}

// Run executes fn in a goroutine and returns the event channel it feeds.
// The channel is closed when fn returns. A panic inside fn becomes an
// error event so nothing escapes the adapter boundary.
func Run(ctx context.Context, label string, fn func(e *Emitter)) <-chan Event {
	ch := make(chan Event, 8)
	em := &Emitter{ctx: ctx, ch: ch}

	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				em.Fail("%s request failed: internal error: %v", label, r)
			}
		}()
		fn(em)
		if !em.finished && ctx.Err() == nil {
			em.Fail("%s request failed: adapter produced no response", label)
		}
	}()

	return ch
}
