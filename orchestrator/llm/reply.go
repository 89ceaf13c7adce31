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
	"strings"

	"genstream/orchestrator/llm/sanitize"
)

// Reply turns upstream text into partial and final events for one request.
type Reply struct {
	e     *Emitter
	label string
	opts  sanitize.Options

	partials int
	last     string
}

// NewReply prepares the sanitizer inputs for req.
func NewReply(e *Emitter, req *GenerationRequest, label string) *Reply {
	return &Reply{
		e:     e,
		label: label,
		opts: sanitize.Options{
			Prompt:        req.Prompt,
			Stops:         sanitize.ParseStops(req.Sampling.StopSequences),
			Names:         req.Reply.StopNames(),
			TrimSentences: req.Sampling.TrimSentences,
		},
	}
}

// Stops returns the parsed stop sequences.
func (r *Reply) Stops() []string {
	return r.opts.Stops
}

// OnToken is handed to Consume. It forwards the cumulative text as a
// partial event and asks to stop once a stop sequence or another
// participant's turn shows up.
func (r *Reply) OnToken(text string) bool {
	if _, hit := sanitize.Cutoff(text, r.opts.Stops, r.opts.Names); hit {
		return false
	}
	out := sanitize.Partial(text)
	if out == "" || out == r.last {
		return true
	}
	r.last = out
	r.partials++
	return r.e.Send(PartialEvent(out))
}

// Partials reports how many partial events were sent.
func (r *Reply) Partials() int {
	return r.partials
}

// Warn sends a warning event.
func (r *Reply) Warn(format string, args ...any) {
	r.e.Send(WarningEvent(fmt.Sprintf(format, args...)))
}

// Fail sends the adapter's terminal error.
func (r *Reply) Fail(err error) {
	msg := err.Error()
	if !strings.HasPrefix(msg, r.label+" ") {
		msg = fmt.Sprintf("%s request failed: %s", r.label, msg)
	}
	r.e.Fail("%s", msg)
}

// Complete drives seq to its end and returns the raw reply text. Streamed
// tokens are concatenated; a buffered body goes through extract. The
// returned body is the terminal payload, nil when the stream was cut short.
func (r *Reply) Complete(ctx context.Context, seq <-chan Chunk, extract func(body json.RawMessage) (string, error)) (string, json.RawMessage, error) {
	comp, err := Consume(seq, r.OnToken)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", nil, errors.New("timed out waiting for the backend")
		}
		return "", nil, err
	}
	if comp.Streamed || extract == nil {
		return comp.Text, comp.Body, nil
	}
	text, err := extract(comp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("received a malformed response: %w", err)
	}
	return text, comp.Body, nil
}

// Finish sanitizes raw and sends the final event. Empty upstream text is an
// error.
func (r *Reply) Finish(raw string, meta *ResponseMeta) {
	if strings.TrimSpace(raw) == "" {
		r.e.Fail("%s request failed: received an empty response", r.label)
		return
	}
	if meta != nil && meta.Usage.TotalTokens == 0 {
		meta.Usage = EstimateUsage(r.opts.Prompt, raw)
	}
	r.e.Send(FinalEvent(sanitize.Response(raw, r.opts), meta))
}

// ClampDynatemp keeps the dynamic temperature range below temp. It returns
// the range to send and whether it had to be corrected.
func ClampDynatemp(temp, rng float64) (float64, bool) {
	if rng <= 0 || rng < temp {
		return rng, false
	}
	fixed := temp - 0.1
	if fixed < 0 {
		fixed = 0
	}
	return fixed, true
}

// Dynatemp clamps s.DynatempRange in place and warns when it changed.
func (r *Reply) Dynatemp(s *Sampling) {
	fixed, changed := ClampDynatemp(s.Temp, s.DynatempRange)
	if !changed {
		return
	}
	r.Warn("Dynamic temperature range %.2f must be lower than temperature %.2f; using %.2f",
		s.DynatempRange, s.Temp, fixed)
	s.DynatempRange = fixed
}
