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

/*
Package usage records generation usage to PostgreSQL.

Only the terminal outcome of a generation leaves the engine: adapter, model,
requester identity, token counts and latency. Token counts come from the
backend when it reports them and are otherwise estimated at four characters
per token.

	db, _ := sql.Open("postgres", databaseURL)
	recorder := usage.NewRecorder(db, log)
	_ = recorder.Migrate(ctx)

	err := recorder.RecordGeneration(ctx, usage.GenerationEvent{
	    RequestID:        "req-1",
	    Identity:         "user-42",
	    Adapter:          "openai",
	    Model:            "gpt-4o-mini",
	    PromptTokens:     150,
	    CompletionTokens: 200,
	    Latency:          1200 * time.Millisecond,
	    Outcome:          usage.OutcomeSuccess,
	})

A Recorder without a database discards every event, so callers never need
to branch on whether metering is configured. Recording failures are logged
and returned; they must never fail the generation itself.

Cost is estimated from the pricing table in pricing.go:

	cost := usage.CalculateCost("claude", "claude-3-5-haiku-20241022", 1000, 500)
*/
package usage
