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
Package llm defines the adapter contract of the generation engine and the
primitives adapters are built from.

# Adapters

An adapter is a Handler registered under an id with a Descriptor that
advertises its settings form, the sampling options it honours and whether it
can stream:

	r := llm.NewRegistry()
	kobold.Register(r, llm.AdapterOptions{Logger: log})

	adapter, err := r.Get("kobold")
	for ev := range adapter.Handler(ctx, req) {
		...
	}

A handler returns a channel of Events. Validation failures produce a single
Error event. Otherwise the sequence starts with a Prompt event echoing the
text sent upstream, continues with Warning and cumulative Partial events,
and ends with exactly one Error or Final event. Handlers built with Run
never panic past the channel.

# Streaming primitives

RequestFullCompletion, StreamCompletion and Once turn one upstream call into
a channel of Chunks whose last element is the terminal result: either an
error or the response body. Adapters drain it with Reply.Complete, which
forwards cumulative partials, stops the stream early when a stop sequence
or another participant's turn appears, and maps failures to
"<Label> request failed: ..." messages.

# Settings

Settings is a closed union with one struct per built-in adapter. Use
SettingsAs to narrow it and MergeSettings to layer request settings over
server defaults.

# Sampler order

ToSamplerOrder and SamplerNames convert between sampler names and the
numeric slots KoboldAI and NovelAI expect.
*/
package llm
