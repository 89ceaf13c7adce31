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
Package orchestrator runs generations for the genstream gateway.

# Overview

The Orchestrator receives a GenerationRequest, resolves the adapter and its
settings, takes the per-identity generation lock, drives the adapter and
returns the sanitized reply:

	Request → resolve adapter → lock → adapter events → Result

At most one generation runs per user (or guest) at a time. A second request
while the first is live fails immediately with ErrBusy; it is never queued
or retried. The lock is released on every exit path, including caller
cancellation, using a context that is not cancelled with the request.

	orch := orchestrator.New(orchestrator.Options{
		Registry:    orchestrator.NewDefaultRegistry(orchestrator.BootstrapOptions{}),
		Locker:      lock.NewMemoryLocker(),
		LockTimeout: 20 * time.Second,
	})

	res, err := orch.GenerateStream(ctx, req, func(ev llm.Event) error {
		return send(ev)
	})

# Errors

  - *llm.ConfigError and *llm.NotFoundError: the request cannot be served
    as configured (HTTP 400)
  - ErrBusy: a generation is already running for the identity (HTTP 409)
  - *AdapterError: the adapter's Error event, verbatim (HTTP 502)
  - anything else, such as a lock store failure (HTTP 500)

# HTTP API

Run serves:

	POST /api/v1/generate   JSON reply, or SSE when "stream": true
	GET  /api/v1/adapters   registered adapter descriptors
	GET  /health
	GET  /prometheus

# Metrics

  - genstream_generations_total{adapter,outcome}
  - genstream_generation_duration_seconds{adapter}
  - genstream_lock_busy_total
  - genstream_stream_partials_total{adapter}
*/
package orchestrator
