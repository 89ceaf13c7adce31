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
Package logger provides structured JSON logging for genstream components.

Entries are written by zerolog as single-line JSON to stdout. Each entry
carries the component, instance ID, container, the client (user or guest
identity) and the request ID, plus optional custom fields.

# Usage

	log := logger.New("orchestrator")

	log.Info("user-123", "req-456", "Generation started", map[string]interface{}{
	    "adapter": "kobold",
	})

	log.ErrorWithCode("user-123", "req-456", "Upstream failed", 502, err, nil)

# Output Format

	{"level":"INFO","component":"orchestrator","instance_id":"i-abc123",
	 "container":"gw-xyz","client_id":"user-123","request_id":"req-456",
	 "fields":{"adapter":"kobold"},"timestamp":1736937000123456789,
	 "message":"Generation started"}

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - LOG_LEVEL: Minimum level (debug, info, warn, error)

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
