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
	"errors"
	"fmt"
)

// NotFoundError is returned by Registry.Get for an unknown adapter id.
// Callers treat it as a configuration error, not a crash.
type NotFoundError struct {
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return "no adapter specified"
	}
	return fmt.Sprintf("unknown adapter %q", e.ID)
}

// ConfigError reports a request that cannot be served without user action
// (missing service, undecodable settings).
type ConfigError struct {
	Adapter string
	Code    string
	Message string
	Cause   error
}

// Config error codes.
const (
	// ErrCodeMissingService indicates no adapter could be resolved.
	ErrCodeMissingService = "missing_service"

	// ErrCodeInvalidSettings indicates the adapter settings could not be decoded.
	ErrCodeInvalidSettings = "invalid_settings"

	// ErrCodeMissingIdentity indicates the request has no user or guest id.
	ErrCodeMissingIdentity = "missing_identity"
)

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Adapter != "" {
		return fmt.Sprintf("%s: %s", e.Adapter, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsConfigError reports whether err is a configuration error of either kind.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	var nf *NotFoundError
	return errors.As(err, &cfgErr) || errors.As(err, &nf)
}

// UpstreamError represents a failed call to a backend.
type UpstreamError struct {
	// Adapter is the adapter id that made the call.
	Adapter string

	// StatusCode is the HTTP status code (0 for transport failures).
	StatusCode int

	// Message is the upstream's message or a description of the failure.
	Message string

	Cause error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}
