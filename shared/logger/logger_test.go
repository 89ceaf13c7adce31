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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logEntry struct {
	Timestamp  int64                  `json:"timestamp"`
	Level      string                 `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	ClientID   string                 `json:"client_id"`
	RequestID  string                 `json:"request_id"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields"`
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []logEntry {
	t.Helper()
	var out []logEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e logEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e), "line: %s", line)
		out = append(out, e)
	}
	return out
}

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedInstID string
	}{
		{"with instance ID set", "test-component", "instance-123", "instance-123"},
		{"without instance ID", "orchestrator", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTANCE_ID", tt.instanceID)

			l := New(tt.component)

			assert.Equal(t, tt.component, l.Component)
			assert.Equal(t, tt.expectedInstID, l.InstanceID)
			assert.NotEmpty(t, l.Container)
		})
	}
}

// TestLogLevels tests all log level methods
func TestLogLevels(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	tests := []struct {
		name    string
		logFunc func(*Logger, string, string, string, map[string]interface{})
		level   string
		fields  map[string]interface{}
	}{
		{"Info log", (*Logger).Info, "INFO", map[string]interface{}{"key": "value"}},
		{"Error log", (*Logger).Error, "ERROR", map[string]interface{}{"error_code": float64(500)}},
		{"Warn log", (*Logger).Warn, "WARN", nil},
		{"Debug log", (*Logger).Debug, "DEBUG", map[string]interface{}{"debug_info": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter("test-component", &buf)

			tt.logFunc(l, "user-1", "req-1", "hello", tt.fields)

			entries := decodeLines(t, &buf)
			require.Len(t, entries, 1)
			e := entries[0]
			assert.Equal(t, tt.level, e.Level)
			assert.Equal(t, "hello", e.Message)
			assert.Equal(t, "user-1", e.ClientID)
			assert.Equal(t, "req-1", e.RequestID)
			assert.Equal(t, "test-component", e.Component)
			assert.NotZero(t, e.Timestamp)
			for k, v := range tt.fields {
				assert.Equal(t, v, e.Fields[k], "field %s", k)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	l := NewWithWriter("test", &buf)
	l.Debug("c", "r", "dropped", nil)
	l.Info("c", "r", "dropped", nil)
	l.Warn("c", "r", "kept", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}

// TestInfoWithDuration tests the InfoWithDuration helper method
func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test-component", &buf)
	l.InfoWithDuration("client-123", "req-456", "Request completed", 123.45, nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, 123.45, entries[0].Fields["duration_ms"])
}

// TestErrorWithCode tests the ErrorWithCode helper method
func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test-component", &buf)
	l.ErrorWithCode("client-123", "req-456", "Upstream failed", 502, errors.New("boom"), map[string]interface{}{
		"adapter": "mancer",
	})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "ERROR", e.Level)
	assert.Equal(t, float64(502), e.Fields["status_code"])
	assert.Equal(t, "boom", e.Fields["error"])
	assert.Equal(t, "mancer", e.Fields["adapter"])
}

func TestRequestIDOmittedWhenEmpty(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", &buf)
	l.Info("guest:abc", "", "no request", nil)

	assert.NotContains(t, buf.String(), "request_id")
	assert.Contains(t, buf.String(), `"client_id":"guest:abc"`)
}

func TestWithAndNop(t *testing.T) {
	var buf bytes.Buffer
	child := NewWithWriter("parent", &buf).With("child")
	child.Info("c", "r", "from child", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "child", entries[0].Component)

	assert.NotPanics(t, func() {
		Nop().ErrorWithCode("c", "r", "ignored", 500, errors.New("x"), nil)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestWithLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("gateway", &buf).WithLevel("warn")
	log.Info("c", "r", "dropped", nil)
	log.Warn("c", "r", "kept", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}
