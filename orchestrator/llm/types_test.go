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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "prompt", EventPrompt.String())
	assert.Equal(t, "partial", EventPartial.String())
	assert.Equal(t, "warning", EventWarning.String())
	assert.Equal(t, "error", EventError.String())
	assert.Equal(t, "response", EventFinal.String())
}

func TestEvent_Terminal(t *testing.T) {
	assert.False(t, PromptEvent("p").Terminal())
	assert.False(t, PartialEvent("p").Terminal())
	assert.False(t, WarningEvent("w").Terminal())
	assert.True(t, ErrorEvent("e").Terminal())
	assert.True(t, FinalEvent("f", nil).Terminal())
}

func TestGenerationRequest_Identity(t *testing.T) {
	assert.Equal(t, "u1", (&GenerationRequest{UserID: "u1", GuestID: "g1"}).Identity())
	assert.Equal(t, "guest:g1", (&GenerationRequest{GuestID: "g1"}).Identity())
	assert.Equal(t, "", (&GenerationRequest{}).Identity())
}

func TestGenerationRequest_AdapterID(t *testing.T) {
	req := &GenerationRequest{Service: "novel"}
	assert.Equal(t, "novel", req.AdapterID())

	req.Settings = KoboldSettings{URL: "http://x"}
	assert.Equal(t, "kobold", req.AdapterID(), "settings variant wins over service")
}

func TestReplyContext_StopNames(t *testing.T) {
	c := ReplyContext{
		ReplyAs:    "Alice",
		Characters: []string{"Alice", "Bob", ""},
		Members:    []string{"carol"},
	}
	assert.Equal(t, []string{"Bob", "carol"}, c.StopNames())
	assert.Empty(t, ReplyContext{}.StopNames())
}

func TestEstimateUsage(t *testing.T) {
	u := EstimateUsage("12345678", "123")
	assert.Equal(t, 2, u.PromptTokens)
	assert.Equal(t, 1, u.CompletionTokens)
	assert.Equal(t, 3, u.TotalTokens)
	assert.True(t, u.Estimated)
}

func TestSampling_JSON(t *testing.T) {
	var s Sampling
	err := json.Unmarshal([]byte(`{"temp":0.7,"order":"temp,topK","disabledSamplers":[3],"stopSequences":["\\n"]}`), &s)
	require.NoError(t, err)
	assert.Equal(t, 0.7, s.Temp)
	assert.Equal(t, SamplerText("temp,topK"), s.SamplerOrder)
	assert.Equal(t, SamplerIndices(3), s.DisabledSamplers)
	assert.Equal(t, []string{`\n`}, s.StopSequences)
}

func TestErrors(t *testing.T) {
	cause := errors.New("bad json")
	cfgErr := &ConfigError{Adapter: "kobold", Code: ErrCodeInvalidSettings, Message: "invalid settings", Cause: cause}
	assert.Equal(t, "kobold: invalid settings", cfgErr.Error())
	assert.ErrorIs(t, cfgErr, cause)
	assert.True(t, IsConfigError(cfgErr))
	assert.False(t, IsConfigError(cause))

	upErr := &UpstreamError{Adapter: "mancer", StatusCode: 500, Message: "Mancer request failed: boom"}
	assert.Equal(t, "Mancer request failed: boom (status 500)", upErr.Error())
	assert.Equal(t, "x", (&UpstreamError{Message: "x"}).Error())
}
