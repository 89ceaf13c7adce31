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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// samplerTables maps adapter ids to their {setting name: slot index} table.
// Adapters without an entry do not support sampler reordering.
var samplerTables = map[string]map[string]int{
	AdapterKobold: {
		"topK":              0,
		"topA":              1,
		"topP":              2,
		"tailFreeSampling":  3,
		"typicalP":          4,
		"temp":              5,
		"repetitionPenalty": 6,
	},
	AdapterNovel: {
		"temp":             0,
		"topK":             1,
		"topP":             2,
		"tailFreeSampling": 3,
		"topA":             4,
		"typicalP":         5,
		"cfgScale":         6,
		"topG":             7,
		"mirostat":         8,
		"unifiedSampling":  9,
		"minP":             10,
	},
}

// samplerInverse is the index -> name view of samplerTables.
var samplerInverse = invertSamplerTables(samplerTables)

func invertSamplerTables(tables map[string]map[string]int) map[string]map[int]string {
	out := make(map[string]map[int]string, len(tables))
	for adapter, table := range tables {
		inv := make(map[int]string, len(table))
		for name, idx := range table {
			inv[idx] = name
		}
		out[adapter] = inv
	}
	return out
}

// SamplerList is a sampler order or disabled list as sent by clients: either
// a list of slot indices or a comma-separated string mixing indices and
// setting names.
type SamplerList struct {
	Indices []int
	Text    string
}

// SamplerIndices builds a numeric SamplerList.
func SamplerIndices(indices ...int) SamplerList {
	return SamplerList{Indices: indices}
}

// SamplerText builds a SamplerList from a comma-separated string.
func SamplerText(text string) SamplerList {
	return SamplerList{Text: text}
}

// IsZero reports whether the list carries nothing.
func (l SamplerList) IsZero() bool {
	return len(l.Indices) == 0 && strings.TrimSpace(l.Text) == ""
}

// UnmarshalJSON accepts a JSON array of integers or a JSON string.
func (l *SamplerList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = SamplerList{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = SamplerList{Text: s}
		return nil
	}
	var indices []int
	if err := json.Unmarshal(data, &indices); err != nil {
		return fmt.Errorf("sampler list must be an array of integers or a string: %w", err)
	}
	*l = SamplerList{Indices: indices}
	return nil
}

// MarshalJSON writes the list in the shape it was given.
func (l SamplerList) MarshalJSON() ([]byte, error) {
	if l.Text != "" {
		return json.Marshal(l.Text)
	}
	if l.Indices == nil {
		return []byte("null"), nil
	}
	return json.Marshal(l.Indices)
}

// resolve turns the list into slot indices. Tokens that are neither integers
// nor names in table are dropped.
func (l SamplerList) resolve(table map[string]int) []int {
	if l.Text == "" {
		return append([]int(nil), l.Indices...)
	}

	var out []int
	for _, tok := range strings.Split(l.Text, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if n, err := strconv.Atoi(tok); err == nil {
			out = append(out, n)
			continue
		}
		if idx, ok := table[tok]; ok {
			out = append(out, idx)
		}
	}
	return out
}

// ToSamplerOrder resolves a sampler order and disabled list for adapterID.
// The returned order never contains a disabled index. For adapters without a
// sampler table the parsed lists are returned unfiltered.
func ToSamplerOrder(adapterID string, order, disabled SamplerList) (orderOut, disabledOut []int) {
	table, ok := samplerTables[adapterID]
	resolvedOrder := order.resolve(table)
	resolvedDisabled := disabled.resolve(table)
	if !ok {
		return resolvedOrder, resolvedDisabled
	}

	off := make(map[int]bool, len(resolvedDisabled))
	for _, idx := range resolvedDisabled {
		off[idx] = true
	}
	filtered := make([]int, 0, len(resolvedOrder))
	for _, idx := range resolvedOrder {
		if !off[idx] {
			filtered = append(filtered, idx)
		}
	}
	return filtered, resolvedDisabled
}

// SamplerNames maps slot indices back to setting names for adapterID,
// omitting indices the table does not know.
func SamplerNames(adapterID string, indices []int) []string {
	inv := samplerInverse[adapterID]
	names := make([]string, 0, len(indices))
	for _, idx := range indices {
		if name, ok := inv[idx]; ok {
			names = append(names, name)
		}
	}
	return names
}

// HasSamplerOrder reports whether adapterID supports sampler reordering.
func HasSamplerOrder(adapterID string) bool {
	_, ok := samplerTables[adapterID]
	return ok
}
