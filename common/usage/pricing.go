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

package usage

import (
	"fmt"
	"strings"
)

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// Keys are "<adapter>-<model prefix>". The longest matching prefix wins.
// "<adapter>" alone is the adapter-wide fallback.
var modelPricing = map[string]ModelPricing{
	// OpenAI
	"openai-gpt-4o-mini":   {0.15, 0.60},
	"openai-gpt-4o":        {2.50, 10.00},
	"openai-gpt-4-turbo":   {10.00, 30.00},
	"openai-gpt-4":         {30.00, 60.00},
	"openai-gpt-3.5-turbo": {0.50, 1.50},

	// Anthropic
	"claude-claude-3-opus":     {15.00, 75.00},
	"claude-claude-3-5-sonnet": {3.00, 15.00},
	"claude-claude-3-5-haiku":  {0.80, 4.00},
	"claude-claude-3-haiku":    {0.25, 1.25},

	// Bedrock model ids carry the vendor prefix.
	"bedrock-anthropic.claude-3-5-sonnet": {3.00, 15.00},
	"bedrock-anthropic.claude-3-haiku":    {0.25, 1.25},
	"bedrock-amazon.titan-text":           {0.30, 0.40},
	"bedrock-meta.llama3":                 {0.30, 0.60},
	"bedrock-mistral":                     {0.15, 0.20},

	// Self-hosted and subscription backends are not metered per token.
	"kobold": {0, 0},
	"novel":  {0, 0},

	"mancer": {0.50, 0.50},

	// Conservative fallback
	"default": {10.00, 30.00},
}

// CalculateCost estimates the USD cost of a generation.
func CalculateCost(adapter, model string, promptTokens, completionTokens int) float64 {
	p := lookupPricing(adapter, model)
	return (float64(promptTokens)*p.PromptPerMillion + float64(completionTokens)*p.CompletionPerMillion) / 1e6
}

// GetModelPricing returns the pricing entry for adapter and model. ok is
// false when only the global default applies.
func GetModelPricing(adapter, model string) (ModelPricing, bool) {
	p, key := resolvePricing(adapter, model)
	return p, key != "default"
}

func lookupPricing(adapter, model string) ModelPricing {
	p, _ := resolvePricing(adapter, model)
	return p
}

func resolvePricing(adapter, model string) (ModelPricing, string) {
	// Strip cross-region inference profile prefixes (us., eu., ...).
	if adapter == "bedrock" {
		if i := strings.Index(model, "."); i > 0 && i <= 6 && strings.Count(model, ".") > 1 {
			model = model[i+1:]
		}
	}

	full := adapter + "-" + model
	best := ""
	for key := range modelPricing {
		if strings.HasPrefix(full, key) && len(key) > len(best) && strings.HasPrefix(key, adapter+"-") {
			best = key
		}
	}
	if best != "" {
		return modelPricing[best], best
	}
	if p, ok := modelPricing[adapter]; ok {
		return p, adapter
	}
	return modelPricing["default"], "default"
}

// FormatCost renders a USD amount for logs.
func FormatCost(usd float64) string {
	return fmt.Sprintf("$%.6f", usd)
}
