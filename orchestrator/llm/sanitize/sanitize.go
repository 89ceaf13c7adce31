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

// Package sanitize shapes raw model output into the text shown to users.
//
// The functions are pure and never fail; when trimming would leave nothing
// the caller gets the whitespace-trimmed input back.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Options controls Response.
type Options struct {
	// Prompt is removed when the backend echoes it in front of the reply.
	Prompt string

	// Stops are literal stop sequences, already passed through ParseStops.
	Stops []string

	// Names are other participants; the reply is cut where one of them
	// starts a line of dialogue.
	Names []string

	TrimSentences bool
}

const codeFence = "```"

var specialTokens = []string{
	"<|endoftext|>",
	"<|im_end|>",
	"<|eot_id|>",
	"</s>",
	"<s>",
}

var endSymbols = map[rune]bool{
	'.': true, '!': true, '?': true, '…': true,
	'。': true, '！': true, '？': true,
	'*': true, '"': true, '”': true, '’': true, '\'': true,
	')': true, ']': true, '}': true, '`': true, '~': true,
	'♪': true, '」': true, '』': true,
}

// fullWidth terminators close a sentence even between two letters.
var fullWidth = map[rune]bool{'。': true, '！': true, '？': true, '」': true, '』': true}

// abbreviations end with a period that does not close a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "st": true,
	"jr": true, "sr": true, "prof": true, "vs": true, "etc": true,
	"mt": true, "lt": true, "col": true, "gen": true, "capt": true,
	"sgt": true, "rev": true, "no": true, "e.g": true, "i.e": true,
}

// Response runs the full pipeline: strip the echoed prompt, remove special
// tokens, cut at stop sequences, optionally trim to the last sentence, and
// cut at the next participant's turn.
func Response(raw string, opts Options) string {
	out := StripPrompt(raw, opts.Prompt)
	out = Sanitise(out)
	out = TrimStops(out, opts.Stops)
	if opts.TrimSentences {
		out = TrimSentence(out)
	}
	out = TrimNames(out, opts.Names)
	out = strings.TrimSpace(out)

	if out != "" {
		return out
	}
	if fallback := Sanitise(StripPrompt(raw, opts.Prompt)); fallback != "" {
		return fallback
	}
	return Sanitise(raw)
}

// TrimSentence returns the longest prefix of text that ends at a sentence
// boundary. Text ending in a closed code block is kept whole. Without any
// boundary the right-trimmed text is returned.
func TrimSentence(text string) string {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)

	fences := strings.Count(trimmed, codeFence)
	if strings.HasSuffix(trimmed, codeFence) && fences%2 == 0 {
		return trimmed
	}

	runes := []rune(trimmed)
	end := len(runes)
	if fences%2 == 1 {
		// Nothing inside an unclosed code block is a boundary.
		end = utf8.RuneCountInString(trimmed[:strings.LastIndex(trimmed, codeFence)])
	}
	for i := end - 1; i >= 0; i-- {
		if !endSymbols[runes[i]] {
			continue
		}
		if isBoundary(runes, i) {
			return string(runes[:i+1])
		}
	}
	return trimmed
}

func isBoundary(runes []rune, i int) bool {
	if i+1 >= len(runes) {
		return true
	}
	next := runes[i+1]

	if i > 0 && !fullWidth[runes[i]] {
		prev := runes[i-1]
		if unicode.IsLetter(prev) && unicode.IsLetter(next) {
			return false
		}
		if unicode.IsDigit(prev) && unicode.IsDigit(next) {
			return false
		}
	}

	if runes[i] == '.' && unicode.IsSpace(next) && abbreviations[wordBefore(runes, i)] {
		return false
	}
	return true
}

// wordBefore returns the lowercased word ending right before runes[i].
// Inner periods are kept so "e.g" is found.
func wordBefore(runes []rune, i int) string {
	j := i
	for j > 0 && (unicode.IsLetter(runes[j-1]) || (runes[j-1] == '.' && j < i)) {
		j--
	}
	return strings.ToLower(strings.TrimLeft(string(runes[j:i]), "."))
}

// ParseStops turns escaped newlines into real ones and drops empty entries.
// It returns nil when no usable stop sequence remains.
func ParseStops(stops []string) []string {
	if len(stops) == 0 {
		return nil
	}
	replacer := strings.NewReplacer(`\r\n`, "\r\n", `\n`, "\n", `\r`, "\r")

	var out []string
	for _, s := range stops {
		if s == "" {
			continue
		}
		out = append(out, replacer.Replace(s))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TrimStops cuts text at the earliest stop sequence.
func TrimStops(text string, stops []string) string {
	if idx := earliest(text, stops); idx >= 0 {
		return text[:idx]
	}
	return text
}

// TrimNames cuts text where another participant starts a line, as in
// "\nBob:".
func TrimNames(text string, names []string) string {
	if idx := earliest(text, nameMarkers(names)); idx >= 0 {
		return text[:idx]
	}
	return text
}

// StripPrompt drops prompt from the front of text when the backend echoed it.
func StripPrompt(text, prompt string) string {
	if prompt == "" {
		return text
	}
	if strings.HasPrefix(text, prompt) {
		return text[len(prompt):]
	}
	if p := strings.TrimRightFunc(prompt, unicode.IsSpace); p != "" && strings.HasPrefix(text, p) {
		return text[len(p):]
	}
	return text
}

// Sanitise removes backend control tokens and surrounding whitespace.
func Sanitise(text string) string {
	for _, tok := range specialTokens {
		text = strings.ReplaceAll(text, tok, "")
	}
	return strings.TrimSpace(text)
}

// Partial cleans cumulative streamed text for a partial event. Special
// tokens are removed, and a trailing fragment that may still grow into one
// is held back so successive partials never shrink.
func Partial(text string) string {
	for _, tok := range specialTokens {
		text = strings.ReplaceAll(text, tok, "")
	}
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if i := strings.LastIndexByte(text, '<'); i >= 0 && isTokenPrefix(text[i:]) {
		text = text[:i]
	}
	return text
}

func isTokenPrefix(s string) bool {
	for _, tok := range specialTokens {
		if len(s) < len(tok) && strings.HasPrefix(tok, s) {
			return true
		}
	}
	return false
}

// Cutoff reports the byte offset at which a streaming reply should stop:
// the earliest stop sequence or participant turn in text.
func Cutoff(text string, stops, names []string) (int, bool) {
	idx := earliest(text, stops)
	if n := earliest(text, nameMarkers(names)); n >= 0 && (idx < 0 || n < idx) {
		idx = n
	}
	return idx, idx >= 0
}

func nameMarkers(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, "\n"+n+":")
	}
	return out
}

func earliest(text string, needles []string) int {
	best := -1
	for _, s := range needles {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}
