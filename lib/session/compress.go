// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Summary line prefixes. Fact lines hold self-identifying statements
// and are kept longest when the summary is over budget.
const (
	factPrefix = "- Fact: "
	turnPrefix = "- Turn: "
)

// identityMarkers are lowercase fragments that mark a user statement
// about themselves.
var identityMarkers = []string{
	"my name is", "call me", "i am ", "i'm ", "i live in", "i work",
	"i was born", "years old", "my birthday",
	"我叫", "我是", "我的名字", "我今年", "我住在", "我来自",
}

// CompressorConfig tunes a [Compressor]. Zero fields take the
// defaults noted on each.
type CompressorConfig struct {
	// Threshold is the turn count at or below which history is left
	// untouched. Default 2.
	Threshold int

	// KeepTurns is how many of the most recent complete turns stay
	// verbatim. Default 3.
	KeepTurns int

	// MaxMessages caps the verbatim messages kept, including the
	// pending user message. When the cap binds, fewer than KeepTurns
	// turns are kept. Zero disables the cap.
	MaxMessages int

	// MaxSummaryChars bounds the summary length in runes. Default 2000.
	MaxSummaryChars int

	// LineChars bounds the user text quoted per folded turn, in runes.
	// Default 160.
	LineChars int
}

// Compressor folds old turns into a session's summary.
type Compressor struct {
	config CompressorConfig
}

// NewCompressor returns a Compressor, filling defaults.
func NewCompressor(config CompressorConfig) *Compressor {
	if config.Threshold <= 0 {
		config.Threshold = 2
	}
	if config.KeepTurns <= 0 {
		config.KeepTurns = 3
	}
	if config.MaxSummaryChars <= 0 {
		config.MaxSummaryChars = 2000
	}
	if config.LineChars <= 0 {
		config.LineChars = 160
	}
	return &Compressor{config: config}
}

// Compress folds every turn older than the retained window into the
// summary. It returns the number of messages folded; zero means the
// session was not changed. Compress never fails: a history it cannot
// group is left as it is.
func (compressor *Compressor) Compress(session *Session) int {
	if session.TurnCount <= compressor.config.Threshold {
		return 0
	}

	turns, preamble := groupTurns(session.Messages)
	settled, pending := splitPending(turns)

	fold := max(len(settled)-compressor.config.KeepTurns, 0)
	if limit := compressor.config.MaxMessages; limit > 0 {
		for fold < len(settled) && len(session.Messages)-settled[fold].start > limit {
			fold++
		}
	}
	if fold == 0 {
		return 0
	}

	cut := len(session.Messages)
	switch {
	case fold < len(settled):
		cut = settled[fold].start
	case pending != nil:
		cut = pending.start
	}

	var lines []string
	if preamble > 0 {
		if line := compressor.foldLine(session.Messages[:preamble]); line != "" {
			lines = append(lines, line)
		}
	}
	for _, folded := range settled[:fold] {
		if line := compressor.foldLine(session.Messages[folded.start:folded.end]); line != "" {
			lines = append(lines, line)
		}
	}

	session.Summary = compressor.merge(session.Summary, lines)
	session.Messages = append([]Message(nil), session.Messages[cut:]...)
	session.recount()
	return cut
}

// foldLine digests one folded turn into a single summary line.
func (compressor *Compressor) foldLine(messages []Message) string {
	var user, assistant []string
	for _, message := range messages {
		text := flattenWhitespace(message.Content)
		if text == "" {
			continue
		}
		switch message.Role {
		case RoleUser:
			user = append(user, text)
		case RoleAssistant:
			assistant = append(assistant, text)
		}
	}
	userText := strings.Join(user, " ")
	assistantText := strings.Join(assistant, " ")

	if fact, ok := identityStatement(userText); ok {
		return factPrefix + clip(fact, compressor.config.LineChars)
	}
	switch {
	case userText != "" && assistantText != "":
		return turnPrefix + "user asked: " + clip(userText, compressor.config.LineChars) +
			"; assistant: " + clip(assistantText, compressor.config.LineChars/2)
	case userText != "":
		return turnPrefix + "user said: " + clip(userText, compressor.config.LineChars)
	case assistantText != "":
		return turnPrefix + "assistant: " + clip(assistantText, compressor.config.LineChars/2)
	}
	return ""
}

// merge appends lines to the existing summary and trims it to the
// budget: the oldest turn lines go first, then the oldest fact lines.
func (compressor *Compressor) merge(existing string, lines []string) string {
	var all []string
	if existing != "" {
		all = strings.Split(existing, "\n")
	}
	all = append(all, lines...)

	size := func() int {
		total := 0
		for _, line := range all {
			total += utf8.RuneCountInString(line) + 1
		}
		return max(total-1, 0)
	}
	for _, pinned := range []bool{false, true} {
		for index := 0; index < len(all) && size() > compressor.config.MaxSummaryChars; {
			if strings.HasPrefix(all[index], factPrefix) == pinned {
				all = append(all[:index], all[index+1:]...)
				continue
			}
			index++
		}
	}
	return strings.Join(all, "\n")
}

// identityStatement returns the sentence of text that contains a
// self-identifying statement, if any.
func identityStatement(text string) (string, bool) {
	lower := strings.ToLower(text)
	position := -1
	for _, marker := range identityMarkers {
		if index := strings.Index(lower, marker); index >= 0 && (position < 0 || index < position) {
			position = index
		}
	}
	if position < 0 {
		return "", false
	}
	// ToLower can change byte lengths outside ASCII; fall back to the
	// whole text when the offsets no longer line up.
	if len(lower) != len(text) {
		return text, true
	}
	start := strings.LastIndexFunc(text[:position], isSentenceEnd) + 1
	if start > 0 {
		_, width := utf8.DecodeRuneInString(text[start-1:])
		start += width - 1
	}
	end := strings.IndexFunc(text[position:], isSentenceEnd)
	if end < 0 {
		return strings.TrimSpace(text[start:]), true
	}
	_, width := utf8.DecodeRuneInString(text[position+end:])
	return strings.TrimSpace(text[start : position+end+width]), true
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '\n':
		return true
	}
	return false
}

func flattenWhitespace(text string) string {
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}

// clip truncates text to limit runes, marking the cut with "…".
func clip(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max(limit-1, 0)])) + "…"
}
