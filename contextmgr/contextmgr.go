// Package contextmgr implements the Context Manager: shrinking
// a thread's message history to fit a model family's token budget while
// preserving the latest turns verbatim. The size-measurement discipline
// (measure via JSON encoding, enforce deterministically, no I/O) follows
// this codebase's broader input-budget conventions; the tiering and
// recursive-threshold procedure itself is built fresh, since nothing else
// in this codebase performs tiered compression.
package contextmgr

import (
	"encoding/json"
	"strings"

	"github.com/driftloom/agentcore/agent"
)

// Budget is the per-model-family token budget table.
var Budget = map[string]int{
	"sonnet":   108_000,
	"claude":   108_000,
	"gpt":      100_000,
	"gemini":   700_000,
	"deepseek": 100_000,
}

// DefaultBudget applies when model does not match any family hint.
const DefaultBudget = 31_000

// maxMessages is the hard cap on retained message count regardless of token
// budget.
const maxMessages = 320

// maxRecursions bounds the threshold-halving loop.
const maxRecursions = 5

// headPreviewBytes is the size of the head-truncated preview substituted for
// a compressed non-recent message.
const headPreviewBytes = 300

// mostRecentCapBytes is the larger mid-truncation cap applied to the most
// recent message within a compression tier.
const mostRecentCapBytes = 4000

// perMessageThreshold is the token size above which a message becomes a
// compression candidate within its tier.
const perMessageThreshold = 1000

// CacheMarkerFunc decides whether a message at index i (0-based, among the
// messages passed to Compress) should be marked as a prompt-cache boundary.
// This is a pluggable hook since prompt-cache marker placement is
// provider-specific and not deterministic across retries; the default marks
// the first three text-bearing messages, a conservative, provider-agnostic
// choice documented as best-effort.
type CacheMarkerFunc func(messages []agent.Message, i int) bool

// DefaultCacheMarker marks the first three messages with string content.
func DefaultCacheMarker(messages []agent.Message, i int) bool {
	if i < 0 || i >= len(messages) {
		return false
	}
	if _, ok := messages[i].Content.(string); !ok {
		return false
	}
	count := 0
	for j := 0; j <= i && j < len(messages); j++ {
		if _, ok := messages[j].Content.(string); ok {
			count++
		}
		if j == i {
			break
		}
	}
	return count <= 3
}

// BudgetForModel resolves the token budget for a model identifier by
// substring-matching the family hints in Budget.
func BudgetForModel(model string) int {
	lower := strings.ToLower(model)
	for family, budget := range Budget {
		if strings.Contains(lower, family) {
			return budget
		}
	}
	return DefaultBudget
}

// estimateTokens is a deterministic, no-I/O size heuristic: the manager must
// stay pure with no I/O, which rules out any real tokenizer (those require
// model-specific vocab data). Token count is approximated as
// encoded-byte-length / 4 via JSON encoding, a commonly used rule of thumb
// for English text across model families.
func estimateTokens(messages []agent.Message) int {
	encoded, err := json.Marshal(messages)
	if err != nil {
		return 0
	}
	return len(encoded) / 4
}

func messageTokens(m agent.Message) int {
	encoded, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(encoded) / 4
}

// stripToolMeta removes argument bodies from tool-execution messages: these
// are reconstructable from the preceding assistant message that requested
// the call, so they are dropped unconditionally before budget counting even
// begins.
func stripToolMeta(messages []agent.Message) []agent.Message {
	out := make([]agent.Message, len(messages))
	for i, m := range messages {
		if m.Type == agent.MessageTool {
			if tc, ok := m.Content.(map[string]any); ok {
				stripped := map[string]any{}
				for k, v := range tc {
					if k == "tool_execution" {
						if exec, ok := v.(map[string]any); ok {
							trimmedExec := map[string]any{}
							for ek, ev := range exec {
								if ek != "arguments" {
									trimmedExec[ek] = ev
								}
							}
							stripped[k] = trimmedExec
							continue
						}
					}
					stripped[k] = v
				}
				m.Content = stripped
			}
		}
		out[i] = m
	}
	return out
}

// truncatedPreview builds the "<message_id=\"…\">" head-truncated
// replacement content for a compressed message.
func truncatedPreview(m agent.Message, cap int) string {
	text := contentAsText(m.Content)
	if len(text) <= cap {
		return text
	}
	return text[:cap] + "... <message_id=\"" + m.MessageID + "\">"
}

func contentAsText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// tier identifies one of the three ordered compression passes applied in
// turn during compression.
type tier struct {
	matches func(agent.Message) bool
}

var tiers = []tier{
	{matches: func(m agent.Message) bool { return m.Type == agent.MessageTool }},
	{matches: func(m agent.Message) bool { return m.Type == agent.MessageUser }},
	{matches: func(m agent.Message) bool { return m.Type == agent.MessageAssistant }},
}

// compressTier replaces content for every message matched by t except the
// last matching message, applying threshold/headPreviewBytes to non-recent
// matches and mostRecentCapBytes to the most recent one if it still exceeds
// the cap. threshold is the per-message token size above which a non-recent
// match becomes a compression candidate; Compress halves it on each
// recursive pass so progressively smaller messages qualify.
func compressTier(messages []agent.Message, t tier, threshold int) []agent.Message {
	lastIdx := -1
	for i, m := range messages {
		if t.matches(m) {
			lastIdx = i
		}
	}
	if lastIdx < 0 {
		return messages
	}
	out := make([]agent.Message, len(messages))
	copy(out, messages)
	for i, m := range messages {
		if !t.matches(m) {
			continue
		}
		if i == lastIdx {
			if messageTokens(m) > mostRecentCapBytes/4 {
				m.Content = truncatedPreview(m, mostRecentCapBytes)
				out[i] = m
			}
			continue
		}
		if messageTokens(m) > threshold {
			m.Content = truncatedPreview(m, headPreviewBytes)
			out[i] = m
		}
	}
	return out
}

// middleOmit drops messages from the middle of the conversation in batches,
// preserving the system message at position 0 and the most recent keep
// messages, step 5/6.
func middleOmit(messages []agent.Message, keep int) []agent.Message {
	if len(messages) <= keep+1 {
		return messages
	}
	var system *agent.Message
	rest := messages
	if len(messages) > 0 && messages[0].Type == agent.MessageStatus {
		s := messages[0]
		system = &s
		rest = messages[1:]
	}
	if len(rest) <= keep {
		if system != nil {
			return append([]agent.Message{*system}, rest...)
		}
		return rest
	}
	tail := rest[len(rest)-keep:]
	out := make([]agent.Message, 0, keep+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, tail...)
	return out
}

// Compress applies full procedure: strip tool metadata, check
// against the model's budget, compress in tiers with recursive
// threshold-halving, then fall back to middle-omission, finally capping at
// maxMessages. Compress is pure: given the same inputs it always returns the
// same output, with no I/O performed.
func Compress(messages []agent.Message, model string) []agent.Message {
	budget := BudgetForModel(model)
	working := stripToolMeta(messages)

	if estimateTokens(working) <= budget {
		return capMessageCount(working)
	}

	threshold := perMessageThreshold
	for attempt := 0; attempt < maxRecursions; attempt++ {
		for _, t := range tiers {
			working = compressTier(working, t, threshold)
			if estimateTokens(working) <= budget {
				return capMessageCount(working)
			}
		}
		threshold /= 2
		if threshold <= 0 {
			break
		}
	}

	keep := len(working) / 2
	for estimateTokens(working) > budget && keep > 1 {
		working = middleOmit(working, keep)
		keep /= 2
	}
	return capMessageCount(working)
}

func capMessageCount(messages []agent.Message) []agent.Message {
	if len(messages) <= maxMessages {
		return messages
	}
	return middleOmit(messages, maxMessages-1)
}
