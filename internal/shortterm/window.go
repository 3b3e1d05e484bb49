// Package shortterm implements the per-session working-memory window:
// token accounting, priority scoring, compression and checkpoints.
package shortterm

import (
	"time"

	"github.com/remembr/remembr/internal/model"
)

// Message is one entry in a session's short-term window.
type Message struct {
	Role      model.Role `json:"role"`
	Content   string     `json:"content"`
	Tokens    int        `json:"tokens"`
	Timestamp time.Time  `json:"timestamp"`
}

// Window is the ordered short-term state of a session. Messages are
// kept in arrival order; compression may drop interior entries but
// never reorders the survivors.
type Window struct {
	Messages []Message `json:"messages"`
}

// TokenCount estimates a token count for content without a tokenizer:
// four characters per token, never less than one.
func TokenCount(content string) int {
	n := (len(content) + 3) / 4
	if n < 1 {
		return 1
	}
	return n
}

// roleWeight ranks message roles for retention. System prompts outrank
// user turns, user turns outrank assistant turns, everything else is
// background noise.
func roleWeight(r model.Role) float64 {
	switch r {
	case model.RoleSystem:
		return 3.0
	case model.RoleUser:
		return 2.0
	case model.RoleAssistant:
		return 1.0
	default:
		return 0.5
	}
}

// PriorityScore ranks a message for retention during compression.
// Role dominates, then recency, then brevity as the tie-breaker.
func PriorityScore(m Message) float64 {
	tokens := m.Tokens
	if tokens < 1 {
		tokens = 1
	}
	recency := float64(m.Timestamp.Unix()) / 1e9
	return roleWeight(m.Role)*100 + recency*10 + 1/float64(tokens)
}

// TokenUsage returns the summed token count of the window.
func (w *Window) TokenUsage() int {
	total := 0
	for _, m := range w.Messages {
		total += m.Tokens
	}
	return total
}

// Compress evicts the lowest-priority message repeatedly until the
// window fits the budget. The last survivor is never evicted, even when
// it alone exceeds the budget: a checkpoint compression target always
// carries something forward. Survivors keep their original order.
func Compress(messages []Message, budget int) []Message {
	return compress(messages, budget, 1)
}

// Enforce trims the window to the hard token cap. Unlike Compress it
// may evict every message: a single entry larger than the budget leaves
// an empty window, and a non-positive budget admits nothing.
func Enforce(messages []Message, budget int) []Message {
	if budget <= 0 {
		return nil
	}
	return compress(messages, budget, 0)
}

func compress(messages []Message, budget, minKeep int) []Message {
	kept := make([]Message, len(messages))
	copy(kept, messages)

	total := 0
	for _, m := range kept {
		total += m.Tokens
	}

	for total > budget && len(kept) > minKeep {
		min := 0
		for i := 1; i < len(kept); i++ {
			// Ties evict the earlier message.
			if PriorityScore(kept[i]) < PriorityScore(kept[min]) {
				min = i
			}
		}
		total -= kept[min].Tokens
		kept = append(kept[:min], kept[min+1:]...)
	}
	return kept
}
