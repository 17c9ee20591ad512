package vision

import (
	"github.com/pkoukk/tiktoken-go"
)

// Default memory budgets. A turn is one message in either direction.
const (
	defaultMaxTurns       = 24
	defaultMaxTokenBudget = 60000
)

// MemoryConfig bounds the proposer's multi-turn memory.
type MemoryConfig struct {
	MaxTurns  int `yaml:"max_turns"`
	MaxTokens int `yaml:"max_tokens"`
}

// memory is the proposer's bounded conversation window. Oldest turns fall
// off first; only the most recent user message keeps its image block, since
// stale screenshots add tokens without adding signal.
//
// Not safe for concurrent use; the proposer serializes access.
type memory struct {
	turns     []message
	maxTurns  int
	maxTokens int
	enc       *tiktoken.Tiktoken
}

func newMemory(cfg MemoryConfig) *memory {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokenBudget
	}
	// Encoding choice only affects budget accuracy, not correctness; fall
	// back to a byte heuristic if the encoding files are unavailable.
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &memory{
		maxTurns:  cfg.MaxTurns,
		maxTokens: cfg.MaxTokens,
		enc:       enc,
	}
}

// add appends a turn and trims the window back under both budgets.
func (m *memory) add(msg message) {
	m.turns = append(m.turns, msg)

	// Keep only the newest screenshot.
	for i := 0; i < len(m.turns)-1; i++ {
		m.turns[i] = stripImages(m.turns[i])
	}

	for len(m.turns) > m.maxTurns {
		m.turns = m.turns[1:]
	}
	for len(m.turns) > 1 && m.tokens() > m.maxTokens {
		m.turns = m.turns[1:]
	}
}

// messages returns the current window in order.
func (m *memory) messages() []message {
	out := make([]message, len(m.turns))
	copy(out, m.turns)
	return out
}

// reset clears the window between independent attempts.
func (m *memory) reset() {
	m.turns = nil
}

// tokens estimates the text token count of the window.
func (m *memory) tokens() int {
	total := 0
	for _, t := range m.turns {
		for _, b := range t.Content {
			total += m.countText(b.Text)
		}
	}
	return total
}

func (m *memory) countText(s string) int {
	if s == "" {
		return 0
	}
	if m.enc != nil {
		return len(m.enc.Encode(s, nil, nil))
	}
	return len(s) / 4
}

func stripImages(msg message) message {
	kept := msg.Content[:0:0]
	for _, b := range msg.Content {
		if b.Type == "image" {
			continue
		}
		kept = append(kept, b)
	}
	msg.Content = kept
	return msg
}
