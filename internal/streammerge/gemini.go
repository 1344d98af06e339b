package streammerge

import (
	"encoding/json"

	"github.com/kadirpekel/gatekeep/internal/canonical"
)

// GeminiMerger accumulates streamed candidates[].content.parts[].text chunks.
// Gemini passthrough to the client does not require merging for
// correctness; the gateway still folds chunks for trace capture but never
// lets that delay
// the client-visible bytes.
type GeminiMerger struct {
	text string
	done bool
}

// NewGeminiMerger returns an empty merger ready to accept chunks.
func NewGeminiMerger() *GeminiMerger {
	return &GeminiMerger{}
}

// Feed processes one `data:...` JSON object from the response body.
func (m *GeminiMerger) Feed(data []byte) error {
	var chunk struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return err
	}
	for _, c := range chunk.Candidates {
		for _, p := range c.Content.Parts {
			m.text += p.Text
		}
	}
	return nil
}

// Close marks the stream as fully consumed (end-of-body, since Gemini has
// no in-band sentinel).
func (m *GeminiMerger) Close() { m.done = true }

// Done reports whether Close has been called.
func (m *GeminiMerger) Done() bool { return m.done }

// Messages returns the single accumulated assistant message.
func (m *GeminiMerger) Messages() []canonical.Message {
	return []canonical.Message{canonical.NewTextMessage(canonical.RoleAssistant, m.text)}
}
