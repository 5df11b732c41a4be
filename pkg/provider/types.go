package provider

// ProviderID identifies an upstream LLM API (e.g., "openai", "anthropic").
// Rate-limit and queue state is partitioned by it; nothing is shared across providers.
type ProviderID string

// String returns the raw identifier.
func (id ProviderID) String() string {
	return string(id)
}

// Chunk is a single piece of streamed completion output.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}
