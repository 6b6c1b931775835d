package llmbroker

import "context"

// EstimateTokens provides a rough token count estimate for messages.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		// ~4 chars per token
		total += int64(len(m.Content)) / 4
		// overhead per message (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}

// HeuristicTokenizer estimates token counts locally without asking the provider.
type HeuristicTokenizer struct{}

var _ Tokenizer = HeuristicTokenizer{}

func (HeuristicTokenizer) CountTokens(_ context.Context, messages []Message) (int64, error) {
	return EstimateTokens(messages), nil
}
