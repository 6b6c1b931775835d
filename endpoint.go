package llmbroker

import "context"

// Endpoint is the transport to a provider's inference server.
type Endpoint interface {
	// URL identifies the endpoint in logs and errors.
	URL() string

	// Prompt dispatches a signed request and returns the updated conversation.
	// Provider rejections surface as *TransportError.
	Prompt(ctx context.Context, req SignedRequest) (PromptResponse, error)

	Tokenizer
}

// Tokenizer counts tokens for a conversation. Counts are advisory: they do
// not bound what a provider later reports through NotifyResponse.
type Tokenizer interface {
	CountTokens(ctx context.Context, messages []Message) (int64, error)
}
