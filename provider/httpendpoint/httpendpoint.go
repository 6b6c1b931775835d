// Package httpendpoint is the JSON-over-HTTP transport to a provider's
// inference server.
package httpendpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ineyio/llmbroker"
)

// Endpoint calls one provider inference server.
type Endpoint struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

var _ llmbroker.Endpoint = (*Endpoint)(nil)

// Option configures the endpoint.
type Option func(*Endpoint)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Endpoint) { e.httpClient = c }
}

// WithPath sets the path prompts are posted to (default "/").
func WithPath(path string) Option {
	return func(e *Endpoint) { e.path = path }
}

// New creates an endpoint for baseURL.
func New(baseURL string, opts ...Option) *Endpoint {
	e := &Endpoint{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       "/",
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(e)
	}
	if !strings.HasPrefix(e.path, "/") {
		e.path = "/" + e.path
	}
	return e
}

// FromConfig creates an endpoint from its configuration entry.
func FromConfig(cfg llmbroker.EndpointConfig, opts ...Option) *Endpoint {
	return New(cfg.URL, append([]Option{WithPath(cfg.Path)}, opts...)...)
}

func (e *Endpoint) URL() string { return e.baseURL + e.path }

// PromptRequest is the wire format of a signed prompt.
type PromptRequest struct {
	Context   []llmbroker.Message `json:"context"`
	Num       int                 `json:"num"`
	PublicKey string              `json:"publicKey"`
	Signature string              `json:"signature"`
	Address   string              `json:"address,omitempty"`
}

// PromptReply carries the conversation history including the reply.
type PromptReply struct {
	GeneratedText []llmbroker.Message `json:"generated_text"`
}

// TokensRequest asks the provider to count tokens in a context.
type TokensRequest struct {
	Context []llmbroker.Message `json:"context"`
}

// TokensReply is the provider's token count.
type TokensReply struct {
	Tokens int64 `json:"tokens"`
}

// ToWire converts a signed request into its JSON body.
func ToWire(req llmbroker.SignedRequest) PromptRequest {
	w := PromptRequest{
		Context:   req.Context,
		Num:       req.MaxTokens,
		PublicKey: req.PublicKey,
		Signature: req.Signature,
	}
	if w.Context == nil {
		w.Context = []llmbroker.Message{}
	}
	if req.Address != (common.Address{}) {
		w.Address = req.Address.Hex()
	}
	return w
}

func (e *Endpoint) Prompt(ctx context.Context, req llmbroker.SignedRequest) (llmbroker.PromptResponse, error) {
	headers := map[string]string{}
	if req.RequestID != "" {
		headers["X-Request-ID"] = req.RequestID
	}

	var reply PromptReply
	if err := e.post(ctx, e.path, ToWire(req), headers, &reply); err != nil {
		return llmbroker.PromptResponse{}, err
	}
	if len(reply.GeneratedText) == 0 {
		return llmbroker.PromptResponse{}, &llmbroker.TransportError{
			Endpoint:   e.URL(),
			StatusCode: http.StatusOK,
			Body:       "empty generated_text",
		}
	}
	return llmbroker.PromptResponse{History: reply.GeneratedText}, nil
}

func (e *Endpoint) CountTokens(ctx context.Context, messages []llmbroker.Message) (int64, error) {
	if messages == nil {
		messages = []llmbroker.Message{}
	}
	var reply TokensReply
	if err := e.post(ctx, "/tokens", TokensRequest{Context: messages}, nil, &reply); err != nil {
		return 0, err
	}
	return reply.Tokens, nil
}

func (e *Endpoint) post(ctx context.Context, path string, body any, headers map[string]string, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llmbroker: marshal request: %w", err)
	}

	url := e.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("llmbroker: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return &llmbroker.TransportError{Endpoint: url, Err: err}
	}
	defer resp.Body.Close()

	if err := mapHTTPError(url, resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &llmbroker.TransportError{
			Endpoint:   url,
			StatusCode: resp.StatusCode,
			Body:       "undecodable response",
			Err:        err,
		}
	}
	return nil
}

func mapHTTPError(url string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	te := &llmbroker.TransportError{
		Endpoint:   url,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		te.Err = llmbroker.ErrUnauthorized
	case http.StatusPaymentRequired:
		te.Err = llmbroker.ErrInsufficientBalance
	}
	return te
}
