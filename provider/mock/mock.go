// Package mock provides a scripted inference endpoint for tests.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/llmbroker"
)

// Endpoint is a mock inference endpoint. By default it appends a fixed
// assistant reply to the request context.
type Endpoint struct {
	url          string
	reply        string
	latency      time.Duration
	failAfter    int
	staticErr    error
	tokens       int64
	responseFunc func(llmbroker.SignedRequest) (llmbroker.PromptResponse, error)

	callCount atomic.Int64
	mu        sync.Mutex
	requests  []llmbroker.SignedRequest
}

var _ llmbroker.Endpoint = (*Endpoint)(nil)

// Option configures a mock Endpoint.
type Option func(*Endpoint)

// New creates a mock endpoint with the given options.
func New(opts ...Option) *Endpoint {
	e := &Endpoint{
		url:   "mock://endpoint",
		reply: "Hello from mock endpoint",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithURL sets the endpoint URL.
func WithURL(url string) Option {
	return func(e *Endpoint) { e.url = url }
}

// WithReply sets the assistant reply.
func WithReply(reply string) Option {
	return func(e *Endpoint) { e.reply = reply }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(e *Endpoint) { e.latency = d }
}

// WithFailAfter makes the endpoint fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(e *Endpoint) { e.failAfter = n }
}

// WithError makes the endpoint always return this error.
func WithError(err error) Option {
	return func(e *Endpoint) { e.staticErr = err }
}

// WithTokens fixes the count returned by CountTokens. Zero uses EstimateTokens.
func WithTokens(n int64) Option {
	return func(e *Endpoint) { e.tokens = n }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(llmbroker.SignedRequest) (llmbroker.PromptResponse, error)) Option {
	return func(e *Endpoint) { e.responseFunc = fn }
}

func (e *Endpoint) URL() string { return e.url }

func (e *Endpoint) Prompt(ctx context.Context, req llmbroker.SignedRequest) (llmbroker.PromptResponse, error) {
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return llmbroker.PromptResponse{}, ctx.Err()
		}
	}

	count := e.callCount.Add(1)
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.staticErr != nil {
		return llmbroker.PromptResponse{}, e.staticErr
	}

	if e.failAfter > 0 && int(count) > e.failAfter {
		return llmbroker.PromptResponse{}, &llmbroker.TransportError{Endpoint: e.url, StatusCode: 503, Body: "unavailable"}
	}

	if e.responseFunc != nil {
		return e.responseFunc(req)
	}

	history := make([]llmbroker.Message, 0, len(req.Context)+1)
	history = append(history, req.Context...)
	history = append(history, llmbroker.Message{Role: "assistant", Content: e.reply})
	return llmbroker.PromptResponse{History: history}, nil
}

func (e *Endpoint) CountTokens(_ context.Context, messages []llmbroker.Message) (int64, error) {
	if e.tokens > 0 {
		return e.tokens, nil
	}
	return llmbroker.EstimateTokens(messages), nil
}

// CallCount returns the number of prompts received.
func (e *Endpoint) CallCount() int64 { return e.callCount.Load() }

// Requests returns the signed requests received, in order.
func (e *Endpoint) Requests() []llmbroker.SignedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]llmbroker.SignedRequest, len(e.requests))
	copy(out, e.requests)
	return out
}
