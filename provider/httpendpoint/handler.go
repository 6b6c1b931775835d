package httpendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ineyio/llmbroker"
)

// Generation is the output of the provider's inference engine.
type Generation struct {
	Reply        string
	InputTokens  uint32
	OutputTokens uint32
}

// Generator runs inference for a verified request.
type Generator func(ctx context.Context, messages []llmbroker.Message, maxTokens int) (Generation, error)

// Handler serves the provider side of the wire format: it verifies each
// signed prompt against the sender's agreement, runs the generator, and
// reports consumption on the ledger as the server owner.
type Handler struct {
	ledger       llmbroker.Ledger
	server       common.Address
	tokenizer    llmbroker.Tokenizer
	generate     Generator
	logger       *slog.Logger
	maxBodyBytes int64

	mu      sync.Mutex
	pending []pendingReport
}

// DefaultMaxBodyBytes caps request bodies unless WithMaxBodyBytes is set.
const DefaultMaxBodyBytes = 1 << 20

// maxReportAttempts bounds how often FlushReports resubmits one report.
const maxReportAttempts = 3

// pendingReport is served consumption the ledger has not accepted yet.
type pendingReport struct {
	client    common.Address
	agreement common.Address // zero if the lookup failed
	requestID string
	report    llmbroker.ConsumptionReport
	attempts  int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTokenizer sets the tokenizer used for /tokens and cost estimates.
func WithTokenizer(t llmbroker.Tokenizer) HandlerOption {
	return func(h *Handler) { h.tokenizer = t }
}

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithMaxBodyBytes limits the size of request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) { h.maxBodyBytes = n }
}

// NewHandler creates a Handler for server. ledger must act as the server's owner.
func NewHandler(ledger llmbroker.Ledger, server common.Address, generate Generator, opts ...HandlerOption) *Handler {
	h := &Handler{
		ledger:       ledger,
		server:       server,
		tokenizer:    llmbroker.HeuristicTokenizer{},
		generate:     generate,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if r.URL.Path == "/tokens" {
		h.serveTokens(w, r)
		return
	}
	h.servePrompt(w, r)
}

func (h *Handler) serveTokens(w http.ResponseWriter, r *http.Request) {
	var req TokensRequest
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := h.tokenizer.CountTokens(r.Context(), req.Context)
	if err != nil {
		http.Error(w, "tokenizer failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, TokensReply{Tokens: n})
}

func (h *Handler) servePrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body PromptRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if !common.IsHexAddress(body.Address) {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	req := llmbroker.SignedRequest{
		Context:   body.Context,
		MaxTokens: body.Num,
		PublicKey: body.PublicKey,
		Signature: body.Signature,
		Address:   common.HexToAddress(body.Address),
		RequestID: r.Header.Get("X-Request-ID"),
	}

	estimate, err := h.estimate(ctx, req.Context)
	if err != nil {
		h.logger.Error("estimate_failed", "server", h.server.Hex(), "error", err)
		http.Error(w, "estimate failed", http.StatusInternalServerError)
		return
	}

	if err := llmbroker.VerifySignedRequest(ctx, h.ledger, h.server, req, estimate); err != nil {
		h.logger.Warn("request_rejected",
			"server", h.server.Hex(),
			"client", req.Address.Hex(),
			"request_id", req.RequestID,
			"error", err,
		)
		switch {
		case errors.Is(err, llmbroker.ErrUnauthorized):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, llmbroker.ErrInsufficientBalance):
			http.Error(w, "insufficient agreement balance", http.StatusPaymentRequired)
		default:
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	gen, err := h.generate(ctx, req.Context, req.MaxTokens)
	if err != nil {
		h.logger.Error("generate_failed", "server", h.server.Hex(), "request_id", req.RequestID, "error", err)
		http.Error(w, "generation failed", http.StatusInternalServerError)
		return
	}

	h.report(ctx, pendingReport{
		client:    req.Address,
		requestID: req.RequestID,
		report: llmbroker.ConsumptionReport{
			InputTokens:  gen.InputTokens,
			OutputTokens: gen.OutputTokens,
		},
	})

	history := make([]llmbroker.Message, 0, len(req.Context)+1)
	history = append(history, req.Context...)
	history = append(history, llmbroker.Message{Role: "assistant", Content: gen.Reply})
	writeJSON(w, PromptReply{GeneratedText: history})
}

// report submits served consumption. A report the ledger did not take is
// kept for FlushReports, unless its outcome is unknown or the agreement is
// already refunded.
func (h *Handler) report(ctx context.Context, p pendingReport) {
	err := h.submit(ctx, &p)
	if err == nil {
		return
	}
	attrs := []any{
		"server", h.server.Hex(),
		"agreement", p.agreement.Hex(),
		"request_id", p.requestID,
		"error", err,
	}
	if !resubmittable(err) {
		h.logger.Error("notify_response_dropped", attrs...)
		return
	}
	h.logger.Warn("notify_response_deferred", attrs...)

	h.mu.Lock()
	h.pending = append(h.pending, p)
	h.mu.Unlock()
}

func (h *Handler) submit(ctx context.Context, p *pendingReport) error {
	p.attempts++
	if p.agreement == (common.Address{}) {
		agreement, err := h.ledger.AgreementAddress(ctx, h.server, p.client)
		if err != nil {
			return err
		}
		if agreement == (common.Address{}) {
			return fmt.Errorf("%w for %s", llmbroker.ErrNoAgreement, p.client.Hex())
		}
		p.agreement = agreement
	}
	return h.ledger.NotifyResponse(ctx, p.agreement, p.report)
}

func resubmittable(err error) bool {
	return !llmbroker.IsUnsafeToRetry(err) &&
		!errors.Is(err, llmbroker.ErrInvalidStateTransition) &&
		!errors.Is(err, llmbroker.ErrNoAgreement)
}

// PendingReports returns how many consumption reports await resubmission.
func (h *Handler) PendingReports() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// FlushReports resubmits deferred consumption reports. Reports that fail
// again stay queued until they have been tried maxReportAttempts times.
// The returned error joins every failure of this pass.
func (h *Handler) FlushReports(ctx context.Context) error {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	var errs []error
	var keep []pendingReport
	for _, p := range batch {
		err := h.submit(ctx, &p)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if resubmittable(err) && p.attempts < maxReportAttempts {
			keep = append(keep, p)
			continue
		}
		h.logger.Error("notify_response_dropped",
			"server", h.server.Hex(),
			"agreement", p.agreement.Hex(),
			"request_id", p.requestID,
			"attempts", p.attempts,
			"error", err,
		)
	}

	h.mu.Lock()
	h.pending = append(keep, h.pending...)
	h.mu.Unlock()
	return errors.Join(errs...)
}

// decodeBody decodes a JSON body, answering 413 or 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	http.Error(w, "invalid body", http.StatusBadRequest)
	return false
}

// estimate prices the request's input at the server's current input cost.
func (h *Handler) estimate(ctx context.Context, messages []llmbroker.Message) (*big.Int, error) {
	inputCost, _, err := h.ledger.TokenCosts(ctx, h.server)
	if err != nil {
		return nil, err
	}
	n, err := h.tokenizer.CountTokens(ctx, messages)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(inputCost, big.NewInt(n)), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
