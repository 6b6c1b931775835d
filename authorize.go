package llmbroker

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// NewSignedRequest signs messages with kp and packages them for dispatch.
func NewSignedRequest(messages []Message, maxTokens int, kp KeyPair, wallet common.Address) (SignedRequest, error) {
	sig, err := SignMessage(kp.Private, messages)
	if err != nil {
		return SignedRequest{}, err
	}
	return SignedRequest{
		Context:   messages,
		MaxTokens: maxTokens,
		PublicKey: kp.PublicHex(),
		Signature: sig,
		Address:   wallet,
		RequestID: uuid.New().String(),
	}, nil
}

// PromptAI signs messages and sends them to ep. Nothing is checked locally:
// the provider verifies the signature and the agreement balance, and any
// rejection comes back as a *TransportError.
//
// A maxTokens of zero uses the configured default.
func (c *Client) PromptAI(ctx context.Context, ep Endpoint, messages []Message, maxTokens int, kp KeyPair, wallet common.Address) (PromptResponse, error) {
	if maxTokens == 0 {
		maxTokens = c.cfg.Client.MaxTokens
	}

	req, err := NewSignedRequest(messages, maxTokens, kp, wallet)
	if err != nil {
		return PromptResponse{}, err
	}

	if c.cfg.Client.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Client.RequestTimeout)
		defer cancel()
	}

	c.meter.OnDispatch(DispatchEvent{
		Endpoint:  ep.URL(),
		RequestID: req.RequestID,
		Messages:  len(messages),
		MaxTokens: maxTokens,
	})

	start := time.Now()
	resp, err := ep.Prompt(ctx, req)
	duration := time.Since(start)

	server, known := c.serverFor(ep)
	c.meter.OnResult(ResultEvent{
		Endpoint:  ep.URL(),
		RequestID: req.RequestID,
		Success:   err == nil,
		Duration:  duration,
		Error:     err,
	})

	if err != nil {
		if known && IsRetrySafe(err) {
			c.health.RecordFailure(server)
		}
		return PromptResponse{}, opErr("prompt", server, err)
	}
	if known {
		c.health.RecordSuccess(server)
	}
	return resp, nil
}

// Prompt sends messages to server's attached endpoint as the client's wallet.
func (c *Client) Prompt(ctx context.Context, server common.Address, messages []Message, maxTokens int, kp KeyPair) (PromptResponse, error) {
	ep, ok := c.endpoints[server]
	if !ok {
		return PromptResponse{}, opErr("prompt", server, fmt.Errorf("%w: no endpoint attached", ErrTransport))
	}
	return c.PromptAI(ctx, ep, messages, maxTokens, kp, c.ledger.Account())
}

// VerifySignedRequest is the provider-side check a request must pass before
// it is served: the signing key is the one bound to the sender's agreement
// with server, the signature covers the context, and the agreement's
// remaining balance covers estimatedCost. It returns ErrUnauthorized or
// ErrInsufficientBalance on rejection and a ledger read error otherwise.
func VerifySignedRequest(ctx context.Context, ledger Ledger, server common.Address, req SignedRequest, estimatedCost *big.Int) error {
	pub, err := ParsePublicKey(req.PublicKey)
	if err != nil {
		return opErr("verify", server, fmt.Errorf("%w: %w", ErrUnauthorized, err))
	}

	agreement, err := ledger.AgreementAddress(ctx, server, req.Address)
	if err != nil {
		return readErr("getAgreementContract", server, err)
	}
	if agreement == (common.Address{}) {
		return opErr("verify", server, fmt.Errorf("%w: %w for %s", ErrUnauthorized, ErrNoAgreement, req.Address.Hex()))
	}

	bound, err := ledger.AgreementPubKey(ctx, server, req.Address)
	if err != nil {
		return readErr("getAgreementPubKey", server, err)
	}
	if bound == nil || KeyID(pub).Cmp(bound) != 0 {
		return opErr("verify", agreement, fmt.Errorf("%w: key is not bound to the agreement", ErrUnauthorized))
	}

	if insp, ok := ledger.(AgreementInspector); ok {
		snap, err := insp.AgreementState(ctx, agreement)
		if err != nil {
			return readErr("agreementState", agreement, err)
		}
		if snap.Status != StatusOpen {
			return opErr("verify", agreement, fmt.Errorf("%w: agreement is %s", ErrUnauthorized, snap.Status))
		}
	}

	if !VerifySignature(pub, req.Signature, req.Context) {
		return opErr("verify", agreement, fmt.Errorf("%w: bad signature", ErrUnauthorized))
	}

	remaining, err := ledger.RemainingBalance(ctx, agreement)
	if err != nil {
		return readErr("remainingBalance", agreement, err)
	}
	if remaining.Sign() <= 0 || remaining.Cmp(cloneInt(estimatedCost)) < 0 {
		return opErr("verify", agreement, fmt.Errorf("%w: remaining %s, estimated %s",
			ErrInsufficientBalance, remaining, cloneInt(estimatedCost)))
	}
	return nil
}
