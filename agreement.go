package llmbroker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CreateAgreement escrows deposit with server and binds pub as the key that
// authorizes spend. It checks the caller's balance first and fails with
// ErrInsufficientFunds rather than submitting a doomed write.
//
// CreateAgreement is not idempotent: calling it twice yields two agreements.
// Use OpenAgreement for check-then-create semantics.
func (c *Client) CreateAgreement(ctx context.Context, server common.Address, pub *secp256k1.PublicKey, deposit *big.Int) (Agreement, error) {
	if pub == nil {
		return Agreement{}, opErr("createAgreement", server, errors.New("public key is required"))
	}
	if deposit == nil || deposit.Sign() <= 0 {
		return Agreement{}, opErr("createAgreement", server, errors.New("deposit must be positive"))
	}

	if err := c.waitRead(ctx); err != nil {
		return Agreement{}, opErr("getTokenCost", server, err)
	}
	inputCost, outputCost, err := c.ledger.TokenCosts(ctx, server)
	if err != nil {
		return Agreement{}, readErr("getTokenCost", server, err)
	}

	account := c.ledger.Account()
	balance, err := c.ledger.Balance(ctx, account)
	if err != nil {
		return Agreement{}, readErr("balance", account, err)
	}
	if balance.Cmp(deposit) < 0 {
		return Agreement{}, opErr("createAgreement", server, fmt.Errorf("%w: balance %s ETH, deposit %s ETH",
			ErrInsufficientFunds, FormatEther(balance), FormatEther(deposit)))
	}

	keyID := KeyID(pub)
	var addr common.Address
	err = c.write("createAgreement", server, deposit, func() error {
		var werr error
		addr, werr = c.ledger.CreateAgreement(ctx, server, keyID, deposit)
		return werr
	})
	if err != nil {
		return Agreement{}, err
	}

	c.spend.Track(addr, deposit)

	return Agreement{
		Address:          addr,
		ServerAddress:    server,
		ClientAddress:    account,
		ClientPubKey:     keyID,
		DepositedBalance: cloneInt(deposit),
		RemainingBalance: cloneInt(deposit),
		InputTokenCost:   inputCost,
		OutputTokenCost:  outputCost,
		Status:           StatusOpen,
	}, nil
}

// OpenRequest describes an agreement to reuse or create.
type OpenRequest struct {
	Server  common.Address
	KeyPair KeyPair
	Deposit *big.Int

	// IdempotencyKey deduplicates creation across retries and processes.
	// A random key is used when empty, which only protects this call.
	IdempotencyKey string
}

// OpenAgreement returns a funded agreement with req.Server bound to
// req.KeyPair, creating one only if none exists. Creation runs under an
// idempotency claim: a key seen before returns the agreement recorded for it,
// or ErrDuplicateRequest while that earlier write is pending or unknown.
//
// The boolean reports whether a new agreement was created. When the guard
// fails to record a completed claim, the created agreement is returned along
// with the error.
func (c *Client) OpenAgreement(ctx context.Context, req OpenRequest) (Agreement, bool, error) {
	account := c.ledger.Account()
	keyID := req.KeyPair.KeyID()

	existing, ok, err := c.GetClientAgreement(ctx, req.Server, account)
	if err != nil {
		return Agreement{}, false, err
	}
	if ok && reusable(existing, keyID) {
		return existing, false, nil
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}

	claim, err := c.guard.Claim(ctx, key)
	if err != nil {
		return Agreement{}, false, opErr("claim", req.Server, err)
	}
	if claim.Existing {
		if !claim.Completed() {
			return Agreement{}, false, opErr("createAgreement", req.Server, fmt.Errorf("%w: %s", ErrDuplicateRequest, key))
		}
		a, err := c.describeAgreement(ctx, claim.Agreement, req.Server, account)
		if err != nil {
			return Agreement{}, false, err
		}
		return a, false, nil
	}

	a, err := c.CreateAgreement(ctx, req.Server, req.KeyPair.Public, req.Deposit)
	if err != nil {
		// An unconfirmed write may still land; keep the claim so a retry
		// under the same key cannot escrow twice.
		if !IsUnsafeToRetry(err) {
			if rerr := c.guard.Release(ctx, key); rerr != nil {
				return Agreement{}, false, errors.Join(err, opErr("release", req.Server, rerr))
			}
		}
		return Agreement{}, false, err
	}

	if err := c.guard.Complete(ctx, key, a.Address); err != nil {
		return a, true, opErr("complete", a.Address, err)
	}
	return a, true, nil
}

// reusable reports whether an existing agreement can carry more requests
// signed with keyID.
func reusable(a Agreement, keyID *big.Int) bool {
	if a.RemainingBalance == nil || a.RemainingBalance.Sign() <= 0 {
		return false
	}
	if a.Status != StatusUnknown && a.Status != StatusOpen {
		return false
	}
	return a.ClientPubKey != nil && a.ClientPubKey.Cmp(keyID) == 0
}

// NotifyResponse debits agreement for consumed tokens. Only the server's
// provider may submit it; the ledger rejects reports that would overdraw.
func (c *Client) NotifyResponse(ctx context.Context, agreement common.Address, inputTokens, outputTokens uint32) error {
	report := ConsumptionReport{InputTokens: inputTokens, OutputTokens: outputTokens}
	return c.write("notifyResponse", agreement, nil, func() error {
		return c.ledger.NotifyResponse(ctx, agreement, report)
	})
}

// NotifySatisfied records that the client is satisfied. Either this or
// NotifyUnsatisfied may be called once; later calls fail with
// ErrInvalidStateTransition.
func (c *Client) NotifySatisfied(ctx context.Context, agreement common.Address) error {
	if err := c.checkTransition(ctx, "satisfied", agreement, StatusSatisfied); err != nil {
		return err
	}
	return c.write("satisfied", agreement, nil, func() error {
		return c.ledger.NotifySatisfied(ctx, agreement)
	})
}

// NotifyUnsatisfied records a dispute.
func (c *Client) NotifyUnsatisfied(ctx context.Context, agreement common.Address) error {
	if err := c.checkTransition(ctx, "unsatisfied", agreement, StatusUnsatisfied); err != nil {
		return err
	}
	return c.write("unsatisfied", agreement, nil, func() error {
		return c.ledger.NotifyUnsatisfied(ctx, agreement)
	})
}

// RefundTokens returns the remaining balance to the client. It succeeds once
// per agreement.
func (c *Client) RefundTokens(ctx context.Context, agreement common.Address) error {
	if err := c.checkTransition(ctx, "refund", agreement, StatusRefunded); err != nil {
		return err
	}
	return c.write("refund", agreement, nil, func() error {
		return c.ledger.Refund(ctx, agreement)
	})
}

// GetRemainingTokens returns the unspent escrow of agreement.
func (c *Client) GetRemainingTokens(ctx context.Context, agreement common.Address) (*big.Int, error) {
	if err := c.waitRead(ctx); err != nil {
		return nil, opErr("remainingBalance", agreement, err)
	}
	remaining, err := c.ledger.RemainingBalance(ctx, agreement)
	if err != nil {
		return nil, readErr("remainingBalance", agreement, err)
	}
	return remaining, nil
}

// BalanceView is the client's reconciled view of one agreement.
type BalanceView struct {
	Agreement common.Address
	Deposited *big.Int // nil when the deposit is unknown to this client
	Remaining *big.Int
	Debit     *big.Int // debited since the previous Reconcile
	Spent     *big.Int // cumulative debit observed by this client
	Drift     *big.Int // Deposited - Spent - Remaining; nil when Deposited is nil
}

// Consistent reports whether every debit since the deposit was observed.
func (v BalanceView) Consistent() bool {
	return v.Drift != nil && v.Drift.Sign() == 0
}

// Reconcile reads agreement's remaining balance and records the debit since
// the previous observation. Drift is nonzero when the ledger's balance moved
// in a way this client did not observe, e.g. an earlier debit before tracking
// began.
func (c *Client) Reconcile(ctx context.Context, agreement common.Address) (BalanceView, error) {
	deposited := c.spend.Deposited(agreement)
	if deposited == nil {
		if insp, ok := c.ledger.(AgreementInspector); ok {
			snap, err := insp.AgreementState(ctx, agreement)
			if err != nil {
				return BalanceView{}, readErr("agreementState", agreement, err)
			}
			c.spend.Track(agreement, snap.Deposited)
			deposited = cloneInt(snap.Deposited)
		}
	}

	remaining, err := c.GetRemainingTokens(ctx, agreement)
	if err != nil {
		return BalanceView{}, err
	}

	view := BalanceView{
		Agreement: agreement,
		Deposited: deposited,
		Remaining: remaining,
		Debit:     c.spend.Observe(agreement, remaining),
		Spent:     c.spend.Spent(agreement),
	}
	if deposited != nil {
		drift := new(big.Int).Sub(deposited, view.Spent)
		view.Drift = drift.Sub(drift, remaining)
	}
	return view, nil
}

// checkTransition rejects a status change locally when the ledger can report
// the current status. Ledgers without AgreementInspector enforce it on write.
func (c *Client) checkTransition(ctx context.Context, op string, agreement common.Address, to AgreementStatus) error {
	insp, ok := c.ledger.(AgreementInspector)
	if !ok {
		return nil
	}
	snap, err := insp.AgreementState(ctx, agreement)
	if err != nil {
		return readErr("agreementState", agreement, err)
	}
	if !CanTransition(snap.Status, to) {
		return opErr(op, agreement, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, snap.Status, to))
	}
	return nil
}

// write runs a state-changing ledger call, classifies its error and reports it.
func (c *Client) write(op string, contract common.Address, value *big.Int, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		err = writeErr(op, contract, err)
	}
	c.meter.OnLedgerWrite(LedgerWriteEvent{
		Op:       op,
		Contract: contract,
		Value:    value,
		Duration: time.Since(start),
		Error:    err,
	})
	return err
}
