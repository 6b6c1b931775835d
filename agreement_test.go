package llmbroker_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lb "github.com/ineyio/llmbroker"
	"github.com/ineyio/llmbroker/guard"
)

func TestCreateAgreement(t *testing.T) {
	m := &recordingMeter{}
	f := newFixture(t, lb.WithMeter(m))
	server := f.addServer(t, providerAddr, "x", 2, 3)

	a := f.openAgreement(t, server, 1000)
	assert.Equal(t, server, a.ServerAddress)
	assert.Equal(t, clientAddr, a.ClientAddress)
	assert.Equal(t, lb.StatusOpen, a.Status)
	assert.Equal(t, f.kp.KeyID(), a.ClientPubKey)
	assert.Equal(t, int64(1000), a.RemainingBalance.Int64())
	assert.Equal(t, int64(2), a.InputTokenCost.Int64())

	assert.Equal(t, int64(999_000), f.world.BalanceOf(clientAddr).Int64())

	require.Len(t, m.writes, 1)
	assert.Equal(t, "createAgreement", m.writes[0].Op)
	assert.Equal(t, int64(1000), m.writes[0].Value.Int64())
	assert.NoError(t, m.writes[0].Error)
}

func TestCreateAgreement_InsufficientFunds(t *testing.T) {
	m := &recordingMeter{}
	f := newFixture(t, lb.WithMeter(m))
	server := f.addServer(t, providerAddr, "x", 2, 3)

	_, err := f.client.CreateAgreement(context.Background(), server, f.kp.Public, big.NewInt(2_000_000))
	assert.ErrorIs(t, err, lb.ErrInsufficientFunds)
	assert.Empty(t, m.writes, "nothing submitted")
	assert.Equal(t, int64(1_000_000), f.world.BalanceOf(clientAddr).Int64())
}

func TestCreateAgreement_RejectsNonPositiveDeposit(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)

	_, err := f.client.CreateAgreement(context.Background(), server, f.kp.Public, big.NewInt(0))
	assert.Error(t, err)
}

func TestCreateAgreement_TwiceYieldsTwoAgreements(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)

	first := f.openAgreement(t, server, 100)
	second := f.openAgreement(t, server, 100)
	assert.NotEqual(t, first.Address, second.Address)
	assert.Equal(t, int64(999_800), f.world.BalanceOf(clientAddr).Int64())
}

// Scenario: deposit 1000, NotifyResponse(100, 50) at costs (2, 3) → 650.
func TestNotifyResponse_Scenario(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)

	provider := f.session(t, providerAddr)
	require.NoError(t, provider.NotifyResponse(context.Background(), a.Address, 100, 50))

	remaining, err := f.client.GetRemainingTokens(context.Background(), a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(650), remaining.Int64())
	assert.Equal(t, int64(350), f.world.BalanceOf(providerAddr).Int64())
}

func TestNotifyResponse_RepricingKeepsAgreementTerms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)

	provider := f.session(t, providerAddr)
	require.NoError(t, provider.SetTokenCost(ctx, server, big.NewInt(9), big.NewInt(9), false))
	require.NoError(t, provider.NotifyResponse(ctx, a.Address, 100, 50))

	got, ok, err := f.client.GetClientAgreement(ctx, server, clientAddr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(650), got.RemainingBalance.Int64())
	assert.Equal(t, int64(2), got.InputTokenCost.Int64())
	assert.Equal(t, int64(3), got.OutputTokenCost.Int64())
}

func TestNotifyResponse_AfterDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)

	require.NoError(t, f.client.NotifyUnsatisfied(ctx, a.Address))
	require.NoError(t, f.session(t, providerAddr).NotifyResponse(ctx, a.Address, 100, 50))

	view, err := f.client.Reconcile(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(350), view.Debit.Int64())
	assert.Equal(t, int64(650), view.Remaining.Int64())

	require.NoError(t, f.client.RefundTokens(ctx, a.Address))
	err = f.session(t, providerAddr).NotifyResponse(ctx, a.Address, 1, 0)
	assert.ErrorIs(t, err, lb.ErrInvalidStateTransition)
}

// Property: remaining = deposit − Σ costs, and an overdrawing report is
// rejected with the balance unchanged.
func TestNotifyResponse_BalanceMonotonic(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)
	provider := f.session(t, providerAddr)
	ctx := context.Background()

	reports := []lb.ConsumptionReport{
		{InputTokens: 10, OutputTokens: 10},
		{OutputTokens: 30},
		{InputTokens: 45},
		{InputTokens: 1, OutputTokens: 1},
	}
	want := big.NewInt(1000)
	for _, r := range reports {
		require.NoError(t, provider.NotifyResponse(ctx, a.Address, r.InputTokens, r.OutputTokens))
		want.Sub(want, lb.ConsumptionCost(r, big.NewInt(2), big.NewInt(3)))

		got, err := f.client.GetRemainingTokens(ctx, a.Address)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	before, err := f.client.GetRemainingTokens(ctx, a.Address)
	require.NoError(t, err)

	err = provider.NotifyResponse(ctx, a.Address, 1000, 1000)
	assert.ErrorIs(t, err, lb.ErrLedgerWrite)
	assert.False(t, lb.IsUnsafeToRetry(err))

	after, err := f.client.GetRemainingTokens(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, after.Sign() >= 0)
}

func TestNotifyResponse_ProviderOnly(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)

	err := f.client.NotifyResponse(context.Background(), a.Address, 1, 1)
	assert.ErrorIs(t, err, lb.ErrLedgerWrite)

	err = f.session(t, otherProvider).NotifyResponse(context.Background(), a.Address, 1, 1)
	assert.ErrorIs(t, err, lb.ErrLedgerWrite)
}

// Property: after one terminal notification, both fail.
func TestTerminalTransitionExclusivity(t *testing.T) {
	for _, first := range []string{"satisfied", "unsatisfied"} {
		t.Run(first, func(t *testing.T) {
			f := newFixture(t)
			server := f.addServer(t, providerAddr, "x", 2, 3)
			a := f.openAgreement(t, server, 1000)
			ctx := context.Background()

			if first == "satisfied" {
				require.NoError(t, f.client.NotifySatisfied(ctx, a.Address))
			} else {
				require.NoError(t, f.client.NotifyUnsatisfied(ctx, a.Address))
			}

			assert.ErrorIs(t, f.client.NotifySatisfied(ctx, a.Address), lb.ErrInvalidStateTransition)
			assert.ErrorIs(t, f.client.NotifyUnsatisfied(ctx, a.Address), lb.ErrInvalidStateTransition)
		})
	}
}

func TestNotifySatisfied_ClientOnly(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)

	err := f.session(t, providerAddr).NotifySatisfied(context.Background(), a.Address)
	assert.ErrorIs(t, err, lb.ErrLedgerWrite)
}

// Property: refund succeeds once; the second call fails and pays nothing.
func TestRefundTokens_Once(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)
	ctx := context.Background()

	require.NoError(t, f.session(t, providerAddr).NotifyResponse(ctx, a.Address, 100, 50))

	err := f.client.RefundTokens(ctx, a.Address)
	assert.ErrorIs(t, err, lb.ErrInvalidStateTransition, "refund requires a settled agreement")

	require.NoError(t, f.client.NotifySatisfied(ctx, a.Address))

	before := f.world.BalanceOf(clientAddr)
	require.NoError(t, f.client.RefundTokens(ctx, a.Address))
	afterFirst := f.world.BalanceOf(clientAddr)
	assert.Equal(t, new(big.Int).Add(before, big.NewInt(650)), afterFirst)

	err = f.client.RefundTokens(ctx, a.Address)
	assert.ErrorIs(t, err, lb.ErrInvalidStateTransition)
	assert.Equal(t, afterFirst, f.world.BalanceOf(clientAddr))

	remaining, err := f.client.GetRemainingTokens(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining.Int64())
}

func TestOpenAgreement_CreatesThenReuses(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	ctx := context.Background()
	req := lb.OpenRequest{Server: server, KeyPair: f.kp, Deposit: big.NewInt(1000)}

	first, created, err := f.client.OpenAgreement(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.client.OpenAgreement(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Address, second.Address)
	assert.Equal(t, int64(999_000), f.world.BalanceOf(clientAddr).Int64())
}

func TestOpenAgreement_NewKeyCreatesNewAgreement(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	ctx := context.Background()

	first, _, err := f.client.OpenAgreement(ctx, lb.OpenRequest{Server: server, KeyPair: f.kp, Deposit: big.NewInt(100)})
	require.NoError(t, err)

	other, err := lb.CreateKeyPair()
	require.NoError(t, err)
	second, created, err := f.client.OpenAgreement(ctx, lb.OpenRequest{Server: server, KeyPair: other, Deposit: big.NewInt(100)})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.Address, second.Address)
}

func TestOpenAgreement_IdempotencyKey(t *testing.T) {
	g := guard.NewMemoryGuard(0)
	f := newFixture(t, lb.WithGuard(g))
	server := f.addServer(t, providerAddr, "x", 2, 3)
	ctx := context.Background()

	// Another process holds the key and has not finished.
	_, err := g.Claim(ctx, "order-1")
	require.NoError(t, err)

	req := lb.OpenRequest{Server: server, KeyPair: f.kp, Deposit: big.NewInt(1000), IdempotencyKey: "order-1"}
	_, _, err = f.client.OpenAgreement(ctx, req)
	assert.ErrorIs(t, err, lb.ErrDuplicateRequest)
	assert.Equal(t, int64(1_000_000), f.world.BalanceOf(clientAddr).Int64(), "no escrow")

	// The other process finishes; its agreement is returned without a second escrow.
	done := f.session(t, clientAddr)
	a, err := done.CreateAgreement(ctx, server, f.kp.Public, big.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, "order-1", a.Address))
	require.NoError(t, f.session(t, providerAddr).NotifyResponse(ctx, a.Address, 500, 0))

	got, created, err := f.client.OpenAgreement(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.Address, got.Address)
	assert.Equal(t, int64(999_000), f.world.BalanceOf(clientAddr).Int64())
}

func TestOpenAgreement_ReleasesKeyOnRejection(t *testing.T) {
	g := guard.NewMemoryGuard(0)
	f := newFixture(t, lb.WithGuard(g))
	server := f.addServer(t, providerAddr, "x", 2, 3)
	ctx := context.Background()

	req := lb.OpenRequest{Server: server, KeyPair: f.kp, Deposit: big.NewInt(5_000_000), IdempotencyKey: "big"}
	_, _, err := f.client.OpenAgreement(ctx, req)
	assert.ErrorIs(t, err, lb.ErrInsufficientFunds)

	c, err := g.Claim(ctx, "big")
	require.NoError(t, err)
	assert.False(t, c.Existing, "key released after a rejected write")
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)
	provider := f.session(t, providerAddr)
	ctx := context.Background()

	require.NoError(t, provider.NotifyResponse(ctx, a.Address, 100, 50))

	view, err := f.client.Reconcile(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), view.Deposited.Int64())
	assert.Equal(t, int64(650), view.Remaining.Int64())
	assert.Equal(t, int64(350), view.Debit.Int64())
	assert.Equal(t, int64(350), view.Spent.Int64())
	assert.True(t, view.Consistent())

	view, err = f.client.Reconcile(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Debit.Int64())

	require.NoError(t, provider.NotifyResponse(ctx, a.Address, 0, 10))
	view, err = f.client.Reconcile(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(30), view.Debit.Int64())
	assert.Equal(t, int64(380), view.Spent.Int64())
	assert.True(t, view.Consistent())
}

func TestReconcile_FreshClientUsesLedgerDeposit(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)
	require.NoError(t, f.session(t, providerAddr).NotifyResponse(context.Background(), a.Address, 100, 50))

	view, err := f.session(t, clientAddr).Reconcile(context.Background(), a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(350), view.Debit.Int64())
	assert.True(t, view.Consistent())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, lb.CanTransition(lb.StatusOpen, lb.StatusSatisfied))
	assert.True(t, lb.CanTransition(lb.StatusOpen, lb.StatusUnsatisfied))
	assert.True(t, lb.CanTransition(lb.StatusSatisfied, lb.StatusRefunded))
	assert.True(t, lb.CanTransition(lb.StatusUnsatisfied, lb.StatusRefunded))

	assert.False(t, lb.CanTransition(lb.StatusOpen, lb.StatusRefunded))
	assert.False(t, lb.CanTransition(lb.StatusSatisfied, lb.StatusUnsatisfied))
	assert.False(t, lb.CanTransition(lb.StatusRefunded, lb.StatusOpen))
	assert.False(t, lb.CanTransition(lb.StatusSatisfied, lb.StatusOpen))
}
