package llmbroker_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lb "github.com/ineyio/llmbroker"
	"github.com/ineyio/llmbroker/provider/mock"
)

func TestPromptAI_SendsVerifiableRequest(t *testing.T) {
	m := &recordingMeter{}
	f := newFixture(t, lb.WithMeter(m))
	ep := mock.New(mock.WithReply("<think>hmm</think>Four."))

	resp, err := f.client.PromptAI(context.Background(), ep, conversation, 0, f.kp, clientAddr)
	require.NoError(t, err)
	assert.Equal(t, "Four.", lb.StripThinkTags(resp.Reply()))
	assert.Len(t, resp.History, len(conversation)+1)

	reqs := ep.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, 700, req.MaxTokens, "configured default")
	assert.Equal(t, clientAddr, req.Address)
	assert.NotEmpty(t, req.RequestID)

	pub, err := lb.ParsePublicKey(req.PublicKey)
	require.NoError(t, err)
	assert.True(t, lb.VerifySignature(pub, req.Signature, req.Context))

	require.Len(t, m.dispatch, 1)
	require.Len(t, m.results, 1)
	assert.Equal(t, req.RequestID, m.results[0].RequestID)
	assert.True(t, m.results[0].Success)
}

func TestPromptAI_ProviderRejectionIsTransportError(t *testing.T) {
	f := newFixture(t)
	ep := mock.New(mock.WithError(&lb.TransportError{
		Endpoint:   "mock://endpoint",
		StatusCode: 402,
		Err:        lb.ErrInsufficientBalance,
	}))

	_, err := f.client.PromptAI(context.Background(), ep, conversation, 10, f.kp, clientAddr)
	assert.ErrorIs(t, err, lb.ErrTransport)
	assert.ErrorIs(t, err, lb.ErrInsufficientBalance)
	assert.False(t, lb.IsRetrySafe(err))
}

func TestPrompt_RecordsEndpointHealth(t *testing.T) {
	ht := lb.NewHealthTracker()
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 1, 1)

	ep := mock.New(mock.WithFailAfter(1))
	c, err := lb.NewClient(testConfig(), f.world.Session(clientAddr),
		lb.WithHealthTracker(ht),
		lb.WithEndpoint(server, ep),
	)
	require.NoError(t, err)

	_, err = c.Prompt(context.Background(), server, conversation, 10, f.kp)
	require.NoError(t, err)

	for range 3 {
		_, err = c.Prompt(context.Background(), server, conversation, 10, f.kp)
		assert.ErrorIs(t, err, lb.ErrTransport)
		assert.True(t, lb.IsRetrySafe(err))
	}
	assert.Equal(t, lb.HealthUnhealthy, ht.GetHealth(server))
}

func TestPrompt_NoEndpoint(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 1, 1)

	_, err := f.client.Prompt(context.Background(), server, conversation, 10, f.kp)
	assert.ErrorIs(t, err, lb.ErrTransport)
}

func TestVerifySignedRequest(t *testing.T) {
	f := newFixture(t)
	server := f.addServer(t, providerAddr, "x", 2, 3)
	a := f.openAgreement(t, server, 1000)
	providerLedger := f.world.Session(providerAddr)
	ctx := context.Background()

	req, err := lb.NewSignedRequest(conversation, 100, f.kp, clientAddr)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, lb.VerifySignedRequest(ctx, providerLedger, server, req, big.NewInt(1000)))
	})

	t.Run("tampered context", func(t *testing.T) {
		bad := req
		bad.Context = []lb.Message{{Role: "user", Content: "something else"}}
		err := lb.VerifySignedRequest(ctx, providerLedger, server, bad, big.NewInt(1))
		assert.ErrorIs(t, err, lb.ErrUnauthorized)
	})

	t.Run("key not bound", func(t *testing.T) {
		other, err := lb.CreateKeyPair()
		require.NoError(t, err)
		bad, err := lb.NewSignedRequest(conversation, 100, other, clientAddr)
		require.NoError(t, err)
		err = lb.VerifySignedRequest(ctx, providerLedger, server, bad, big.NewInt(1))
		assert.ErrorIs(t, err, lb.ErrUnauthorized)
	})

	t.Run("no agreement", func(t *testing.T) {
		bad := req
		bad.Address = otherProvider
		err := lb.VerifySignedRequest(ctx, providerLedger, server, bad, big.NewInt(1))
		assert.ErrorIs(t, err, lb.ErrUnauthorized)
		assert.ErrorIs(t, err, lb.ErrNoAgreement)
	})

	t.Run("garbage public key", func(t *testing.T) {
		bad := req
		bad.PublicKey = "not-hex"
		err := lb.VerifySignedRequest(ctx, providerLedger, server, bad, big.NewInt(1))
		assert.ErrorIs(t, err, lb.ErrUnauthorized)
	})

	t.Run("estimate exceeds balance", func(t *testing.T) {
		err := lb.VerifySignedRequest(ctx, providerLedger, server, req, big.NewInt(1001))
		assert.ErrorIs(t, err, lb.ErrInsufficientBalance)
	})

	t.Run("settled agreement", func(t *testing.T) {
		require.NoError(t, f.client.NotifySatisfied(ctx, a.Address))
		err := lb.VerifySignedRequest(ctx, providerLedger, server, req, big.NewInt(1))
		assert.ErrorIs(t, err, lb.ErrUnauthorized)
	})
}
