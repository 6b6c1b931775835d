package httpendpoint_test

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/llmbroker"
	"github.com/ineyio/llmbroker/ledger/memory"
	"github.com/ineyio/llmbroker/provider/httpendpoint"
)

var (
	directory = common.HexToAddress("0x00000000000000000000000000000000000d1200")
	owner     = common.HexToAddress("0x000000000000000000000000000000000000f001")
)

type market struct {
	world  *memory.World
	server common.Address
	client *llmbroker.Client
	ep     *httpendpoint.Endpoint
	kp     llmbroker.KeyPair
}

func newMarket(t *testing.T) *market {
	t.Helper()
	ctx := context.Background()
	world := memory.NewWorld(directory)
	world.Fund(wallet, big.NewInt(100_000))

	cfg := llmbroker.Config{
		Ledger: llmbroker.LedgerConfig{DirectoryAddress: directory.Hex()},
		Client: llmbroker.ClientConfig{MaxTokens: 64},
	}

	provider, err := llmbroker.NewClient(cfg, world.Session(owner))
	require.NoError(t, err)
	server, err := provider.RegisterServer(ctx, llmbroker.ServerSetup{
		Model:           "echo",
		InputTokenCost:  big.NewInt(2),
		OutputTokenCost: big.NewInt(3),
	})
	require.NoError(t, err)

	generate := func(_ context.Context, msgs []llmbroker.Message, _ int) (httpendpoint.Generation, error) {
		return httpendpoint.Generation{
			Reply:        "<think>echoing</think>" + msgs[len(msgs)-1].Content,
			InputTokens:  10,
			OutputTokens: 5,
		}, nil
	}
	srv := httptest.NewServer(httpendpoint.NewHandler(world.Session(owner), server, generate))
	t.Cleanup(srv.Close)

	ep := httpendpoint.New(srv.URL)
	client, err := llmbroker.NewClient(cfg, world.Session(wallet), llmbroker.WithEndpoint(server, ep))
	require.NoError(t, err)

	kp, err := llmbroker.CreateKeyPair()
	require.NoError(t, err)

	return &market{world: world, server: server, client: client, ep: ep, kp: kp}
}

func TestHandler_EndToEnd(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	msgs := []llmbroker.Message{{Role: "user", Content: "ping"}}

	price, err := m.client.GetServerContextPrice(ctx, m.server, nil, msgs)
	require.NoError(t, err)

	a, created, err := m.client.OpenAgreement(ctx, llmbroker.OpenRequest{
		Server:  m.server,
		KeyPair: m.kp,
		Deposit: llmbroker.EstimateDeposit(price, 20),
	})
	require.NoError(t, err)
	require.True(t, created)

	resp, err := m.client.Prompt(ctx, m.server, msgs, 0, m.kp)
	require.NoError(t, err)
	assert.Equal(t, "ping", llmbroker.StripThinkTags(resp.Reply()))

	view, err := m.client.Reconcile(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(10*2+5*3), view.Debit.Int64())
	assert.True(t, view.Consistent())
	assert.Equal(t, int64(35), m.world.BalanceOf(owner).Int64())
}

func TestHandler_RejectsWithoutAgreement(t *testing.T) {
	m := newMarket(t)

	_, err := m.client.Prompt(context.Background(), m.server, []llmbroker.Message{{Role: "user", Content: "hi"}}, 0, m.kp)
	assert.ErrorIs(t, err, llmbroker.ErrTransport)
	assert.ErrorIs(t, err, llmbroker.ErrUnauthorized)
}

func TestHandler_RejectsForeignKey(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	_, err := m.client.CreateAgreement(ctx, m.server, m.kp.Public, big.NewInt(10_000))
	require.NoError(t, err)

	other, err := llmbroker.CreateKeyPair()
	require.NoError(t, err)
	_, err = m.client.Prompt(ctx, m.server, []llmbroker.Message{{Role: "user", Content: "hi"}}, 0, other)
	assert.ErrorIs(t, err, llmbroker.ErrUnauthorized)
}

func TestHandler_RejectsLowBalance(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	_, err := m.client.CreateAgreement(ctx, m.server, m.kp.Public, big.NewInt(1))
	require.NoError(t, err)

	_, err = m.client.Prompt(ctx, m.server, []llmbroker.Message{{Role: "user", Content: "a long enough prompt"}}, 0, m.kp)
	assert.ErrorIs(t, err, llmbroker.ErrInsufficientBalance)
}

func TestHandler_Tokens(t *testing.T) {
	m := newMarket(t)
	msgs := []llmbroker.Message{{Role: "user", Content: "count me please"}}

	n, err := m.ep.CountTokens(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, llmbroker.EstimateTokens(msgs), n)
}
