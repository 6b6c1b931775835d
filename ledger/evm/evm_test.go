package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/llmbroker"
)

var (
	testDirectory = common.HexToAddress("0x00000000000000000000000000000000000d1200")
	testServer    = common.HexToAddress("0x0000000000000000000000000000000000005e01")
	testOwner     = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
)

func TestABIs_ExposeContractSurface(t *testing.T) {
	for _, m := range []string{"getAllServers", "createServer"} {
		assert.Contains(t, directoryABI.Methods, m)
	}
	assert.Contains(t, directoryABI.Events, "serverCreated")

	for _, m := range []string{"createAgreement", "getAgreementContract", "getAgreementPubKey",
		"getInputTokenCost", "getOutputTokenCost", "setupModel", "setTokenCost"} {
		assert.Contains(t, serverABI.Methods, m)
	}
	assert.True(t, serverABI.Methods["createAgreement"].IsPayable())

	for _, m := range []string{"notifyResponse", "satisfied", "unsatisfied", "refund", "remainingBalance"} {
		assert.Contains(t, agreementABI.Methods, m)
	}
}

func TestPackNotifyResponse(t *testing.T) {
	data, err := agreementABI.Pack("notifyResponse", uint32(100), uint32(50))
	require.NoError(t, err)
	assert.Len(t, data, 4+2*32)
}

func serverCreatedLog(server, owner common.Address) *types.Log {
	return &types.Log{
		Address: testDirectory,
		Topics: []common.Hash{
			directoryABI.Events["serverCreated"].ID,
			common.BytesToHash(server.Bytes()),
			common.BytesToHash(owner.Bytes()),
		},
	}
}

func TestServerFromReceipt(t *testing.T) {
	other := &types.Log{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000bad"),
		Topics:  []common.Hash{directoryABI.Events["serverCreated"].ID},
	}
	receipt := &types.Receipt{Logs: []*types.Log{other, serverCreatedLog(testServer, testOwner)}}

	addr, err := serverFromReceipt(testDirectory, receipt)
	require.NoError(t, err)
	assert.Equal(t, testServer, addr)
}

func TestServerFromReceipt_NoEvent(t *testing.T) {
	_, err := serverFromReceipt(testDirectory, &types.Receipt{})
	assert.Error(t, err)
}

func TestClassifyWriteError(t *testing.T) {
	tests := []struct {
		method string
		err    string
		want   error
	}{
		{"createAgreement", "insufficient funds for gas * price + value", llmbroker.ErrInsufficientFunds},
		{"satisfied", "execution reverted", llmbroker.ErrInvalidStateTransition},
		{"refund", "execution reverted: already refunded", llmbroker.ErrInvalidStateTransition},
		{"notifyResponse", "execution reverted", llmbroker.ErrLedgerWrite},
		{"setupModel", "nonce too low", llmbroker.ErrLedgerWrite},
	}
	for _, tt := range tests {
		t.Run(tt.method+"/"+tt.err, func(t *testing.T) {
			err := classifyWriteError(tt.method, errors.New(tt.err))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadOnlyGateway_RejectsWrites(t *testing.T) {
	g := New(nil, testDirectory, nil, big.NewInt(1))
	assert.Equal(t, common.Address{}, g.Account())

	err := g.Refund(context.Background(), testServer)
	assert.ErrorIs(t, err, llmbroker.ErrLedgerWrite)

	_, err = g.CreateAgreement(context.Background(), testServer, big.NewInt(1), big.NewInt(1))
	assert.ErrorIs(t, err, llmbroker.ErrLedgerWrite)
}

func TestNew_DerivesAccountFromKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	g := New(nil, testDirectory, key, big.NewInt(1), WithAwaitReceipts(false))
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), g.Account())
	assert.False(t, g.awaitReceipts)
}
