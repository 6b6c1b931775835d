// Package evm implements llmbroker.Ledger against the Directory, Server and
// Agreement contracts on an EVM chain using go-ethereum.
package evm

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ineyio/llmbroker"
)

var (
	//go:embed abi/directory.json
	directoryJSON string
	//go:embed abi/server.json
	serverJSON string
	//go:embed abi/agreement.json
	agreementJSON string
)

var (
	directoryABI = mustParseABI(directoryJSON)
	serverABI    = mustParseABI(serverJSON)
	agreementABI = mustParseABI(agreementJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("llmbroker/evm: parse abi: %v", err))
	}
	return parsed
}

// Backend is the chain access the gateway needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Gateway is an llmbroker.Ledger backed by an EVM JSON-RPC endpoint.
// Without a private key it is read-only and every write fails.
type Gateway struct {
	backend       Backend
	directoryAddr common.Address
	directory     *bind.BoundContract
	key           *ecdsa.PrivateKey
	account       common.Address
	chainID       *big.Int
	awaitReceipts bool
	closer        func()
}

var _ llmbroker.Ledger = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithAwaitReceipts controls whether writes without a result wait for their
// receipt (default true). CreateServer and CreateAgreement always wait,
// since their result is only known once mined.
func WithAwaitReceipts(await bool) Option {
	return func(g *Gateway) { g.awaitReceipts = await }
}

// Dial connects to cfg.RPCURL and returns a Gateway for cfg's directory,
// signing as cfg.PrivateKey when one is set.
func Dial(ctx context.Context, cfg llmbroker.LedgerConfig) (*Gateway, error) {
	var key *ecdsa.PrivateKey
	if cfg.PrivateKey != "" {
		k, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("llmbroker/evm: invalid private key: %w", err)
		}
		key = k
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", llmbroker.ErrLedgerRead, cfg.RPCURL, err)
	}

	var opts []Option
	if cfg.AwaitReceipts != nil {
		opts = append(opts, WithAwaitReceipts(*cfg.AwaitReceipts))
	}
	g := New(client, common.HexToAddress(cfg.DirectoryAddress), key, big.NewInt(cfg.ChainID), opts...)
	g.closer = client.Close
	return g, nil
}

// New creates a Gateway over backend. key may be nil for a read-only gateway.
func New(backend Backend, directory common.Address, key *ecdsa.PrivateKey, chainID *big.Int, opts ...Option) *Gateway {
	g := &Gateway{
		backend:       backend,
		directoryAddr: directory,
		directory:     bind.NewBoundContract(directory, directoryABI, backend, backend, backend),
		key:           key,
		chainID:       chainID,
		awaitReceipts: true,
	}
	if key != nil {
		g.account = crypto.PubkeyToAddress(key.PublicKey)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Close releases the RPC connection opened by Dial.
func (g *Gateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

func (g *Gateway) Account() common.Address { return g.account }

func (g *Gateway) server(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, serverABI, g.backend, g.backend, g.backend)
}

func (g *Gateway) agreement(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, agreementABI, g.backend, g.backend, g.backend)
}

// --- reads ---

func (g *Gateway) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := g.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %w", llmbroker.ErrLedgerRead, err)
	}
	return bal, nil
}

// serverTuple mirrors the directory's Server struct.
type serverTuple struct {
	Model           string
	InputTokenCost  *big.Int
	OutputTokenCost *big.Int
	ServerContract  common.Address
	Owner           common.Address
}

func (g *Gateway) AllServers(ctx context.Context) ([]llmbroker.ServerListing, error) {
	out, err := g.call(ctx, g.directory, "getAllServers")
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(out[0], new([]serverTuple)).(*[]serverTuple)

	listings := make([]llmbroker.ServerListing, 0, len(tuples))
	for _, t := range tuples {
		listings = append(listings, llmbroker.ServerListing{
			Model:           t.Model,
			InputTokenCost:  t.InputTokenCost,
			OutputTokenCost: t.OutputTokenCost,
			ContractAddress: t.ServerContract,
			Owner:           t.Owner,
		})
	}
	return listings, nil
}

func (g *Gateway) TokenCosts(ctx context.Context, server common.Address) (*big.Int, *big.Int, error) {
	c := g.server(server)
	in, err := g.callInt(ctx, c, "getInputTokenCost")
	if err != nil {
		return nil, nil, err
	}
	out, err := g.callInt(ctx, c, "getOutputTokenCost")
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

func (g *Gateway) AgreementAddress(ctx context.Context, server, client common.Address) (common.Address, error) {
	out, err := g.call(ctx, g.server(server), "getAgreementContract", client)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (g *Gateway) AgreementPubKey(ctx context.Context, server, client common.Address) (*big.Int, error) {
	return g.callInt(ctx, g.server(server), "getAgreementPubKey", client)
}

func (g *Gateway) RemainingBalance(ctx context.Context, agreement common.Address) (*big.Int, error) {
	return g.callInt(ctx, g.agreement(agreement), "remainingBalance")
}

func (g *Gateway) call(ctx context.Context, c *bind.BoundContract, method string, params ...any) ([]any, error) {
	var out []any
	if err := c.Call(&bind.CallOpts{Context: ctx, From: g.account}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", llmbroker.ErrLedgerRead, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s: empty result", llmbroker.ErrLedgerRead, method)
	}
	return out, nil
}

func (g *Gateway) callInt(ctx context.Context, c *bind.BoundContract, method string, params ...any) (*big.Int, error) {
	out, err := g.call(ctx, c, method, params...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// --- writes ---

func (g *Gateway) CreateServer(ctx context.Context) (common.Address, error) {
	receipt, err := g.transactAndWait(ctx, g.directory, nil, "createServer")
	if err != nil {
		return common.Address{}, err
	}
	server, err := serverFromReceipt(g.directoryAddr, receipt)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: createServer %s: %w", llmbroker.ErrWriteUnconfirmed, receipt.TxHash.Hex(), err)
	}
	return server, nil
}

func (g *Gateway) SetupModel(ctx context.Context, server common.Address, s llmbroker.ServerSetup) error {
	return g.transact(ctx, g.server(server), nil, "setupModel",
		s.Endpoint, s.Model, s.InputTokenCost, s.OutputTokenCost, s.CostInUSD)
}

func (g *Gateway) SetTokenCost(ctx context.Context, server common.Address, input, output *big.Int, costInUSD bool) error {
	return g.transact(ctx, g.server(server), nil, "setTokenCost", input, output, costInUSD)
}

func (g *Gateway) CreateAgreement(ctx context.Context, server common.Address, pubKey, deposit *big.Int) (common.Address, error) {
	receipt, err := g.transactAndWait(ctx, g.server(server), deposit, "createAgreement", pubKey)
	if err != nil {
		return common.Address{}, err
	}
	// The agreement address is only exposed through the server's mapping.
	addr, err := g.AgreementAddress(ctx, server, g.account)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: createAgreement mined in %s, lookup failed: %w",
			llmbroker.ErrWriteUnconfirmed, receipt.TxHash.Hex(), err)
	}
	return addr, nil
}

func (g *Gateway) NotifyResponse(ctx context.Context, agreement common.Address, r llmbroker.ConsumptionReport) error {
	return g.transact(ctx, g.agreement(agreement), nil, "notifyResponse", r.InputTokens, r.OutputTokens)
}

func (g *Gateway) NotifySatisfied(ctx context.Context, agreement common.Address) error {
	return g.transact(ctx, g.agreement(agreement), nil, "satisfied")
}

func (g *Gateway) NotifyUnsatisfied(ctx context.Context, agreement common.Address) error {
	return g.transact(ctx, g.agreement(agreement), nil, "unsatisfied")
}

func (g *Gateway) Refund(ctx context.Context, agreement common.Address) error {
	return g.transact(ctx, g.agreement(agreement), nil, "refund")
}

func (g *Gateway) transact(ctx context.Context, c *bind.BoundContract, value *big.Int, method string, params ...any) error {
	if !g.awaitReceipts {
		_, err := g.submit(ctx, c, value, method, params...)
		return err
	}
	_, err := g.transactAndWait(ctx, c, value, method, params...)
	return err
}

func (g *Gateway) transactAndWait(ctx context.Context, c *bind.BoundContract, value *big.Int, method string, params ...any) (*types.Receipt, error) {
	tx, err := g.submit(ctx, c, value, method, params...)
	if err != nil {
		return nil, err
	}
	receipt, err := bind.WaitMined(ctx, g.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", llmbroker.ErrWriteUnconfirmed, method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, classifyWriteError(method, fmt.Errorf("transaction %s reverted", tx.Hash().Hex()))
	}
	return receipt, nil
}

func (g *Gateway) submit(ctx context.Context, c *bind.BoundContract, value *big.Int, method string, params ...any) (*types.Transaction, error) {
	if g.key == nil {
		return nil, fmt.Errorf("%w: %s: gateway has no signing key", llmbroker.ErrLedgerWrite, method)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(g.key, g.chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", llmbroker.ErrLedgerWrite, method, err)
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := c.Transact(opts, method, params...)
	if err != nil {
		return nil, classifyWriteError(method, err)
	}
	return tx, nil
}

// settleMethods revert only when the agreement is not in a state that
// allows the call.
var settleMethods = map[string]bool{
	"satisfied":   true,
	"unsatisfied": true,
	"refund":      true,
}

// classifyWriteError maps a rejected write onto the llmbroker taxonomy.
func classifyWriteError(method string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %s: %w", llmbroker.ErrInsufficientFunds, method, err)
	case settleMethods[method] && strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %s: %w", llmbroker.ErrInvalidStateTransition, method, err)
	default:
		return fmt.Errorf("%w: %s: %w", llmbroker.ErrLedgerWrite, method, err)
	}
}

// serverFromReceipt extracts the new server address from the directory's
// serverCreated event.
func serverFromReceipt(directory common.Address, receipt *types.Receipt) (common.Address, error) {
	event := directoryABI.Events["serverCreated"]
	for _, log := range receipt.Logs {
		if log.Address != directory || len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		fields := make(map[string]any)
		if err := abi.ParseTopicsIntoMap(fields, indexedArgs(event.Inputs), log.Topics[1:]); err != nil {
			return common.Address{}, fmt.Errorf("decode serverCreated: %w", err)
		}
		addr, ok := fields["serverAddress"].(common.Address)
		if !ok {
			return common.Address{}, errors.New("serverCreated has no serverAddress")
		}
		return addr, nil
	}
	return common.Address{}, errors.New("no serverCreated event in receipt")
}

func indexedArgs(args abi.Arguments) abi.Arguments {
	var indexed abi.Arguments
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		}
	}
	return indexed
}
