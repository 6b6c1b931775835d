// Package memory is an in-process ledger holding directory, server and
// agreement state in maps. It enforces the same rules the contracts do:
// balances never go negative, only a server's owner reports consumption,
// only the client settles, and every agreement is refunded at most once.
//
// A World holds shared state; each Session acts as one identity.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ineyio/llmbroker"
)

// World is the shared state of an in-memory ledger.
type World struct {
	mu         sync.Mutex
	directory  common.Address
	balances   map[common.Address]*big.Int
	servers    []*server
	byAddr     map[common.Address]*server
	agreements map[common.Address]*agreement
	nonce      uint64
}

type server struct {
	addr       common.Address
	owner      common.Address
	endpoint   string
	model      string
	inputCost  *big.Int
	outputCost *big.Int
	costInUSD  bool
	byClient   map[common.Address]common.Address
}

type agreement struct {
	addr      common.Address
	server    *server
	client    common.Address
	pubKey    *big.Int
	deposited *big.Int
	remaining *big.Int
	status    llmbroker.AgreementStatus

	// costs bound at creation
	inputCost  *big.Int
	outputCost *big.Int
}

// NewWorld creates an empty ledger whose directory lives at directory.
func NewWorld(directory common.Address) *World {
	return &World{
		directory:  directory,
		balances:   make(map[common.Address]*big.Int),
		byAddr:     make(map[common.Address]*server),
		agreements: make(map[common.Address]*agreement),
	}
}

// Fund credits amount to addr.
func (w *World) Fund(addr common.Address, amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.credit(addr, amount)
}

// BalanceOf returns addr's native balance.
func (w *World) BalanceOf(addr common.Address) *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balanceLocked(addr)
}

// Session returns a Ledger that acts as account.
func (w *World) Session(account common.Address) *Ledger {
	return &Ledger{world: w, account: account}
}

func (w *World) balanceLocked(addr common.Address) *big.Int {
	if b, ok := w.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (w *World) credit(addr common.Address, amount *big.Int) {
	b, ok := w.balances[addr]
	if !ok {
		b = new(big.Int)
		w.balances[addr] = b
	}
	b.Add(b, amount)
}

func (w *World) nextAddress(deployer common.Address) common.Address {
	w.nonce++
	return crypto.CreateAddress(deployer, w.nonce)
}

func (w *World) serverLocked(addr common.Address) (*server, error) {
	s, ok := w.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no server at %s", llmbroker.ErrLedgerRead, addr.Hex())
	}
	return s, nil
}

func (w *World) agreementLocked(addr common.Address) (*agreement, error) {
	a, ok := w.agreements[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no agreement at %s", llmbroker.ErrLedgerRead, addr.Hex())
	}
	return a, nil
}

// Ledger is one identity's view of a World.
type Ledger struct {
	world   *World
	account common.Address
}

var (
	_ llmbroker.Ledger             = (*Ledger)(nil)
	_ llmbroker.AgreementInspector = (*Ledger)(nil)
)

func (l *Ledger) Account() common.Address { return l.account }

func (l *Ledger) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	return l.world.BalanceOf(addr), nil
}

func (l *Ledger) AllServers(context.Context) ([]llmbroker.ServerListing, error) {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	listings := make([]llmbroker.ServerListing, 0, len(w.servers))
	for _, s := range w.servers {
		listings = append(listings, llmbroker.ServerListing{
			Model:           s.model,
			InputTokenCost:  new(big.Int).Set(s.inputCost),
			OutputTokenCost: new(big.Int).Set(s.outputCost),
			ContractAddress: s.addr,
			Owner:           s.owner,
		})
	}
	return listings, nil
}

func (l *Ledger) TokenCosts(_ context.Context, addr common.Address) (*big.Int, *big.Int, error) {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.serverLocked(addr)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(s.inputCost), new(big.Int).Set(s.outputCost), nil
}

func (l *Ledger) AgreementAddress(_ context.Context, addr, client common.Address) (common.Address, error) {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.serverLocked(addr)
	if err != nil {
		return common.Address{}, err
	}
	return s.byClient[client], nil
}

func (l *Ledger) AgreementPubKey(_ context.Context, addr, client common.Address) (*big.Int, error) {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.serverLocked(addr)
	if err != nil {
		return nil, err
	}
	a, ok := w.agreements[s.byClient[client]]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(a.pubKey), nil
}

func (l *Ledger) RemainingBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	a, err := w.agreementLocked(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(a.remaining), nil
}

// AgreementState reports the deposit, status and bound token costs of an agreement.
func (l *Ledger) AgreementState(_ context.Context, addr common.Address) (llmbroker.AgreementSnapshot, error) {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	a, err := w.agreementLocked(addr)
	if err != nil {
		return llmbroker.AgreementSnapshot{Status: llmbroker.StatusUnknown}, err
	}
	return llmbroker.AgreementSnapshot{
		Deposited:       new(big.Int).Set(a.deposited),
		Status:          a.status,
		InputTokenCost:  new(big.Int).Set(a.inputCost),
		OutputTokenCost: new(big.Int).Set(a.outputCost),
	}, nil
}

func (l *Ledger) CreateServer(context.Context) (common.Address, error) {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	s := &server{
		addr:       w.nextAddress(w.directory),
		owner:      l.account,
		inputCost:  new(big.Int),
		outputCost: new(big.Int),
		byClient:   make(map[common.Address]common.Address),
	}
	w.servers = append(w.servers, s)
	w.byAddr[s.addr] = s
	return s.addr, nil
}

func (l *Ledger) SetupModel(_ context.Context, addr common.Address, setup llmbroker.ServerSetup) error {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := l.ownedServerLocked(addr)
	if err != nil {
		return err
	}
	if err := checkCosts(setup.InputTokenCost, setup.OutputTokenCost); err != nil {
		return err
	}
	s.endpoint = setup.Endpoint
	s.model = setup.Model
	s.inputCost = new(big.Int).Set(setup.InputTokenCost)
	s.outputCost = new(big.Int).Set(setup.OutputTokenCost)
	s.costInUSD = setup.CostInUSD
	return nil
}

func (l *Ledger) SetTokenCost(_ context.Context, addr common.Address, input, output *big.Int, costInUSD bool) error {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := l.ownedServerLocked(addr)
	if err != nil {
		return err
	}
	if err := checkCosts(input, output); err != nil {
		return err
	}
	s.inputCost = new(big.Int).Set(input)
	s.outputCost = new(big.Int).Set(output)
	s.costInUSD = costInUSD
	return nil
}

func (l *Ledger) CreateAgreement(_ context.Context, addr common.Address, pubKey, deposit *big.Int) (common.Address, error) {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.byAddr[addr]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: no server at %s", llmbroker.ErrLedgerWrite, addr.Hex())
	}
	if deposit == nil || deposit.Sign() <= 0 {
		return common.Address{}, fmt.Errorf("%w: deposit must be positive", llmbroker.ErrLedgerWrite)
	}
	balance := w.balanceLocked(l.account)
	if balance.Cmp(deposit) < 0 {
		return common.Address{}, fmt.Errorf("%w: balance %s < deposit %s", llmbroker.ErrInsufficientFunds, balance, deposit)
	}

	w.credit(l.account, new(big.Int).Neg(deposit))
	a := &agreement{
		addr:      w.nextAddress(s.addr),
		server:    s,
		client:    l.account,
		pubKey:    new(big.Int).Set(pubKey),
		deposited: new(big.Int).Set(deposit),
		remaining: new(big.Int).Set(deposit),
		status:    llmbroker.StatusOpen,

		inputCost:  new(big.Int).Set(s.inputCost),
		outputCost: new(big.Int).Set(s.outputCost),
	}
	w.agreements[a.addr] = a
	// Like the contract mapping, a second agreement replaces the first in lookups.
	s.byClient[l.account] = a.addr
	return a.addr, nil
}

func (l *Ledger) NotifyResponse(_ context.Context, addr common.Address, report llmbroker.ConsumptionReport) error {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	a, err := w.agreementForWrite(addr)
	if err != nil {
		return err
	}
	if l.account != a.server.owner {
		return fmt.Errorf("%w: only the server owner may report consumption", llmbroker.ErrLedgerWrite)
	}
	// Settlement by the client does not stop the provider billing served
	// requests; only a refund closes the escrow.
	if a.status == llmbroker.StatusRefunded {
		return fmt.Errorf("%w: agreement is %s", llmbroker.ErrInvalidStateTransition, a.status)
	}

	cost := llmbroker.ConsumptionCost(report, a.inputCost, a.outputCost)
	if cost.Cmp(a.remaining) > 0 {
		return fmt.Errorf("%w: consumption %s exceeds remaining %s", llmbroker.ErrLedgerWrite, cost, a.remaining)
	}
	a.remaining.Sub(a.remaining, cost)
	w.credit(a.server.owner, cost)
	return nil
}

func (l *Ledger) NotifySatisfied(_ context.Context, addr common.Address) error {
	return l.settle(addr, llmbroker.StatusSatisfied)
}

func (l *Ledger) NotifyUnsatisfied(_ context.Context, addr common.Address) error {
	return l.settle(addr, llmbroker.StatusUnsatisfied)
}

func (l *Ledger) Refund(_ context.Context, addr common.Address) error {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	a, err := l.clientAgreementLocked(addr, llmbroker.StatusRefunded)
	if err != nil {
		return err
	}
	w.credit(a.client, a.remaining)
	a.remaining = new(big.Int)
	a.status = llmbroker.StatusRefunded
	return nil
}

func (l *Ledger) settle(addr common.Address, to llmbroker.AgreementStatus) error {
	w := l.world
	w.mu.Lock()
	defer w.mu.Unlock()

	a, err := l.clientAgreementLocked(addr, to)
	if err != nil {
		return err
	}
	a.status = to
	return nil
}

func (l *Ledger) clientAgreementLocked(addr common.Address, to llmbroker.AgreementStatus) (*agreement, error) {
	a, err := l.world.agreementForWrite(addr)
	if err != nil {
		return nil, err
	}
	if l.account != a.client {
		return nil, fmt.Errorf("%w: only the client may settle the agreement", llmbroker.ErrLedgerWrite)
	}
	if !llmbroker.CanTransition(a.status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", llmbroker.ErrInvalidStateTransition, a.status, to)
	}
	return a, nil
}

func (l *Ledger) ownedServerLocked(addr common.Address) (*server, error) {
	s, ok := l.world.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no server at %s", llmbroker.ErrLedgerWrite, addr.Hex())
	}
	if s.owner != l.account {
		return nil, fmt.Errorf("%w: only the owner may configure %s", llmbroker.ErrLedgerWrite, addr.Hex())
	}
	return s, nil
}

func (w *World) agreementForWrite(addr common.Address) (*agreement, error) {
	a, ok := w.agreements[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no agreement at %s", llmbroker.ErrLedgerWrite, addr.Hex())
	}
	return a, nil
}

func checkCosts(input, output *big.Int) error {
	if input == nil || output == nil || input.Sign() < 0 || output.Sign() < 0 {
		return fmt.Errorf("%w: token costs must be non-negative", llmbroker.ErrLedgerWrite)
	}
	return nil
}
