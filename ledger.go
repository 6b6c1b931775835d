package llmbroker

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the gateway to the Directory, Server and Agreement contracts.
// Each Ledger is bound to one caller identity (Account); writes are issued
// as that identity and the ledger enforces who may call what.
//
// Implementations return errors wrapping ErrLedgerRead for failed reads and
// ErrLedgerWrite, ErrWriteUnconfirmed, ErrInsufficientFunds or
// ErrInvalidStateTransition for failed writes. No method retries.
type Ledger interface {
	// Account returns the caller identity writes are issued as.
	Account() common.Address

	// Balance returns the native currency balance of addr.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)

	// AllServers returns every listing in the directory, in directory order.
	AllServers(ctx context.Context) ([]ServerListing, error)

	// TokenCosts returns a server's current input and output token costs.
	TokenCosts(ctx context.Context, server common.Address) (input, output *big.Int, err error)

	// AgreementAddress returns the agreement between server and client,
	// or the zero address if there is none.
	AgreementAddress(ctx context.Context, server, client common.Address) (common.Address, error)

	// AgreementPubKey returns the integer-encoded key bound to client's agreement.
	AgreementPubKey(ctx context.Context, server, client common.Address) (*big.Int, error)

	// RemainingBalance returns an agreement's unspent escrow.
	RemainingBalance(ctx context.Context, agreement common.Address) (*big.Int, error)

	// CreateServer registers a new server contract and returns its address,
	// taken from the confirmed creation event.
	CreateServer(ctx context.Context) (common.Address, error)

	// SetupModel publishes endpoint, model and pricing for a server.
	SetupModel(ctx context.Context, server common.Address, setup ServerSetup) error

	// SetTokenCost updates a server's pricing.
	SetTokenCost(ctx context.Context, server common.Address, input, output *big.Int, costInUSD bool) error

	// CreateAgreement escrows deposit with server, binding pubKey.
	CreateAgreement(ctx context.Context, server common.Address, pubKey, deposit *big.Int) (common.Address, error)

	// NotifyResponse debits an agreement for consumed tokens at the costs
	// bound when it was created. Provider only; allowed until the refund.
	NotifyResponse(ctx context.Context, agreement common.Address, report ConsumptionReport) error

	// NotifySatisfied records a satisfied outcome. Client only, once.
	NotifySatisfied(ctx context.Context, agreement common.Address) error

	// NotifyUnsatisfied records a dispute. Client only, once.
	NotifyUnsatisfied(ctx context.Context, agreement common.Address) error

	// Refund releases the remaining balance to the client. Once.
	Refund(ctx context.Context, agreement common.Address) error
}

// AgreementInspector is implemented by ledgers that can report an
// agreement's deposit, lifecycle status and the token costs it was opened at.
type AgreementInspector interface {
	AgreementState(ctx context.Context, agreement common.Address) (AgreementSnapshot, error)
}

// AgreementSnapshot is an agreement's escrow terms as the ledger records them.
// The token costs are fixed when the agreement is created; later repricing of
// the server does not change them.
type AgreementSnapshot struct {
	Deposited       *big.Int
	Status          AgreementStatus
	InputTokenCost  *big.Int
	OutputTokenCost *big.Int
}

// ServerSetup is the provider-published configuration of a server contract.
type ServerSetup struct {
	Endpoint        string
	Model           string
	InputTokenCost  *big.Int
	OutputTokenCost *big.Int
	CostInUSD       bool
}
