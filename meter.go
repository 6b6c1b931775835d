package llmbroker

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Meter observes client events for monitoring/logging.
type Meter interface {
	// OnSelect is called when a server is chosen for a model.
	OnSelect(event SelectEvent)

	// OnDispatch is called before a signed request is sent.
	OnDispatch(event DispatchEvent)

	// OnResult is called when an endpoint call completes.
	OnResult(event ResultEvent)

	// OnLedgerWrite is called after every state-changing ledger call.
	OnLedgerWrite(event LedgerWriteEvent)
}

// SelectEvent describes a server selection.
type SelectEvent struct {
	Model      string
	Server     common.Address
	Candidates int
	Reused     bool // an existing funded agreement was chosen
}

// DispatchEvent describes a request about to be sent.
type DispatchEvent struct {
	Endpoint  string
	RequestID string
	Messages  int
	MaxTokens int
}

// ResultEvent describes the outcome of an endpoint call.
type ResultEvent struct {
	Endpoint  string
	RequestID string
	Success   bool
	Duration  time.Duration
	Error     error
}

// LedgerWriteEvent describes a state-changing ledger call.
type LedgerWriteEvent struct {
	Op       string
	Contract common.Address
	Value    *big.Int
	Duration time.Duration
	Error    error
}
