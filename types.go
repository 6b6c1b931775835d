package llmbroker

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Message represents a single turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ServerListing is a snapshot of one registered inference server as
// published by the directory. Listings are fetched fresh on every query.
type ServerListing struct {
	Model           string
	InputTokenCost  *big.Int // smallest currency unit per input token
	OutputTokenCost *big.Int // smallest currency unit per output token
	ContractAddress common.Address
	Owner           common.Address
}

// AgreementStatus is the lifecycle state of an escrow agreement.
type AgreementStatus int

const (
	StatusUnknown AgreementStatus = iota
	StatusOpen
	StatusSatisfied
	StatusUnsatisfied
	StatusRefunded
)

func (s AgreementStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSatisfied:
		return "satisfied"
	case StatusUnsatisfied:
		return "unsatisfied"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// CanTransition reports whether an agreement may move from one status to another.
// Transitions are one-way: Open → {Satisfied, Unsatisfied} → Refunded.
func CanTransition(from, to AgreementStatus) bool {
	switch from {
	case StatusOpen:
		return to == StatusSatisfied || to == StatusUnsatisfied
	case StatusSatisfied, StatusUnsatisfied:
		return to == StatusRefunded
	default:
		return false
	}
}

// Agreement is the client-observable view of a per-client-per-server escrow.
// DepositedBalance and Status are only populated when the ledger backend
// implements AgreementInspector or the agreement was created by this client.
// The token costs are the ones bound at creation when the ledger reports
// them, and the server's current costs otherwise.
type Agreement struct {
	Address          common.Address
	ServerAddress    common.Address
	ClientAddress    common.Address
	ClientPubKey     *big.Int
	DepositedBalance *big.Int
	RemainingBalance *big.Int
	InputTokenCost   *big.Int
	OutputTokenCost  *big.Int
	Status           AgreementStatus
}

// SignedRequest is an inference call authenticated by a detached signature
// over the canonical serialization of Context.
type SignedRequest struct {
	Context   []Message
	MaxTokens int
	PublicKey string // hex-encoded compressed public key
	Signature string // base64 r||s over CanonicalContext(Context)
	Address   common.Address
	RequestID string
}

// ConsumptionReport is the provider-submitted token usage that debits an agreement.
type ConsumptionReport struct {
	InputTokens  uint32
	OutputTokens uint32
}

// PromptResponse is the endpoint's reply to a SignedRequest.
type PromptResponse struct {
	// History is the full conversation including the generated reply.
	History []Message
}

// Reply returns the content of the last message in the history.
func (r PromptResponse) Reply() string {
	if len(r.History) == 0 {
		return ""
	}
	return r.History[len(r.History)-1].Content
}

var thinkTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes <think>...</think> reasoning blocks from model output.
func StripThinkTags(s string) string {
	return strings.TrimSpace(thinkTags.ReplaceAllString(s, ""))
}

// cloneOptional copies v, keeping nil as nil.
func cloneOptional(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
