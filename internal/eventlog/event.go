// Package eventlog implements the engine's hash-chained, append-only
// audit trail: every significant transition is appended here, and the
// chain of SHA-256 hashes makes post-hoc tampering detectable.
package eventlog

import (
	"encoding/json"
	"time"

	"github.com/rivalapexmediation/settlementengine/internal/ids"
)

// PayloadTag identifies the kind of payload an event carries.
type PayloadTag string

const (
	TagBidSubmitted      PayloadTag = "BidSubmitted"
	TagBidRejected       PayloadTag = "BidRejected"
	TagAuctionStarted    PayloadTag = "AuctionStarted"
	TagAuctionFinalized  PayloadTag = "AuctionFinalized"
	TagAuctionCancelled  PayloadTag = "AuctionCancelled"
	TagWorkflowStarted   PayloadTag = "WorkflowStarted"
	TagWorkflowCompleted PayloadTag = "WorkflowCompleted"
	TagChainLinkExecuted PayloadTag = "ChainLinkExecuted"
)

// Payload is the tagged-variant payload carried by an Event. Concrete
// payload types below implement it; canonical() must be deterministic
// across calls for the same logical value, since it feeds the hash.
type Payload interface {
	Tag() PayloadTag
	canonical() []byte
}

// Event is an immutable, once-created record. Nothing in this package
// ever mutates an Event after Append returns.
type Event struct {
	EventID      ids.ID     `json:"event_id"`
	AuctionID    ids.ID     `json:"auction_id"`
	PayloadTag   PayloadTag `json:"payload_tag"`
	Payload      Payload    `json:"-"`
	RawPayload   json.RawMessage `json:"payload"`
	PreviousHash []byte     `json:"-"`
	EventHash    []byte     `json:"-"`
	Timestamp    time.Time  `json:"timestamp"`
}

// --- concrete payloads ---

// BidSubmitted records acceptance of a bid into an auction's current_bids.
type BidSubmitted struct {
	BidID    ids.ID `json:"bid_id"`
	BidderID ids.ID `json:"bidder_id"`
	Amount   string `json:"amount"`
	Quantity string `json:"quantity"`
}

func (BidSubmitted) Tag() PayloadTag { return TagBidSubmitted }
func (p BidSubmitted) canonical() []byte {
	b, _ := json.Marshal(p)
	return b
}

// BidRejected records a bid the actor refused to admit (e.g. the
// auction wasn't active).
type BidRejected struct {
	BidID    ids.ID `json:"bid_id"`
	BidderID ids.ID `json:"bidder_id"`
	Reason   string `json:"reason"`
}

func (BidRejected) Tag() PayloadTag { return TagBidRejected }
func (p BidRejected) canonical() []byte {
	b, _ := json.Marshal(p)
	return b
}

// AuctionStarted records the pending→active transition.
type AuctionStarted struct {
	Mechanism    string `json:"mechanism"`
	ReservePrice string `json:"reserve_price"`
}

func (AuctionStarted) Tag() PayloadTag { return TagAuctionStarted }
func (p AuctionStarted) canonical() []byte {
	b, _ := json.Marshal(p)
	return b
}

// AuctionFinalized records the terminal successful outcome of an
// auction, carrying a flattened summary of the result.
type AuctionFinalized struct {
	ClearingPrice string            `json:"clearing_price"`
	Winners       []ids.ID          `json:"winners"`
	Payments      map[string]string `json:"payments"`
}

func (AuctionFinalized) Tag() PayloadTag { return TagAuctionFinalized }
func (p AuctionFinalized) canonical() []byte {
	b, _ := json.Marshal(p)
	return b
}

// AuctionCancelled records the terminal cancellation of an auction.
type AuctionCancelled struct {
	Reason string `json:"reason"`
}

func (AuctionCancelled) Tag() PayloadTag { return TagAuctionCancelled }
func (p AuctionCancelled) canonical() []byte {
	b, _ := json.Marshal(p)
	return b
}

// WorkflowStarted records the start of a settlement-orchestrator run.
type WorkflowStarted struct {
	RequestID ids.ID `json:"request_id"`
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
}

func (WorkflowStarted) Tag() PayloadTag { return TagWorkflowStarted }
func (p WorkflowStarted) canonical() []byte {
	b, _ := json.Marshal(p)
	return b
}

// WorkflowCompleted records the terminal status of a settlement run.
type WorkflowCompleted struct {
	RequestID ids.ID `json:"request_id"`
	Status    string `json:"status"`
	GasUsed   uint64 `json:"gas_used"`
}

func (WorkflowCompleted) Tag() PayloadTag { return TagWorkflowCompleted }
func (p WorkflowCompleted) canonical() []byte {
	b, _ := json.Marshal(p)
	return b
}

// ChainLinkExecuted records a single completed step of a two-phase
// commit (prepare, commit, compensate), used to reconstruct
// compensation order during audits.
type ChainLinkExecuted struct {
	RequestID ids.ID `json:"request_id"`
	Step      string `json:"step"`
	Success   bool   `json:"success"`
}

func (ChainLinkExecuted) Tag() PayloadTag { return TagChainLinkExecuted }
func (p ChainLinkExecuted) canonical() []byte {
	b, _ := json.Marshal(p)
	return b
}
