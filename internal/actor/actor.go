// Package actor implements the per-auction mailbox runtime: one
// goroutine consumes Bid/Finalize/Cancel/Query messages for a single
// auction, strictly in FIFO order, with at most one message in flight
// at a time.
package actor

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/settlementengine/internal/eventlog"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
	"github.com/rivalapexmediation/settlementengine/internal/kernel"
	"github.com/rivalapexmediation/settlementengine/internal/tracing"
)

// Status is an auction's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Snapshot is the read-only view a Query returns.
type Snapshot struct {
	AuctionID  ids.ID
	Status     Status
	Bids       []kernel.Bid
	Result     *kernel.Result
	FinishedAt time.Time
}

type bidMsg struct {
	bid   kernel.Bid
	reply chan error
}

type finalizeMsg struct {
	force bool
	reply chan finalizeReply
}

type finalizeReply struct {
	result kernel.Result
	err    error
}

type cancelMsg struct {
	reason string
}

type queryMsg struct {
	reply chan Snapshot
}

// Actor owns one auction's mutable state (status, current_bids,
// result), all of which lives exclusively inside the run loop
// goroutine; nothing here needs a mutex because exactly one goroutine
// ever touches it.
type Actor struct {
	id        ids.ID
	mechanism kernel.MechanismKind
	params    kernel.Mechanism
	events    *eventlog.Log

	mailbox chan any
	done    chan struct{}

	status      Status
	currentBids []kernel.Bid
	result      *kernel.Result
	finishedAt  time.Time
}

// New constructs an actor in StatusPending and starts its consumer
// goroutine. Callers transition it to StatusActive by calling Start
// once the auction should begin accepting bids (kept as a separate
// step so a controller can register an actor before announcing it).
func New(id ids.ID, mechanism kernel.MechanismKind, params kernel.Mechanism, events *eventlog.Log) *Actor {
	a := &Actor{
		id:        id,
		mechanism: mechanism,
		params:    params,
		events:    events,
		mailbox:   make(chan any, 256),
		done:      make(chan struct{}),
		status:    StatusPending,
	}
	go a.run()
	return a
}

// Start transitions the auction from pending to active, so the
// mailbox starts admitting bids.
func (a *Actor) Start(ctx context.Context, reservePrice string) {
	reply := make(chan error, 1)
	a.mailbox <- startMsg{reservePrice: reservePrice, reply: reply}
	<-reply
}

type startMsg struct {
	reservePrice string
	reply        chan error
}

func (a *Actor) run() {
	for msg := range a.mailbox {
		switch m := msg.(type) {
		case startMsg:
			a.handleStart(m)
		case bidMsg:
			a.handleBid(m)
		case finalizeMsg:
			a.handleFinalize(m)
		case cancelMsg:
			a.handleCancel(m)
		case queryMsg:
			a.handleQuery(m)
		}
	}
	close(a.done)
}

func (a *Actor) handleStart(m startMsg) {
	if a.status == StatusPending {
		a.status = StatusActive
		a.events.Append(a.id, eventlog.AuctionStarted{Mechanism: string(a.mechanism), ReservePrice: m.reservePrice})
	}
	m.reply <- nil
}

// Bid submits a bid to the auction, blocking until the actor has
// processed it (accepted or rejected).
func (a *Actor) Bid(ctx context.Context, bid kernel.Bid) error {
	reply := make(chan error, 1)
	msg := bidMsg{bid: bid, reply: reply}
	select {
	case a.mailbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) handleBid(m bidMsg) {
	_, span := tracing.StartSpan(context.Background(), "actor.bid", map[string]string{"auction_id": a.id.String()})
	defer span.End()

	if a.status != StatusActive {
		a.events.Append(a.id, eventlog.BidRejected{BidID: m.bid.ID, BidderID: m.bid.BidderID, Reason: string(a.status)})
		m.reply <- errRejected(a.status)
		return
	}

	a.currentBids = append(a.currentBids, m.bid)
	a.events.Append(a.id, eventlog.BidSubmitted{
		BidID:    m.bid.ID,
		BidderID: m.bid.BidderID,
		Amount:   m.bid.Amount.String(),
		Quantity: m.bid.Quantity.String(),
	})
	log.WithFields(log.Fields{"auction_id": a.id.String(), "bid_id": m.bid.ID.String()}).Debug("bid accepted")
	m.reply <- nil
}

// Finalize runs the configured mechanism over the current bid set and
// blocks until the result is available.
func (a *Actor) Finalize(ctx context.Context, force bool) (kernel.Result, error) {
	reply := make(chan finalizeReply, 1)
	msg := finalizeMsg{force: force, reply: reply}
	select {
	case a.mailbox <- msg:
	case <-ctx.Done():
		return kernel.Result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return kernel.Result{}, ctx.Err()
	}
}

func (a *Actor) handleFinalize(m finalizeMsg) {
	if a.status != StatusActive && !m.force {
		m.reply <- finalizeReply{err: errRejected(a.status)}
		return
	}

	_, span := tracing.StartSpan(context.Background(), "actor.finalize", map[string]string{"auction_id": a.id.String()})
	defer span.End()

	a.status = StatusFinalizing
	result, err := kernel.Run(a.mechanism, a.currentBids, a.params)
	if err != nil {
		a.status = StatusActive
		m.reply <- finalizeReply{err: err}
		return
	}

	a.result = &result
	a.status = StatusCompleted
	a.finishedAt = time.Now()

	payments := make(map[string]string, len(result.Payments))
	winnerIDs := make([]ids.ID, len(result.Winners))
	for i, w := range result.Winners {
		winnerIDs[i] = w.Bid.ID
	}
	for _, p := range result.Payments {
		payments[p.BidID.Hex()] = p.Amount.String()
	}
	a.events.Append(a.id, eventlog.AuctionFinalized{
		ClearingPrice: result.ClearingPrice.String(),
		Winners:       winnerIDs,
		Payments:      payments,
	})

	m.reply <- finalizeReply{result: result}
}

// Cancel requests cancellation. It does not block; the actor processes
// it cooperatively at the next message boundary.
func (a *Actor) Cancel(reason string) {
	a.mailbox <- cancelMsg{reason: reason}
}

func (a *Actor) handleCancel(m cancelMsg) {
	if a.status != StatusPending && a.status != StatusActive {
		return
	}
	a.status = StatusCancelled
	a.finishedAt = time.Now()
	a.events.Append(a.id, eventlog.AuctionCancelled{Reason: m.reason})
}

// Query returns a snapshot of the actor's current state.
func (a *Actor) Query(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	msg := queryMsg{reply: reply}
	select {
	case a.mailbox <- msg:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (a *Actor) handleQuery(m queryMsg) {
	bidsCopy := make([]kernel.Bid, len(a.currentBids))
	copy(bidsCopy, a.currentBids)
	m.reply <- Snapshot{
		AuctionID:  a.id,
		Status:     a.status,
		Bids:       bidsCopy,
		Result:     a.result,
		FinishedAt: a.finishedAt,
	}
}

// Stop closes the mailbox, letting the run loop drain and exit. Stop
// must only be called once all producers are done sending.
func (a *Actor) Stop() {
	close(a.mailbox)
	<-a.done
}

// Retired reports whether the auction is terminal and has sat idle
// for at least retention, the condition the controller uses to decide
// an actor can be destroyed.
func (a *Actor) Retired(retention time.Duration) bool {
	reply := make(chan Snapshot, 1)
	a.mailbox <- queryMsg{reply: reply}
	snap := <-reply
	if snap.Status != StatusCompleted && snap.Status != StatusCancelled {
		return false
	}
	return time.Since(snap.FinishedAt) >= retention
}

type rejectedError struct{ status Status }

func (e rejectedError) Error() string { return "actor: rejected, auction status is " + string(e.status) }

func errRejected(status Status) error { return rejectedError{status: status} }
