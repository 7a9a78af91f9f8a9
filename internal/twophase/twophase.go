// Package twophase implements a two-phase commit coordinator for
// settlements: prepare (validate, lock, timestamp), commit (execute,
// retry with backoff, compensate on exhaustion), and a batch variant
// that runs several settlements under one coordinated commit.
package twophase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/rivalapexmediation/settlementengine/internal/enginerr"
	"github.com/rivalapexmediation/settlementengine/internal/eventlog"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
	"github.com/rivalapexmediation/settlementengine/internal/statestore"
)

// Config holds the coordinator's retry and batching tunables.
type Config struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxBatchSize int
}

// DefaultConfig makes up to three commit attempts with 50ms-2s exponential
// backoff and caps batches at 20 settlements.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxBatchSize: 20,
	}
}

// Params describes the pending effect a single settlement two-phase
// commit is coordinating, plus the pool identifiers whose advisory
// locks must be held across prepare/commit.
type Params struct {
	RequestID ids.ID
	Pools     []string
	TokenIn   string
	TokenOut  string
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
	Price     decimal.Decimal
	User      string
	Deadline  time.Time
	GasEstimate uint64
}

// Result is what a successful commit produces.
type Result struct {
	RequestID      ids.ID
	Price          decimal.Decimal
	AmountOut      decimal.Decimal
	GasUsed        uint64
	TxReference    string
	CommitTimestamp time.Time
}

// Executor performs the actual settlement effect (invoking the CFMM
// bridge) once locks are held and preconditions are verified. It may
// be called more than once across retries, so it must be idempotent
// or itself checked for already-applied effects by the caller.
type Executor func(ctx context.Context) (Result, error)

// Prepared is the handle Prepare returns; pass it to Commit.
type Prepared struct {
	Params          Params
	PrepareTimestamp time.Time
	checkpoint      statestore.Snapshot
	release         func()
}

// Coordinator runs prepare/commit/compensate against a shared lock
// table and state store.
type Coordinator struct {
	cfg    Config
	store  *statestore.Store
	events *eventlog.Log
	locks  *lockTable
}

// New constructs a Coordinator backed by store for checkpoint/restore
// and events for ChainLinkExecuted audit records.
func New(store *statestore.Store, events *eventlog.Log, cfg Config) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Coordinator{cfg: cfg, store: store, events: events, locks: newLockTable()}
}

// Prepare validates preconditions, acquires every pool lock named in
// p.Pools in deterministic sorted order (avoiding deadlock against any
// other in-flight settlement touching an overlapping pool set), and
// records the prepare timestamp.
func (c *Coordinator) Prepare(ctx context.Context, p Params) (*Prepared, error) {
	if len(p.Pools) == 0 {
		return nil, fmt.Errorf("twophase: settlement %s names no pools: %w", p.RequestID, enginerr.ErrValidation)
	}
	if !p.Deadline.IsZero() && time.Now().After(p.Deadline) {
		return nil, fmt.Errorf("twophase: settlement %s deadline already passed: %w", p.RequestID, enginerr.ErrTimeout)
	}
	if p.Price.IsNegative() || !p.Price.IsPositive() {
		return nil, fmt.Errorf("twophase: settlement %s has non-positive price: %w", p.RequestID, enginerr.ErrValidation)
	}

	release := c.locks.lockAll(p.Pools)
	checkpoint := c.store.Snapshot()

	c.events.Append(eventIDFor(p.RequestID), eventlog.ChainLinkExecuted{
		RequestID: p.RequestID,
		Step:      "prepare",
		Success:   true,
	})

	return &Prepared{
		Params:           p,
		PrepareTimestamp: time.Now(),
		checkpoint:       checkpoint,
		release:          release,
	}, nil
}

// eventIDFor returns the id ChainLinkExecuted events are appended
// under. Settlements aren't auctions, so the request's own id serves
// as the log's auction_id axis; the log indexes by that field
// regardless of whether it names an auction or a settlement request.
func eventIDFor(requestID ids.ID) ids.ID { return requestID }

// Commit executes exec up to cfg.MaxRetries times with exponential
// backoff between attempts, restoring the state store to prepared's
// checkpoint before each retry so every attempt sees a consistent
// baseline. On success it releases prepared's locks and returns the
// result; on exhaustion it runs compensations and returns an error.
func (c *Coordinator) Commit(ctx context.Context, prepared *Prepared, exec Executor) (Result, error) {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = c.cfg.BaseDelay
	boff.MaxInterval = c.cfg.MaxDelay
	boff.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(boff, uint64(c.cfg.MaxRetries-1))

	var result Result
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			if rerr := c.store.Restore(prepared.checkpoint); rerr != nil {
				log.WithError(rerr).Warn("twophase: checkpoint restore failed before retry")
			}
		}
		r, execErr := exec(ctx)
		if execErr != nil {
			log.WithFields(log.Fields{
				"request_id": prepared.Params.RequestID.String(),
				"attempt":    attempt,
			}).WithError(execErr).Warn("twophase: commit attempt failed")
			return execErr
		}
		result = r
		return nil
	}, bo)

	if err != nil {
		c.compensate(prepared, err)
		return Result{}, fmt.Errorf("twophase: settlement %s exhausted %d attempt(s): %w", prepared.Params.RequestID, attempt, enginerr.ErrTransient)
	}

	result.CommitTimestamp = time.Now()
	prepared.release()
	c.events.Append(eventIDFor(prepared.Params.RequestID), eventlog.ChainLinkExecuted{
		RequestID: prepared.Params.RequestID,
		Step:      "commit",
		Success:   true,
	})
	return result, nil
}

// compensate releases locks and reverts the state store to prepared's
// checkpoint, recording the compensation in the audit trail. It never
// panics or escalates; a revert failure is logged, not raised, since
// the caller already has the commit failure to surface.
func (c *Coordinator) compensate(prepared *Prepared, cause error) {
	if rerr := c.store.Restore(prepared.checkpoint); rerr != nil {
		log.WithError(rerr).Warn("twophase: compensation restore failed")
	}
	prepared.release()
	c.events.Append(eventIDFor(prepared.Params.RequestID), eventlog.ChainLinkExecuted{
		RequestID: prepared.Params.RequestID,
		Step:      "compensate",
		Success:   false,
	})
	log.WithFields(log.Fields{"request_id": prepared.Params.RequestID.String()}).WithError(cause).Warn("twophase: settlement compensated")
}

// BatchItem pairs one settlement's Params with the Executor that
// performs it, for CommitBatch.
type BatchItem struct {
	Params Params
	Exec   Executor
}

// BatchResult is CommitBatch's outcome: one Result per item that
// completed, in item order, and an overall status.
type BatchResult struct {
	Status  string
	Results []Result
}

const (
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// CommitBatch groups up to cfg.MaxBatchSize settlements under a single
// two-phase commit: validates the whole batch first (size, duplicate
// request ids, per-item deadlines, aggregate gas), prepares every
// item's locks in one deterministic global order over the union of
// pools, then commits items sequentially. On any item's failure,
// already-completed items are compensated in reverse order and the
// batch reports BatchFailed with zero results.
func (c *Coordinator) CommitBatch(ctx context.Context, items []BatchItem, maxAggregateGas uint64) (BatchResult, error) {
	if err := c.validateBatch(items, maxAggregateGas); err != nil {
		return BatchResult{Status: BatchFailed}, err
	}

	checkpoint := c.store.Snapshot()

	allPools := make(map[string]struct{})
	for _, it := range items {
		for _, p := range it.Params.Pools {
			allPools[p] = struct{}{}
		}
	}
	poolList := make([]string, 0, len(allPools))
	for p := range allPools {
		poolList = append(poolList, p)
	}
	release := c.locks.lockAll(poolList)
	defer release()

	var completed []Prepared
	var results []Result

	rollback := func(cause error) (BatchResult, error) {
		for i := len(completed) - 1; i >= 0; i-- {
			c.events.Append(eventIDFor(completed[i].Params.RequestID), eventlog.ChainLinkExecuted{
				RequestID: completed[i].Params.RequestID,
				Step:      "batch_compensate",
				Success:   false,
			})
		}
		if rerr := c.store.Restore(checkpoint); rerr != nil {
			log.WithError(rerr).Warn("twophase: batch compensation restore failed")
		}
		return BatchResult{Status: BatchFailed}, fmt.Errorf("twophase: batch failed after %d completed item(s): %w", len(completed), cause)
	}

	for _, it := range items {
		prepared := &Prepared{
			Params:           it.Params,
			PrepareTimestamp: time.Now(),
			checkpoint:       checkpoint,
			release:          func() {},
		}

		r, err := it.Exec(ctx)
		if err != nil {
			return rollback(err)
		}

		results = append(results, r)
		completed = append(completed, *prepared)
		c.events.Append(eventIDFor(it.Params.RequestID), eventlog.ChainLinkExecuted{
			RequestID: it.Params.RequestID,
			Step:      "batch_commit",
			Success:   true,
		})
	}

	return BatchResult{Status: BatchCompleted, Results: results}, nil
}

func (c *Coordinator) validateBatch(items []BatchItem, maxAggregateGas uint64) error {
	if len(items) == 0 {
		return fmt.Errorf("twophase: empty batch: %w", enginerr.ErrValidation)
	}
	if c.cfg.MaxBatchSize > 0 && len(items) > c.cfg.MaxBatchSize {
		return fmt.Errorf("twophase: batch of %d exceeds max_batch_size %d: %w", len(items), c.cfg.MaxBatchSize, enginerr.ErrValidation)
	}

	seen := make(map[ids.ID]struct{}, len(items))
	var aggregateGas uint64
	now := time.Now()
	for _, it := range items {
		if _, dup := seen[it.Params.RequestID]; dup {
			return fmt.Errorf("twophase: duplicate request id %s in batch: %w", it.Params.RequestID, enginerr.ErrValidation)
		}
		seen[it.Params.RequestID] = struct{}{}

		if !it.Params.Deadline.IsZero() && now.After(it.Params.Deadline) {
			return fmt.Errorf("twophase: request %s deadline already passed: %w", it.Params.RequestID, enginerr.ErrTimeout)
		}
		if it.Params.AmountOut.IsNegative() {
			return fmt.Errorf("twophase: request %s has negative amount_out: %w", it.Params.RequestID, enginerr.ErrValidation)
		}
		aggregateGas += it.Params.GasEstimate
	}
	if maxAggregateGas > 0 && aggregateGas > maxAggregateGas {
		return fmt.Errorf("twophase: batch aggregate gas %d exceeds limit %d: %w", aggregateGas, maxAggregateGas, enginerr.ErrValidation)
	}
	return nil
}

// lockTable hands out advisory per-pool locks, always acquired in
// ascending sorted order across the whole table so two overlapping
// lock requests can never deadlock against each other.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) mutexFor(pool string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[pool]
	if !ok {
		m = &sync.Mutex{}
		t.locks[pool] = m
	}
	return m
}

// lockAll acquires every named pool's lock in sorted order and
// returns a function that releases them all, in reverse order.
func (t *lockTable) lockAll(pools []string) func() {
	unique := make(map[string]struct{}, len(pools))
	for _, p := range pools {
		unique[p] = struct{}{}
	}
	sorted := make([]string, 0, len(unique))
	for p := range unique {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	mutexes := make([]*sync.Mutex, len(sorted))
	for i, p := range sorted {
		m := t.mutexFor(p)
		m.Lock()
		mutexes[i] = m
	}

	return func() {
		for i := len(mutexes) - 1; i >= 0; i-- {
			mutexes[i].Unlock()
		}
	}
}
