// Package statestore implements a multi-version optimistic-concurrency
// key/value store: begin/get/put/commit/rollback against isolation
// levels, conflict detection with pluggable resolution, and
// snapshot/restore/validate. Versions are a single monotonic counter;
// each key keeps a bounded history of committed values.
package statestore

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rivalapexmediation/settlementengine/internal/enginerr"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
)

// Isolation names the three levels a transaction can begin with.
type Isolation string

const (
	ReadCommitted Isolation = "read_committed"
	RepeatableRead Isolation = "repeatable_read"
	Serializable   Isolation = "serializable"
)

// Value is any member of the store's closed value set: decimal.Decimal,
// string, int64, bool, []Value, or map[string]Value. Callers should not
// store any other dynamic type; Validate and the checksum routine only
// reason about these.
type Value interface{}

// ConflictStrategy selects how commit() resolves a detected conflict.
type ConflictStrategy string

const (
	Abort         ConflictStrategy = "abort"
	LastWriteWins ConflictStrategy = "last_write_wins"
	FirstWriteWins ConflictStrategy = "first_write_wins"
	Merge          ConflictStrategy = "merge"
)

// MergeFunc resolves a single conflicting key given the current
// committed value and the transaction's staged value.
type MergeFunc func(current, staged Value) Value

// Config holds the store-level tunables.
type Config struct {
	StateSnapshotLimit int
	CheckpointRetention int
}

// DefaultConfig keeps up to 100 snapshots and a 10-entry version
// history per key.
func DefaultConfig() Config {
	return Config{
		StateSnapshotLimit:  100,
		CheckpointRetention: 10,
	}
}

type versionedValue struct {
	version     int64
	value       Value
	committedBy ids.ID
	timestamp   time.Time
}

// Tx is an in-flight transaction handle. The zero value is not usable;
// obtain one from Store.Begin.
type Tx struct {
	ID           ids.ID
	Isolation    Isolation
	StartVersion int64
	Timestamp    time.Time

	readSet  map[string]struct{}
	rrCache  map[string]Value
	writeSet map[string]Value
	active   bool
}

// Snapshot is a copy-on-write record of store state, returned by
// Store.Snapshot and consumed by Store.Restore.
type Snapshot struct {
	ID       ids.ID
	Version  int64
	Data     map[string]Value
	Checksum string
	Taken    time.Time
}

// Store is the MVCC key/value store.
type Store struct {
	mu sync.RWMutex
	cfg Config

	currentVersion int64
	data           map[string]Value
	history        map[string][]versionedValue

	active map[ids.ID]*Tx

	snapshots    map[ids.ID]Snapshot
	snapshotOrder []ids.ID
}

// New constructs an empty Store.
func New(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		data:    make(map[string]Value),
		history: make(map[string][]versionedValue),
		active:  make(map[ids.ID]*Tx),
		snapshots: make(map[ids.ID]Snapshot),
	}
}

// Begin opens a new transaction with an immutable start_version
// snapshot of the version counter.
func (s *Store) Begin(isolation Isolation) *Tx {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{
		ID:           ids.New(),
		Isolation:    isolation,
		StartVersion: s.currentVersion,
		Timestamp:    time.Now(),
		readSet:      make(map[string]struct{}),
		rrCache:      make(map[string]Value),
		writeSet:     make(map[string]Value),
		active:       true,
	}
	s.active[tx.ID] = tx
	return tx
}

// valueAtVersionLocked returns the most recent history entry for key
// at or before version, or the zero Value if key had no entry yet.
func (s *Store) valueAtVersionLocked(key string, version int64) (Value, bool) {
	hist := s.history[key]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].version <= version {
			return hist[i].value, true
		}
	}
	return nil, false
}

// Get reads key, either against the current committed state
// (auto-commit, tx == nil) or within tx's view per its isolation
// level.
func (s *Store) Get(key string, tx *Tx) (Value, bool) {
	if tx == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		v, ok := s.data[key]
		return v, ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if staged, ok := tx.writeSet[key]; ok {
		tx.readSet[key] = struct{}{}
		return staged, true
	}

	tx.readSet[key] = struct{}{}

	switch tx.Isolation {
	case Serializable:
		return s.valueAtVersionLocked(key, tx.StartVersion)
	case RepeatableRead:
		if cached, ok := tx.rrCache[key]; ok {
			return cached, cached != nil
		}
		v, ok := s.data[key]
		tx.rrCache[key] = v
		return v, ok
	default: // ReadCommitted
		v, ok := s.data[key]
		return v, ok
	}
}

// Put stages value into tx's write set, or applies it immediately
// (auto-commit) when tx is nil.
func (s *Store) Put(key string, value Value, tx *Tx) {
	if tx == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.applyLocked(map[string]Value{key: value}, ids.Nil, time.Now())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx.writeSet[key] = value
}

// applyLocked bumps currentVersion once and applies every write,
// recording each into its key's bounded version history tagged with
// the committing transaction's id and timestamp (ids.Nil for
// auto-commit puts). Caller must hold s.mu.
func (s *Store) applyLocked(writes map[string]Value, committedBy ids.ID, ts time.Time) {
	s.currentVersion++
	for k, v := range writes {
		s.data[k] = v
		hist := append(s.history[k], versionedValue{
			version:     s.currentVersion,
			value:       v,
			committedBy: committedBy,
			timestamp:   ts,
		})
		if limit := s.cfg.CheckpointRetention; limit > 0 && len(hist) > limit {
			hist = hist[len(hist)-limit:]
		}
		s.history[k] = hist
	}
}

// lastCommitLocked returns the most recent history entry for key, if
// any. Caller must hold s.mu.
func (s *Store) lastCommitLocked(key string) (versionedValue, bool) {
	hist := s.history[key]
	if len(hist) == 0 {
		return versionedValue{}, false
	}
	return hist[len(hist)-1], true
}

// contender names a transaction competing for a key, either still
// active or already committed, for first_write_wins comparison.
type contender struct {
	id        ids.ID
	timestamp time.Time
}

// conflictingKeysLocked returns the subset of tx's read set whose
// current value differs from its value at tx.StartVersion, and the
// subset of tx's write set that conflicts with either (a) another
// still-active transaction's write set, or (b) a commit that landed
// on that key after tx.StartVersion. writeContenders maps each
// conflicting write key to the transactions racing for it, used by
// first_write_wins. Caller must hold s.mu.
func (s *Store) conflictingKeysLocked(tx *Tx) (readConflicts, writeConflicts map[string]struct{}, writeContenders map[string][]contender) {
	readConflicts = make(map[string]struct{})
	for k := range tx.readSet {
		atStart, _ := s.valueAtVersionLocked(k, tx.StartVersion)
		current, currentOK := s.data[k]
		if !currentOK {
			atStart = nil
		}
		if !valuesEqual(atStart, current) {
			readConflicts[k] = struct{}{}
		}
	}

	writeConflicts = make(map[string]struct{})
	writeContenders = make(map[string][]contender)
	for k := range tx.writeSet {
		for otherID, other := range s.active {
			if otherID == tx.ID || !other.active {
				continue
			}
			if _, ok := other.writeSet[k]; ok {
				writeConflicts[k] = struct{}{}
				writeContenders[k] = append(writeContenders[k], contender{id: otherID, timestamp: other.Timestamp})
			}
		}
		if last, ok := s.lastCommitLocked(k); ok && last.version > tx.StartVersion {
			writeConflicts[k] = struct{}{}
			writeContenders[k] = append(writeContenders[k], contender{id: last.committedBy, timestamp: last.timestamp})
		}
	}
	return readConflicts, writeConflicts, writeContenders
}

func valuesEqual(a, b Value) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}

// earliestContenderLocked returns the id of the transaction with the
// earliest Timestamp among tx and every contender recorded against
// its conflicting write keys, per first_write_wins.
func earliestContenderLocked(tx *Tx, writeContenders map[string][]contender) ids.ID {
	earliest := tx.ID
	earliestTS := tx.Timestamp
	for _, cs := range writeContenders {
		for _, c := range cs {
			if c.timestamp.Before(earliestTS) {
				earliest = c.id
				earliestTS = c.timestamp
			}
		}
	}
	return earliest
}

// Commit validates tx against the store's current state, resolves any
// detected conflict per strategy, and applies the write set. merge is
// only consulted when strategy == Merge.
func (s *Store) Commit(tx *Tx, strategy ConflictStrategy, merge MergeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !tx.active {
		return fmt.Errorf("statestore: transaction %s is not active: %w", tx.ID, enginerr.ErrValidation)
	}

	readConflicts, writeConflicts, writeContenders := s.conflictingKeysLocked(tx)
	hasConflict := len(readConflicts) > 0 || len(writeConflicts) > 0

	writes := make(map[string]Value, len(tx.writeSet))
	for k, v := range tx.writeSet {
		writes[k] = v
	}

	if hasConflict {
		switch strategy {
		case Abort:
			s.abortLocked(tx)
			return fmt.Errorf("statestore: commit conflict on %d key(s): %w", len(readConflicts)+len(writeConflicts), enginerr.ErrConcurrency)

		case LastWriteWins:
			// This commit is the most recent arrival; proceed and
			// overwrite, same as an ordinary apply.

		case FirstWriteWins:
			winner := earliestContenderLocked(tx, writeContenders)
			if winner != tx.ID {
				s.abortLocked(tx)
				return fmt.Errorf("statestore: lost first_write_wins to %s: %w", winner, enginerr.ErrConcurrency)
			}

		case Merge:
			if merge == nil {
				s.abortLocked(tx)
				return fmt.Errorf("statestore: merge strategy requires a MergeFunc: %w", enginerr.ErrValidation)
			}
			for k, staged := range writes {
				current := s.data[k]
				writes[k] = merge(current, staged)
			}

		default:
			s.abortLocked(tx)
			return fmt.Errorf("statestore: unknown conflict strategy %q: %w", strategy, enginerr.ErrValidation)
		}
	}

	s.applyLocked(writes, tx.ID, tx.Timestamp)
	tx.active = false
	delete(s.active, tx.ID)
	return nil
}

// Rollback discards tx's staged writes without applying them.
func (s *Store) Rollback(tx *Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(tx)
}

func (s *Store) abortLocked(tx *Tx) {
	tx.active = false
	delete(s.active, tx.ID)
}

// checksumLocked computes a deterministic hash of the store's current
// data, sorting keys first so the result doesn't depend on map
// iteration order. Caller must hold s.mu.
func (s *Store) checksumLocked() string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		b, _ := json.Marshal(s.data[k])
		h.Write([]byte(k))
		h.Write(b)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Snapshot takes a copy-on-write record of the store's current state,
// retaining at most cfg.StateSnapshotLimit snapshots (oldest evicted
// first).
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataCopy := make(map[string]Value, len(s.data))
	for k, v := range s.data {
		dataCopy[k] = v
	}

	snap := Snapshot{
		ID:       ids.New(),
		Version:  s.currentVersion,
		Data:     dataCopy,
		Checksum: s.checksumLocked(),
		Taken:    time.Now(),
	}

	s.snapshots[snap.ID] = snap
	s.snapshotOrder = append(s.snapshotOrder, snap.ID)
	if limit := s.cfg.StateSnapshotLimit; limit > 0 && len(s.snapshotOrder) > limit {
		evict := s.snapshotOrder[0]
		s.snapshotOrder = s.snapshotOrder[1:]
		delete(s.snapshots, evict)
	}

	return snap
}

// Restore aborts every active transaction and swaps the store's state
// for snap's. The checksum is recomputed and compared; a mismatch
// returns an IntegrityFailure without mutating the store.
func (s *Store) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataCopy := make(map[string]Value, len(snap.Data))
	for k, v := range snap.Data {
		dataCopy[k] = v
	}

	verify := &Store{data: dataCopy}
	if verify.checksumLocked() != snap.Checksum {
		return fmt.Errorf("statestore: snapshot %s checksum mismatch: %w", snap.ID, enginerr.ErrIntegrity)
	}

	for id, tx := range s.active {
		tx.active = false
		delete(s.active, id)
	}

	s.data = dataCopy
	s.currentVersion = snap.Version
	s.history = make(map[string][]versionedValue)
	return nil
}

// Invariant is a named check Validate runs against the store's
// current data.
type Invariant struct {
	Name  string
	Check func(data map[string]Value) []string
}

// Report is Validate's output: the invariants it ran and every
// violation message they produced.
type Report struct {
	Checked    []string
	Violations []string
}

// OK reports whether Validate found zero violations.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Validate runs invariants against a snapshot of the store's current
// data. The built-in no-negative-reserves-or-balances invariant is
// always included.
func (s *Store) Validate(extra ...Invariant) Report {
	s.mu.RLock()
	dataCopy := make(map[string]Value, len(s.data))
	for k, v := range s.data {
		dataCopy[k] = v
	}
	s.mu.RUnlock()

	invariants := append([]Invariant{nonNegativeDecimals()}, extra...)

	report := Report{}
	for _, inv := range invariants {
		report.Checked = append(report.Checked, inv.Name)
		report.Violations = append(report.Violations, inv.Check(dataCopy)...)
	}
	return report
}

func nonNegativeDecimals() Invariant {
	return Invariant{
		Name: "no_negative_reserves_or_balances",
		Check: func(data map[string]Value) []string {
			var violations []string
			for k, v := range data {
				if d, ok := v.(decimal.Decimal); ok && d.IsNegative() {
					violations = append(violations, fmt.Sprintf("key %q holds negative value %s", k, d.String()))
				}
			}
			sort.Strings(violations)
			return violations
		},
	}
}
