package eventlog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/settlementengine/internal/enginerr"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
)

// Sink receives a copy of every event as it is appended, for
// out-of-process durability or analytics. Implementations must not
// block the append path for long; Log calls sinks synchronously but
// logs and swallows sink errors. A sink failure never breaks the
// in-memory log; the in-memory chain stays authoritative and the sink
// is strictly auxiliary.
type Sink interface {
	Write(Event) error
}

// Checkpoint is an (timestamp, event_index) pair recorded by
// Checkpoint and consumed by Restore.
type Checkpoint struct {
	ID        ids.ID
	Timestamp time.Time
	Index     int
}

// Log is the append-only hash-chained event store. The zero value is
// not usable; construct with New.
type Log struct {
	mu          sync.RWMutex
	events      []Event
	byAuction   map[ids.ID][]int
	byType      map[PayloadTag][]int
	checkpoints map[ids.ID]Checkpoint
	sinks       []Sink
}

// New constructs an empty Log.
func New() *Log {
	return &Log{
		byAuction:   make(map[ids.ID][]int),
		byType:      make(map[PayloadTag][]int),
		checkpoints: make(map[ids.ID]Checkpoint),
	}
}

// AddSink registers an export sink. Safe to call before any Append.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// computeHash derives the chain hash:
// event_hash = SHA256(event_id || auction_id || payload_tag || canonical(payload) || previous_hash || timestamp)
func computeHash(eventID, auctionID ids.ID, tag PayloadTag, canonicalPayload, previousHash []byte, ts time.Time) []byte {
	h := sha256.New()
	h.Write(eventID.Bytes())
	h.Write(auctionID.Bytes())
	h.Write([]byte(tag))
	h.Write(canonicalPayload)
	h.Write(previousHash)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixNano()))
	h.Write(tsBuf[:])
	return h.Sum(nil)
}

// Append constructs a new immutable event, chains it off the current
// tail, updates the by-auction and by-type indexes, and returns its
// id. A single exclusive lock serializes appends, so readers always
// see a prefix of the chain.
func (l *Log) Append(auctionID ids.ID, payload Payload) ids.ID {
	l.mu.Lock()
	defer l.mu.Unlock()

	eventID := ids.New()
	ts := time.Now()

	var previousHash []byte
	if n := len(l.events); n > 0 {
		previousHash = l.events[n-1].EventHash
	}

	canonicalPayload := payload.canonical()
	hash := computeHash(eventID, auctionID, payload.Tag(), canonicalPayload, previousHash, ts)

	raw, err := json.Marshal(payload)
	if err != nil {
		// canonical() above already marshaled successfully for the
		// hash, so a failure here would indicate a logic error, not a
		// transient condition; log and fall back to the canonical bytes.
		log.WithError(err).Warn("eventlog: payload remarshal failed, using canonical bytes")
		raw = canonicalPayload
	}

	evt := Event{
		EventID:      eventID,
		AuctionID:    auctionID,
		PayloadTag:   payload.Tag(),
		Payload:      payload,
		RawPayload:   raw,
		PreviousHash: previousHash,
		EventHash:    hash,
		Timestamp:    ts,
	}

	idx := len(l.events)
	l.events = append(l.events, evt)
	l.byAuction[auctionID] = append(l.byAuction[auctionID], idx)
	l.byType[payload.Tag()] = append(l.byType[payload.Tag()], idx)

	for _, sink := range l.sinks {
		if serr := sink.Write(evt); serr != nil {
			log.WithError(serr).WithFields(log.Fields{
				"event_id":   eventID.String(),
				"auction_id": auctionID.String(),
			}).Warn("eventlog: sink write failed")
		}
	}

	return eventID
}

// QueryByAuction returns a snapshot of events for auctionID in
// insertion order.
func (l *Log) QueryByAuction(auctionID ids.ID) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byAuction[auctionID]
	out := make([]Event, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, snapshotEvent(l.events[i]))
	}
	return out
}

// snapshotEvent copies e's hash slices so that a caller mutating a
// query result cannot reach the log's own events.
func snapshotEvent(e Event) Event {
	e.PreviousHash = append([]byte(nil), e.PreviousHash...)
	e.EventHash = append([]byte(nil), e.EventHash...)
	return e
}

// QueryByType returns a snapshot of events carrying the given tag, in
// insertion order.
func (l *Log) QueryByType(tag PayloadTag) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byType[tag]
	out := make([]Event, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, snapshotEvent(l.events[i]))
	}
	return out
}

// QueryAfter returns a snapshot of events strictly after ts, in
// insertion order.
func (l *Log) QueryAfter(ts time.Time) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0)
	for _, e := range l.events {
		if e.Timestamp.After(ts) {
			out = append(out, snapshotEvent(e))
		}
	}
	return out
}

// Len returns the number of events currently appended.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// VerifyIntegrity recomputes every hash in the chain and confirms the
// linkage invariant. It never mutates the log, even on mismatch; a
// mismatch is logged as a warning and reported as false.
func (l *Log) VerifyIntegrity() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ok := verifyRange(l.events)
	if !ok {
		log.WithField("events", len(l.events)).Warn("eventlog: integrity verification failed")
	}
	return ok
}

func verifyRange(events []Event) bool {
	var prevHash []byte
	for i, e := range events {
		if i == 0 {
			if len(e.PreviousHash) != 0 {
				return false
			}
		} else if string(e.PreviousHash) != string(prevHash) {
			return false
		}
		recomputed := computeHash(e.EventID, e.AuctionID, e.PayloadTag, e.Payload.canonical(), e.PreviousHash, e.Timestamp)
		if string(recomputed) != string(e.EventHash) {
			return false
		}
		prevHash = e.EventHash
	}
	return true
}

// Checkpoint records (events[index].timestamp, index) and returns an
// id used to Restore later.
func (l *Log) Checkpoint(index int) (ids.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.events) {
		return ids.Nil, fmt.Errorf("eventlog: checkpoint index %d out of range [0,%d): %w", index, len(l.events), enginerr.ErrValidation)
	}
	cpID := ids.New()
	l.checkpoints[cpID] = Checkpoint{
		ID:        cpID,
		Timestamp: l.events[index].Timestamp,
		Index:     index,
	}
	return cpID, nil
}

// Restore produces an independent new Log consisting of
// events[0..=checkpoint.index], with indexes rebuilt. The source log
// is never mutated.
func (l *Log) Restore(checkpointID ids.ID) (*Log, error) {
	l.mu.RLock()
	cp, ok := l.checkpoints[checkpointID]
	if !ok {
		l.mu.RUnlock()
		return nil, fmt.Errorf("eventlog: unknown checkpoint %s: %w", checkpointID, enginerr.ErrValidation)
	}
	if cp.Index < 0 || cp.Index >= len(l.events) {
		l.mu.RUnlock()
		return nil, fmt.Errorf("eventlog: checkpoint index %d out of range: %w", cp.Index, enginerr.ErrValidation)
	}
	kept := make([]Event, cp.Index+1)
	copy(kept, l.events[:cp.Index+1])
	l.mu.RUnlock()

	restored := New()
	for i, e := range kept {
		restored.events = append(restored.events, e)
		restored.byAuction[e.AuctionID] = append(restored.byAuction[e.AuctionID], i)
		restored.byType[e.PayloadTag] = append(restored.byType[e.PayloadTag], i)
	}
	return restored, nil
}

// exportEntry is one element of the canonical JSON export array.
type exportEntry struct {
	EventID      string          `json:"event_id"`
	AuctionID    string          `json:"auction_id"`
	PayloadTag   PayloadTag      `json:"payload_tag"`
	Payload      json.RawMessage `json:"payload"`
	Hash         string          `json:"hash"`
	PreviousHash string          `json:"previous_hash"`
	Timestamp    string          `json:"timestamp"`
}

// ExportJSON writes the full event sequence to w as a canonical JSON
// array, hashes hex-encoded and timestamps in RFC 3339 form.
func (l *Log) ExportJSON(w io.Writer) error {
	l.mu.RLock()
	entries := make([]exportEntry, len(l.events))
	for i, e := range l.events {
		prev := ""
		if len(e.PreviousHash) > 0 {
			prev = fmt.Sprintf("%x", e.PreviousHash)
		}
		entries[i] = exportEntry{
			EventID:      e.EventID.Hex(),
			AuctionID:    e.AuctionID.Hex(),
			PayloadTag:   e.PayloadTag,
			Payload:      e.RawPayload,
			Hash:         fmt.Sprintf("%x", e.EventHash),
			PreviousHash: prev,
			Timestamp:    e.Timestamp.Format(time.RFC3339Nano),
		}
	}
	l.mu.RUnlock()

	enc := json.NewEncoder(w)
	return enc.Encode(entries)
}

// ExportedEvent is one parsed entry of a canonical JSON export.
type ExportedEvent struct {
	EventID      ids.ID
	AuctionID    ids.ID
	PayloadTag   PayloadTag
	Payload      json.RawMessage
	Hash         []byte
	PreviousHash []byte
	Timestamp    time.Time
}

// ImportJSON parses a canonical JSON export back into an event
// sequence and verifies the hash chain over it: the same linkage and
// recomputation checks VerifyIntegrity runs, applied to the decoded
// entries. A malformed document or a chain mismatch returns an
// IntegrityFailure.
func ImportJSON(r io.Reader) ([]ExportedEvent, error) {
	var entries []exportEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("eventlog: export parse failed: %w", err)
	}

	out := make([]ExportedEvent, len(entries))
	var prevHash []byte
	for i, e := range entries {
		eventID, err := ids.Parse(e.EventID)
		if err != nil {
			return nil, fmt.Errorf("eventlog: entry %d event_id: %w", i, enginerr.ErrValidation)
		}
		auctionID, err := ids.Parse(e.AuctionID)
		if err != nil {
			return nil, fmt.Errorf("eventlog: entry %d auction_id: %w", i, enginerr.ErrValidation)
		}
		hash, err := hex.DecodeString(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("eventlog: entry %d hash: %w", i, enginerr.ErrValidation)
		}
		var previous []byte
		if e.PreviousHash != "" {
			if previous, err = hex.DecodeString(e.PreviousHash); err != nil {
				return nil, fmt.Errorf("eventlog: entry %d previous_hash: %w", i, enginerr.ErrValidation)
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("eventlog: entry %d timestamp: %w", i, enginerr.ErrValidation)
		}

		if string(previous) != string(prevHash) {
			return nil, fmt.Errorf("eventlog: entry %d breaks the chain linkage: %w", i, enginerr.ErrIntegrity)
		}
		recomputed := computeHash(eventID, auctionID, e.PayloadTag, e.Payload, previous, ts)
		if string(recomputed) != string(hash) {
			return nil, fmt.Errorf("eventlog: entry %d hash mismatch: %w", i, enginerr.ErrIntegrity)
		}
		prevHash = hash

		out[i] = ExportedEvent{
			EventID:      eventID,
			AuctionID:    auctionID,
			PayloadTag:   e.PayloadTag,
			Payload:      e.Payload,
			Hash:         hash,
			PreviousHash: previous,
			Timestamp:    ts,
		}
	}
	return out, nil
}
