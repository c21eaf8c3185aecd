package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrChainBroken = errors.New("custody chain is broken")
)

// CustodyAction names an action taken on a piece of evidence.
type CustodyAction string

const (
	ActionCaptured         CustodyAction = "captured"
	ActionStored           CustodyAction = "stored"
	ActionAccessed         CustodyAction = "accessed"
	ActionVerified         CustodyAction = "verified"
	ActionLegalHoldChanged CustodyAction = "legal_hold_changed"
	ActionDeleted          CustodyAction = "deleted"
	ActionPurged           CustodyAction = "purged"
)

const genesisHash = "genesis"

// CustodyEntry is one immutable link in a job's custody chain.
type CustodyEntry struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	Sequence     uint64            `json:"sequence"`
	Action       CustodyAction     `json:"action"`
	Actor        string            `json:"actor"`
	Timestamp    time.Time         `json:"timestamp"`
	Details      map[string]string `json:"details,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
}

// CustodyLog is an append-only, per-job hash-chained log. Appends for one job
// are atomic and timestamps within a job strictly increase.
type CustodyLog interface {
	// Append links a new entry for jobID and returns it with its sequence,
	// timestamp and hashes filled in.
	Append(ctx context.Context, jobID string, action CustodyAction, actor string, details map[string]string) (*CustodyEntry, error)
	// Entries returns jobID's chain in order.
	Entries(ctx context.Context, jobID string) ([]CustodyEntry, error)
}

// link fills in the chaining fields of e given the job's current head.
// A timestamp not after the head's is bumped so the chain stays strictly
// ordered by time.
func link(e *CustodyEntry, head *CustodyEntry, now time.Time) error {
	e.ID = uuid.New().String()
	e.Timestamp = now.UTC()
	e.Sequence = 1
	e.PreviousHash = genesisHash
	if head != nil {
		e.Sequence = head.Sequence + 1
		e.PreviousHash = head.EntryHash
		if !e.Timestamp.After(head.Timestamp) {
			e.Timestamp = head.Timestamp.Add(time.Nanosecond)
		}
	}
	h, err := entryHash(e)
	if err != nil {
		return err
	}
	e.EntryHash = h
	return nil
}

func entryHash(e *CustodyEntry) (string, error) {
	hashable := struct {
		JobID        string            `json:"job_id"`
		Sequence     uint64            `json:"sequence"`
		Action       CustodyAction     `json:"action"`
		Actor        string            `json:"actor"`
		Timestamp    int64             `json:"timestamp_ns"`
		Details      map[string]string `json:"details,omitempty"`
		PreviousHash string            `json:"previous_hash"`
	}{
		JobID:        e.JobID,
		Sequence:     e.Sequence,
		Action:       e.Action,
		Actor:        e.Actor,
		Timestamp:    e.Timestamp.UnixNano(),
		Details:      e.Details,
		PreviousHash: e.PreviousHash,
	}
	data, err := canonicalJSON(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal custody entry for hashing: %w", err)
	}
	return HashBytes(data), nil
}

// VerifyChain checks sequence numbering, timestamp ordering and hash links.
func VerifyChain(entries []CustodyEntry) error {
	prev := genesisHash
	var prevTime time.Time
	for i := range entries {
		e := &entries[i]
		if e.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i, e.Sequence)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d previous hash mismatch", ErrChainBroken, e.Sequence)
		}
		if i > 0 && !e.Timestamp.After(prevTime) {
			return fmt.Errorf("%w: entry %d is not after its predecessor", ErrChainBroken, e.Sequence)
		}
		h, err := entryHash(e)
		if err != nil {
			return err
		}
		if h != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
		prevTime = e.Timestamp
	}
	return nil
}

// MemoryCustodyLog keeps custody chains in process memory.
type MemoryCustodyLog struct {
	mu     sync.RWMutex
	chains map[string][]CustodyEntry
	clock  func() time.Time
}

func NewMemoryCustodyLog() *MemoryCustodyLog {
	return &MemoryCustodyLog{
		chains: make(map[string][]CustodyEntry),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryCustodyLog) WithClock(clock func() time.Time) *MemoryCustodyLog {
	l.clock = clock
	return l
}

func (l *MemoryCustodyLog) Append(_ context.Context, jobID string, action CustodyAction, actor string, details map[string]string) (*CustodyEntry, error) {
	e := CustodyEntry{JobID: jobID, Action: action, Actor: actor, Details: copyDetails(details)}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[jobID]
	var head *CustodyEntry
	if n := len(chain); n > 0 {
		head = &chain[n-1]
	}
	if err := link(&e, head, l.clock()); err != nil {
		return nil, err
	}
	l.chains[jobID] = append(chain, e)
	out := e
	return &out, nil
}

func (l *MemoryCustodyLog) Entries(_ context.Context, jobID string) ([]CustodyEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]CustodyEntry(nil), l.chains[jobID]...), nil
}

func copyDetails(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
