package protocol

import (
	"fmt"
	"sync"
)

// SubmissionState is the lifecycle of one (participant, round) submission.
//
//	Pending -> Submitted -> Verified -> Recorded
//	               |            |
//	               +-> Rejected <+
type SubmissionState int

const (
	StatePending SubmissionState = iota
	StateSubmitted
	StateVerified
	StateRecorded
	StateRejected
)

func (s SubmissionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSubmitted:
		return "submitted"
	case StateVerified:
		return "verified"
	case StateRecorded:
		return "recorded"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// CanTransition reports whether s -> to is a legal step. Recorded never
// changes. A rejected attempt is final, but the next attempt for the same
// key starts again from Submitted.
func (s SubmissionState) CanTransition(to SubmissionState) bool {
	switch s {
	case StatePending, StateRejected:
		return to == StateSubmitted
	case StateSubmitted:
		return to == StateVerified || to == StateRejected
	case StateVerified:
		return to == StateRecorded || to == StateRejected
	}
	return false
}

type submissionKey struct {
	participant string
	round       uint64
}

type submissionEntry struct {
	mu    sync.Mutex
	state SubmissionState
}

func (e *submissionEntry) advance(to SubmissionState) {
	if !e.state.CanTransition(to) {
		panic(fmt.Sprintf("illegal submission transition %s -> %s", e.state, to))
	}
	e.state = to
}

// roundTracker holds coordinator state. Each (participant, round) key has
// its own lock; the tracker lock only guards the maps.
type roundTracker struct {
	mu           sync.Mutex
	entries      map[submissionKey]*submissionEntry
	participants map[string]*sync.Mutex
	lastRecorded map[string]uint64
	abandoned    map[uint64]bool
}

func newRoundTracker() *roundTracker {
	return &roundTracker{
		entries:      make(map[submissionKey]*submissionEntry),
		participants: make(map[string]*sync.Mutex),
		lastRecorded: make(map[string]uint64),
		abandoned:    make(map[uint64]bool),
	}
}

// acquire returns the locked entry for key. The caller must unlock it.
func (t *roundTracker) acquire(participant string, round uint64) *submissionEntry {
	t.mu.Lock()
	key := submissionKey{participant, round}
	entry, ok := t.entries[key]
	if !ok {
		entry = &submissionEntry{state: StatePending}
		t.entries[key] = entry
	}
	t.mu.Unlock()

	entry.mu.Lock()
	return entry
}

func (t *roundTracker) state(participant string, round uint64) SubmissionState {
	t.mu.Lock()
	entry, ok := t.entries[submissionKey{participant, round}]
	t.mu.Unlock()
	if !ok {
		return StatePending
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state
}

// participantLock serializes the record step of one participant so that
// rounds cannot be recorded out of order.
func (t *roundTracker) participantLock(participant string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.participants[participant]
	if !ok {
		l = &sync.Mutex{}
		t.participants[participant] = l
	}
	return l
}

func (t *roundTracker) last(participant string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRecorded[participant]
}

// observe raises the last recorded round. It never lowers it.
func (t *roundTracker) observe(participant string, round uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if round > t.lastRecorded[participant] {
		t.lastRecorded[participant] = round
	}
}

func (t *roundTracker) abandon(round uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandoned[round] = true
}

func (t *roundTracker) isAbandoned(round uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abandoned[round]
}
