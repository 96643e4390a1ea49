package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flashbots/secagg/protocol"
)

// ErrEmptyID is returned when registering a participant without an id.
var ErrEmptyID = errors.New("empty participant id")

type contributionKey struct {
	participant string
	round       uint64
}

// MemoryLedger implements protocol.Ledger in memory.
type MemoryLedger struct {
	mu            sync.RWMutex
	participants  map[string]*protocol.ParticipantRecord
	contributions map[contributionKey]*protocol.ContributionRecord
	roundCounts   map[uint64]int
	txSeq         uint64
	now           func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		participants:  make(map[string]*protocol.ParticipantRecord),
		contributions: make(map[contributionKey]*protocol.ContributionRecord),
		roundCounts:   make(map[uint64]int),
		now:           time.Now,
	}
}

func (l *MemoryLedger) nextTx() string {
	l.txSeq++
	return fmt.Sprintf("mem-%08d", l.txSeq)
}

func (l *MemoryLedger) RegisterParticipant(_ context.Context, id, name string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.participants[id]; ok {
		p.Name = name
		return nil
	}
	l.participants[id] = &protocol.ParticipantRecord{
		ID:           id,
		Name:         name,
		RegisteredAt: l.now().UTC(),
	}
	return nil
}

func (l *MemoryLedger) GetParticipant(_ context.Context, id string) (*protocol.ParticipantRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.participants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (l *MemoryLedger) ListParticipants(_ context.Context) ([]*protocol.ParticipantRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*protocol.ParticipantRecord, 0, len(l.participants))
	for _, p := range l.participants {
		cp := *p
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *protocol.ParticipantRecord) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (l *MemoryLedger) SetPermission(_ context.Context, id string, permitted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[id]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, id)
	}
	p.PermittedToGlobalModel = permitted
	return nil
}

func (l *MemoryLedger) RecordContribution(_ context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, id)
	}
	key := contributionKey{id, round}
	if _, exists := l.contributions[key]; exists {
		return "", fmt.Errorf("%w: %s round %d", protocol.ErrAlreadyRecorded, id, round)
	}

	tx := l.nextTx()
	l.contributions[key] = &protocol.ContributionRecord{
		ParticipantID: id,
		Round:         round,
		Pointer:       pointer,
		TxID:          tx,
		RecordedAt:    l.now().UTC(),
	}
	l.roundCounts[round]++
	if round > p.LastRound {
		p.LastRound = round
	}
	return tx, nil
}

func (l *MemoryLedger) GetContribution(_ context.Context, id string, round uint64) (*protocol.ContributionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.contributions[contributionKey{id, round}]
	if !ok {
		return nil, fmt.Errorf("%w: %s round %d", protocol.ErrContributionNotFound, id, round)
	}
	cp := *c
	return &cp, nil
}

func (l *MemoryLedger) GetRoundSubmissionCount(_ context.Context, round uint64) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.roundCounts[round], nil
}

func (l *MemoryLedger) RecordGlobalResult(_ context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, id)
	}
	p.GlobalModelPointer = pointer
	p.GlobalModelRound = round
	return l.nextTx(), nil
}
