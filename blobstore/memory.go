package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/flashbots/secagg/protocol"
)

const sha256Prefix = "sha256:"

// MemoryStore keeps blobs in memory, addressed by SHA-256.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[protocol.Pointer][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[protocol.Pointer][]byte)}
}

func sha256Pointer(data []byte) protocol.Pointer {
	sum := sha256.Sum256(data)
	return protocol.Pointer(sha256Prefix + hex.EncodeToString(sum[:]))
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (protocol.Pointer, error) {
	p := sha256Pointer(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[p]; !ok {
		s.blobs[p] = append([]byte(nil), data...)
	}
	return p, nil
}

func (s *MemoryStore) Get(_ context.Context, p protocol.Pointer) ([]byte, error) {
	if !strings.HasPrefix(string(p), sha256Prefix) {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBlobNotFound, p)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBlobNotFound, p)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
