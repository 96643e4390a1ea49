package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/flashbots/secagg/protocol"
)

const blake3Prefix = "b3:"

// ErrCorrupted is returned when stored bytes no longer match their pointer.
var ErrCorrupted = errors.New("stored blob does not match its pointer")

// PebbleConfig configures a PebbleStore.
type PebbleConfig struct {
	Path string `yaml:"path"`
	// CacheEntries bounds the decoded-blob read cache. Zero disables it.
	CacheEntries int `yaml:"cache_entries"`
	// Sync makes every write durable before Put returns.
	Sync bool `yaml:"sync"`
}

// PebbleStore persists blobs in Pebble, addressed by BLAKE3 and compressed
// with zstd. Blobs are immutable, so decoded values are cached in an LRU.
type PebbleStore struct {
	db    *pebble.DB
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	cache *lru.Cache
	write *pebble.WriteOptions
}

// NewPebbleStore opens (or creates) a store at cfg.Path.
func NewPebbleStore(cfg *PebbleConfig) (*PebbleStore, error) {
	cache := pebble.NewCache(32 << 20)
	defer cache.Unref()

	db, err := pebble.Open(cfg.Path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("opening pebble at %s: %w", cfg.Path, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &PebbleStore{db: db, enc: enc, dec: dec, write: pebble.NoSync}
	if cfg.Sync {
		s.write = pebble.Sync
	}
	if cfg.CacheEntries > 0 {
		if s.cache, err = lru.New(cfg.CacheEntries); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func blake3Pointer(data []byte) protocol.Pointer {
	sum := blake3.Sum256(data)
	return protocol.Pointer(blake3Prefix + hex.EncodeToString(sum[:]))
}

func (s *PebbleStore) Put(_ context.Context, data []byte) (protocol.Pointer, error) {
	p := blake3Pointer(data)
	key := []byte(p)

	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return p, nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return "", err
	}

	if err := s.db.Set(key, s.enc.EncodeAll(data, nil), s.write); err != nil {
		return "", fmt.Errorf("storing blob: %w", err)
	}
	return p, nil
}

func (s *PebbleStore) Get(_ context.Context, p protocol.Pointer) ([]byte, error) {
	if !strings.HasPrefix(string(p), blake3Prefix) {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBlobNotFound, p)
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(p); ok {
			return append([]byte(nil), v.([]byte)...), nil
		}
	}

	value, closer, err := s.db.Get([]byte(p))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBlobNotFound, p)
	} else if err != nil {
		return nil, err
	}
	// DecodeAll copies into a fresh buffer, so value may be released after.
	data, err := s.dec.DecodeAll(value, nil)
	closer.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, p, err)
	}

	if blake3Pointer(data) != p {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, p)
	}
	if s.cache != nil {
		s.cache.Add(p, data)
	}
	return append([]byte(nil), data...), nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}
