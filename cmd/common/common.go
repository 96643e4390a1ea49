// Package common provides shared utilities for the secagg binaries.
//
// This package contains helper functions used across the standalone service
// binaries (ledger, participant, coordinator, aggregator) and the operator
// CLI:
//
//   - YAML configuration with defaults and validation
//   - Key loading and generation for Ed25519 signing and ECDH exchange keys
//   - Ledger, blob store and logger factories
//   - Directory registration and signal handling
package common

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
)

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		if len(keyBytes) != 64 {
			return nil, fmt.Errorf("signing key must be 64 bytes, got %d", len(keyBytes))
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// LoadOrGenerateExchangeKey loads an ECDH P-256 private key from a hex string,
// or generates a new key if hexKey is empty.
func LoadOrGenerateExchangeKey(hexKey string) (*ecdh.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return ecdh.P256().NewPrivateKey(keyBytes)
	}
	return ecdh.P256().GenerateKey(rand.Reader)
}

// NewKeyProvider loads the party's keys and returns a key directory that
// initially knows only the party itself. Peers are added by directory sync.
func NewKeyProvider(id string, keys KeysConfig, log *slog.Logger) (*protocol.StaticKeyProvider, error) {
	signingKey, err := LoadOrGenerateSigningKey(keys.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	exchangeKey, err := LoadOrGenerateExchangeKey(keys.ExchangeKey)
	if err != nil {
		return nil, fmt.Errorf("exchange key: %w", err)
	}
	if keys.SigningKey == "" || keys.ExchangeKey == "" {
		log.Warn("using generated keys, they are lost on restart", "id", id)
	}

	kp, err := protocol.NewStaticKeyProvider(id, signingKey, exchangeKey)
	if err != nil {
		return nil, err
	}
	pub, err := signingKey.PublicKey()
	if err != nil {
		return nil, err
	}
	log.Info("loaded keys", "id", id, "signingKey", pub.String(), "exchangeKey", hex.EncodeToString(exchangeKey.PublicKey().Bytes()))
	return kp, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Fatal prints err and exits.
func Fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
