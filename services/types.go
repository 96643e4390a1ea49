package services

import (
	"crypto/ecdh"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
)

// Role identifies what a party does in the federation.
type Role string

const (
	ParticipantRole Role = "participant"
	CoordinatorRole Role = "coordinator"
	AggregatorRole  Role = "aggregator"
)

// Valid returns true if the role is recognized.
func (r Role) Valid() bool {
	switch r {
	case ParticipantRole, CoordinatorRole, AggregatorRole:
		return true
	}
	return false
}

// RegisteredService is a directory entry: a party's identity, public keys
// and the endpoint it serves.
type RegisteredService struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	HTTPEndpoint string `json:"http_endpoint"`
	PublicKey    string `json:"public_key"`
	ExchangeKey  string `json:"exchange_key"`
}

// PeerKeys parses the entry's public keys.
func (s *RegisteredService) PeerKeys() (protocol.PeerKeys, error) {
	pub, err := crypto.NewPublicKeyFromString(s.PublicKey)
	if err != nil {
		return protocol.PeerKeys{}, fmt.Errorf("invalid public key of %s: %w", s.ID, err)
	}
	xk, err := crypto.ParseExchangePublicKey(s.ExchangeKey)
	if err != nil {
		return protocol.PeerKeys{}, fmt.Errorf("invalid exchange key of %s: %w", s.ID, err)
	}
	return protocol.PeerKeys{SigningKey: pub, ExchangeKey: xk}, nil
}

// Registration is a RegisteredService signed by the key it announces, so a
// directory entry cannot be forged by a third party.
type Registration struct {
	Service   RegisteredService `json:"service"`
	Signature crypto.Signature  `json:"signature"`
}

// NewRegistration signs the entry for a party.
func NewRegistration(signingKey crypto.PrivateKey, exchangeKey *ecdh.PublicKey, id string, role Role, endpoint string) (*Registration, error) {
	pub, err := signingKey.PublicKey()
	if err != nil {
		return nil, err
	}
	svc := RegisteredService{
		ID:           id,
		Role:         role,
		HTTPEndpoint: endpoint,
		PublicKey:    pub.String(),
		ExchangeKey:  hex.EncodeToString(exchangeKey.Bytes()),
	}
	data, err := json.Marshal(&svc)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(signingKey, data)
	if err != nil {
		return nil, err
	}
	return &Registration{Service: svc, Signature: sig}, nil
}

// Verify checks the signature against the announced public key.
func (r *Registration) Verify() error {
	if !r.Service.Role.Valid() {
		return fmt.Errorf("invalid role %q", r.Service.Role)
	}
	if r.Service.ID == "" {
		return errors.New("missing id")
	}
	keys, err := r.Service.PeerKeys()
	if err != nil {
		return err
	}
	data, err := json.Marshal(&r.Service)
	if err != nil {
		return err
	}
	if !r.Signature.Verify(keys.SigningKey, data) {
		return fmt.Errorf("%w: registration of %s", protocol.ErrSignatureInvalid, r.Service.ID)
	}
	return nil
}

// ServiceListResponse contains all registered parties by role.
type ServiceListResponse struct {
	Participants []*RegisteredService `json:"participants"`
	Coordinators []*RegisteredService `json:"coordinators"`
	Aggregators  []*RegisteredService `json:"aggregators"`
}

// All returns every entry of the list.
func (l *ServiceListResponse) All() []*RegisteredService {
	out := make([]*RegisteredService, 0, len(l.Participants)+len(l.Coordinators)+len(l.Aggregators))
	out = append(out, l.Participants...)
	out = append(out, l.Coordinators...)
	return append(out, l.Aggregators...)
}

// PrepareMaskRequest asks a participant to draw its mask for a round ahead
// of contributing, so its ring predecessor can fetch it.
type PrepareMaskRequest struct {
	Layout protocol.Layout `json:"layout"`
}

// StateResponse reports the coordinator's view of a (participant, round).
type StateResponse struct {
	ParticipantID string `json:"participant_id"`
	Round         uint64 `json:"round_num"`
	State         string `json:"state"`
	LastRecorded  uint64 `json:"last_recorded"`
	Abandoned     bool   `json:"abandoned"`
}

// Round status values reported by the aggregator service.
const (
	RoundRunning   = "running"
	RoundPending   = "pending"
	RoundDone      = "published"
	RoundAbandoned = "abandoned"
)

// RoundStatusResponse reports the aggregator's view of a round.
type RoundStatusResponse struct {
	Round   uint64                 `json:"round_num"`
	Status  string                 `json:"status"`
	Outcome *protocol.RoundOutcome `json:"outcome,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
