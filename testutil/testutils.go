package testutil

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/flashbots/secagg/blobstore"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/ledger"
	"github.com/flashbots/secagg/protocol"
)

// AggregatorID is the id of the federation's aggregator.
const AggregatorID = "aggregator"

// =====================================
// Parties
// =====================================

// Party holds the key material of one participant or of the aggregator.
type Party struct {
	ID          string
	SigningKey  crypto.PrivateKey
	SigningPub  crypto.PublicKey
	ExchangeKey *ecdh.PrivateKey
}

// GenerateParty creates fresh keys for id.
func GenerateParty(id string) (*Party, error) {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	xk, err := crypto.GenerateExchangeKey()
	if err != nil {
		return nil, err
	}
	return &Party{ID: id, SigningKey: priv, SigningPub: pub, ExchangeKey: xk}, nil
}

// PeerKeys returns the public half of the party's keys.
func (p *Party) PeerKeys() protocol.PeerKeys {
	return protocol.PeerKeys{SigningKey: p.SigningPub, ExchangeKey: p.ExchangeKey.PublicKey()}
}

// KeyProviderFor builds self's key directory containing every party in all.
func KeyProviderFor(self *Party, all []*Party) (*protocol.StaticKeyProvider, error) {
	kp, err := protocol.NewStaticKeyProvider(self.ID, self.SigningKey, self.ExchangeKey)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.ID != self.ID {
			kp.AddPeer(p.ID, p.PeerKeys())
		}
	}
	return kp, nil
}

// =====================================
// Payloads
// =====================================

// SamplePayload returns a deterministic payload with rows x cols weights and
// the named params. Different seeds give different values.
func SamplePayload(seed int, rows, cols int, params ...string) *protocol.Payload {
	p := &protocol.Payload{
		Weights: make([]float64, rows*cols),
		Shape:   []int{rows, cols},
		Bias:    float64(seed) * 0.5,
	}
	for i := range p.Weights {
		p.Weights[i] = math.Sin(float64(seed*31+i)) * float64(seed+1)
	}
	if len(params) > 0 {
		p.Params = make(map[string]float64, len(params))
		for i, name := range params {
			p.Params[name] = float64(seed) + float64(i)/10
		}
	}
	return p
}

// SamplePayloads returns one SamplePayload per id, seeded by position.
func SamplePayloads(ids []string, rows, cols int, params ...string) map[string]*protocol.Payload {
	out := make(map[string]*protocol.Payload, len(ids))
	for i, id := range ids {
		out[id] = SamplePayload(i+1, rows, cols, params...)
	}
	return out
}

// PlainSum adds payloads in id order, the reference for an aggregate.
func PlainSum(payloads map[string]*protocol.Payload) (*protocol.Payload, error) {
	ids := make([]string, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) == 0 {
		return nil, errors.New("no payloads")
	}

	sum := protocol.Zero(payloads[ids[0]].Layout())
	for _, id := range ids {
		if err := sum.AddInplace(payloads[id], 1); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// =====================================
// Federation
// =====================================

// FederationOption configures NewFederation.
type FederationOption func(*federationOptions)

type federationOptions struct {
	config       *protocol.AggregationConfig
	ledger       protocol.Ledger
	blobs        protocol.BlobStore
	observer     protocol.Observer
	limiter      protocol.Limiter
	notPermitted []string
	skipAbandon  bool
}

// WithConfig replaces the aggregation config.
func WithConfig(cfg *protocol.AggregationConfig) FederationOption {
	return func(o *federationOptions) { o.config = cfg }
}

// WithNormalization sets the normalization mode of the default config.
func WithNormalization(mode protocol.NormalizationMode) FederationOption {
	return func(o *federationOptions) { o.config.Normalization = mode }
}

// WithDeadline sets the round deadline and poll interval.
func WithDeadline(deadline, poll time.Duration) FederationOption {
	return func(o *federationOptions) {
		o.config.RoundDeadline = deadline
		o.config.PollInterval = poll
	}
}

// WithLedger replaces the in-memory ledger.
func WithLedger(l protocol.Ledger) FederationOption {
	return func(o *federationOptions) { o.ledger = l }
}

// WithBlobStore replaces the in-memory blob store.
func WithBlobStore(b protocol.BlobStore) FederationOption {
	return func(o *federationOptions) { o.blobs = b }
}

// WithObserver attaches an observer to the coordinator and the aggregator.
func WithObserver(obs protocol.Observer) FederationOption {
	return func(o *federationOptions) { o.observer = obs }
}

// WithLimiter rate limits submissions at the coordinator.
func WithLimiter(l protocol.Limiter) FederationOption {
	return func(o *federationOptions) { o.limiter = l }
}

// WithoutPermission withholds the global result from ids.
func WithoutPermission(ids ...string) FederationOption {
	return func(o *federationOptions) { o.notPermitted = append(o.notPermitted, ids...) }
}

// WithoutAbandonNotification keeps the aggregator from telling the
// coordinator about abandoned rounds.
func WithoutAbandonNotification() FederationOption {
	return func(o *federationOptions) { o.skipAbandon = true }
}

// Federation is an in-process deployment: participants, a coordinator and an
// aggregator sharing one ledger and blob store.
type Federation struct {
	Config *protocol.AggregationConfig
	Ledger protocol.Ledger
	Blobs  protocol.BlobStore

	IDs          []string
	Parties      map[string]*Party
	Keys         map[string]*protocol.StaticKeyProvider
	Participants map[string]*protocol.Participant

	AggregatorParty *Party
	Coordinator     *protocol.Coordinator
	Aggregator      *protocol.Aggregator
}

// NewFederation creates keys for ids and the aggregator, registers the
// participants on the ledger and wires every component.
func NewFederation(ids []string, opts ...FederationOption) (*Federation, error) {
	cfg := protocol.DefaultAggregationConfig()
	cfg.AggregatorID = AggregatorID
	cfg.RoundDeadline = 2 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaskFetchTimeout = time.Second

	o := &federationOptions{config: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.ledger == nil {
		o.ledger = ledger.NewMemoryLedger()
	}
	if o.blobs == nil {
		o.blobs = blobstore.NewMemoryStore()
	}

	f := &Federation{
		Config:       o.config,
		Ledger:       o.ledger,
		Blobs:        o.blobs,
		IDs:          slices.Sorted(slices.Values(ids)),
		Parties:      make(map[string]*Party, len(ids)),
		Keys:         make(map[string]*protocol.StaticKeyProvider, len(ids)),
		Participants: make(map[string]*protocol.Participant, len(ids)),
	}

	var err error
	if f.AggregatorParty, err = GenerateParty(o.config.AggregatorID); err != nil {
		return nil, err
	}
	all := []*Party{f.AggregatorParty}
	for _, id := range f.IDs {
		p, err := GenerateParty(id)
		if err != nil {
			return nil, err
		}
		f.Parties[id] = p
		all = append(all, p)
	}

	ctx := context.Background()
	for _, id := range f.IDs {
		if err := f.Ledger.RegisterParticipant(ctx, id, "Participant "+id); err != nil {
			return nil, err
		}
		if err := f.Ledger.SetPermission(ctx, id, !slices.Contains(o.notPermitted, id)); err != nil {
			return nil, err
		}
	}

	aggKeys, err := KeyProviderFor(f.AggregatorParty, all)
	if err != nil {
		return nil, err
	}
	f.Coordinator = protocol.NewCoordinator(f.Ledger, f.Blobs, aggKeys, &protocol.CoordinatorConfig{
		Observer: o.observer,
		Limiter:  o.limiter,
	})

	aggCfg := &protocol.AggregatorConfig{Aggregation: o.config, Observer: o.observer}
	if !o.skipAbandon {
		aggCfg.Abandoner = f.Coordinator
	}
	f.Aggregator = protocol.NewAggregator(f.Ledger, f.Blobs, aggKeys, aggCfg)

	for _, id := range f.IDs {
		keys, err := KeyProviderFor(f.Parties[id], all)
		if err != nil {
			return nil, err
		}
		f.Keys[id] = keys
		fetcher := &LocalMaskFetcher{Federation: f, Requester: id}
		f.Participants[id] = protocol.NewParticipant(keys, fetcher, f.Coordinator, &protocol.ParticipantConfig{Aggregation: o.config})
	}
	return f, nil
}

// ContributeAll prepares the round's mask of every participant, then runs
// Contribute for those that have a payload. All payloads share one layout.
// The ring always spans the whole federation.
func (f *Federation) ContributeAll(ctx context.Context, round uint64, payloads map[string]*protocol.Payload) error {
	var layout protocol.Layout
	for _, raw := range payloads {
		layout = raw.Layout()
		break
	}
	for _, id := range f.IDs {
		if _, err := f.Participants[id].PrepareMask(round, layout); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	for _, id := range f.IDs {
		raw, ok := payloads[id]
		if !ok {
			continue
		}
		if _, err := f.Participants[id].Contribute(ctx, round, raw, f.IDs, nil); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

// LocalMaskFetcher fetches peer masks by calling the peer participant
// directly, encrypting and decrypting exactly as the HTTP transport does.
type LocalMaskFetcher struct {
	Federation *Federation
	Requester  string
}

func (l *LocalMaskFetcher) FetchMask(ctx context.Context, peerID string, round uint64) (*protocol.Mask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peer, ok := l.Federation.Participants[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer %s", protocol.ErrMaskUnavailable, peerID)
	}
	pkg, err := peer.ServeMask(round, l.Requester, l.Federation.IDs)
	if err != nil {
		return nil, err
	}
	return protocol.OpenMask(l.Federation.Keys[l.Requester], pkg)
}
