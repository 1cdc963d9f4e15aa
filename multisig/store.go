package multisig

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrMultisigNotFound = errors.New("no multisig recorded")
)

// Store persists proposals keyed exclusively by (proposal id, chain id), and the Move multisig accounts the
// coordinator created.
type Store interface {
	Load(ctx context.Context, id common.Hash, chainID chain.ID) (*Proposal, error)
	Save(ctx context.Context, p *Proposal) error
	// Find returns the proposals in which safe votes on sequence of multisig.
	Find(ctx context.Context, chainID chain.ID, safe common.Address, multisig address.Move, sequence uint64) (
		[]*Proposal, error)

	// LoadMultisig returns ErrMultisigNotFound when nothing was recorded for key.
	LoadMultisig(ctx context.Context, key MultisigKey) (address.Move, error)
	SaveMultisig(ctx context.Context, key MultisigKey, multisig address.Move) error
}

// MultisigKey names the multisig account created by Creator for a Safe, given by its Move identity, on a Move
// chain.
type MultisigKey struct {
	ChainID chain.ID
	Creator address.Move
	Safe    address.Move
}

func (k MultisigKey) String() string {
	return string(k.ChainID) + ":" + k.Creator.Hex() + ":" + k.Safe.Hex()
}

type voteIndex struct {
	chainID  chain.ID
	safe     common.Address
	multisig address.Move
	sequence uint64
}

func (k voteIndex) String() string {
	return string(k.chainID) + ":" + k.safe.Hex() + ":" + k.multisig.Hex() + ":" + strconv.FormatUint(k.sequence, 10)
}

func voteIndexOf(p *Proposal) voteIndex {
	return voteIndex{chainID: p.ChainID, safe: p.Safe, multisig: p.Multisig, sequence: p.Sequence}
}

var (
	_ Store = &MemoryStore{}
	_ Store = &RedisStore{}
)

type storeKey struct {
	id      common.Hash
	chainID chain.ID
}

type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[storeKey]*Proposal
	votes     map[voteIndex][]storeKey
	multisigs map[MultisigKey]address.Move
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[storeKey]*Proposal),
		votes:     make(map[voteIndex][]storeKey),
		multisigs: make(map[MultisigKey]address.Move),
	}
}

func (s *MemoryStore) Load(_ context.Context, id common.Hash, chainID chain.ID) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[storeKey{id, chainID}]
	if !ok {
		return nil, eris.Wrapf(ErrProposalNotFound, "%s on %s", id, chainID)
	}
	return p.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey{p.ID, p.ChainID}
	if _, ok := s.proposals[key]; !ok {
		vk := voteIndexOf(p)
		s.votes[vk] = append(s.votes[vk], key)
	}
	s.proposals[key] = p.clone()
	return nil
}

func (s *MemoryStore) Find(
	_ context.Context, chainID chain.ID, safe common.Address, multisig address.Move, sequence uint64,
) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.votes[voteIndex{chainID: chainID, safe: safe, multisig: multisig, sequence: sequence}]
	out := make([]*Proposal, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.proposals[k].clone())
	}
	return out, nil
}

func (s *MemoryStore) LoadMultisig(_ context.Context, key MultisigKey) (address.Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.multisigs[key]
	if !ok {
		return address.Move{}, eris.Wrapf(ErrMultisigNotFound, "%s", key)
	}
	return m, nil
}

func (s *MemoryStore) SaveMultisig(_ context.Context, key MultisigKey, multisig address.Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multisigs[key] = multisig
	return nil
}

const defaultKeyPrefix = "crossvm:proposal:"

// RedisStore keeps proposals as JSON values. Proposals are small and rewritten whole on every save. A set per
// (safe, multisig, sequence) indexes them for Find. Created multisig accounts never expire.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	tracer trace.Tracer
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL expires proposals that have not been saved for d. Zero keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultKeyPrefix,
		tracer: otel.Tracer("redis"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id common.Hash, chainID chain.ID) string {
	return s.prefix + string(chainID) + ":" + id.Hex()
}

func (s *RedisStore) indexKey(k voteIndex) string {
	return s.prefix + "vote:" + k.String()
}

func (s *RedisStore) multisigKey(k MultisigKey) string {
	return s.prefix + "multisig:" + k.String()
}

func (s *RedisStore) Load(ctx context.Context, id common.Hash, chainID chain.ID) (*Proposal, error) {
	bz, err := s.client.Get(ctx, s.key(id, chainID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrProposalNotFound, "%s on %s", id, chainID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	var p Proposal
	if err := json.Unmarshal(bz, &p); err != nil {
		return nil, eris.Wrapf(err, "malformed proposal %s", id)
	}
	return &p, nil
}

func (s *RedisStore) Save(ctx context.Context, p *Proposal) error {
	ctx, span := s.tracer.Start(ctx, "redis.proposal.save")
	defer span.End()
	bz, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "failed to encode proposal")
	}
	index := s.indexKey(voteIndexOf(p))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(p.ID, p.ChainID), bz, s.ttl)
		pipe.SAdd(ctx, index, p.ID.Hex())
		if s.ttl > 0 {
			pipe.Expire(ctx, index, s.ttl)
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, eris.ToString(err, true))
		span.RecordError(err)
		return eris.Wrap(err, "")
	}
	return nil
}

func (s *RedisStore) Find(
	ctx context.Context, chainID chain.ID, safe common.Address, multisig address.Move, sequence uint64,
) ([]*Proposal, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(voteIndex{
		chainID: chainID, safe: safe, multisig: multisig, sequence: sequence,
	})).Result()
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	out := make([]*Proposal, 0, len(ids))
	for _, id := range ids {
		p, err := s.Load(ctx, common.HexToHash(id), chainID)
		if errors.Is(err, ErrProposalNotFound) {
			// expired while its index entry lived on
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) LoadMultisig(ctx context.Context, key MultisigKey) (address.Move, error) {
	v, err := s.client.Get(ctx, s.multisigKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return address.Move{}, eris.Wrapf(ErrMultisigNotFound, "%s", key)
	}
	if err != nil {
		return address.Move{}, eris.Wrap(err, "")
	}
	m, err := address.ParseMove(v)
	if err != nil {
		return address.Move{}, eris.Wrapf(err, "malformed multisig recorded for %s", key)
	}
	return m, nil
}

func (s *RedisStore) SaveMultisig(ctx context.Context, key MultisigKey, multisig address.Move) error {
	return eris.Wrap(s.client.Set(ctx, s.multisigKey(key), multisig.Hex(), 0).Err(), "")
}
