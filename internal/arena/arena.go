// Package arena implements the content-addressed persistent store that
// underpins contract state, shielded note trees and UTXO sets: a map from
// 32-byte hash keys to immutable nodes, with small-object inlining and an
// LRU read-through cache in front of a pluggable backend.
//
// The design mirrors the teacher's disk-backed LRU in core/storage.go:
// a bounded in-memory index fronting a durable store, with eviction driven
// by recency. A Ref allocation is added to the cache and then written through
// to the backend; the two writes are not made atomic with each other.
package arena

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"

	"midnight-ledger/internal/costmodel"
)

// HashKey is a 32-byte content address.
type HashKey [32]byte

// String renders the key as a CIDv1 (raw codec) string, so external
// inspection tooling gets a familiar content-address format even though the
// underlying addressing scheme is this package's own.
func (k HashKey) String() string {
	digest, err := mh.Encode(k[:], mh.SHA2_256)
	if err != nil {
		return fmt.Sprintf("%x", k[:])
	}
	return cid.NewCidV1(cid.Raw, digest).String()
}

// IsZero reports whether k is the all-zero key (never a valid content
// address since it would require a preimage of the empty node under our
// hash, which alloc() never produces).
func (k HashKey) IsZero() bool {
	return k == HashKey{}
}

func hashOf(data []byte) HashKey {
	return sha256.Sum256(data)
}

// KeyHash computes the content address Alloc would assign to a value with
// the given tag and binary payload, without actually allocating it. Storable
// implementers use it to report the hash of a nested value in Children()
// without first materialising that value as its own arena.Key, so a parent's
// Children() agree with whatever hash the child gets when it is later (or
// already was) Alloc'd in its own right.
func KeyHash(tag string, bin []byte) HashKey {
	return hashOf(append([]byte(tag), bin...))
}

// Errors returned by arena operations, per SPEC_FULL.md §7.
var (
	ErrMissingChild       = errors.New("arena: missing child")
	ErrInvariantViolated  = errors.New("arena: invariant violated")
	ErrBackendFailure     = errors.New("arena: backend failure")
)

// InvariantViolated wraps ErrInvariantViolated with a human-readable detail,
// matching the VM-error attribution style used throughout this module.
type InvariantViolated struct {
	Detail string
}

func (e *InvariantViolated) Error() string { return "arena: invariant violated: " + e.Detail }
func (e *InvariantViolated) Unwrap() error { return ErrInvariantViolated }

// Storable is implemented by every value that can be placed in the arena.
// Tag versions the binary format and is hashed together with the binary
// payload to form the value's content address (see KeyHash); the tags of
// reachable children are not folded in.
type Storable interface {
	Tag() string
	Children() []HashKey
	Binary() []byte
}

// Decoder reconstructs a Storable from its binary payload and the already
// resolved children (in the same order Children() would report them).
type Decoder func(binary []byte, children []HashKey) (Storable, error)

// Key is the arena's addressing mode for a stored value: Direct values carry
// their payload inline (small-object inlining); Ref values carry only the
// 32-byte hash and must be resolved through the backend/cache.
type Key struct {
	Direct bool
	Value  Storable
	Hash   HashKey
}

// ChildRef is the RcMap indirection object described in SPEC_FULL.md §4.K.2.
// Its only child is the referent itself and its binary payload is the
// referent's 32-byte hash; it does not copy the referent's own children or
// payload. Its own arena identity is distinguished by tagging the referent
// hash, so a ChildRef and its referent never collide as arena keys.
type ChildRef struct {
	Referent HashKey
}

func (c ChildRef) Tag() string          { return "arena.ChildRef[v1]" }
func (c ChildRef) Children() []HashKey  { return []HashKey{c.Referent} }
func (c ChildRef) Binary() []byte       { return c.Referent[:] }

// Key returns the distinct arena key identifying this indirection object —
// distinct from c.Referent itself, even though Binary()/Children() are
// derived from the referent, by hashing a tagged wrapper.
func (c ChildRef) Key() HashKey {
	buf := append([]byte("childref:"), c.Referent[:]...)
	return hashOf(buf)
}

// Node is a persisted arena node: a binary payload plus an ordered list of
// child hash keys.
type Node struct {
	Binary   []byte
	Children []HashKey
}

// Backend is the durable store behind the arena's cache. Implementations
// must serialise writes (Put/Delete) but may serve Get concurrently against
// a consistent snapshot — see SPEC_FULL.md §5 shared-resource rules.
type Backend interface {
	Get(HashKey) (Node, bool, error)
	Put(HashKey, Node) error
	Delete(HashKey) error
}

// MemBackend is an in-process Backend, suitable for tests and for the
// in-memory tier ahead of a durable backend.
type MemBackend struct {
	mu    sync.Mutex
	nodes map[HashKey]Node
}

func NewMemBackend() *MemBackend {
	return &MemBackend{nodes: make(map[HashKey]Node)}
}

func (b *MemBackend) Get(k HashKey) (Node, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[k]
	return n, ok, nil
}

func (b *MemBackend) Put(k HashKey, n Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[k] = n
	return nil
}

func (b *MemBackend) Delete(k HashKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, k)
	return nil
}

// Sp is a shared, immutable handle keeping an arena node alive in memory
// (and, once Persist is called, in the backend until no longer reachable).
type Sp[T Storable] struct {
	key   HashKey
	value T
}

func (s Sp[T]) Key() HashKey { return s.key }
func (s Sp[T]) Value() T     { return s.value }

// Arena maps content-addressed keys to immutable nodes via an LRU
// read-through cache in front of a Backend.
type Arena struct {
	mu      sync.RWMutex
	backend Backend
	cache   *lru.Cache[HashKey, Node]
	decode  map[string]Decoder
	log     *logrus.Entry

	hits   uint64
	misses uint64
}

// Config bundles the arena's tunables.
type Config struct {
	Backend       Backend
	CacheEntries  int
	Logger        *logrus.Logger
}

// New constructs an Arena. A nil Backend defaults to an in-memory one; a
// non-positive CacheEntries defaults to 10_000, matching the teacher's
// defaultCacheEntries constant in core/storage.go.
func New(cfg Config) (*Arena, error) {
	if cfg.Backend == nil {
		cfg.Backend = NewMemBackend()
	}
	entries := cfg.CacheEntries
	if entries <= 0 {
		entries = 10_000
	}
	cache, err := lru.New[HashKey, Node](entries)
	if err != nil {
		return nil, fmt.Errorf("arena: new LRU: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Arena{
		backend: cfg.Backend,
		cache:   cache,
		decode:  make(map[string]Decoder),
		log:     logger.WithField("component", "arena"),
	}, nil
}

// RegisterDecoder binds a Storable tag to its decoding function, so Get can
// reconstruct typed values from raw nodes.
func (a *Arena) RegisterDecoder(tag string, d Decoder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decode[tag] = d
}

// Alloc stores value, returning a key: Direct if its binary representation
// fits under costmodel.SmallObjectLimit, else Ref with the node written
// through the cache. Two allocations of equal binary-representable values
// return equal keys (content addressing).
func (a *Arena) Alloc(value Storable) (Key, error) {
	bin := value.Binary()
	if len(bin) < costmodel.SmallObjectLimit {
		return Key{Direct: true, Value: value}, nil
	}
	h := KeyHash(value.Tag(), bin)
	node := Node{Binary: bin, Children: value.Children()}
	a.mu.Lock()
	a.cache.Add(h, node)
	a.mu.Unlock()
	if err := a.backend.Put(h, node); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}
	return Key{Direct: false, Hash: h}, nil
}

// AllocForGraph behaves like Alloc but always writes through to the cache
// and backend under the content hash, even when the binary representation
// would otherwise qualify for small-object inlining. Callers that need every
// reachable node resolvable by Get/Children — notably rcmap-driven
// reachability walks, which address nodes purely by hash rather than by an
// in-memory reference graph — use this instead of Alloc.
func (a *Arena) AllocForGraph(value Storable) (Key, error) {
	bin := value.Binary()
	h := KeyHash(value.Tag(), bin)
	node := Node{Binary: bin, Children: value.Children()}
	a.mu.Lock()
	a.cache.Add(h, node)
	a.mu.Unlock()
	if err := a.backend.Put(h, node); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}
	return Key{Direct: false, Hash: h}, nil
}

// Persist is a no-op marker retained for API parity with the spec: Alloc
// already writes through to the backend, so Persist simply confirms the key
// is resolvable, surfacing ErrMissingChild early if it is not.
func (a *Arena) Persist(k Key) error {
	if k.Direct {
		return nil
	}
	_, err := a.get(k.Hash)
	return err
}

// Get resolves a Ref key to its raw Node, consulting the LRU cache before
// falling through to the backend (the cache does its own internal locking;
// the arena mutex is taken only to update the hit/miss counters).
func (a *Arena) Get(h HashKey) (Node, error) {
	return a.get(h)
}

func (a *Arena) get(h HashKey) (Node, error) {
	if n, ok := a.cache.Get(h); ok {
		a.mu.Lock()
		a.hits++
		a.mu.Unlock()
		return n, nil
	}
	a.mu.Lock()
	a.misses++
	a.mu.Unlock()
	n, ok, err := a.backend.Get(h)
	if err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}
	if !ok {
		a.log.WithField("key", h.String()).Warn("missing child")
		return Node{}, ErrMissingChild
	}
	a.cache.Add(h, n)
	return n, nil
}

// Resolve decodes a Ref key's node back into a typed Storable using the
// decoder registered for tag (the caller must know the expected type, since
// the raw Node does not carry the tag string); a tag with no registered
// decoder yields an InvariantViolated error.
func (a *Arena) Resolve(h HashKey, tag string) (Storable, error) {
	n, err := a.get(h)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	dec, ok := a.decode[tag]
	a.mu.RUnlock()
	if !ok {
		return nil, &InvariantViolated{Detail: "no decoder registered for tag " + tag}
	}
	return dec(n.Binary, n.Children)
}

// WithBackend runs f against the arena's current backend, for maintenance
// operations (compaction, snapshotting) that need direct backend access
// without going through the cache.
func (a *Arena) WithBackend(f func(Backend) error) error {
	return f(a.backend)
}

// PreFetch walks up to maxDepth levels of children below root, populating
// the cache. If truncate is true, traversal of a subtree stops as soon as a
// key is already cache-resident, avoiding redundant backend round-trips.
func (a *Arena) PreFetch(root HashKey, maxDepth int, truncate bool) error {
	if maxDepth < 0 {
		return nil
	}
	type frame struct {
		key   HashKey
		depth int
	}
	stack := []frame{{root, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if truncate {
			if _, ok := a.cache.Peek(f.key); ok {
				continue
			}
		}
		n, err := a.get(f.key)
		if err != nil {
			return err
		}
		if f.depth >= maxDepth {
			continue
		}
		for _, c := range n.Children {
			stack = append(stack, frame{c, f.depth + 1})
		}
	}
	return nil
}

// Stats reports the arena's current cache occupancy and hit/miss counters,
// exposed by the ambient health endpoint (SPEC_FULL.md §6').
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

func (a *Arena) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{Entries: a.cache.Len(), Hits: a.hits, Misses: a.misses}
}

// Children returns the reachable children of a Key, resolving Ref keys
// through the arena and returning the value's own Children() for Direct
// keys.
func (a *Arena) Children(k Key) ([]HashKey, error) {
	if k.Direct {
		return k.Value.Children(), nil
	}
	n, err := a.get(k.Hash)
	if err != nil {
		return nil, err
	}
	return n.Children, nil
}
