// Package registry keeps the bounded set of oracle signers.
//
// Signers occupy dense 1-based slots. Removal moves the last signer into
// the freed slot so that participation bitmaps stay fixed-width. Readers
// take an immutable Snapshot; writers publish a new one with an atomic swap.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"Attestor/internal/curve"
	"Attestor/internal/logger"
	"Attestor/internal/storage"
)

const (
	// MaxSigners is the maximum number of registered signers.
	MaxSigners = 256
)

var (
	// ErrDuplicateSigner is returned when the identity already has a slot.
	ErrDuplicateSigner = errors.New("signer already registered")

	// ErrInvalidKey is returned for identity or malformed public keys.
	ErrInvalidKey = errors.New("invalid signer key")

	// ErrRegistryFull is returned when MaxSigners slots are taken.
	ErrRegistryFull = errors.New("signer registry is full")

	// ErrUnknownSigner is returned when the identity has no slot.
	ErrUnknownSigner = errors.New("unknown signer")
)

// Storage keys.
var (
	keyHead       = []byte("registry:head")
	prefixVersion = []byte("registry:snap:")
)

// Slot is one occupied registry position.
type Slot struct {
	Index   uint16         // Index is the 1-based slot
	Address curve.Identity // Address is the signer identity
	Key     *curve.Point   // Key is the signer public key
}

// EventKind distinguishes registry events.
type EventKind int

const (
	// SignerAdded is emitted after a signer takes a slot.
	SignerAdded EventKind = iota

	// SignerRemoved is emitted after a signer leaves its slot.
	SignerRemoved
)

// Event describes a completed registry mutation.
type Event struct {
	Kind    EventKind      // Kind is the mutation type
	Address curve.Identity // Address is the added or removed signer
	Index   uint16         // Index is the slot taken or freed
	Moved   curve.Identity // Moved is the signer relocated into Index on removal, zero if none
	Version uint64         // Version is the snapshot version after the mutation
}

// Registry owns the current signer snapshot.
// Mutations are serialized; Snapshot and IndexOf never block.
type Registry struct {
	mu      sync.Mutex               // mu serializes mutations
	current atomic.Pointer[Snapshot] // current is the published snapshot
	store   storage.Store            // store persists snapshot versions, may be nil
	onEvent func(Event)              // onEvent is invoked after each mutation
}

// New creates an in-memory registry holding the genesis snapshot.
func New() *Registry {
	r := &Registry{}
	r.current.Store(genesis())

	return r
}

// Open restores the registry from the store, or starts at genesis if empty.
func Open(store storage.Store) (*Registry, error) {
	r := &Registry{store: store}

	head, err := store.Load(keyHead)
	if err != nil {
		return nil, fmt.Errorf("load registry head:\n%w", err)
	}

	if head == nil {
		r.current.Store(genesis())
		return r, nil
	}

	if len(head) != 8 {
		return nil, fmt.Errorf("%w: bad head pointer", ErrCorruptSnapshot)
	}

	version := binary.BigEndian.Uint64(head)

	blob, err := store.Load(versionKey(version))
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d:\n%w", version, err)
	}

	if blob == nil {
		return nil, fmt.Errorf("%w: snapshot %d missing", ErrCorruptSnapshot, version)
	}

	snap, err := decodeSnapshot(blob)
	if err != nil {
		return nil, err
	}

	if snap.version != version {
		return nil, fmt.Errorf("%w: head %d points to version %d", ErrCorruptSnapshot, version, snap.version)
	}

	r.current.Store(snap)

	logger.Info("signer registry restored",
		"version", snap.version,
		"signers", snap.Count(),
	)

	return r, nil
}

// OnEvent sets the callback invoked after each successful mutation.
func (r *Registry) OnEvent(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onEvent = fn
}

// Snapshot returns the current immutable signer set.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// IndexOf returns the current 1-based slot of an identity, or 0 if absent.
func (r *Registry) IndexOf(addr curve.Identity) uint16 {
	return r.current.Load().IndexOf(addr)
}

// Count returns the number of registered signers.
func (r *Registry) Count() int {
	return r.current.Load().Count()
}

// AddKey parses a compressed public key and registers it.
func (r *Registry) AddKey(raw []byte) (uint16, error) {
	p, err := curve.ParsePoint(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return r.Add(p)
}

// Add registers a signer at the next sequential slot.
func (r *Registry) Add(p *curve.Point) (uint16, error) {
	if p == nil {
		return 0, ErrInvalidKey
	}

	if p.IsIdentity() {
		return 0, fmt.Errorf("%w: %v", ErrInvalidKey, curve.ErrIdentityPoint)
	}

	addr := p.Address()

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()

	if cur.IndexOf(addr) != 0 {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateSigner, addr)
	}

	if cur.Count() >= MaxSigners {
		return 0, ErrRegistryFull
	}

	next := cur.clone(1)
	index := uint16(len(next.points))
	next.points = append(next.points, p)
	next.index[addr] = index

	if err := r.publish(next); err != nil {
		return 0, err
	}

	logger.Info("signer added",
		"address", addr.String(),
		"index", index,
		"version", next.version,
	)

	r.emit(Event{Kind: SignerAdded, Address: addr, Index: index, Version: next.version})

	return index, nil
}

// Remove frees the signer's slot. The last signer moves into the freed slot.
func (r *Registry) Remove(addr curve.Identity) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()

	index := cur.IndexOf(addr)
	if index == 0 {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownSigner, addr)
	}

	next := cur.clone(0)
	last := len(next.points) - 1
	ev := Event{Kind: SignerRemoved, Address: addr, Index: index, Version: next.version}

	if int(index) != last {
		moved := next.points[last]
		next.points[index] = moved
		ev.Moved = moved.Address()
		next.index[ev.Moved] = index
	}

	next.points = next.points[:last]
	delete(next.index, addr)

	if err := r.publish(next); err != nil {
		return Event{}, err
	}

	logger.Info("signer removed",
		"address", addr.String(),
		"index", index,
		"moved", !ev.Moved.IsZero(),
		"version", next.version,
	)

	r.emit(ev)

	return ev, nil
}

// publish persists the snapshot then makes it current.
// On a store error the previous snapshot stays published.
func (r *Registry) publish(next *Snapshot) error {
	if r.store != nil {
		blob, err := next.encode()
		if err != nil {
			return fmt.Errorf("encode snapshot:\n%w", err)
		}

		var head [8]byte
		binary.BigEndian.PutUint64(head[:], next.version)

		err = r.store.StoreBatch([]storage.KeyValue{
			{Key: versionKey(next.version), Value: blob},
			{Key: keyHead, Value: head[:]},
		})
		if err != nil {
			return fmt.Errorf("persist snapshot %d:\n%w", next.version, err)
		}
	}

	r.current.Store(next)

	return nil
}

// emit invokes the event callback if set.
func (r *Registry) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// versionKey returns the storage key of a snapshot version.
func versionKey(version uint64) []byte {
	key := make([]byte, len(prefixVersion)+8)
	copy(key, prefixVersion)
	binary.BigEndian.PutUint64(key[len(prefixVersion):], version)

	return key
}
