// Package ledger records which signers took part in each accepted update and
// accrues their rewards in bounded, resumable batches.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"Attestor/internal/curve"
	"Attestor/internal/logger"
	"Attestor/internal/storage"
)

var (
	// ErrEmptyBitmap is returned when recording a bitmap with no signer.
	ErrEmptyBitmap = errors.New("empty participation bitmap")

	// ErrInvalidIndex is returned for a signer slot outside 1..256.
	ErrInvalidIndex = errors.New("invalid signer index")

	// ErrInvalidBatchSize is returned for a zero batch size.
	ErrInvalidBatchSize = errors.New("invalid batch size")

	// ErrUnknownSigner is returned when the signer has no registry slot.
	ErrUnknownSigner = errors.New("unknown signer")

	// ErrNothingToDistribute is returned when the signer's cursor is at the end.
	ErrNothingToDistribute = errors.New("nothing to distribute")

	// ErrNoRewardsToClaim is returned when the pending amount is zero.
	ErrNoRewardsToClaim = errors.New("no rewards to claim")

	// ErrPayoutFailed wraps a failure of the payout capability.
	ErrPayoutFailed = errors.New("payout failed")

	// ErrOverflow is returned when a pending amount would exceed 64 bits.
	ErrOverflow = errors.New("reward overflow")

	// ErrCorruptRecord is returned for a stored record that contradicts the ledger.
	ErrCorruptRecord = errors.New("corrupt ledger record")
)

// accountSize is pending (8) + cursor (8).
const accountSize = 16

// IndexResolver maps a signer identity to its current registry slot, 0 if absent.
type IndexResolver interface {
	IndexOf(addr curve.Identity) uint16
}

// Payout transfers an amount to a signer.
type Payout interface {
	PayOut(addr curve.Identity, amount uint64) error
}

// Account is a signer's reward state.
type Account struct {
	Signer  curve.Identity // Signer is the account owner
	Pending uint64         // Pending is the accrued unclaimed reward
	Cursor  uint64         // Cursor is the next ledger entry to process
}

// Result reports one distribution batch.
type Result struct {
	Processed uint64 // Processed is the number of entries scanned
	Matched   uint64 // Matched is how many scanned entries had the signer's bit set
	Remaining uint64 // Remaining is the number of entries still unprocessed
	Pending   uint64 // Pending is the account's pending reward after the batch
}

// Ledger is the append-only bitmap sequence of one feed with per-signer cursors.
// Every call is all-or-nothing: a failed store write leaves memory unchanged.
type Ledger struct {
	mu       sync.Mutex
	name     string                     // name scopes the storage keys
	store    storage.Store              // store persists entries, may be nil
	entries  []Bitmap                   // entries is the recorded sequence
	accounts map[curve.Identity]Account // accounts caches loaded accounts
}

// New creates an in-memory ledger.
func New(name string) *Ledger {
	return &Ledger{
		name:     name,
		accounts: make(map[curve.Identity]Account),
	}
}

// Open restores a ledger's entries from the store.
// Accounts are loaded on first use.
func Open(store storage.Store, name string) (*Ledger, error) {
	l := New(name)
	l.store = store

	raw, err := store.Load(l.lenKey())
	if err != nil {
		return nil, fmt.Errorf("load ledger length:\n%w", err)
	}

	if raw == nil {
		return l, nil
	}

	if len(raw) != 8 {
		return nil, fmt.Errorf("ledger %s: bad length record", name)
	}

	n := binary.BigEndian.Uint64(raw)
	l.entries = make([]Bitmap, 0, n)

	for i := uint64(0); i < n; i++ {
		data, err := store.Load(l.entryKey(i))
		if err != nil {
			return nil, fmt.Errorf("load entry %d:\n%w", i, err)
		}

		b, err := ParseBitmap(data)
		if err != nil {
			return nil, fmt.Errorf("ledger %s entry %d:\n%w", name, i, err)
		}

		l.entries = append(l.entries, b)
	}

	return l, nil
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return uint64(len(l.entries))
}

// Entry returns the bitmap at position i.
func (l *Ledger) Entry(i uint64) (Bitmap, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i >= uint64(len(l.entries)) {
		return Bitmap{}, false
	}

	return l.entries[i], true
}

// Record appends a bitmap and returns its position.
// extra writes are committed in the same batch as the entry.
func (l *Ledger) Record(b Bitmap, extra ...storage.KeyValue) (uint64, error) {
	if b.IsZero() {
		return 0, ErrEmptyBitmap
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := uint64(len(l.entries))

	if l.store != nil {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], pos+1)

		pairs := append([]storage.KeyValue{
			{Key: l.entryKey(pos), Value: b.Bytes()},
			{Key: l.lenKey(), Value: length[:]},
		}, extra...)

		if err := l.store.StoreBatch(pairs); err != nil {
			return 0, fmt.Errorf("persist entry %d:\n%w", pos, err)
		}
	}

	l.entries = append(l.entries, b)

	logger.Debug("participation recorded",
		"ledger", l.name,
		"entry", pos,
		"signers", b.Count(),
	)

	return pos, nil
}

// Account returns the signer's reward state.
func (l *Ledger) Account(signer curve.Identity) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.account(signer)
}

// Distribute scans up to maxBatch unprocessed entries for the signer and
// accrues rewardPerUpdate per entry carrying the signer's bit.
//
// The bit tested is the signer's slot at call time, not at record time:
// if slots were compacted since an entry was recorded, that entry is
// attributed to whoever holds the recorded slot now.
func (l *Ledger) Distribute(resolver IndexResolver, signer curve.Identity, maxBatch, rewardPerUpdate uint64) (Result, error) {
	if maxBatch == 0 {
		return Result{}, ErrInvalidBatchSize
	}

	index := resolver.IndexOf(signer)
	if index == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(signer)
	if err != nil {
		return Result{}, err
	}

	total := uint64(len(l.entries))
	unprocessed := total - acct.Cursor

	if unprocessed == 0 {
		return Result{}, ErrNothingToDistribute
	}

	batch := min(unprocessed, maxBatch)

	var matched uint64
	for _, b := range l.entries[acct.Cursor : acct.Cursor+batch] {
		if b.Has(index) {
			matched++
		}
	}

	hi, earned := bits.Mul64(matched, rewardPerUpdate)
	pending, carry := bits.Add64(acct.Pending, earned, 0)
	if hi != 0 || carry != 0 {
		return Result{}, ErrOverflow
	}

	next := Account{Signer: signer, Pending: pending, Cursor: acct.Cursor + batch}
	if err := l.saveAccount(next); err != nil {
		return Result{}, err
	}

	logger.Info("rewards distributed",
		"ledger", l.name,
		"signer", signer.String(),
		"processed", batch,
		"matched", matched,
		"remaining", total-next.Cursor,
	)

	return Result{
		Processed: batch,
		Matched:   matched,
		Remaining: total - next.Cursor,
		Pending:   next.Pending,
	}, nil
}

// Claim zeroes the signer's pending reward, then pays it.
// The zeroed account is stored before the payout, so a failed write pays
// nothing. A payout failure restores the pending amount.
func (l *Ledger) Claim(signer curve.Identity, payout Payout) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(signer)
	if err != nil {
		return 0, err
	}

	if acct.Pending == 0 {
		return 0, ErrNoRewardsToClaim
	}

	amount := acct.Pending

	zeroed := acct
	zeroed.Pending = 0
	if err := l.saveAccount(zeroed); err != nil {
		return 0, err
	}

	if err := payout.PayOut(signer, amount); err != nil {
		if rerr := l.saveAccount(acct); rerr != nil {
			// Memory keeps the reward so a retry can still pay it.
			l.accounts[signer] = acct
			logger.Error("payout failed and pending not restored on disk",
				"ledger", l.name,
				"signer", signer.String(),
				"amount", amount,
				"error", rerr,
			)
		}

		return 0, fmt.Errorf("%w:\n%v", ErrPayoutFailed, err)
	}

	logger.Info("rewards claimed",
		"ledger", l.name,
		"signer", signer.String(),
		"amount", amount,
	)

	return amount, nil
}

// account returns the cached or stored account, zero-valued if new.
// Caller must hold mu.
func (l *Ledger) account(signer curve.Identity) (Account, error) {
	if acct, ok := l.accounts[signer]; ok {
		return acct, nil
	}

	acct := Account{Signer: signer}

	if l.store != nil {
		raw, err := l.store.Load(l.accountKey(signer))
		if err != nil {
			return Account{}, fmt.Errorf("load account %s:\n%w", signer, err)
		}

		if raw != nil {
			if len(raw) != accountSize {
				return Account{}, fmt.Errorf("%w: account %s size %d", ErrCorruptRecord, signer, len(raw))
			}

			acct.Pending = binary.BigEndian.Uint64(raw[0:8])
			acct.Cursor = binary.BigEndian.Uint64(raw[8:16])

			if acct.Cursor > uint64(len(l.entries)) {
				return Account{}, fmt.Errorf("%w: account %s cursor %d beyond length %d",
					ErrCorruptRecord, signer, acct.Cursor, len(l.entries))
			}
		}
	}

	l.accounts[signer] = acct

	return acct, nil
}

// saveAccount persists then caches the account. Caller must hold mu.
func (l *Ledger) saveAccount(acct Account) error {
	if l.store != nil {
		var raw [accountSize]byte
		binary.BigEndian.PutUint64(raw[0:8], acct.Pending)
		binary.BigEndian.PutUint64(raw[8:16], acct.Cursor)

		if err := l.store.Store(l.accountKey(acct.Signer), raw[:]); err != nil {
			return fmt.Errorf("persist account %s:\n%w", acct.Signer, err)
		}
	}

	l.accounts[acct.Signer] = acct

	return nil
}

// lenKey returns the key holding the entry count.
func (l *Ledger) lenKey() []byte {
	return []byte("ledger:" + l.name + ":len")
}

// entryKey returns the key of entry i.
func (l *Ledger) entryKey(i uint64) []byte {
	prefix := "ledger:" + l.name + ":bm:"
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], i)

	return key
}

// accountKey returns the key of a signer's account.
func (l *Ledger) accountKey(signer curve.Identity) []byte {
	return append([]byte("ledger:"+l.name+":acct:"), signer[:]...)
}
