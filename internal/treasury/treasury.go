// Package treasury keeps prepaid balances for subscription charges and
// credits signer payouts, journaling every movement.
package treasury

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"Attestor/internal/curve"
	"Attestor/internal/logger"
	"Attestor/internal/storage"
)

var (
	// ErrInsufficientFunds is returned when a charge exceeds the payer's balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrZeroAmount is returned for a zero deposit.
	ErrZeroAmount = errors.New("amount is zero")

	// ErrOverflow is returned when a credit would overflow a balance.
	ErrOverflow = errors.New("balance overflow")
)

var (
	keySeq        = []byte("treasury:seq")
	prefixBalance = []byte("treasury:bal:")
	prefixJournal = []byte("treasury:journal:")
)

// entrySize is kind (1) + identity (20) + amount (8).
const entrySize = 1 + curve.IdentitySize + 8

// EntryKind distinguishes journal entries.
type EntryKind uint8

const (
	// Deposit credits a balance from outside the protocol.
	Deposit EntryKind = iota + 1

	// Charge debits a subscription payment.
	Charge

	// Payout credits a claimed signer reward.
	Payout

	// Refund returns a charge whose effect was not stored.
	Refund
)

// String returns the kind name.
func (k EntryKind) String() string {
	switch k {
	case Deposit:
		return "deposit"
	case Charge:
		return "charge"
	case Payout:
		return "payout"
	case Refund:
		return "refund"
	default:
		return fmt.Sprintf("entry(%d)", uint8(k))
	}
}

// Entry is one journaled balance movement.
type Entry struct {
	Seq     uint64         // Seq is the journal position, starting at 1
	Kind    EntryKind      // Kind is the movement type
	Account curve.Identity // Account is the debited or credited identity
	Amount  uint64         // Amount is the scaled amount moved
}

// Treasury holds balances. It implements the charging and payout
// capabilities of the oracle service. A nil store keeps state in memory.
type Treasury struct {
	mu       sync.Mutex
	store    storage.Store
	seq      uint64                    // seq is the last journal position
	balances map[curve.Identity]uint64 // balances caches loaded balances
	journal  []Entry                   // journal holds entries when store is nil
}

// New creates an in-memory treasury.
func New() *Treasury {
	return &Treasury{balances: make(map[curve.Identity]uint64)}
}

// Open restores a treasury from the store.
func Open(store storage.Store) (*Treasury, error) {
	t := New()
	t.store = store

	raw, err := store.Load(keySeq)
	if err != nil {
		return nil, fmt.Errorf("load treasury seq:\n%w", err)
	}

	if raw != nil {
		if len(raw) != 8 {
			return nil, fmt.Errorf("treasury seq is %d bytes", len(raw))
		}

		t.seq = binary.BigEndian.Uint64(raw)
	}

	return t, nil
}

// Balance returns an account's balance.
func (t *Treasury) Balance(id curve.Identity) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.balance(id)
}

// Deposit credits an account.
func (t *Treasury) Deposit(id curve.Identity, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.credit(Deposit, id, amount)
}

// Charge debits the payer, failing with ErrInsufficientFunds.
func (t *Treasury) Charge(payer curve.Identity, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bal, err := t.balance(payer)
	if err != nil {
		return err
	}

	if bal < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, bal, amount)
	}

	return t.apply(Entry{Kind: Charge, Account: payer, Amount: amount}, bal-amount)
}

// PayOut credits a signer's claimed reward.
func (t *Treasury) PayOut(addr curve.Identity, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.credit(Payout, addr, amount)
}

// Refund credits back a charge.
func (t *Treasury) Refund(payer curve.Identity, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.credit(Refund, payer, amount)
}

// Seq returns the last journal position.
func (t *Treasury) Seq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.seq
}

// Journal calls fn for every entry in order.
func (t *Treasury) Journal(fn func(Entry) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.store == nil {
		for _, e := range t.journal {
			if err := fn(e); err != nil {
				return err
			}
		}

		return nil
	}

	return t.store.IteratePrefix(prefixJournal, func(key, value []byte) error {
		e, err := parseEntry(key, value)
		if err != nil {
			return err
		}

		return fn(e)
	})
}

// credit adds amount to an account. Caller must hold mu.
func (t *Treasury) credit(kind EntryKind, id curve.Identity, amount uint64) error {
	bal, err := t.balance(id)
	if err != nil {
		return err
	}

	next := bal + amount
	if next < bal {
		return fmt.Errorf("%w: %s", ErrOverflow, id)
	}

	return t.apply(Entry{Kind: kind, Account: id, Amount: amount}, next)
}

// apply journals e and sets the account balance in one batch. Caller must hold mu.
func (t *Treasury) apply(e Entry, balance uint64) error {
	e.Seq = t.seq + 1

	if t.store != nil {
		var seq, bal [8]byte
		binary.BigEndian.PutUint64(seq[:], e.Seq)
		binary.BigEndian.PutUint64(bal[:], balance)

		err := t.store.StoreBatch([]storage.KeyValue{
			{Key: journalKey(e.Seq), Value: encodeEntry(e)},
			{Key: balanceKey(e.Account), Value: bal[:]},
			{Key: keySeq, Value: seq[:]},
		})
		if err != nil {
			return fmt.Errorf("persist %s %d:\n%w", e.Kind, e.Seq, err)
		}
	} else {
		t.journal = append(t.journal, e)
	}

	t.seq = e.Seq
	t.balances[e.Account] = balance

	logger.Info("treasury entry",
		"seq", e.Seq,
		"kind", e.Kind.String(),
		"account", e.Account.String(),
		"amount", e.Amount,
		"balance", balance,
	)

	return nil
}

// balance returns the cached or stored balance. Caller must hold mu.
func (t *Treasury) balance(id curve.Identity) (uint64, error) {
	if bal, ok := t.balances[id]; ok {
		return bal, nil
	}

	var bal uint64

	if t.store != nil {
		raw, err := t.store.Load(balanceKey(id))
		if err != nil {
			return 0, fmt.Errorf("load balance %s:\n%w", id, err)
		}

		if raw != nil {
			if len(raw) != 8 {
				return 0, fmt.Errorf("balance %s is %d bytes", id, len(raw))
			}

			bal = binary.BigEndian.Uint64(raw)
		}
	}

	t.balances[id] = bal

	return bal, nil
}

func balanceKey(id curve.Identity) []byte {
	return append(append([]byte(nil), prefixBalance...), id[:]...)
}

func journalKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefixJournal...), seq)
}

// encodeEntry packs kind | account | amount.
func encodeEntry(e Entry) []byte {
	b := make([]byte, 0, entrySize)
	b = append(b, byte(e.Kind))
	b = append(b, e.Account[:]...)

	return binary.BigEndian.AppendUint64(b, e.Amount)
}

// parseEntry reverses journalKey and encodeEntry.
func parseEntry(key, value []byte) (Entry, error) {
	if len(key) != len(prefixJournal)+8 || len(value) != entrySize {
		return Entry{}, fmt.Errorf("corrupt journal entry %x", key)
	}

	e := Entry{
		Seq:    binary.BigEndian.Uint64(key[len(prefixJournal):]),
		Kind:   EntryKind(value[0]),
		Amount: binary.BigEndian.Uint64(value[1+curve.IdentitySize:]),
	}
	copy(e.Account[:], value[1:1+curve.IdentitySize])

	return e, nil
}
