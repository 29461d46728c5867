package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

// newTestStorage creates a temporary on-disk storage for testing.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestStoreAndLoad(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("registry:head")
	value := []byte{0, 0, 0, 0, 0, 0, 0, 7}

	if err := s.Store(key, value); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Load returned %x, want %x", got, value)
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Load([]byte("missing"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got != nil {
		t.Errorf("Load returned %q, want nil", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("to-delete")

	if err := s.Store(key, []byte("value")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got != nil {
		t.Errorf("Load after Delete returned %q, want nil", got)
	}
}

func TestStoreBatch(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Store([]byte("stale"), []byte("x")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	pairs := []KeyValue{
		{Key: []byte("ledger:len"), Value: []byte{2}},
		{Key: []byte("ledger:bm:1"), Value: []byte{0x03}},
		{Key: []byte("stale"), Value: nil},
	}

	if err := s.StoreBatch(pairs); err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}

	for _, kv := range pairs {
		got, err := s.Load(kv.Key)
		if err != nil {
			t.Fatalf("Load failed for %q: %v", kv.Key, err)
		}

		if !bytes.Equal(got, kv.Value) {
			t.Errorf("Load(%q) = %x, want %x", kv.Key, got, kv.Value)
		}
	}
}

func TestIteratePrefix(t *testing.T) {
	s := newTestStorage(t)

	for i := 0; i < 3; i++ {
		key := []byte(fmt.Sprintf("payout:%d", i))
		if err := s.Store(key, []byte{byte(i)}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	if err := s.Store([]byte("payouts-other"), []byte("x")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	var keys []string
	err := s.IteratePrefix([]byte("payout:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 3 || keys[0] != "payout:0" || keys[2] != "payout:2" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestIteratePrefixStops(t *testing.T) {
	s := newTestStorage(t)

	for i := 0; i < 5; i++ {
		if err := s.Store([]byte{'k', byte(i)}, []byte{1}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	stop := errors.New("stop")
	visited := 0

	err := s.IteratePrefix([]byte("k"), func(_, _ []byte) error {
		visited++
		if visited == 2 {
			return stop
		}
		return nil
	})

	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error, got %v", err)
	}

	if visited != 2 {
		t.Errorf("visited %d keys, want 2", visited)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	if got := prefixUpperBound([]byte("a")); !bytes.Equal(got, []byte("b")) {
		t.Errorf("upper bound of a: got %q", got)
	}

	if got := prefixUpperBound([]byte{'a', 0xFF}); !bytes.Equal(got, []byte("b")) {
		t.Errorf("upper bound of a\\xff: got %q", got)
	}

	if got := prefixUpperBound([]byte{0xFF, 0xFF}); got != nil {
		t.Errorf("all 0xFF should be unbounded, got %x", got)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Store([]byte("feed:1"), []byte("state")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Load([]byte("feed:1"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if string(got) != "state" {
		t.Errorf("Load after reopen = %q, want state", got)
	}
}

func TestInMemory(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer s.Close()

	if err := s.Store([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := s.Load([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("Load = %q, %v", got, err)
	}
}

func TestCloseTwice(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
