package main

import (
	"errors"
	"fmt"
	"sort"

	"Attestor/internal/curve"
	"Attestor/internal/logger"
	"Attestor/internal/oracle"
	"Attestor/internal/storage"
	"Attestor/internal/treasury"
)

// keyGenesisDone marks a store whose genesis completed.
var keyGenesisDone = []byte("genesis:done")

// errIncompleteGenesis is returned when a store holds state but no genesis marker.
var errIncompleteGenesis = errors.New("store has state from an incomplete genesis")

// genesisDone reports whether the store carries the genesis marker.
func genesisDone(store storage.Store) (bool, error) {
	raw, err := store.Load(keyGenesisDone)
	if err != nil {
		return false, fmt.Errorf("load genesis marker:\n%w", err)
	}

	return raw != nil, nil
}

// applyGenesis funds the configured balances, registers the genesis signers
// in file order and creates the initial feeds. The marker is written last.
func applyGenesis(store storage.Store, svc *oracle.Service, t *treasury.Treasury, g *Genesis) error {
	ids := make([]curve.Identity, 0, len(g.Balances))
	for id := range g.Balances {
		ids = append(ids, id)
	}

	// Deterministic journal order.
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		if g.Balances[id] == 0 {
			continue
		}

		if err := t.Deposit(id, g.Balances[id]); err != nil {
			return fmt.Errorf("fund %s:\n%w", id, err)
		}
	}

	for i, key := range g.Signers {
		if _, err := svc.AddSigner(g.Admin, key); err != nil {
			return fmt.Errorf("genesis signer %d:\n%w", i, err)
		}
	}

	for _, gf := range g.Feeds {
		if _, err := svc.CreateFeed(g.Admin, gf.Params, gf.Subscription); err != nil {
			return fmt.Errorf("genesis feed %s:\n%w", gf.Params.ID, err)
		}
	}

	if err := store.Store(keyGenesisDone, []byte{1}); err != nil {
		return fmt.Errorf("mark genesis:\n%w", err)
	}

	logger.Info("genesis applied",
		"signers", len(g.Signers),
		"feeds", len(g.Feeds),
		"funded", len(ids),
	)

	return nil
}
