package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Attestor/internal/api"
	"Attestor/internal/logger"
	"Attestor/internal/oracle"
	"Attestor/internal/storage"
	"Attestor/internal/treasury"
)

// Node represents a running attestor node.
type Node struct {
	cfg      *Config
	genesis  *Genesis
	storage  *storage.Storage
	treasury *treasury.Treasury
	oracle   *oracle.Service
	api      *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config, protocol *Protocol) (*Node, error) {
	g, err := protocol.Resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid protocol config:\n%w", err)
	}

	n := &Node{cfg: cfg, genesis: g}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initOracle(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage opens the Pebble store on disk or in memory.
func (n *Node) initStorage() error {
	if n.cfg.Memory {
		db, err := storage.NewInMemory()
		if err != nil {
			return fmt.Errorf("init storage:\n%w", err)
		}

		n.storage = db

		return nil
	}

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initOracle restores the treasury and service, applying genesis on a fresh
// store. A store with state but no genesis marker is refused.
func (n *Node) initOracle() error {
	t, err := treasury.Open(n.storage)
	if err != nil {
		return fmt.Errorf("open treasury:\n%w", err)
	}

	n.treasury = t

	svc, err := oracle.New(oracle.Config{
		Store:      n.storage,
		Authorizer: n.genesis.Auth,
		Charger:    t,
		Payout:     t,
		Pricing:    n.genesis.Pricing,
	})
	if err != nil {
		return fmt.Errorf("init oracle:\n%w", err)
	}

	n.oracle = svc

	done, err := genesisDone(n.storage)
	if err != nil {
		return err
	}

	if done {
		return nil
	}

	if svc.Snapshot().Version() != 0 || len(svc.Feeds()) != 0 || t.Seq() != 0 {
		return errIncompleteGenesis
	}

	if err := applyGenesis(n.storage, svc, t, n.genesis); err != nil {
		return fmt.Errorf("apply genesis:\n%w", err)
	}

	return nil
}

// Run starts the HTTP API and blocks until shutdown.
func (n *Node) Run() error {
	n.api = api.New(n.cfg.HTTPAddress, n.oracle)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close releases node resources.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.storage != nil {
		return n.storage.Close()
	}

	return nil
}
