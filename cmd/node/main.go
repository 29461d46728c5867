package main

import (
	"fmt"
	"os"

	"Attestor/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level:\n%w", err)
	}
	logger.SetLevel(level)

	protocol, err := loadProtocol(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load protocol config:\n%w", err)
	}

	node, err := NewNode(cfg, protocol)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, protocol)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, p *Protocol) {
	logger.Info("starting attestor node",
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"memory", cfg.Memory,
		"config", cfg.ConfigPath,
	)

	logger.Info("protocol configuration",
		"base_price_per_second", p.Pricing.BasePricePerSecond,
		"frequency_coefficient", p.Pricing.FrequencyCoefficient,
		"signer_coefficient", p.Pricing.SignerCoefficient,
		"reward_percentage", p.Pricing.RewardPercentage,
		"admins", len(p.Admins),
		"genesis_signers", len(p.GenesisSigners),
		"feeds", len(p.Feeds),
	)
}
