package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"Attestor/internal/auth"
	"Attestor/internal/curve"
	"Attestor/internal/feed"
	"Attestor/internal/pricing"
)

// Config holds the node flags.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// ConfigPath is the protocol YAML file, empty for defaults.
	ConfigPath string

	// Memory keeps all state in an in-memory store.
	Memory bool

	// LogLevel is the minimum log level.
	LogLevel string
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	fs.StringVar(&cfg.ConfigPath, "config", "", "Protocol config file (YAML)")
	fs.BoolVar(&cfg.Memory, "memory", false, "Keep state in memory only")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Protocol is the YAML protocol file.
type Protocol struct {
	Pricing        PricingConfig     `yaml:"pricing"`
	Admins         []string          `yaml:"admins"`
	RegistryOwners []string          `yaml:"registry_owners"`
	GenesisSigners []string          `yaml:"genesis_signers"`
	Balances       map[string]uint64 `yaml:"balances"`
	Feeds          []FeedConfig      `yaml:"feeds"`
}

// PricingConfig holds the pricing params in basis points and scaled units.
type PricingConfig struct {
	BasePricePerSecond   uint64 `yaml:"base_price_per_second"`
	FrequencyCoefficient uint64 `yaml:"frequency_coefficient"`
	SignerCoefficient    uint64 `yaml:"signer_coefficient"`
	RewardPercentage     uint64 `yaml:"reward_percentage"`
}

// FeedConfig is a feed created at genesis.
type FeedConfig struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Owner         string        `yaml:"owner"`
	Kind          string        `yaml:"kind"`
	Frequency     time.Duration `yaml:"frequency"`
	MinSignatures uint16        `yaml:"min_signatures"`
	Subscription  time.Duration `yaml:"subscription"`
}

// Genesis is the validated protocol file.
type Genesis struct {
	Pricing  pricing.Params
	Auth     *auth.Static
	Admin    curve.Identity // Admin performs genesis mutations, zero if none
	Signers  []*curve.Point
	Balances map[curve.Identity]uint64
	Feeds    []GenesisFeed
}

// GenesisFeed is a validated initial feed.
type GenesisFeed struct {
	Params       feed.Params
	Subscription time.Duration
}

// defaultProtocol returns the protocol defaults.
func defaultProtocol() *Protocol {
	d := pricing.DefaultParams()

	return &Protocol{
		Pricing: PricingConfig{
			BasePricePerSecond:   d.BasePricePerSecond,
			FrequencyCoefficient: d.FrequencyCoefficient,
			SignerCoefficient:    d.SignerCoefficient,
			RewardPercentage:     d.RewardPercentageBps,
		},
	}
}

// loadProtocol reads the protocol file over the defaults.
func loadProtocol(path string) (*Protocol, error) {
	p := defaultProtocol()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s:\n%w", path, err)
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse %s:\n%w", path, err)
	}

	return p, nil
}

// Resolve validates the protocol file and decodes its keys and identities.
func (p *Protocol) Resolve() (*Genesis, error) {
	g := &Genesis{
		Pricing: pricing.Params{
			BasePricePerSecond:   p.Pricing.BasePricePerSecond,
			FrequencyCoefficient: p.Pricing.FrequencyCoefficient,
			SignerCoefficient:    p.Pricing.SignerCoefficient,
			RewardPercentageBps:  p.Pricing.RewardPercentage,
		},
		Balances: make(map[curve.Identity]uint64, len(p.Balances)),
	}

	if err := g.Pricing.Validate(); err != nil {
		return nil, err
	}

	admins, err := parseIdentities(p.Admins, "admin")
	if err != nil {
		return nil, err
	}

	owners, err := parseIdentities(p.RegistryOwners, "registry owner")
	if err != nil {
		return nil, err
	}

	g.Auth = auth.NewStatic(admins, owners)
	if len(admins) > 0 {
		g.Admin = admins[0]
	}

	for i, raw := range p.GenesisSigners {
		key, err := curve.ParsePointHex(raw)
		if err != nil {
			return nil, fmt.Errorf("genesis signer %d:\n%w", i, err)
		}

		g.Signers = append(g.Signers, key)
	}

	for raw, amount := range p.Balances {
		id, err := curve.ParseIdentity(raw)
		if err != nil {
			return nil, fmt.Errorf("balance %q:\n%w", raw, err)
		}

		g.Balances[id] = amount
	}

	for _, fc := range p.Feeds {
		gf, err := fc.resolve(g.Admin)
		if err != nil {
			return nil, fmt.Errorf("feed %q:\n%w", fc.ID, err)
		}

		g.Feeds = append(g.Feeds, gf)
	}

	if g.Admin.IsZero() && (len(g.Signers) > 0 || len(g.Feeds) > 0) {
		return nil, fmt.Errorf("genesis signers and feeds require at least one admin")
	}

	return g, nil
}

// resolve validates one feed entry; owner defaults to admin.
func (fc FeedConfig) resolve(admin curve.Identity) (GenesisFeed, error) {
	kind, err := feed.ParseKind(fc.Kind)
	if err != nil {
		return GenesisFeed{}, err
	}

	owner := admin
	if fc.Owner != "" {
		if owner, err = curve.ParseIdentity(fc.Owner); err != nil {
			return GenesisFeed{}, err
		}
	}

	name := fc.Name
	if name == "" {
		name = fc.ID
	}

	sub := fc.Subscription
	if sub == 0 {
		sub = feed.MinSubscription
	}

	params := feed.Params{
		ID:            fc.ID,
		Name:          name,
		Owner:         owner,
		Kind:          kind,
		Frequency:     fc.Frequency,
		MinSignatures: fc.MinSignatures,
	}

	if err := params.Validate(); err != nil {
		return GenesisFeed{}, err
	}

	return GenesisFeed{Params: params, Subscription: sub}, nil
}

// parseIdentities decodes a list of hex identities.
func parseIdentities(raw []string, what string) ([]curve.Identity, error) {
	out := make([]curve.Identity, 0, len(raw))

	for _, s := range raw {
		id, err := curve.ParseIdentity(s)
		if err != nil {
			return nil, fmt.Errorf("%s %q:\n%w", what, s, err)
		}

		out = append(out, id)
	}

	return out, nil
}
