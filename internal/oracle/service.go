// Package oracle wires the signer registry, signature verification, pricing,
// feeds and participation ledgers into one service handle.
package oracle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"Attestor/internal/auth"
	"Attestor/internal/curve"
	"Attestor/internal/feed"
	"Attestor/internal/ledger"
	"Attestor/internal/logger"
	"Attestor/internal/pricing"
	"Attestor/internal/registry"
	"Attestor/internal/storage"
	"Attestor/internal/verifier"
)

var (
	// keyPricing holds the persisted pricing params.
	keyPricing = []byte("protocol:pricing")

	// prefixRole keys runtime role changes: role byte, identity; value 1 grants, 0 revokes.
	prefixRole = []byte("auth:role:")
)

// Config holds the service collaborators.
type Config struct {
	Store      storage.Store   // Store persists all state; nil keeps everything in memory
	Authorizer auth.Authorizer // Authorizer gates privileged operations
	Charger    feed.Charger    // Charger takes subscription payments
	Payout     ledger.Payout   // Payout transfers claimed rewards
	Pricing    pricing.Params  // Pricing seeds the params when none are stored
	Now        func() time.Time
}

// Service is the oracle protocol handle. Mutations are serialized.
type Service struct {
	mu       sync.Mutex
	store    storage.Store
	auth     auth.Authorizer
	charger  feed.Charger
	payout   ledger.Payout
	now      func() time.Time
	log      *slog.Logger
	registry *registry.Registry
	verifier *verifier.Verifier
	pricing  pricing.Params
	feeds    map[string]*feed.Feed
	ledgers  map[string]*ledger.Ledger
}

// New builds a service, restoring registry, pricing, feeds and ledgers from the store.
func New(cfg Config) (*Service, error) {
	if cfg.Authorizer == nil || cfg.Charger == nil || cfg.Payout == nil {
		return nil, fmt.Errorf("authorizer, charger and payout are required")
	}

	s := &Service{
		store:   cfg.Store,
		auth:    cfg.Authorizer,
		charger: cfg.Charger,
		payout:  cfg.Payout,
		now:     cfg.Now,
		log:     logger.With("component", "oracle"),
		pricing: cfg.Pricing,
		feeds:   make(map[string]*feed.Feed),
		ledgers: make(map[string]*ledger.Ledger),
	}

	if s.now == nil {
		s.now = time.Now
	}

	if err := s.restore(); err != nil {
		return nil, err
	}

	if err := s.pricing.Validate(); err != nil {
		return nil, err
	}

	s.verifier = verifier.New(s.registry)
	s.registry.OnEvent(s.onRegistryEvent)

	return s, nil
}

// restore loads persisted state or starts empty.
func (s *Service) restore() error {
	if s.store == nil {
		s.registry = registry.New()
		return nil
	}

	reg, err := registry.Open(s.store)
	if err != nil {
		return fmt.Errorf("open registry:\n%w", err)
	}
	s.registry = reg

	raw, err := s.store.Load(keyPricing)
	if err != nil {
		return fmt.Errorf("load pricing:\n%w", err)
	}

	if raw != nil {
		if s.pricing, err = decodePricing(raw); err != nil {
			return err
		}
	}

	err = s.store.IteratePrefix(prefixRole, func(key, value []byte) error {
		role, id, granted, err := decodeRoleChange(key, value)
		if err != nil {
			return err
		}

		if granted {
			s.auth.GrantRole(id, role)
		} else {
			s.auth.RevokeRole(id, role)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("restore roles:\n%w", err)
	}

	err = s.store.IteratePrefix(feed.Key(""), func(_, value []byte) error {
		f, err := feed.Decode(value)
		if err != nil {
			return err
		}

		l, err := ledger.Open(s.store, f.ID)
		if err != nil {
			return err
		}

		s.feeds[f.ID] = f
		s.ledgers[f.ID] = l

		return nil
	})
	if err != nil {
		return fmt.Errorf("restore feeds:\n%w", err)
	}

	s.log.Info("oracle state restored",
		"signers", reg.Count(),
		"feeds", len(s.feeds),
	)

	return nil
}

// Snapshot returns the current signer snapshot.
func (s *Service) Snapshot() *registry.Snapshot {
	return s.registry.Snapshot()
}

// AddSigner registers a signer key. Requires RoleAdmin.
func (s *Service) AddSigner(caller curve.Identity, key *curve.Point) (uint16, error) {
	if err := s.auth.RequireRole(caller, auth.RoleAdmin); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.registry.Add(key)
}

// RemoveSigner frees a signer's slot. Requires RoleAdmin.
func (s *Service) RemoveSigner(caller curve.Identity, addr curve.Identity) (registry.Event, error) {
	if err := s.auth.RequireRole(caller, auth.RoleAdmin); err != nil {
		return registry.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.registry.Remove(addr)
}

// onRegistryEvent warns when compaction moves a signer into a slot that
// still has undistributed participation, since distribution resolves slots
// at call time. Registry mutations happen under mu, so it runs under mu.
func (s *Service) onRegistryEvent(ev registry.Event) {
	if ev.Kind != registry.SignerRemoved || ev.Moved.IsZero() {
		return
	}

	var pending []string
	for id, l := range s.ledgers {
		for _, addr := range []curve.Identity{ev.Address, ev.Moved} {
			acct, err := l.Account(addr)
			if err == nil && acct.Cursor < l.Len() {
				pending = append(pending, id)
				break
			}
		}
	}

	if len(pending) == 0 {
		return
	}

	sort.Strings(pending)

	s.log.Warn("slot reassigned with undistributed participation",
		"slot", ev.Index,
		"removed", ev.Address.String(),
		"moved", ev.Moved.String(),
		"feeds", strings.Join(pending, ","),
	)
}

// GrantRole gives id a role. Requires RoleAdmin.
func (s *Service) GrantRole(caller, id curve.Identity, role auth.Role) error {
	return s.changeRole(caller, id, role, true)
}

// RevokeRole takes a role from id. Requires RoleAdmin.
func (s *Service) RevokeRole(caller, id curve.Identity, role auth.Role) error {
	return s.changeRole(caller, id, role, false)
}

// changeRole persists then applies a role change.
func (s *Service) changeRole(caller, id curve.Identity, role auth.Role, grant bool) error {
	if err := s.auth.RequireRole(caller, auth.RoleAdmin); err != nil {
		return err
	}

	if !role.Valid() {
		return fmt.Errorf("%w: %s", auth.ErrUnknownRole, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		key, value := encodeRoleChange(role, id, grant)
		if err := s.store.Store(key, value); err != nil {
			return fmt.Errorf("persist role %s:\n%w", role, err)
		}
	}

	if grant {
		s.auth.GrantRole(id, role)
	} else {
		s.auth.RevokeRole(id, role)
	}

	s.log.Info("role changed",
		"identity", id.String(),
		"role", role.String(),
		"granted", grant,
		"by", caller.String(),
	)

	return nil
}

// Pricing returns the current pricing params.
func (s *Service) Pricing() pricing.Params {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pricing
}

// UpdatePricing replaces the pricing params. Requires RoleAdmin.
// Existing feeds keep their locked price; rewards use the new share at once.
func (s *Service) UpdatePricing(caller curve.Identity, params pricing.Params) error {
	if err := s.auth.RequireRole(caller, auth.RoleAdmin); err != nil {
		return err
	}

	if err := params.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Store(keyPricing, encodePricing(params)); err != nil {
			return fmt.Errorf("persist pricing:\n%w", err)
		}
	}

	s.pricing = params

	s.log.Info("pricing updated",
		"base", params.BasePricePerSecond,
		"frequency_coefficient", params.FrequencyCoefficient,
		"signer_coefficient", params.SignerCoefficient,
		"reward_bps", params.RewardPercentageBps,
	)

	return nil
}

// CreateFeed creates a feed subscribed for duration, charging its owner.
// Creating a feed owned by someone else requires RoleAdmin.
func (s *Service) CreateFeed(caller curve.Identity, params feed.Params, duration time.Duration) (*feed.Feed, error) {
	if params.Owner.IsZero() {
		params.Owner = caller
	}

	if params.Owner != caller {
		if err := s.auth.RequireRole(caller, auth.RoleAdmin); err != nil {
			return nil, err
		}
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feeds[params.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFeed, params.ID)
	}

	pps, err := s.pricing.PricePerSecond(uint64(params.Frequency/time.Second), uint64(params.MinSignatures))
	if err != nil {
		return nil, fmt.Errorf("price feed %s:\n%w", params.ID, err)
	}

	l := ledger.New(params.ID)
	if s.store != nil {
		if l, err = ledger.Open(s.store, params.ID); err != nil {
			return nil, err
		}
	}

	f, cost, err := feed.Create(params, pps, duration, s.now(), s.charger)
	if err != nil {
		return nil, err
	}

	if err := s.saveFeed(f); err != nil {
		return nil, s.refund(f.Owner, cost, err)
	}

	s.feeds[f.ID] = f
	s.ledgers[f.ID] = l

	s.log.Info("feed created",
		"feed", f.ID,
		"owner", f.Owner.String(),
		"kind", f.Kind.String(),
		"frequency", f.Frequency,
		"min_signatures", f.MinSignatures,
		"price_per_second", pps,
		"cost", cost,
	)

	return f.Clone(), nil
}

// ExtendSubscription charges the owner and extends the feed's due time.
// Only the owner or an admin may extend.
func (s *Service) ExtendSubscription(caller curve.Identity, feedID string, duration time.Duration) (*feed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFeed(caller, feedID)
	if err != nil {
		return nil, err
	}

	next := f.Clone()

	cost, err := next.Extend(duration, s.now(), s.charger)
	if err != nil {
		return nil, err
	}

	if err := s.saveFeed(next); err != nil {
		return nil, s.refund(next.Owner, cost, err)
	}

	s.feeds[feedID] = next

	s.log.Info("subscription extended",
		"feed", feedID,
		"due", next.SubscriptionDue,
		"cost", cost,
	)

	return next.Clone(), nil
}

// TopUp charges the owner amount and adds it to the feed balance.
// Only the owner or an admin may top up.
func (s *Service) TopUp(caller curve.Identity, feedID string, amount uint64) (*feed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFeed(caller, feedID)
	if err != nil {
		return nil, err
	}

	next := f.Clone()
	if err := next.TopUp(amount, s.charger); err != nil {
		return nil, err
	}

	if err := s.saveFeed(next); err != nil {
		return nil, s.refund(next.Owner, amount, err)
	}

	s.feeds[feedID] = next

	s.log.Info("feed topped up",
		"feed", feedID,
		"amount", amount,
		"balance", next.Balance,
	)

	return next.Clone(), nil
}

// UpdateFeedConfig changes a personal feed's update interval and threshold.
// Only the owner or an admin may update. The locked price is kept.
func (s *Service) UpdateFeedConfig(caller curve.Identity, feedID string, frequency time.Duration, minSignatures uint16) (*feed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFeed(caller, feedID)
	if err != nil {
		return nil, err
	}

	next := f.Clone()
	if err := next.UpdateConfig(frequency, minSignatures); err != nil {
		return nil, err
	}

	if err := s.saveFeed(next); err != nil {
		return nil, err
	}

	s.feeds[feedID] = next

	s.log.Info("feed config updated",
		"feed", feedID,
		"frequency", frequency,
		"min_signatures", minSignatures,
	)

	return next.Clone(), nil
}

// Publish verifies an aggregate signature over the answer, publishes it
// and records the signers' participation. Nothing changes on failure.
func (s *Service) Publish(feedID string, message []byte, sig verifier.AggregateSignature, answer feed.Answer) (uint64, error) {
	if !bytes.Equal(message, AnswerMessage(feedID, answer)) {
		return 0, ErrMessageMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.feed(feedID)
	if err != nil {
		return 0, err
	}

	now := s.now()

	if err := f.Check(answer, now); err != nil {
		return 0, err
	}

	if err := s.verifier.Verify(message, sig, int(f.MinSignatures)); err != nil {
		return 0, err
	}

	bitmap, err := ledger.FromSigners(sig.Signers)
	if err != nil {
		return 0, err
	}

	next := f.Clone()
	if err := next.Publish(answer, now); err != nil {
		return 0, err
	}

	var extra []storage.KeyValue
	if s.store != nil {
		extra = append(extra, storage.KeyValue{Key: feed.Key(feedID), Value: next.Encode()})
	}

	entry, err := s.ledgers[feedID].Record(bitmap, extra...)
	if err != nil {
		return 0, err
	}

	s.feeds[feedID] = next

	s.log.Info("answer published",
		"feed", feedID,
		"timestamp", answer.Timestamp,
		"signers", len(sig.Signers),
		"entry", entry,
	)

	return entry, nil
}

// Distribute accrues rewards for up to maxBatch unprocessed updates of a feed.
// Anyone may trigger it.
func (s *Service) Distribute(feedID string, signer curve.Identity, maxBatch uint64) (ledger.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.feed(feedID)
	if err != nil {
		return ledger.Result{}, err
	}

	reward, err := s.rewardPerUpdate(f)
	if err != nil {
		return ledger.Result{}, err
	}

	return s.ledgers[feedID].Distribute(s.registry, signer, maxBatch, reward)
}

// Claim pays the caller's pending reward on a feed.
func (s *Service) Claim(caller curve.Identity, feedID string) (uint64, error) {
	return s.claim(feedID, caller)
}

// ClaimFor pays a signer's pending reward. Requires RoleRegistryOwner.
func (s *Service) ClaimFor(caller curve.Identity, feedID string, signer curve.Identity) (uint64, error) {
	if err := s.auth.RequireRole(caller, auth.RoleRegistryOwner); err != nil {
		return 0, err
	}

	return s.claim(feedID, signer)
}

// claim pays out a signer's pending reward.
func (s *Service) claim(feedID string, signer curve.Identity) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.feed(feedID); err != nil {
		return 0, err
	}

	return s.ledgers[feedID].Claim(signer, s.payout)
}

// Feed returns a copy of a feed.
func (s *Service) Feed(feedID string) (*feed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.feed(feedID)
	if err != nil {
		return nil, err
	}

	return f.Clone(), nil
}

// Feeds returns copies of all feeds ordered by id.
func (s *Service) Feeds() []*feed.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*feed.Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, f.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Signers returns the occupied registry slots.
func (s *Service) Signers() []registry.Slot {
	return s.registry.Snapshot().Slots()
}

// Pending returns a signer's reward account on a feed.
func (s *Service) Pending(feedID string, signer curve.Identity) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.feed(feedID); err != nil {
		return ledger.Account{}, err
	}

	return s.ledgers[feedID].Account(signer)
}

// Status summarizes the service state.
type Status struct {
	Signers         int    // Signers is the number of registered signers
	Feeds           int    // Feeds is the number of feeds
	SnapshotVersion uint64 // SnapshotVersion is the current registry snapshot version
}

// Status returns counts for monitoring.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.registry.Snapshot()

	return Status{
		Signers:         snap.Count(),
		Feeds:           len(s.feeds),
		SnapshotVersion: snap.Version(),
	}
}

// FeedStats reports derived figures for a feed.
type FeedStats struct {
	RewardPerUpdate uint64 // RewardPerUpdate is the scaled reward per signer per update
	LedgerLength    uint64 // LedgerLength is the number of recorded updates
}

// Stats returns the derived figures of a feed.
func (s *Service) Stats(feedID string) (FeedStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.feed(feedID)
	if err != nil {
		return FeedStats{}, err
	}

	reward, err := s.rewardPerUpdate(f)
	if err != nil {
		return FeedStats{}, err
	}

	return FeedStats{RewardPerUpdate: reward, LedgerLength: s.ledgers[feedID].Len()}, nil
}

// feed returns the live feed. Caller must hold mu.
func (s *Service) feed(feedID string) (*feed.Feed, error) {
	f, ok := s.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, feedID)
	}

	return f, nil
}

// ownedFeed returns the live feed if caller owns it or is an admin.
// Caller must hold mu.
func (s *Service) ownedFeed(caller curve.Identity, feedID string) (*feed.Feed, error) {
	f, err := s.feed(feedID)
	if err != nil {
		return nil, err
	}

	if f.Owner != caller {
		if err := s.auth.RequireRole(caller, auth.RoleAdmin); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// refund returns a charge after the write it paid for failed, and returns
// cause. Caller must hold mu.
func (s *Service) refund(payer curve.Identity, amount uint64, cause error) error {
	if err := s.charger.Refund(payer, amount); err != nil {
		s.log.Error("refund failed",
			"payer", payer.String(),
			"amount", amount,
			"error", err,
		)

		return fmt.Errorf("%w\nrefund of %d failed: %v", cause, amount, err)
	}

	s.log.Warn("charge refunded",
		"payer", payer.String(),
		"amount", amount,
		"cause", cause,
	)

	return cause
}

// rewardPerUpdate prices one update of f for one signer. Caller must hold mu.
func (s *Service) rewardPerUpdate(f *feed.Feed) (uint64, error) {
	return s.pricing.RewardPerUpdate(f.PricePerSecond, uint64(f.Frequency/time.Second), uint64(f.MinSignatures))
}

// saveFeed persists a feed record. Caller must hold mu.
func (s *Service) saveFeed(f *feed.Feed) error {
	if s.store == nil {
		return nil
	}

	if err := s.store.Store(feed.Key(f.ID), f.Encode()); err != nil {
		return fmt.Errorf("persist feed %s:\n%w", f.ID, err)
	}

	return nil
}

// encodePricing serializes params as four big-endian uint64.
func encodePricing(p pricing.Params) []byte {
	b := make([]byte, 0, 32)
	b = binary.BigEndian.AppendUint64(b, p.BasePricePerSecond)
	b = binary.BigEndian.AppendUint64(b, p.FrequencyCoefficient)
	b = binary.BigEndian.AppendUint64(b, p.SignerCoefficient)

	return binary.BigEndian.AppendUint64(b, p.RewardPercentageBps)
}

// decodePricing reverses encodePricing.
func decodePricing(b []byte) (pricing.Params, error) {
	if len(b) != 32 {
		return pricing.Params{}, fmt.Errorf("pricing record is %d bytes, want 32", len(b))
	}

	return pricing.Params{
		BasePricePerSecond:   binary.BigEndian.Uint64(b[0:8]),
		FrequencyCoefficient: binary.BigEndian.Uint64(b[8:16]),
		SignerCoefficient:    binary.BigEndian.Uint64(b[16:24]),
		RewardPercentageBps:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}

// encodeRoleChange builds the key and value of a role change record.
func encodeRoleChange(role auth.Role, id curve.Identity, grant bool) ([]byte, []byte) {
	key := append(append([]byte(nil), prefixRole...), byte(role))
	key = append(key, id[:]...)

	if grant {
		return key, []byte{1}
	}

	return key, []byte{0}
}

// decodeRoleChange reverses encodeRoleChange.
func decodeRoleChange(key, value []byte) (auth.Role, curve.Identity, bool, error) {
	var id curve.Identity

	if len(key) != len(prefixRole)+1+curve.IdentitySize || len(value) != 1 {
		return 0, id, false, fmt.Errorf("corrupt role record %x", key)
	}

	role := auth.Role(key[len(prefixRole)])
	if !role.Valid() {
		return 0, id, false, fmt.Errorf("%w: %d", auth.ErrUnknownRole, uint8(role))
	}

	copy(id[:], key[len(prefixRole)+1:])

	return role, id, value[0] == 1, nil
}
