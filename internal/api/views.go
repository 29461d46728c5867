package api

import (
	"encoding/hex"

	"Attestor/internal/feed"
	"Attestor/internal/oracle"
	"Attestor/internal/pricing"
	"Attestor/internal/registry"
)

// StatusView is the GET /status body.
type StatusView struct {
	Signers         int    `json:"signers"`
	Feeds           int    `json:"feeds"`
	SnapshotVersion uint64 `json:"snapshotVersion"`
}

// SignerView is one GET /signers entry.
type SignerView struct {
	Index   uint16 `json:"index"`
	Address string `json:"address"`
	Key     string `json:"key"`
}

// AnswerView is a published answer with a hex value.
type AnswerView struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// FeedView is the GET /feeds/{id} body.
type FeedView struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Owner           string       `json:"owner"`
	Kind            string       `json:"kind"`
	Frequency       uint64       `json:"frequency"`
	MinSignatures   uint16       `json:"minSignatures"`
	Latest          *AnswerView  `json:"latest,omitempty"`
	History         []AnswerView `json:"history"`
	CreatedAt       int64        `json:"createdAt"`
	SubscriptionDue int64        `json:"subscriptionDue"`
	PricePerSecond  uint64       `json:"pricePerSecond"`
	Balance         uint64       `json:"balance"`
	RewardPerUpdate uint64       `json:"rewardPerUpdate"`
	LedgerLength    uint64       `json:"ledgerLength"`
}

// PublishView is the POST /feeds/{id}/publish body.
type PublishView struct {
	Feed  string `json:"feed"`
	Entry uint64 `json:"entry"`
}

// DistributeView is the POST /feeds/{id}/distribute body.
type DistributeView struct {
	Processed uint64 `json:"processed"`
	Matched   uint64 `json:"matched"`
	Remaining uint64 `json:"remaining"`
	Pending   uint64 `json:"pending"`
}

// AccountView is the GET /feeds/{id}/pending body.
type AccountView struct {
	Signer  string `json:"signer"`
	Pending uint64 `json:"pending"`
	Cursor  uint64 `json:"cursor"`
}

func newSignerView(s registry.Slot) SignerView {
	return SignerView{
		Index:   s.Index,
		Address: s.Address.String(),
		Key:     s.Key.String(),
	}
}

func newAnswerView(a feed.Answer) AnswerView {
	return AnswerView{Value: hex.EncodeToString(a.Value[:]), Timestamp: a.Timestamp}
}

func newFeedView(f *feed.Feed, stats oracle.FeedStats) FeedView {
	v := FeedView{
		ID:              f.ID,
		Name:            f.Name,
		Owner:           f.Owner.String(),
		Kind:            f.Kind.String(),
		Frequency:       uint64(f.Frequency.Seconds()),
		MinSignatures:   f.MinSignatures,
		CreatedAt:       f.CreatedAt,
		SubscriptionDue: f.SubscriptionDue,
		PricePerSecond:  f.PricePerSecond,
		Balance:         f.Balance,
		RewardPerUpdate: stats.RewardPerUpdate,
		LedgerLength:    stats.LedgerLength,
	}

	history := f.History()
	v.History = make([]AnswerView, len(history))
	for i, a := range history {
		v.History[i] = newAnswerView(a)
	}

	if len(history) > 0 {
		latest := newAnswerView(f.Latest)
		v.Latest = &latest
	}

	return v
}

// AddSignerRequest is the POST /signers body.
type AddSignerRequest struct {
	Key string `json:"key"`
}

// SignerEventView reports a registry change.
type SignerEventView struct {
	Index   uint16 `json:"index"`
	Address string `json:"address"`
	Moved   string `json:"moved,omitempty"`
	Version uint64 `json:"version"`
}

// PricingView is the GET and PUT /pricing body.
type PricingView struct {
	BasePricePerSecond   uint64 `json:"basePricePerSecond"`
	FrequencyCoefficient uint64 `json:"frequencyCoefficient"`
	SignerCoefficient    uint64 `json:"signerCoefficient"`
	RewardPercentageBps  uint64 `json:"rewardPercentageBps"`
}

// CreateFeedRequest is the POST /feeds body. Durations are in seconds.
type CreateFeedRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Owner         string `json:"owner,omitempty"`
	Kind          string `json:"kind"`
	Frequency     uint64 `json:"frequency"`
	MinSignatures uint16 `json:"minSignatures"`
	Subscription  uint64 `json:"subscription"`
}

// ExtendRequest is the POST /feeds/{id}/extend body.
type ExtendRequest struct {
	Duration uint64 `json:"duration"`
}

// TopUpRequest is the POST /feeds/{id}/topup body.
type TopUpRequest struct {
	Amount uint64 `json:"amount"`
}

// FeedConfigRequest is the PUT /feeds/{id}/config body.
type FeedConfigRequest struct {
	Frequency     uint64 `json:"frequency"`
	MinSignatures uint16 `json:"minSignatures"`
}

// ClaimRequest is the POST /feeds/{id}/claim body. An empty signer claims
// for the caller.
type ClaimRequest struct {
	Signer string `json:"signer,omitempty"`
}

// ClaimView is the POST /feeds/{id}/claim response.
type ClaimView struct {
	Signer string `json:"signer"`
	Amount uint64 `json:"amount"`
}

// RoleView is the /roles response.
type RoleView struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
	Granted  bool   `json:"granted"`
}

func newSignerEventView(ev registry.Event) SignerEventView {
	v := SignerEventView{
		Index:   ev.Index,
		Address: ev.Address.String(),
		Version: ev.Version,
	}

	if !ev.Moved.IsZero() {
		v.Moved = ev.Moved.String()
	}

	return v
}

func newPricingView(p pricing.Params) PricingView {
	return PricingView{
		BasePricePerSecond:   p.BasePricePerSecond,
		FrequencyCoefficient: p.FrequencyCoefficient,
		SignerCoefficient:    p.SignerCoefficient,
		RewardPercentageBps:  p.RewardPercentageBps,
	}
}

// Params converts the view to pricing params.
func (v PricingView) Params() pricing.Params {
	return pricing.Params{
		BasePricePerSecond:   v.BasePricePerSecond,
		FrequencyCoefficient: v.FrequencyCoefficient,
		SignerCoefficient:    v.SignerCoefficient,
		RewardPercentageBps:  v.RewardPercentageBps,
	}
}
