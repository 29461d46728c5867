// Package client is a Go client for the attestor node HTTP API.
package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"Attestor/internal/api"
	"Attestor/internal/auth"
	"Attestor/internal/curve"
	"Attestor/internal/feed"
	"Attestor/internal/oracle"
	"Attestor/internal/pricing"
	"Attestor/internal/verifier"
	"Attestor/internal/wire"
)

// Client connects to an attestor node via HTTP.
type Client struct {
	baseURL string            // baseURL is the node root, e.g. "http://127.0.0.1:8080"
	http    *http.Client      // http performs requests
	key     *curve.PrivateKey // key signs commands, nil for read-only use
}

// NewClient creates a client for the node at nodeAddr ("host:port" or a full URL).
func NewClient(nodeAddr string) *Client {
	base := nodeAddr
	if u, err := url.Parse(nodeAddr); err != nil || u.Scheme == "" || u.Host == "" {
		base = "http://" + nodeAddr
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithKey returns a copy of the client that signs commands with key.
func (c *Client) WithKey(key *curve.PrivateKey) *Client {
	cp := *c
	cp.key = key

	return &cp
}

// Identity returns the identity commands are signed as, zero without a key.
func (c *Client) Identity() curve.Identity {
	if c.key == nil {
		return curve.Identity{}
	}

	return c.key.Public().Address()
}

// Health checks that the node answers.
func (c *Client) Health() error {
	var resp map[string]string
	if err := c.httpGet("/health", &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("unhealthy node: %q", resp["status"])
	}

	return nil
}

// Status returns the node's signer and feed counts.
func (c *Client) Status() (api.StatusView, error) {
	var st api.StatusView
	err := c.httpGet("/status", &st)

	return st, err
}

// Signers returns the occupied registry slots.
func (c *Client) Signers() ([]api.SignerView, error) {
	var out []api.SignerView
	err := c.httpGet("/signers", &out)

	return out, err
}

// Feeds returns every feed.
func (c *Client) Feeds() ([]api.FeedView, error) {
	var out []api.FeedView
	err := c.httpGet("/feeds", &out)

	return out, err
}

// Feed returns one feed.
func (c *Client) Feed(feedID string) (api.FeedView, error) {
	var out api.FeedView
	err := c.httpGet("/feeds/"+url.PathEscape(feedID), &out)

	return out, err
}

// Publish submits a signed answer and returns its ledger entry.
func (c *Client) Publish(feedID string, sig verifier.AggregateSignature, a feed.Answer) (uint64, error) {
	req := wire.NewPublishRequest(oracle.AnswerMessage(feedID, a), sig, a)

	var out api.PublishView
	if err := c.httpPost("/feeds/"+url.PathEscape(feedID)+"/publish", req.Encode(), &out); err != nil {
		return 0, fmt.Errorf("publish %s:\n%w", feedID, err)
	}

	return out.Entry, nil
}

// Distribute runs one distribution batch for a signer.
func (c *Client) Distribute(feedID string, signer curve.Identity, maxBatch uint64) (api.DistributeView, error) {
	q := url.Values{}
	q.Set("signer", signer.String())
	q.Set("max", strconv.FormatUint(maxBatch, 10))

	var out api.DistributeView
	err := c.httpPost("/feeds/"+url.PathEscape(feedID)+"/distribute?"+q.Encode(), nil, &out)

	return out, err
}

// DistributeAll repeats distribution batches until nothing remains.
func (c *Client) DistributeAll(feedID string, signer curve.Identity, maxBatch uint64) (api.DistributeView, error) {
	var total api.DistributeView

	for {
		res, err := c.Distribute(feedID, signer, maxBatch)
		if err != nil {
			return total, err
		}

		total.Processed += res.Processed
		total.Matched += res.Matched
		total.Remaining = res.Remaining
		total.Pending = res.Pending

		if res.Remaining == 0 {
			return total, nil
		}
	}
}

// Pending returns a signer's reward account on a feed.
func (c *Client) Pending(feedID string, signer curve.Identity) (api.AccountView, error) {
	var out api.AccountView
	err := c.httpGet("/feeds/"+url.PathEscape(feedID)+"/pending?signer="+signer.String(), &out)

	return out, err
}

// Pricing returns the current pricing params.
func (c *Client) Pricing() (pricing.Params, error) {
	var out api.PricingView
	if err := c.httpGet("/pricing", &out); err != nil {
		return pricing.Params{}, err
	}

	return out.Params(), nil
}

// UpdatePricing replaces the pricing params. Requires the admin role.
func (c *Client) UpdatePricing(p pricing.Params) error {
	return c.httpCommand(http.MethodPut, "/pricing", api.PricingView{
		BasePricePerSecond:   p.BasePricePerSecond,
		FrequencyCoefficient: p.FrequencyCoefficient,
		SignerCoefficient:    p.SignerCoefficient,
		RewardPercentageBps:  p.RewardPercentageBps,
	}, &api.PricingView{})
}

// AddSigner registers a signer key and returns its slot. Requires the admin role.
func (c *Client) AddSigner(key *curve.Point) (uint16, error) {
	var out api.SignerView
	if err := c.httpCommand(http.MethodPost, "/signers", api.AddSignerRequest{Key: key.String()}, &out); err != nil {
		return 0, err
	}

	return out.Index, nil
}

// RemoveSigner frees a signer's slot. Requires the admin role.
func (c *Client) RemoveSigner(addr curve.Identity) (api.SignerEventView, error) {
	var out api.SignerEventView
	err := c.httpCommand(http.MethodDelete, "/signers/"+addr.String(), nil, &out)

	return out, err
}

// GrantRole gives id a role. Requires the admin role.
func (c *Client) GrantRole(id curve.Identity, role auth.Role) error {
	return c.httpCommand(http.MethodPut, "/roles/"+role.String()+"/"+id.String(), nil, &api.RoleView{})
}

// RevokeRole takes a role from id. Requires the admin role.
func (c *Client) RevokeRole(id curve.Identity, role auth.Role) error {
	return c.httpCommand(http.MethodDelete, "/roles/"+role.String()+"/"+id.String(), nil, &api.RoleView{})
}

// CreateFeed creates a feed paid by its owner, the caller when p.Owner is zero.
func (c *Client) CreateFeed(p feed.Params, subscription time.Duration) (api.FeedView, error) {
	req := api.CreateFeedRequest{
		ID:            p.ID,
		Name:          p.Name,
		Kind:          p.Kind.String(),
		Frequency:     uint64(p.Frequency / time.Second),
		MinSignatures: p.MinSignatures,
		Subscription:  uint64(subscription / time.Second),
	}

	if !p.Owner.IsZero() {
		req.Owner = p.Owner.String()
	}

	var out api.FeedView
	err := c.httpCommand(http.MethodPost, "/feeds", req, &out)

	return out, err
}

// ExtendSubscription pays to extend a feed's subscription.
func (c *Client) ExtendSubscription(feedID string, d time.Duration) (api.FeedView, error) {
	var out api.FeedView
	err := c.httpCommand(http.MethodPost, "/feeds/"+url.PathEscape(feedID)+"/extend",
		api.ExtendRequest{Duration: uint64(d / time.Second)}, &out)

	return out, err
}

// TopUp adds funds to a feed's balance.
func (c *Client) TopUp(feedID string, amount uint64) (api.FeedView, error) {
	var out api.FeedView
	err := c.httpCommand(http.MethodPost, "/feeds/"+url.PathEscape(feedID)+"/topup",
		api.TopUpRequest{Amount: amount}, &out)

	return out, err
}

// UpdateFeedConfig changes a personal feed's update interval and threshold.
func (c *Client) UpdateFeedConfig(feedID string, frequency time.Duration, minSignatures uint16) (api.FeedView, error) {
	var out api.FeedView
	err := c.httpCommand(http.MethodPut, "/feeds/"+url.PathEscape(feedID)+"/config",
		api.FeedConfigRequest{Frequency: uint64(frequency / time.Second), MinSignatures: minSignatures}, &out)

	return out, err
}

// Claim pays the caller's pending reward on a feed.
func (c *Client) Claim(feedID string) (uint64, error) {
	return c.claim(feedID, api.ClaimRequest{})
}

// ClaimFor pays a signer's pending reward. Requires the registry owner role.
func (c *Client) ClaimFor(feedID string, signer curve.Identity) (uint64, error) {
	return c.claim(feedID, api.ClaimRequest{Signer: signer.String()})
}

func (c *Client) claim(feedID string, req api.ClaimRequest) (uint64, error) {
	var out api.ClaimView
	if err := c.httpCommand(http.MethodPost, "/feeds/"+url.PathEscape(feedID)+"/claim", req, &out); err != nil {
		return 0, err
	}

	return out.Amount, nil
}
