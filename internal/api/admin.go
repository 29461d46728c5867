package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"Attestor/internal/auth"
	"Attestor/internal/curve"
	"Attestor/internal/feed"
)

var errEmptyBody = errors.New("empty request body")

// handlePricing handles GET /pricing requests.
func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newPricingView(s.oracle.Pricing()))
}

// handleAddSigner handles signed POST /signers requests.
func (s *Server) handleAddSigner(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	var req AddSignerRequest
	if !s.decode(w, r, body, &req) {
		return
	}

	key, err := curve.ParsePointHex(req.Key)
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, fmt.Sprintf("invalid key: %v", err))
		return
	}

	index, err := s.oracle.AddSigner(caller, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SignerView{Index: index, Address: key.Address().String(), Key: key.String()})
}

// handleRemoveSigner handles signed DELETE /signers/{address} requests.
func (s *Server) handleRemoveSigner(w http.ResponseWriter, r *http.Request) {
	_, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	addr, err := curve.ParseIdentity(r.PathValue("address"))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, fmt.Sprintf("invalid address: %v", err))
		return
	}

	ev, err := s.oracle.RemoveSigner(caller, addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newSignerEventView(ev))
}

// handleUpdatePricing handles signed PUT /pricing requests.
func (s *Server) handleUpdatePricing(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	var req PricingView
	if !s.decode(w, r, body, &req) {
		return
	}

	if err := s.oracle.UpdatePricing(caller, req.Params()); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newPricingView(s.oracle.Pricing()))
}

// handleGrantRole handles signed PUT /roles/{role}/{id} requests.
func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, true)
}

// handleRevokeRole handles signed DELETE /roles/{role}/{id} requests.
func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, false)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, grant bool) {
	_, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	role, err := auth.ParseRole(r.PathValue("role"))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id, err := curve.ParseIdentity(r.PathValue("id"))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, fmt.Sprintf("invalid identity: %v", err))
		return
	}

	if grant {
		err = s.oracle.GrantRole(caller, id, role)
	} else {
		err = s.oracle.RevokeRole(caller, id, role)
	}

	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RoleView{Identity: id.String(), Role: role.String(), Granted: grant})
}

// handleCreateFeed handles signed POST /feeds requests.
func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	var req CreateFeedRequest
	if !s.decode(w, r, body, &req) {
		return
	}

	params, sub, err := req.params()
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, err.Error())
		return
	}

	f, err := s.oracle.CreateFeed(caller, params, sub)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeFeed(w, r, f)
}

// handleExtend handles signed POST /feeds/{id}/extend requests.
func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	var req ExtendRequest
	if !s.decode(w, r, body, &req) {
		return
	}

	d, err := seconds(req.Duration)
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, err.Error())
		return
	}

	f, err := s.oracle.ExtendSubscription(caller, r.PathValue("id"), d)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeFeed(w, r, f)
}

// handleTopUp handles signed POST /feeds/{id}/topup requests.
func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	var req TopUpRequest
	if !s.decode(w, r, body, &req) {
		return
	}

	f, err := s.oracle.TopUp(caller, r.PathValue("id"), req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeFeed(w, r, f)
}

// handleFeedConfig handles signed PUT /feeds/{id}/config requests.
func (s *Server) handleFeedConfig(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	var req FeedConfigRequest
	if !s.decode(w, r, body, &req) {
		return
	}

	freq, err := seconds(req.Frequency)
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, err.Error())
		return
	}

	f, err := s.oracle.UpdateFeedConfig(caller, r.PathValue("id"), freq, req.MinSignatures)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeFeed(w, r, f)
}

// handleClaim handles signed POST /feeds/{id}/claim requests.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.command(w, r)
	if !ok {
		return
	}

	var req ClaimRequest
	if len(body) > 0 && !s.decode(w, r, body, &req) {
		return
	}

	signer := caller
	if req.Signer != "" {
		id, err := curve.ParseIdentity(req.Signer)
		if err != nil {
			s.reject(w, r, http.StatusBadRequest, fmt.Sprintf("invalid signer: %v", err))
			return
		}

		signer = id
	}

	var (
		amount uint64
		err    error
	)

	if signer == caller {
		amount, err = s.oracle.Claim(caller, r.PathValue("id"))
	} else {
		amount, err = s.oracle.ClaimFor(caller, r.PathValue("id"), signer)
	}

	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ClaimView{Signer: signer.String(), Amount: amount})
}

// writeFeed writes a feed view with its derived figures.
func (s *Server) writeFeed(w http.ResponseWriter, r *http.Request, f *feed.Feed) {
	stats, err := s.oracle.Stats(f.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newFeedView(f, stats))
}

// decode parses a JSON command body, rejecting unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, body []byte, v any) bool {
	if len(body) == 0 {
		s.reject(w, r, http.StatusBadRequest, errEmptyBody.Error())
		return false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		s.reject(w, r, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}

	return true
}

// params converts the request to feed params and a subscription span.
func (req CreateFeedRequest) params() (feed.Params, time.Duration, error) {
	kind, err := feed.ParseKind(req.Kind)
	if err != nil {
		return feed.Params{}, 0, err
	}

	var owner curve.Identity
	if req.Owner != "" {
		if owner, err = curve.ParseIdentity(req.Owner); err != nil {
			return feed.Params{}, 0, fmt.Errorf("invalid owner: %v", err)
		}
	}

	freq, err := seconds(req.Frequency)
	if err != nil {
		return feed.Params{}, 0, err
	}

	sub, err := seconds(req.Subscription)
	if err != nil {
		return feed.Params{}, 0, err
	}

	params := feed.Params{
		ID:            req.ID,
		Name:          req.Name,
		Owner:         owner,
		Kind:          kind,
		Frequency:     freq,
		MinSignatures: req.MinSignatures,
	}

	return params, sub, nil
}

// seconds converts a count of seconds to a duration.
func seconds(n uint64) (time.Duration, error) {
	if n > math.MaxInt64/uint64(time.Second) {
		return 0, fmt.Errorf("duration of %d seconds is too long", n)
	}

	return time.Duration(n) * time.Second, nil
}
