package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Attestor/internal/auth"
	"Attestor/internal/curve"
	"Attestor/internal/feed"
	"Attestor/internal/ledger"
	"Attestor/internal/oracle"
	"Attestor/internal/pricing"
	"Attestor/internal/verifier"
	"Attestor/internal/wire"
)

var (
	adminKey = mustKey(0xAD)
	admin    = adminKey.Public().Address()
	epoch    = time.Unix(1_700_000_000, 0)
)

func mustKey(tag byte) *curve.PrivateKey {
	k, err := curve.KeyFromSeed(bytes.Repeat([]byte{tag}, 32))
	if err != nil {
		panic(err)
	}

	return k
}

type nopCharger struct{}

func (nopCharger) Charge(curve.Identity, uint64) error { return nil }

func (nopCharger) Refund(curve.Identity, uint64) error { return nil }

type nopPayout struct{}

func (nopPayout) PayOut(curve.Identity, uint64) error { return nil }

// fixture is a server over a live service with two signers and one feed.
type fixture struct {
	server  *Server
	svc     *oracle.Service
	keys    []*curve.PrivateKey
	signers []curve.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	svc, err := oracle.New(oracle.Config{
		Authorizer: auth.NewStatic([]curve.Identity{admin}, nil),
		Charger:    nopCharger{},
		Payout:     nopPayout{},
		Pricing:    pricing.DefaultParams(),
		Now:        func() time.Time { return epoch.Add(time.Minute) },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	fx := &fixture{server: New(":0", svc), svc: svc}
	fx.server.now = func() time.Time { return epoch.Add(time.Minute) }

	for i := byte(1); i <= 2; i++ {
		k, err := curve.KeyFromSeed(bytes.Repeat([]byte{i}, 32))
		if err != nil {
			t.Fatalf("derive key: %v", err)
		}

		if _, err := svc.AddSigner(admin, k.Public()); err != nil {
			t.Fatalf("add signer: %v", err)
		}

		fx.keys = append(fx.keys, k)
		fx.signers = append(fx.signers, k.Public().Address())
	}

	_, err = svc.CreateFeed(admin, feed.Params{
		ID:            "eth-usd",
		Name:          "ETH / USD",
		Frequency:     time.Hour,
		MinSignatures: 2,
	}, feed.MinSubscription)
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}

	return fx
}

// publishBody signs an answer with both signers and encodes the request.
func (fx *fixture) publishBody(t *testing.T, feedID string, v byte, ts int64) []byte {
	t.Helper()

	var a feed.Answer
	a.Value[31] = v
	a.Timestamp = ts

	msg := oracle.AnswerMessage(feedID, a)

	sig, commitment, err := curve.SignAggregate(fx.keys, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	agg := verifier.AggregateSignature{Signature: sig, Commitment: commitment, Signers: []uint16{1, 2}}

	return wire.NewPublishRequest(msg, agg, a).Encode()
}

func (fx *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(w, req)

	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()

	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response: %v (%s)", err, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	decode(t, w, &resp)

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestStatusAndSigners(t *testing.T) {
	fx := newFixture(t)

	var st StatusView
	decode(t, fx.do(t, "GET", "/status", nil), &st)

	if st.Signers != 2 || st.Feeds != 1 || st.SnapshotVersion != 2 {
		t.Errorf("unexpected status %+v", st)
	}

	var signers []SignerView
	decode(t, fx.do(t, "GET", "/signers", nil), &signers)

	if len(signers) != 2 || signers[0].Index != 1 || signers[1].Address != fx.signers[1].String() {
		t.Errorf("unexpected signers %+v", signers)
	}

	if signers[0].Key != fx.keys[0].Public().String() {
		t.Error("signer key not exposed")
	}
}

func TestPublishAndDistribute(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/feeds/eth-usd/publish", fx.publishBody(t, "eth-usd", 9, epoch.Unix()+1))
	if w.Code != http.StatusOK {
		t.Fatalf("publish: status %d: %s", w.Code, w.Body.String())
	}

	var pub PublishView
	decode(t, w, &pub)

	if pub.Feed != "eth-usd" || pub.Entry != 0 {
		t.Errorf("unexpected publish response %+v", pub)
	}

	var fv FeedView
	decode(t, fx.do(t, "GET", "/feeds/eth-usd", nil), &fv)

	if fv.Latest == nil || fv.Latest.Timestamp != epoch.Unix()+1 || fv.LedgerLength != 1 || len(fv.History) != 1 {
		t.Errorf("unexpected feed view %+v", fv)
	}

	if fv.Frequency != 3600 || fv.RewardPerUpdate == 0 {
		t.Errorf("derived fields: frequency=%d reward=%d", fv.Frequency, fv.RewardPerUpdate)
	}

	path := fmt.Sprintf("/feeds/eth-usd/distribute?signer=%s&max=5", fx.signers[0])

	w = fx.do(t, "POST", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("distribute: status %d: %s", w.Code, w.Body.String())
	}

	var dist DistributeView
	decode(t, w, &dist)

	if dist.Processed != 1 || dist.Matched != 1 || dist.Remaining != 0 || dist.Pending != fv.RewardPerUpdate {
		t.Errorf("unexpected distribution %+v", dist)
	}

	var acct AccountView
	decode(t, fx.do(t, "GET", "/feeds/eth-usd/pending?signer="+fx.signers[0].String(), nil), &acct)

	if acct.Pending != dist.Pending || acct.Cursor != 1 {
		t.Errorf("unexpected account %+v", acct)
	}

	// Nothing left for a second pass.
	if w := fx.do(t, "POST", path, nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestPublishRejections(t *testing.T) {
	fx := newFixture(t)
	body := fx.publishBody(t, "eth-usd", 1, epoch.Unix()+1)

	cases := []struct {
		name string
		path string
		body []byte
		want int
	}{
		{"garbage", "/feeds/eth-usd/publish", []byte{1, 2, 3}, http.StatusBadRequest},
		{"too large", "/feeds/eth-usd/publish", make([]byte, maxRequestSize+1), http.StatusRequestEntityTooLarge},
		{"unknown feed", "/feeds/nope/publish", fx.publishBody(t, "nope", 1, epoch.Unix()+1), http.StatusNotFound},
		{"signed for another feed", "/feeds/btc-usd/publish", body, http.StatusBadRequest},
		{"future", "/feeds/eth-usd/publish", fx.publishBody(t, "eth-usd", 1, epoch.Unix()+3600), http.StatusBadRequest},
	}

	for _, c := range cases {
		if w := fx.do(t, "POST", c.path, c.body); w.Code != c.want {
			t.Errorf("%s: expected %d, got %d: %s", c.name, c.want, w.Code, w.Body.String())
		}
	}

	// A valid signature over one signer's key set fails the threshold policy.
	req, err := wire.DecodePublish(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req.Signers = []uint16{1}

	if w := fx.do(t, "POST", "/feeds/eth-usd/publish", req.Encode()); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("below threshold: expected 422, got %d", w.Code)
	}

	var fv FeedView
	decode(t, fx.do(t, "GET", "/feeds/eth-usd", nil), &fv)

	if fv.LedgerLength != 0 || fv.Latest != nil {
		t.Error("rejected publishes must not change the feed")
	}
}

func TestDistributeBadQuery(t *testing.T) {
	fx := newFixture(t)

	for _, path := range []string{
		"/feeds/eth-usd/distribute",
		"/feeds/eth-usd/distribute?signer=zz",
		"/feeds/eth-usd/distribute?signer=" + fx.signers[0].String() + "&max=-1",
		"/feeds/eth-usd/distribute?signer=" + fx.signers[0].String() + "&max=0",
	} {
		if w := fx.do(t, "POST", path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestFeedsList(t *testing.T) {
	fx := newFixture(t)

	var feeds []FeedView
	decode(t, fx.do(t, "GET", "/feeds", nil), &feeds)

	if len(feeds) != 1 || feeds[0].ID != "eth-usd" || feeds[0].Kind != "public" {
		t.Errorf("unexpected feeds %+v", feeds)
	}

	if w := fx.do(t, "GET", "/feeds/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing feed: expected 404, got %d", w.Code)
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{feed.ErrZeroValue, http.StatusBadRequest},
		{ledger.ErrNothingToDistribute, http.StatusConflict},
		{verifier.ErrInvalidSignature, http.StatusUnprocessableEntity},
		{auth.ErrUnauthorized, http.StatusForbidden},
		{ledger.ErrPayoutFailed, http.StatusServiceUnavailable},
		{oracle.ErrUnknownFeed, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		if got := statusOf(fmt.Errorf("ctx:\n%w", c.err)); got != c.want {
			t.Errorf("%v: got %d, want %d", c.err, got, c.want)
		}
	}
}
