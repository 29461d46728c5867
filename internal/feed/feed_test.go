package feed

import (
	"errors"
	"testing"
	"time"

	"Attestor/internal/curve"
)

// fakeCharger records charges, failing when err is set.
type fakeCharger struct {
	err     error
	charged uint64
	payer   curve.Identity
}

func (c *fakeCharger) Charge(payer curve.Identity, amount uint64) error {
	if c.err != nil {
		return c.err
	}

	c.payer = payer
	c.charged += amount

	return nil
}

func (c *fakeCharger) Refund(payer curve.Identity, amount uint64) error {
	c.charged -= amount
	return nil
}

var epoch = time.Unix(1_700_000_000, 0)

func testParams() Params {
	return Params{
		ID:            "eth-usd",
		Name:          "ETH / USD",
		Owner:         curve.Identity{0xAA},
		Kind:          Public,
		Frequency:     time.Hour,
		MinSignatures: 3,
	}
}

func newTestFeed(t *testing.T, p Params) *Feed {
	t.Helper()

	f, _, err := Create(p, 1578, 2*MinSubscription, epoch, &fakeCharger{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	return f
}

func answer(v byte, ts int64) Answer {
	var a Answer
	a.Value[31] = v
	a.Timestamp = ts

	return a
}

func TestCreate(t *testing.T) {
	charger := &fakeCharger{}

	f, cost, err := Create(testParams(), 1578, MinSubscription, epoch, charger)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 1578 scaled per second over one day.
	if cost != 136 || charger.charged != 136 || f.Balance != 136 {
		t.Errorf("cost=%d charged=%d balance=%d, want 136", cost, charger.charged, f.Balance)
	}

	if charger.payer != testParams().Owner {
		t.Error("owner should be charged")
	}

	if f.SubscriptionDue != epoch.Unix()+86400 {
		t.Errorf("due: got %d, want %d", f.SubscriptionDue, epoch.Unix()+86400)
	}

	if f.PricePerSecond != 1578 || f.CreatedAt != epoch.Unix() {
		t.Errorf("unexpected feed %+v", f)
	}
}

func TestCreateValidation(t *testing.T) {
	mutate := []func(*Params){
		func(p *Params) { p.ID = "" },
		func(p *Params) { p.ID = "eth:usd" },
		func(p *Params) { p.ID = "ETH-USD" },
		func(p *Params) { p.Name = "" },
		func(p *Params) { p.Name = string(make([]byte, MaxNameLength+1)) },
		func(p *Params) { p.Frequency = MinFrequency - time.Second },
		func(p *Params) { p.Frequency = MaxFrequency + time.Second },
		func(p *Params) { p.Frequency = 90*time.Second + time.Millisecond },
		func(p *Params) { p.MinSignatures = 0 },
		func(p *Params) { p.MinSignatures = MaxSignatures + 1 },
		func(p *Params) { p.Kind = 7 },
	}

	for i, m := range mutate {
		p := testParams()
		m(&p)

		charger := &fakeCharger{}
		if _, _, err := Create(p, 1000, MinSubscription, epoch, charger); !errors.Is(err, ErrInvalidFeedConfig) {
			t.Errorf("case %d: expected ErrInvalidFeedConfig, got %v", i, err)
		}

		if charger.charged != 0 {
			t.Errorf("case %d: invalid config must not charge", i)
		}
	}
}

func TestCreateBounds(t *testing.T) {
	for _, freq := range []time.Duration{MinFrequency, MaxFrequency} {
		p := testParams()
		p.Frequency = freq

		if _, _, err := Create(p, 1000, MinSubscription, epoch, &fakeCharger{}); err != nil {
			t.Errorf("frequency %s should be accepted: %v", freq, err)
		}
	}
}

func TestCreateMinimumSubscription(t *testing.T) {
	_, _, err := Create(testParams(), 1000, MinSubscription-time.Second, epoch, &fakeCharger{})
	if !errors.Is(err, ErrMinimumSubscriptionTime) {
		t.Errorf("expected ErrMinimumSubscriptionTime, got %v", err)
	}
}

func TestCreateChargeFailure(t *testing.T) {
	charger := &fakeCharger{err: errors.New("insufficient funds")}

	if _, _, err := Create(testParams(), 1000, MinSubscription, epoch, charger); !errors.Is(err, ErrChargeFailed) {
		t.Errorf("expected ErrChargeFailed, got %v", err)
	}
}

func TestExtend(t *testing.T) {
	f := newTestFeed(t, testParams())
	due := f.SubscriptionDue
	balance := f.Balance

	charger := &fakeCharger{}

	// Active subscription extends from the current due time.
	cost, err := f.Extend(MinSubscription, epoch.Add(time.Hour), charger)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}

	if f.SubscriptionDue != due+86400 {
		t.Errorf("due: got %d, want %d", f.SubscriptionDue, due+86400)
	}

	if f.Balance != balance+cost || charger.charged != cost {
		t.Errorf("balance=%d charged=%d cost=%d", f.Balance, charger.charged, cost)
	}

	// Expired subscription extends from now.
	late := time.Unix(f.SubscriptionDue+1000, 0)
	if _, err := f.Extend(MinSubscription, late, charger); err != nil {
		t.Fatalf("extend late: %v", err)
	}

	if f.SubscriptionDue != late.Unix()+86400 {
		t.Errorf("due after lapse: got %d, want %d", f.SubscriptionDue, late.Unix()+86400)
	}
}

func TestExtendErrors(t *testing.T) {
	f := newTestFeed(t, testParams())
	due := f.SubscriptionDue

	if _, err := f.Extend(time.Hour, epoch, &fakeCharger{}); !errors.Is(err, ErrMinimumExtensionTime) {
		t.Errorf("expected ErrMinimumExtensionTime, got %v", err)
	}

	failing := &fakeCharger{err: errors.New("declined")}
	if _, err := f.Extend(MinSubscription, epoch, failing); !errors.Is(err, ErrChargeFailed) {
		t.Errorf("expected ErrChargeFailed, got %v", err)
	}

	if f.SubscriptionDue != due {
		t.Error("failed extension must not move the due time")
	}
}

func TestTopUp(t *testing.T) {
	f := newTestFeed(t, testParams())
	due := f.SubscriptionDue
	balance := f.Balance

	charger := &fakeCharger{}
	if err := f.TopUp(500, charger); err != nil {
		t.Fatalf("top up: %v", err)
	}

	if f.Balance != balance+500 || charger.charged != 500 || charger.payer != f.Owner {
		t.Errorf("balance=%d charged=%d payer=%s", f.Balance, charger.charged, charger.payer)
	}

	if f.SubscriptionDue != due {
		t.Error("top up must not move the due time")
	}

	if err := f.TopUp(0, charger); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("zero: expected ErrZeroAmount, got %v", err)
	}

	if err := f.TopUp(1, &fakeCharger{err: errors.New("declined")}); !errors.Is(err, ErrChargeFailed) {
		t.Errorf("declined: expected ErrChargeFailed, got %v", err)
	}

	if err := f.TopUp(^uint64(0), charger); err == nil {
		t.Error("balance overflow should fail")
	}

	if f.Balance != balance+500 {
		t.Errorf("failed top ups changed the balance to %d", f.Balance)
	}
}

func TestUpdateConfig(t *testing.T) {
	public := newTestFeed(t, testParams())
	if err := public.UpdateConfig(2*time.Hour, 2); !errors.Is(err, ErrNotSupported) {
		t.Errorf("public feed: expected ErrNotSupported, got %v", err)
	}

	p := testParams()
	p.Kind = Personal
	f := newTestFeed(t, p)
	price := f.PricePerSecond

	if err := f.UpdateConfig(2*time.Hour, 0); !errors.Is(err, ErrInvalidFeedConfig) {
		t.Errorf("zero threshold: expected ErrInvalidFeedConfig, got %v", err)
	}

	if err := f.UpdateConfig(time.Second, 2); !errors.Is(err, ErrInvalidFeedConfig) {
		t.Errorf("short frequency: expected ErrInvalidFeedConfig, got %v", err)
	}

	if f.Frequency != time.Hour || f.MinSignatures != 3 {
		t.Error("rejected update changed the feed")
	}

	if err := f.UpdateConfig(2*time.Hour, 5); err != nil {
		t.Fatalf("update: %v", err)
	}

	if f.Frequency != 2*time.Hour || f.MinSignatures != 5 || f.PricePerSecond != price {
		t.Errorf("after update: frequency %s threshold %d price %d", f.Frequency, f.MinSignatures, f.PricePerSecond)
	}
}

func TestPublish(t *testing.T) {
	f := newTestFeed(t, testParams())
	now := epoch.Add(time.Minute)

	if err := f.Publish(answer(1, epoch.Unix()+10), now); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if f.Latest.Timestamp != epoch.Unix()+10 {
		t.Errorf("latest timestamp: got %d", f.Latest.Timestamp)
	}

	if err := f.Publish(answer(0, epoch.Unix()+20), now); !errors.Is(err, ErrZeroValue) {
		t.Errorf("zero value: expected ErrZeroValue, got %v", err)
	}

	if err := f.Publish(answer(2, epoch.Unix()+10), now); !errors.Is(err, ErrPastTimestamp) {
		t.Errorf("same timestamp: expected ErrPastTimestamp, got %v", err)
	}

	if err := f.Publish(answer(2, now.Unix()+1), now); !errors.Is(err, ErrFutureTimestamp) {
		t.Errorf("future: expected ErrFutureTimestamp, got %v", err)
	}

	if err := f.Publish(answer(2, now.Unix()), now); err != nil {
		t.Errorf("timestamp equal to now should be accepted: %v", err)
	}
}

func TestPublishPersonalExpired(t *testing.T) {
	p := testParams()
	p.Kind = Personal
	f := newTestFeed(t, p)

	expired := time.Unix(f.SubscriptionDue+1, 0)
	if err := f.Publish(answer(1, expired.Unix()), expired); !errors.Is(err, ErrSubscriptionExpired) {
		t.Errorf("expected ErrSubscriptionExpired, got %v", err)
	}

	pub := newTestFeed(t, testParams())
	if err := pub.Publish(answer(1, expired.Unix()), expired); err != nil {
		t.Errorf("public feed should accept after due time: %v", err)
	}
}

func TestHistoryRingBuffer(t *testing.T) {
	f := newTestFeed(t, testParams())
	now := epoch.Add(time.Hour)

	for i := 1; i <= MaxHistory+5; i++ {
		if err := f.Publish(answer(byte(i), epoch.Unix()+int64(i)), now); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}

		h := f.History()
		if len(h) != min(i, MaxHistory) {
			t.Fatalf("after %d: history length %d", i, len(h))
		}
	}

	h := f.History()
	if h[0].Value[31] != 6 || h[len(h)-1].Value[31] != MaxHistory+5 {
		t.Errorf("history should run oldest to newest, got %d..%d", h[0].Value[31], h[len(h)-1].Value[31])
	}

	for i := 1; i < len(h); i++ {
		if h[i].Timestamp <= h[i-1].Timestamp {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

func TestClone(t *testing.T) {
	f := newTestFeed(t, testParams())
	now := epoch.Add(time.Hour)
	f.Publish(answer(1, epoch.Unix()+1), now)

	c := f.Clone()
	c.Publish(answer(2, epoch.Unix()+2), now)

	if len(f.History()) != 1 || f.Latest.Value[31] != 1 {
		t.Error("publishing to a clone must not change the original")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	p := testParams()
	p.Kind = Personal
	f := newTestFeed(t, p)
	now := epoch.Add(time.Hour)

	for i := 1; i <= MaxHistory+3; i++ {
		f.Publish(answer(byte(i), epoch.Unix()+int64(i)), now)
	}

	got, err := Decode(f.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != f.ID || got.Name != f.Name || got.Owner != f.Owner || got.Kind != f.Kind {
		t.Errorf("identity fields differ: %+v", got)
	}

	if got.Frequency != f.Frequency || got.MinSignatures != f.MinSignatures {
		t.Errorf("config differs: %s %d", got.Frequency, got.MinSignatures)
	}

	if got.Latest != f.Latest || got.SubscriptionDue != f.SubscriptionDue ||
		got.PricePerSecond != f.PricePerSecond || got.Balance != f.Balance || got.CreatedAt != f.CreatedAt {
		t.Errorf("state differs: %+v", got)
	}

	want, have := f.History(), got.History()
	if len(have) != len(want) {
		t.Fatalf("history length: got %d, want %d", len(have), len(want))
	}

	for i := range want {
		if have[i] != want[i] {
			t.Fatalf("history %d differs", i)
		}
	}

	// The decoded ring keeps accepting answers.
	if err := got.Publish(answer(99, epoch.Unix()+100), now); err != nil {
		t.Errorf("publish after decode: %v", err)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	data := newTestFeed(t, testParams()).Encode()

	for _, bad := range [][]byte{nil, {1, 2}, data[:8]} {
		if _, err := Decode(bad); !errors.Is(err, ErrCorruptRecord) {
			t.Errorf("%d bytes: expected ErrCorruptRecord, got %v", len(bad), err)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("personal"); err != nil || k != Personal {
		t.Errorf("personal: got %v, %v", k, err)
	}

	if k, err := ParseKind(""); err != nil || k != Public {
		t.Errorf("empty: got %v, %v", k, err)
	}

	if _, err := ParseKind("private"); err == nil {
		t.Error("unknown kind should fail")
	}
}
