// Package feed holds oracle feed state: configuration, the latest answer,
// a bounded answer history and the subscription that pays for updates.
package feed

import (
	"errors"
	"fmt"
	"time"

	"Attestor/internal/curve"
	"Attestor/internal/pricing"
)

const (
	// MaxHistory is the number of answers kept per feed.
	MaxHistory = 20

	// MaxNameLength is the maximum feed name size in bytes.
	MaxNameLength = 64

	// MinFrequency is the shortest allowed update interval.
	MinFrequency = 60 * time.Second

	// MaxFrequency is the longest allowed update interval.
	MaxFrequency = 24 * time.Hour

	// MinSubscription is the shortest subscription or extension.
	MinSubscription = 24 * time.Hour

	// MaxSignatures bounds the threshold to the registry capacity.
	MaxSignatures = 256

	// ValueSize is the size of an answer value in bytes.
	ValueSize = 32
)

var (
	// ErrInvalidFeedConfig is returned for out-of-range feed parameters.
	ErrInvalidFeedConfig = errors.New("invalid feed config")

	// ErrZeroValue is returned when an answer value is all zero.
	ErrZeroValue = errors.New("answer value is zero")

	// ErrPastTimestamp is returned unless the answer is newer than the latest one.
	ErrPastTimestamp = errors.New("answer timestamp not after latest")

	// ErrFutureTimestamp is returned for an answer timestamped after now.
	ErrFutureTimestamp = errors.New("answer timestamp in the future")

	// ErrSubscriptionExpired is returned when publishing to an expired personal feed.
	ErrSubscriptionExpired = errors.New("subscription expired")

	// ErrMinimumSubscriptionTime is returned for a creation span under one day.
	ErrMinimumSubscriptionTime = errors.New("subscription shorter than minimum")

	// ErrMinimumExtensionTime is returned for an extension under one day.
	ErrMinimumExtensionTime = errors.New("extension shorter than minimum")

	// ErrChargeFailed wraps a failure of the charging capability.
	ErrChargeFailed = errors.New("charge failed")

	// ErrNotSupported is returned for an operation the feed kind does not allow.
	ErrNotSupported = errors.New("not supported for feed kind")

	// ErrZeroAmount is returned for a zero top-up.
	ErrZeroAmount = errors.New("amount is zero")
)

// Kind is the feed access model.
type Kind uint8

const (
	// Public feeds are readable by anyone and never expire for publishing.
	Public Kind = iota

	// Personal feeds accept answers only while the subscription is active.
	Personal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Public:
		return "public"
	case Personal:
		return "personal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses "public" or "personal".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "public", "":
		return Public, nil
	case "personal":
		return Personal, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidFeedConfig, s)
	}
}

// Answer is one published value.
type Answer struct {
	Value     [ValueSize]byte // Value is the opaque answer payload
	Timestamp int64           // Timestamp is the observation time in unix seconds
}

// Charger takes payment for a subscription. Refund returns a charge whose
// effect could not be stored.
type Charger interface {
	Charge(payer curve.Identity, amount uint64) error
	Refund(payer curve.Identity, amount uint64) error
}

// Params configures a new feed.
type Params struct {
	ID            string         // ID is the unique feed key
	Name          string         // Name is a human-readable label
	Owner         curve.Identity // Owner pays for and extends the subscription
	Kind          Kind           // Kind selects the access model
	Frequency     time.Duration  // Frequency is the expected update interval
	MinSignatures uint16         // MinSignatures is the verification threshold
}

// Validate checks the parameters against the feed bounds.
func (p Params) Validate() error {
	switch {
	case !validID(p.ID):
		return fmt.Errorf("%w: id must be 1..%d of [a-z0-9._-]", ErrInvalidFeedConfig, MaxNameLength)
	case p.Name == "" || len(p.Name) > MaxNameLength:
		return fmt.Errorf("%w: name must be 1..%d bytes", ErrInvalidFeedConfig, MaxNameLength)
	case p.Kind != Public && p.Kind != Personal:
		return fmt.Errorf("%w: %s", ErrInvalidFeedConfig, p.Kind)
	}

	return validateSchedule(p.Frequency, p.MinSignatures)
}

// validateSchedule checks the update interval and threshold bounds.
func validateSchedule(frequency time.Duration, minSignatures uint16) error {
	switch {
	case frequency < MinFrequency || frequency > MaxFrequency:
		return fmt.Errorf("%w: frequency %s outside [%s, %s]", ErrInvalidFeedConfig, frequency, MinFrequency, MaxFrequency)
	case frequency%time.Second != 0:
		return fmt.Errorf("%w: frequency must be whole seconds", ErrInvalidFeedConfig)
	case minSignatures == 0 || minSignatures > MaxSignatures:
		return fmt.Errorf("%w: min signatures %d", ErrInvalidFeedConfig, minSignatures)
	}

	return nil
}

// Feed is the state of one oracle feed.
type Feed struct {
	ID              string
	Name            string
	Owner           curve.Identity
	Kind            Kind
	Frequency       time.Duration
	MinSignatures   uint16
	Latest          Answer
	CreatedAt       int64  // CreatedAt is the creation time in unix seconds
	SubscriptionDue int64  // SubscriptionDue is the paid-until time in unix seconds
	PricePerSecond  uint64 // PricePerSecond is the scaled price locked at creation
	Balance         uint64 // Balance is the total paid into the feed

	history [MaxHistory]Answer // history is a ring buffer of answers
	count   int                // count is the number of answers in history
	next    int                // next is the ring slot written next
}

// Create validates the parameters, charges the owner for duration and
// returns a feed subscribed until now+duration.
func Create(p Params, pricePerSecond uint64, duration time.Duration, now time.Time, charger Charger) (*Feed, uint64, error) {
	if err := p.Validate(); err != nil {
		return nil, 0, err
	}

	if duration < MinSubscription {
		return nil, 0, fmt.Errorf("%w: %s", ErrMinimumSubscriptionTime, duration)
	}

	cost, err := pricing.PriceForSpan(pricePerSecond, seconds(duration))
	if err != nil {
		return nil, 0, fmt.Errorf("subscription cost:\n%w", err)
	}

	if err := charger.Charge(p.Owner, cost); err != nil {
		return nil, 0, fmt.Errorf("%w:\n%v", ErrChargeFailed, err)
	}

	f := &Feed{
		ID:              p.ID,
		Name:            p.Name,
		Owner:           p.Owner,
		Kind:            p.Kind,
		Frequency:       p.Frequency,
		MinSignatures:   p.MinSignatures,
		CreatedAt:       now.Unix(),
		SubscriptionDue: now.Unix() + int64(seconds(duration)),
		PricePerSecond:  pricePerSecond,
		Balance:         cost,
	}

	return f, cost, nil
}

// Extend charges the owner for duration and pushes the due time forward
// from the later of now and the current due time.
func (f *Feed) Extend(duration time.Duration, now time.Time, charger Charger) (uint64, error) {
	if duration < MinSubscription {
		return 0, fmt.Errorf("%w: %s", ErrMinimumExtensionTime, duration)
	}

	cost, err := pricing.PriceForSpan(f.PricePerSecond, seconds(duration))
	if err != nil {
		return 0, fmt.Errorf("extension cost:\n%w", err)
	}

	balance := f.Balance + cost
	if balance < f.Balance {
		return 0, fmt.Errorf("extension cost:\n%w", pricing.ErrOverflow)
	}

	if err := charger.Charge(f.Owner, cost); err != nil {
		return 0, fmt.Errorf("%w:\n%v", ErrChargeFailed, err)
	}

	from := max(now.Unix(), f.SubscriptionDue)
	f.SubscriptionDue = from + int64(seconds(duration))
	f.Balance = balance

	return cost, nil
}

// TopUp charges the owner amount and adds it to the balance.
// The due time does not move.
func (f *Feed) TopUp(amount uint64, charger Charger) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	balance := f.Balance + amount
	if balance < f.Balance {
		return fmt.Errorf("top up:\n%w", pricing.ErrOverflow)
	}

	if err := charger.Charge(f.Owner, amount); err != nil {
		return fmt.Errorf("%w:\n%v", ErrChargeFailed, err)
	}

	f.Balance = balance

	return nil
}

// UpdateConfig changes the update interval and threshold of a personal
// feed. The locked price is kept.
func (f *Feed) UpdateConfig(frequency time.Duration, minSignatures uint16) error {
	if f.Kind != Personal {
		return fmt.Errorf("%w: %s", ErrNotSupported, f.Kind)
	}

	if err := validateSchedule(frequency, minSignatures); err != nil {
		return err
	}

	f.Frequency = frequency
	f.MinSignatures = minSignatures

	return nil
}

// Active reports whether the subscription is paid at now.
func (f *Feed) Active(now time.Time) bool {
	return now.Unix() <= f.SubscriptionDue
}

// Check validates an answer without applying it.
func (f *Feed) Check(a Answer, now time.Time) error {
	if a.Value == [ValueSize]byte{} {
		return ErrZeroValue
	}

	if a.Timestamp <= f.Latest.Timestamp {
		return fmt.Errorf("%w: %d <= %d", ErrPastTimestamp, a.Timestamp, f.Latest.Timestamp)
	}

	if a.Timestamp > now.Unix() {
		return fmt.Errorf("%w: %d > %d", ErrFutureTimestamp, a.Timestamp, now.Unix())
	}

	if f.Kind == Personal && !f.Active(now) {
		return fmt.Errorf("%w: due %d", ErrSubscriptionExpired, f.SubscriptionDue)
	}

	return nil
}

// Publish validates the answer and makes it the latest, evicting the
// oldest history entry once MaxHistory answers are held.
func (f *Feed) Publish(a Answer, now time.Time) error {
	if err := f.Check(a, now); err != nil {
		return err
	}

	f.Latest = a
	f.history[f.next] = a
	f.next = (f.next + 1) % MaxHistory

	if f.count < MaxHistory {
		f.count++
	}

	return nil
}

// History returns the held answers from oldest to newest.
func (f *Feed) History() []Answer {
	out := make([]Answer, 0, f.count)
	start := (f.next - f.count + MaxHistory) % MaxHistory

	for i := 0; i < f.count; i++ {
		out = append(out, f.history[(start+i)%MaxHistory])
	}

	return out
}

// Clone returns an independent copy.
func (f *Feed) Clone() *Feed {
	c := *f
	return &c
}

// validID reports whether id is a non-empty lowercase slug. Ids are embedded
// in storage keys, so separators are excluded.
func validID(id string) bool {
	if id == "" || len(id) > MaxNameLength {
		return false
	}

	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}

	return true
}

// seconds converts a duration to whole seconds.
func seconds(d time.Duration) uint64 {
	return uint64(d / time.Second)
}
