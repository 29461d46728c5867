package oracle

import (
	"errors"

	"Attestor/internal/auth"
	"Attestor/internal/feed"
	"Attestor/internal/ledger"
	"Attestor/internal/pricing"
	"Attestor/internal/registry"
	"Attestor/internal/verifier"
)

var (
	// ErrUnknownFeed is returned for a feed id with no feed.
	ErrUnknownFeed = errors.New("unknown feed")

	// ErrDuplicateFeed is returned when creating a feed whose id is taken.
	ErrDuplicateFeed = errors.New("feed already exists")

	// ErrMessageMismatch is returned when the signed message does not encode the answer.
	ErrMessageMismatch = errors.New("message does not match answer")
)

// ErrorKind classifies failures for callers deciding whether to retry.
type ErrorKind string

const (
	// KindValidation means the input was rejected; retry with different input.
	KindValidation ErrorKind = "validation"

	// KindConflict means the request contradicts current state.
	KindConflict ErrorKind = "conflict"

	// KindPolicy means signature or quorum rules rejected the request.
	KindPolicy ErrorKind = "policy"

	// KindUnauthorized means the caller lacks the required role.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindExternal means an external capability failed; retry later.
	KindExternal ErrorKind = "external"

	// KindInternal covers everything else.
	KindInternal ErrorKind = "internal"
)

// kinds maps sentinel errors to their class. Checked in order.
var kinds = []struct {
	kind ErrorKind
	errs []error
}{
	{KindUnauthorized, []error{auth.ErrUnauthorized}},
	{KindExternal, []error{ledger.ErrPayoutFailed, feed.ErrChargeFailed}},
	{KindPolicy, []error{
		verifier.ErrNotEnoughSignatures,
		verifier.ErrInvalidSignerOrder,
		verifier.ErrInvalidSignature,
	}},
	{KindConflict, []error{
		registry.ErrDuplicateSigner,
		registry.ErrUnknownSigner,
		registry.ErrRegistryFull,
		ledger.ErrUnknownSigner,
		ledger.ErrNothingToDistribute,
		ledger.ErrNoRewardsToClaim,
		feed.ErrSubscriptionExpired,
		feed.ErrNotSupported,
		ErrUnknownFeed,
		ErrDuplicateFeed,
	}},
	{KindValidation, []error{
		auth.ErrUnknownRole,
		registry.ErrInvalidKey,
		verifier.ErrDegenerateSignature,
		verifier.ErrInvalidThreshold,
		verifier.ErrInvalidIndex,
		ledger.ErrEmptyBitmap,
		ledger.ErrInvalidIndex,
		ledger.ErrInvalidBatchSize,
		feed.ErrInvalidFeedConfig,
		feed.ErrZeroValue,
		feed.ErrPastTimestamp,
		feed.ErrFutureTimestamp,
		feed.ErrMinimumSubscriptionTime,
		feed.ErrMinimumExtensionTime,
		feed.ErrZeroAmount,
		pricing.ErrInvalidParams,
		pricing.ErrInvalidFrequency,
		pricing.ErrInvalidThreshold,
		ErrMessageMismatch,
	}},
}

// Kind returns the class of err, KindInternal if unrecognized.
func Kind(err error) ErrorKind {
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}

	return KindInternal
}
