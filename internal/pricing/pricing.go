// Package pricing computes subscription prices and signer rewards in
// fixed-point arithmetic scaled by 10^6.
//
// Prices are approximate: Ln and Exp are low-order series. Over the allowed
// frequency range the price stays within about 1% of the exact power law.
// Monotonicity in frequency and threshold holds only within about 2%:
// just below a power of two Ln overshoots, so a threshold of 31 can price
// above a threshold of 32.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// OneDay is the number of seconds in a day.
	OneDay = 86_400

	// MaxCoefficientBps bounds the exponent coefficients (10x).
	MaxCoefficientBps = 100_000
)

var (
	// ErrOverflow is returned when a result does not fit 64 bits.
	ErrOverflow = errors.New("arithmetic overflow")

	// ErrInvalidParams is returned for pricing parameters out of range.
	ErrInvalidParams = errors.New("invalid pricing params")

	// ErrInvalidFrequency is returned for a zero update frequency.
	ErrInvalidFrequency = errors.New("invalid frequency")

	// ErrInvalidThreshold is returned for a zero signer threshold.
	ErrInvalidThreshold = errors.New("invalid signer threshold")
)

// Params holds protocol-level pricing constants.
type Params struct {
	BasePricePerSecond   uint64 // BasePricePerSecond is the scaled base price
	FrequencyCoefficient uint64 // FrequencyCoefficient is the updates-per-day exponent in bps
	SignerCoefficient    uint64 // SignerCoefficient is the signer-threshold exponent in bps
	RewardPercentageBps  uint64 // RewardPercentageBps is the share of revenue paid to signers
}

// DefaultParams returns the default pricing parameters.
func DefaultParams() Params {
	return Params{
		BasePricePerSecond:   1000,
		FrequencyCoefficient: 1000,
		SignerCoefficient:    2000,
		RewardPercentageBps:  8000,
	}
}

// Validate checks that every coefficient is nonzero and bounded.
func (p Params) Validate() error {
	switch {
	case p.BasePricePerSecond == 0:
		return fmt.Errorf("%w: base price is zero", ErrInvalidParams)
	case p.FrequencyCoefficient == 0 || p.FrequencyCoefficient > MaxCoefficientBps:
		return fmt.Errorf("%w: frequency coefficient %d", ErrInvalidParams, p.FrequencyCoefficient)
	case p.SignerCoefficient == 0 || p.SignerCoefficient > MaxCoefficientBps:
		return fmt.Errorf("%w: signer coefficient %d", ErrInvalidParams, p.SignerCoefficient)
	case p.RewardPercentageBps > bpsMax:
		return fmt.Errorf("%w: reward percentage %d bps", ErrInvalidParams, p.RewardPercentageBps)
	}

	return nil
}

// PricePerSecond returns the scaled price of a feed updating every frequency
// seconds with signerThreshold required signatures.
func (p Params) PricePerSecond(frequency, signerThreshold uint64) (uint64, error) {
	if frequency == 0 {
		return 0, ErrInvalidFrequency
	}

	if signerThreshold == 0 {
		return 0, ErrInvalidThreshold
	}

	updatesPerDay := OneDay / frequency

	frequencyFactor, err := Pow(updatesPerDay, p.FrequencyCoefficient)
	if err != nil {
		return 0, fmt.Errorf("frequency factor:\n%w", err)
	}

	signersFactor, err := Pow(signerThreshold, p.SignerCoefficient)
	if err != nil {
		return 0, fmt.Errorf("signers factor:\n%w", err)
	}

	price := new(big.Int).SetUint64(p.BasePricePerSecond)
	price.Mul(price, new(big.Int).SetUint64(frequencyFactor))
	price.Mul(price, new(big.Int).SetUint64(signersFactor))
	price.Quo(price, big.NewInt(Scale*Scale))

	return toUint64(price)
}

// PriceForSpan returns the unscaled price of seconds at a scaled per-second price.
func PriceForSpan(pricePerSecond, seconds uint64) (uint64, error) {
	return mulDiv(pricePerSecond, seconds, Scale)
}

// RewardPerUpdate returns the scaled reward one signer earns per accepted update:
// the reward share of one update interval's revenue split across the threshold.
func (p Params) RewardPerUpdate(pricePerSecond, frequency, signerThreshold uint64) (uint64, error) {
	if signerThreshold == 0 {
		return 0, ErrInvalidThreshold
	}

	reward := new(big.Int).SetUint64(pricePerSecond)
	reward.Mul(reward, new(big.Int).SetUint64(frequency))
	reward.Mul(reward, new(big.Int).SetUint64(p.RewardPercentageBps))
	reward.Quo(reward, new(big.Int).Mul(
		new(big.Int).SetUint64(signerThreshold),
		big.NewInt(bpsMax),
	))

	return toUint64(reward)
}

// toUint64 narrows a non-negative big integer or returns ErrOverflow.
func toUint64(v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, ErrOverflow
	}

	return v.Uint64(), nil
}
