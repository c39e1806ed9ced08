// Package pricing computes the deterministic price breakdown shared by
// every participant in a purchase. Buyer, seller, and sponsor each render
// these numbers independently, so the same inputs must always produce the
// same outputs.
package pricing

import (
	"errors"
	"fmt"
)

// Validation errors returned by Compute.
var (
	ErrNegativeBasePrice     = errors.New("negative base price")
	ErrNegativeSponsorAmount = errors.New("negative sponsor amount")
	ErrInvalidFeePercent     = errors.New("invalid platform fee percent")
)

// Breakdown is the computed split for a single purchase. All amounts are
// integer cents. PlatformFee and CreatorEarning always sum to BasePrice:
// the split is taken from the full base price regardless of who pays it.
type Breakdown struct {
	BasePrice      int64
	SponsorAmount  int64
	UserPays       int64
	PlatformFee    int64
	CreatorEarning int64
	IsSponsored    bool
}

// Compute derives the breakdown for a base price, an optional sponsor
// contribution, and a platform fee percentage. The sponsor contribution is
// clamped to the base price. The fee is rounded half-up to the cent.
func Compute(basePriceCents int64, sponsorAmountCents int64, platformFeePercent int64) (Breakdown, error) {
	if basePriceCents < 0 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrNegativeBasePrice, basePriceCents)
	}
	if sponsorAmountCents < 0 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrNegativeSponsorAmount, sponsorAmountCents)
	}
	if platformFeePercent < 0 || platformFeePercent > 100 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrInvalidFeePercent, platformFeePercent)
	}
	sponsorContribution := sponsorAmountCents
	if sponsorContribution > basePriceCents {
		sponsorContribution = basePriceCents
	}
	platformFee := (basePriceCents*platformFeePercent + 50) / 100
	return Breakdown{
		BasePrice:      basePriceCents,
		SponsorAmount:  sponsorContribution,
		UserPays:       basePriceCents - sponsorContribution,
		PlatformFee:    platformFee,
		CreatorEarning: basePriceCents - platformFee,
		IsSponsored:    sponsorContribution > 0,
	}, nil
}
