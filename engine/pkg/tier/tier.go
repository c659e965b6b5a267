// Package tier maps referral performance to commission tiers and computes
// exact-integer payment breakdowns for ticket sales. All amounts are in
// lamports; there is no floating point anywhere in this package.
package tier

import (
	"errors"
	"fmt"
)

// Tier is a discrete commission bracket assigned to a referrer.
type Tier uint8

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
	Tier4 Tier = 4
)

// MinTier and MaxTier bound the valid affiliate tier range.
const (
	MinTier = Tier1
	MaxTier = Tier4
)

// Valid reports whether t is a known affiliate tier.
func (t Tier) Valid() bool {
	return t >= MinTier && t <= MaxTier
}

func (t Tier) String() string {
	if cfg, ok := configFor(t); ok {
		return cfg.Label
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// Config describes one commission bracket: an inclusive validated-referral
// range and a fixed commission rate in basis points. MaxReferrals < 0 means
// the bracket has no upper bound.
type Config struct {
	Tier         Tier
	MinReferrals int
	MaxReferrals int
	RateBps      uint64
	Label        string
}

// Configs is the static tier table. The ranges are contiguous and
// non-overlapping, covering every count from 0 upward.
var Configs = []Config{
	{Tier: Tier1, MinReferrals: 0, MaxReferrals: 99, RateBps: 500, Label: "Tier 1 - Starter"},
	{Tier: Tier2, MinReferrals: 100, MaxReferrals: 999, RateBps: 1000, Label: "Tier 2 - Bronze"},
	{Tier: Tier3, MinReferrals: 1000, MaxReferrals: 4999, RateBps: 2000, Label: "Tier 3 - Silver"},
	{Tier: Tier4, MinReferrals: 5000, MaxReferrals: -1, RateBps: 3000, Label: "Tier 4 - Gold"},
}

// ReservedRateBps is the share of every ticket sale reserved for the
// affiliate pool, regardless of the referrer's tier. The tier commission is
// always at most this rate, so the residual delta is never negative.
const ReservedRateBps = 3000

func configFor(t Tier) (Config, bool) {
	for _, cfg := range Configs {
		if cfg.Tier == t {
			return cfg, true
		}
	}
	return Config{}, false
}

// ForReferralCount returns the tier whose bracket contains the given
// validated-referral count. Counts below zero and gaps are unreachable given
// the contiguous table, but the function falls back to Tier1 rather than
// failing.
func ForReferralCount(validatedReferrals int) Tier {
	for _, cfg := range Configs {
		if validatedReferrals >= cfg.MinReferrals &&
			(cfg.MaxReferrals < 0 || validatedReferrals <= cfg.MaxReferrals) {
			return cfg.Tier
		}
	}
	return Tier1
}

// Effective resolves the tier for an affiliate: a manual override set by an
// administrator takes precedence over the computed value.
func Effective(manualOverride *Tier, validatedReferrals int) Tier {
	if manualOverride != nil && manualOverride.Valid() {
		return *manualOverride
	}
	return ForReferralCount(validatedReferrals)
}

// RateBps returns the commission rate for a tier in basis points. Unknown
// tiers get the Tier1 rate, mirroring the on-chain program's fallback.
func RateBps(t Tier) uint64 {
	if cfg, ok := configFor(t); ok {
		return cfg.RateBps
	}
	return 500
}

// Breakdown is the exact-integer split of one ticket sale: the fixed pool
// reservation, the tier commission paid to the referrer, and the residual
// delta retained by the pool. Reserved == Commission + Delta always.
type Breakdown struct {
	Reserved   uint64
	Commission uint64
	Delta      uint64
	Tier       Tier
	RateBps    uint64
}

// ErrInvalidAmount is returned for zero unit prices and amounts large enough
// to overflow the basis-point arithmetic.
var ErrInvalidAmount = errors.New("invalid amount")

// maxUnitPrice is the largest unit price whose basis-point products fit in a
// uint64. Far beyond any real ticket price, but checked anyway since these
// are currency amounts.
const maxUnitPrice = ^uint64(0) / 10000

// BreakdownFor computes the payment breakdown for a single ticket sale at
// the given unit price and tier. All arithmetic is integer with basis-point
// precision; the reservation is floor(price * 30%), the commission
// floor(price * rate), and the delta their exact difference.
func BreakdownFor(unitPrice uint64, t Tier) (Breakdown, error) {
	if unitPrice == 0 || unitPrice > maxUnitPrice {
		return Breakdown{}, fmt.Errorf("%w: unit price %d", ErrInvalidAmount, unitPrice)
	}

	rate := RateBps(t)
	reserved := unitPrice * ReservedRateBps / 10000
	commission := unitPrice * rate / 10000

	// rate <= ReservedRateBps for every tier in the table, so the floor of
	// the commission never exceeds the floor of the reservation.
	return Breakdown{
		Reserved:   reserved,
		Commission: commission,
		Delta:      reserved - commission,
		Tier:       t,
		RateBps:    rate,
	}, nil
}
