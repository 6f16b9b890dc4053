package wallet

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/klingwallet/internal/backend"
	"github.com/klingon-exchange/klingwallet/internal/config"
	"github.com/klingon-exchange/klingwallet/internal/errs"
)

// FeeTier selects a fee rate.
type FeeTier string

const (
	FeeMinimum FeeTier = "minimum"
	FeeSlow    FeeTier = "slow"
	FeeNormal  FeeTier = "normal"
	FeeFast    FeeTier = "fast"
	FeeCustom  FeeTier = "custom"
)

// ParseFeeTier parses a tier name.
func ParseFeeTier(s string) (FeeTier, error) {
	switch t := FeeTier(s); t {
	case FeeMinimum, FeeSlow, FeeNormal, FeeFast, FeeCustom:
		return t, nil
	case "":
		return FeeNormal, nil
	}
	return "", errs.Validationf("wallet.ParseFeeTier", "unknown fee tier %q", s)
}

// FeeTiers are fee rates in sat/vB with
// Minimum <= Slow <= Normal <= Fast.
type FeeTiers struct {
	Minimum uint64 `json:"minimum"`
	Slow    uint64 `json:"slow"`
	Normal  uint64 `json:"normal"`
	Fast    uint64 `json:"fast"`
}

// TiersFromEstimate maps indexer estimates onto tiers. Every tier is at
// least 1 sat/vB and lower tiers are clamped so they never exceed higher
// ones.
func TiersFromEstimate(est *backend.FeeEstimate) FeeTiers {
	if est == nil {
		return FeeTiers{Minimum: 1, Slow: 1, Normal: 1, Fast: 1}
	}

	minimum := est.MinimumFee
	if minimum == 0 {
		minimum = est.EconomyFee
	}
	t := FeeTiers{
		Minimum: atLeastOne(minimum),
		Slow:    atLeastOne(est.HourFee),
		Normal:  atLeastOne(est.HalfHourFee),
		Fast:    atLeastOne(est.FastestFee),
	}

	if t.Fast > config.MaxFeeRate {
		t.Fast = config.MaxFeeRate
	}
	if t.Normal > t.Fast {
		t.Normal = t.Fast
	}
	if t.Slow > t.Normal {
		t.Slow = t.Normal
	}
	if t.Minimum > t.Slow {
		t.Minimum = t.Slow
	}
	return t
}

func atLeastOne(v uint64) uint64 {
	if v < 1 {
		return 1
	}
	return v
}

// Rate returns the sat/vB rate of a tier. custom is used for FeeCustom.
func (t FeeTiers) Rate(tier FeeTier, custom uint64) (uint64, error) {
	switch tier {
	case FeeMinimum:
		return t.Minimum, nil
	case FeeSlow:
		return t.Slow, nil
	case FeeNormal, "":
		return t.Normal, nil
	case FeeFast:
		return t.Fast, nil
	case FeeCustom:
		if err := checkFeeRate("wallet.FeeRate", custom); err != nil {
			return 0, err
		}
		return custom, nil
	}
	return 0, errs.Validationf("wallet.FeeRate", "unknown fee tier %q", tier)
}

func checkFeeRate(op string, rate uint64) error {
	if rate == 0 {
		return errs.Validationf(op, "fee rate must be positive")
	}
	if rate > config.MaxFeeRate {
		return errs.Validationf(op, "fee rate %d sat/vB exceeds %d", rate, config.MaxFeeRate)
	}
	return nil
}

// FetchFeeTiers queries the indexer for current estimates.
func FetchFeeTiers(ctx context.Context, indexer backend.Indexer) (FeeTiers, error) {
	est, err := indexer.GetFeeEstimates(ctx)
	if err != nil {
		return FeeTiers{}, errs.Network("wallet.GetFeeEstimates", fmt.Errorf("fee estimates: %w", err))
	}
	return TiersFromEstimate(est), nil
}
