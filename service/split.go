package service

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/web5fans/micro-pay/internal/types"
)

var hundred = decimal.NewFromInt(100)

// Share is one receiver's cut of a payment.
type Share struct {
	Receiver    string
	ReceiverDID *string
	Amount      uint64
}

// validateSplits checks every rate is in [0, 100) and that the rates leave the primary
// receiver a positive percentage.
func validateSplits(splits []types.SplitReceiver) error {
	sum := decimal.Zero
	for i, s := range splits {
		if s.Address == "" {
			return types.Validationf("split %d has no address", i)
		}
		if s.Rate.IsNegative() || s.Rate.GreaterThanOrEqual(hundred) {
			return types.Validationf("split %d rate %s is outside [0, 100)", i, s.Rate)
		}
		sum = sum.Add(s.Rate)
	}
	if sum.GreaterThanOrEqual(hundred) {
		return types.Validationf("split rates add up to %s", sum)
	}
	return nil
}

// Shares divides amount between the primary receiver and the splits. Each share is
// rounded down on its own, so the rounding remainder stays with the platform and the
// shares never add up to more than amount.
func Shares(amount uint64, receiver string, receiverDID *string, splits []types.SplitReceiver) []Share {
	total := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0)
	rest := hundred
	out := make([]Share, 0, len(splits)+1)
	for _, s := range splits {
		rest = rest.Sub(s.Rate)
	}
	out = append(out, Share{Receiver: receiver, ReceiverDID: receiverDID, Amount: floorPercent(total, rest)})
	for _, s := range splits {
		out = append(out, Share{Receiver: s.Address, ReceiverDID: s.ReceiverDID, Amount: floorPercent(total, s.Rate)})
	}
	return out
}

func floorPercent(amount, rate decimal.Decimal) uint64 {
	return amount.Mul(rate).Div(hundred).Floor().BigInt().Uint64()
}
