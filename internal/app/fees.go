/**
 * @description
 * Platform fee computation. This is the single authoritative write path for a
 * booking's platform_fee_amount/net_amount pair: the two are always computed
 * together from the total, never independently, so an externally mutated
 * total can never drift from a stale fee.
 *
 * The source system computed fees in a storage-layer trigger; here it is an
 * explicit, deterministic function so the logic is visible and testable.
 */

package app

import (
	"fmt"
	"math"
)

// ComputeFee splits a total amount (minor units) into platform fee and net
// amount for the given fee percentage. Rounding is half-up on the minor unit,
// done in integer basis-point math so that fee + net == total exactly.
func ComputeFee(totalAmount int64, feePercent float64) (platformFee, netAmount int64, err error) {
	if totalAmount < 0 {
		return 0, 0, fmt.Errorf("total amount must be non-negative, got %d", totalAmount)
	}
	if feePercent < 0 || feePercent > 100 {
		return 0, 0, fmt.Errorf("fee percent must be in [0,100], got %f", feePercent)
	}

	basisPoints := int64(math.Round(feePercent * 100))
	platformFee = (totalAmount*basisPoints + 5000) / 10000
	netAmount = totalAmount - platformFee
	return platformFee, netAmount, nil
}

// VerifyFeeInvariant checks the persisted fee/net/total triple on read.
// An inconsistency is a fatal integrity error: the caller must place the
// booking on financial hold rather than silently recomputing the numbers.
func VerifyFeeInvariant(totalAmount, platformFee, netAmount int64) error {
	if totalAmount == 0 && platformFee == 0 && netAmount == 0 {
		return nil
	}
	if platformFee+netAmount != totalAmount || platformFee < 0 || netAmount < 0 {
		return fmt.Errorf("%w: total=%d fee=%d net=%d", ErrIntegrityViolation, totalAmount, platformFee, netAmount)
	}
	return nil
}
