/*
Package expiry converts validity durations into block numbers using the
average block production time of the chain.
*/
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/learnearn/vouchers/ledger"
	"github.com/learnearn/vouchers/util"
)

/*
PredictedBlock returns the block which is expected to be produced
"secondsValid" seconds after the block "current" when blocks are produced
every "msPerBlock" milliseconds, ie

	current + floor(secondsValid / (msPerBlock / 1000))

Result saturates at math.MaxUint64. Zero msPerBlock is treated as 1ms.
*/
func PredictedBlock(current, msPerBlock, secondsValid uint64) uint64 {
	if msPerBlock == 0 {
		msPerBlock = 1
	}
	return util.AddUint64Sat(current, util.MulDivUint64Sat(secondsValid, 1000, msPerBlock))
}

// Estimator predicts block numbers relative to the latest header of the ledger.
type Estimator struct {
	headers    ledger.HeaderReader
	msPerBlock uint64
}

func NewEstimator(headers ledger.HeaderReader, blockTime time.Duration) (*Estimator, error) {
	if headers == nil {
		return nil, errors.New("header reader is nil")
	}
	if blockTime < time.Millisecond {
		return nil, fmt.Errorf("block time must be at least 1ms, got %s", blockTime)
	}
	return &Estimator{headers: headers, msPerBlock: uint64(blockTime.Milliseconds())}, nil
}

// BlockAfter returns the block expected to be produced "d" after the current block.
func (e *Estimator) BlockAfter(ctx context.Context, d time.Duration) (uint64, error) {
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative, got %s", d)
	}
	hdr, err := e.headers.CurrentHeader(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading current block header: %w", err)
	}
	return PredictedBlock(hdr.Number, e.msPerBlock, uint64(d/time.Second)), nil
}

/*
AllowedBlock returns the last block a usage right opened now for "d" may be
challenged in, capped by the block of the diploma it is derived from.
*/
func (e *Estimator) AllowedBlock(ctx context.Context, d time.Duration, diplomaBlock uint64) (uint64, error) {
	predicted, err := e.BlockAfter(ctx, d)
	if err != nil {
		return 0, err
	}
	return util.Min(predicted, diplomaBlock), nil
}

// CurrentBlock returns number of the latest block.
func (e *Estimator) CurrentBlock(ctx context.Context) (uint64, error) {
	hdr, err := e.headers.CurrentHeader(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading current block header: %w", err)
	}
	return hdr.Number, nil
}
