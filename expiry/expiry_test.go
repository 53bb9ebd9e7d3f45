package expiry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/learnearn/vouchers/ledger"
)

type headerFunc func(ctx context.Context) (*ledger.Header, error)

func (f headerFunc) CurrentHeader(ctx context.Context) (*ledger.Header, error) { return f(ctx) }

func fixedHeader(n uint64) headerFunc {
	return func(ctx context.Context) (*ledger.Header, error) { return &ledger.Header{Number: n}, nil }
}

func TestPredictedBlock(t *testing.T) {
	var cases = []struct {
		current, ms, seconds, want uint64
	}{
		{current: 100, ms: 6000, seconds: 0, want: 100},
		{current: 100, ms: 6000, seconds: 5, want: 100},
		{current: 100, ms: 6000, seconds: 6, want: 101},
		{current: 100, ms: 6000, seconds: 3600, want: 700},
		{current: 0, ms: 500, seconds: 10, want: 20},
		{current: 0, ms: 1500, seconds: 10, want: 6},
		{current: 7, ms: 0, seconds: 1, want: 1007},
		{current: math.MaxUint64 - 1, ms: 1000, seconds: 10, want: math.MaxUint64},
		{current: 1, ms: 1, seconds: math.MaxUint64, want: math.MaxUint64},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, PredictedBlock(tc.current, tc.ms, tc.seconds), "PredictedBlock(%d, %d, %d)", tc.current, tc.ms, tc.seconds)
	}
}

func TestPredictedBlock_Properties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("zero duration is current block", prop.ForAll(
		func(b, ms uint64) bool {
			return PredictedBlock(b, ms, 0) == b
		},
		gen.UInt64(), gen.UInt64Range(1, 1<<32),
	))

	properties.Property("non-decreasing in seconds", prop.ForAll(
		func(b, ms, s1, s2 uint64) bool {
			if s1 > s2 {
				s1, s2 = s2, s1
			}
			return PredictedBlock(b, ms, s1) <= PredictedBlock(b, ms, s2)
		},
		gen.UInt64(), gen.UInt64Range(1, 1<<32), gen.UInt64(), gen.UInt64(),
	))

	properties.Property("non-decreasing in current block", prop.ForAll(
		func(b1, b2, ms, s uint64) bool {
			if b1 > b2 {
				b1, b2 = b2, b1
			}
			return PredictedBlock(b1, ms, s) <= PredictedBlock(b2, ms, s)
		},
		gen.UInt64(), gen.UInt64(), gen.UInt64Range(1, 1<<32), gen.UInt64(),
	))

	properties.TestingRun(t)
}

func TestNewEstimator(t *testing.T) {
	e, err := NewEstimator(nil, time.Second)
	require.EqualError(t, err, "header reader is nil")
	require.Nil(t, e)

	e, err = NewEstimator(fixedHeader(1), time.Microsecond)
	require.EqualError(t, err, "block time must be at least 1ms, got 1µs")
	require.Nil(t, e)
}

func TestEstimator(t *testing.T) {
	e, err := NewEstimator(fixedHeader(1000), 6*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	b, err := e.BlockAfter(ctx, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1600, b)

	b, err = e.CurrentBlock(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1000, b)

	// capped by diploma block
	b, err = e.AllowedBlock(ctx, time.Hour, 1200)
	require.NoError(t, err)
	require.EqualValues(t, 1200, b)

	b, err = e.AllowedBlock(ctx, time.Minute, 1200)
	require.NoError(t, err)
	require.EqualValues(t, 1010, b)

	_, err = e.BlockAfter(ctx, -time.Second)
	require.EqualError(t, err, "duration must not be negative, got -1s")
}

func TestEstimator_HeaderError(t *testing.T) {
	expErr := errors.New("node unavailable")
	e, err := NewEstimator(headerFunc(func(ctx context.Context) (*ledger.Header, error) { return nil, expErr }), time.Second)
	require.NoError(t, err)

	_, err = e.BlockAfter(context.Background(), time.Minute)
	require.ErrorIs(t, err, expErr)
	_, err = e.AllowedBlock(context.Background(), time.Minute, 10)
	require.ErrorIs(t, err, expErr)
	_, err = e.CurrentBlock(context.Background())
	require.ErrorIs(t, err, expErr)
}

func TestAllowedBlock_NeverAfterDiplomaBlock(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("allowed block <= diploma block", prop.ForAll(
		func(current, diplomaBlock uint64, seconds int64) bool {
			e, err := NewEstimator(fixedHeader(current), time.Second)
			if err != nil {
				return false
			}
			b, err := e.AllowedBlock(context.Background(), time.Duration(seconds)*time.Second, diplomaBlock)
			return err == nil && b <= diplomaBlock
		},
		gen.UInt64(), gen.UInt64(), gen.Int64Range(0, 1<<30),
	))
	properties.TestingRun(t)
}
