package reimbursement

import (
	"slices"

	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/types"
)

/*
Comparator defines the order in which claims of a referee are considered for
the batch. Returns negative number when "a" should be tried before "b".
*/
type Comparator func(a, b *types.Reimbursement) int

/*
ByStakeAscending tries the smallest claims first, maximizing the number of
claims settled out of the referee's headroom. Ties are ordered by referee
and sequence number.
*/
func ByStakeAscending(a, b *types.Reimbursement) int {
	if c := a.Stake.Cmp(b.Stake); c != 0 {
		return c
	}
	return tieBreak(a, b)
}

// ByStakeDescending tries the biggest claims first.
func ByStakeDescending(a, b *types.Reimbursement) int {
	if c := b.Stake.Cmp(a.Stake); c != 0 {
		return c
	}
	return tieBreak(a, b)
}

func tieBreak(a, b *types.Reimbursement) int {
	if c := a.Referee.Compare(b.Referee); c != 0 {
		return c
	}
	switch {
	case a.SequenceNumber < b.SequenceNumber:
		return -1
	case a.SequenceNumber > b.SequenceNumber:
		return 1
	}
	return 0
}

// Candidate is a referee whose balance has been observed with the claims pending against it.
type Candidate struct {
	Referee types.PubKey
	Balance *uint256.Int
	Claims  []*types.Reimbursement
}

/*
SelectBatch picks claims for the next batch. Referees are visited in
ascending public key order, referee with balance not above "minReserve" is
skipped. Claims of the referee are tried in "cmp" order and accepted while
their sum fits into the referee's headroom (balance - minReserve); the first
claim which doesn't fit ends the referee's turn. Selection stops when the
batch has "maxSize" claims.
*/
func SelectBatch(candidates []*Candidate, minReserve *uint256.Int, maxSize int, cmp Comparator) []*types.Reimbursement {
	if minReserve == nil {
		minReserve = uint256.NewInt(0)
	}
	if cmp == nil {
		cmp = ByStakeAscending
	}
	sorted := slices.Clone(candidates)
	slices.SortFunc(sorted, func(a, b *Candidate) int { return a.Referee.Compare(b.Referee) })

	var batch []*types.Reimbursement
	for _, c := range sorted {
		if len(batch) >= maxSize {
			break
		}
		if c.Balance == nil || !c.Balance.Gt(minReserve) {
			continue
		}
		headroom := new(uint256.Int).Sub(c.Balance, minReserve)
		claims := slices.Clone(c.Claims)
		slices.SortFunc(claims, cmp)

		total := new(uint256.Int)
		for _, r := range claims {
			if len(batch) >= maxSize {
				break
			}
			if r.Stake == nil {
				continue
			}
			sum, overflow := new(uint256.Int).AddOverflow(total, r.Stake)
			if overflow || sum.Gt(headroom) {
				break
			}
			total = sum
			batch = append(batch, r)
		}
	}
	return batch
}
