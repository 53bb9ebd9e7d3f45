package types

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Reimbursement is a pending claim against the referee's stake.
type Reimbursement struct {
	Referee        PubKey
	Worker         PubKey
	Employer       PubKey
	SequenceNumber uint64
	Block          uint64
	BlockAllowed   uint64
	Stake          *uint256.Int
	ReceiptSig     Bytes
	WorkerSig      Bytes
}

/*
NewReimbursement builds a claim out of the usage right. The usage right is
expected to be valid (see UsageRight.IsValid).
*/
func NewReimbursement(u *UsageRight) *Reimbursement {
	c := u.Clone()
	return &Reimbursement{
		Referee:        c.Referee,
		Worker:         c.Worker,
		Employer:       c.Employer,
		SequenceNumber: uint64(c.SequenceNumber),
		Block:          c.Block,
		BlockAllowed:   c.BlockAllowed,
		Stake:          c.Stake,
		ReceiptSig:     c.ReceiptSig,
		WorkerSig:      c.WorkerSig,
	}
}

func (r *Reimbursement) IsValid() error {
	if r == nil {
		return errors.New("reimbursement is nil")
	}
	if err := r.Referee.IsValid(); err != nil {
		return fmt.Errorf("referee: %w", err)
	}
	if err := r.Worker.IsValid(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := r.Employer.IsValid(); err != nil {
		return fmt.Errorf("employer: %w", err)
	}
	if r.Stake == nil {
		return fmt.Errorf("%w: stake is missing", ErrInvalidField)
	}
	if r.BlockAllowed > r.Block {
		return fmt.Errorf("%w: allowed block %d is after diploma block %d", ErrInvalidField, r.BlockAllowed, r.Block)
	}
	if err := checkSignature("receipt signature", r.ReceiptSig); err != nil {
		return err
	}
	return checkSignature("worker signature", r.WorkerSig)
}

// Expired returns true when the challenge window of the claim has passed at block "current".
func (r *Reimbursement) Expired(current uint64) bool {
	return current > r.BlockAllowed
}
