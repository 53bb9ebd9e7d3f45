package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/util"
)

// UnassignedSequence marks a Diploma which has not been submitted for signing yet.
const UnassignedSequence int64 = -1

type (
	// Diploma is a skill voucher issued and signed by a referee.
	Diploma struct {
		SkillContentID string
		WorkerID       string
		KnowledgeID    string
		// per referee nonce, UnassignedSequence until the diploma is signed
		SequenceNumber int64
		// block until which the referee's stake remains claimable
		Block      uint64
		Referee    PubKey
		Worker     PubKey
		Stake      *uint256.Int
		PrivateSig Bytes
		ReceiptSig Bytes

		Valid            bool
		ReexamineCount   uint32
		LastReexaminedAt int64 // unix milliseconds, 0 when never reexamined
	}
)

/*
ID returns identifier of the signed diploma, nil when the diploma is not
signed yet. Two diplomas sharing a sequence number still get different IDs.
*/
func (d *Diploma) ID() []byte {
	if !d.Assigned() || len(d.PrivateSig) == 0 {
		return nil
	}
	return hashOf(d.Referee, util.Uint64ToBytes(uint64(d.SequenceNumber)), d.PrivateSig)
}

// Assigned returns true when the diploma has been given a sequence number.
func (d *Diploma) Assigned() bool {
	return d.SequenceNumber >= 0
}

/*
IsValid checks that the diploma is structurally complete, ie is signed and
all keys and signatures have correct length. It does not verify signatures.
*/
func (d *Diploma) IsValid() error {
	if d == nil {
		return errors.New("diploma is nil")
	}
	if !d.Assigned() {
		return fmt.Errorf("%w: sequence number is not assigned", ErrInvalidField)
	}
	if d.Stake == nil {
		return fmt.Errorf("%w: stake is missing", ErrInvalidField)
	}
	if err := d.Referee.IsValid(); err != nil {
		return fmt.Errorf("referee: %w", err)
	}
	if err := d.Worker.IsValid(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := checkSignature("private payload signature", d.PrivateSig); err != nil {
		return err
	}
	return checkSignature("receipt signature", d.ReceiptSig)
}

func (d *Diploma) Clone() *Diploma {
	c := *d
	c.Referee = bytes.Clone(d.Referee)
	c.Worker = bytes.Clone(d.Worker)
	if d.Stake != nil {
		c.Stake = d.Stake.Clone()
	}
	c.PrivateSig = bytes.Clone(d.PrivateSig)
	c.ReceiptSig = bytes.Clone(d.ReceiptSig)
	return &c
}
