package types

import (
	"bytes"
	"errors"
	"fmt"
)

/*
UsageRight is a Diploma counter-signed by its worker, granting the Employer
the right to challenge the diploma until BlockAllowed.
*/
type UsageRight struct {
	Diploma
	Employer     PubKey
	BlockAllowed uint64
	WorkerSig    Bytes
	WasUsed      bool
}

func (u *UsageRight) ID() []byte {
	did := u.Diploma.ID()
	if did == nil {
		return nil
	}
	return hashOf(did, u.Employer, u.WorkerSig)
}

func (u *UsageRight) IsValid() error {
	if u == nil {
		return errors.New("usage right is nil")
	}
	if err := u.Diploma.IsValid(); err != nil {
		return err
	}
	if err := u.Employer.IsValid(); err != nil {
		return fmt.Errorf("employer: %w", err)
	}
	if u.BlockAllowed > u.Block {
		return fmt.Errorf("%w: allowed block %d is after diploma block %d", ErrInvalidField, u.BlockAllowed, u.Block)
	}
	return checkSignature("worker signature", u.WorkerSig)
}

func (u *UsageRight) Clone() *UsageRight {
	c := *u
	c.Diploma = *u.Diploma.Clone()
	c.Employer = bytes.Clone(u.Employer)
	c.WorkerSig = bytes.Clone(u.WorkerSig)
	return &c
}
