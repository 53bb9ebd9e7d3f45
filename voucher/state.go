package voucher

import (
	"fmt"

	"github.com/learnearn/vouchers/types"
)

type State int

const (
	StateDrafted State = iota
	StateSigned
	StateDerived
	StateValidated
	StateInvalidated
	StateExpired
)

var stateNames = [...]string{"drafted", "signed", "derived", "validated", "invalidated", "expired"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown voucher state %q", b)
}

// Terminal returns true for states after which the voucher no longer changes.
func (s State) Terminal() bool {
	return s == StateValidated || s == StateExpired
}

/*
DiplomaState returns the state of the diploma at block "current". Diploma
is expired once its stake is no longer claimable.
*/
func DiplomaState(d *types.Diploma, current uint64) State {
	switch {
	case !d.Assigned():
		return StateDrafted
	case !d.Valid:
		return StateInvalidated
	case current > d.Block:
		return StateExpired
	default:
		return StateSigned
	}
}

/*
UsageRightState returns the state of the usage right at block "current".
Usage right whose challenge window has passed is expired, unless it has
been reexamined successfully.
*/
func UsageRightState(u *types.UsageRight, current uint64) State {
	switch {
	case u.WasUsed && current > u.BlockAllowed:
		return StateExpired
	case u.WasUsed:
		return StateInvalidated
	case u.ReexamineCount > 0:
		return StateValidated
	case current > u.BlockAllowed:
		return StateExpired
	default:
		return StateDerived
	}
}
