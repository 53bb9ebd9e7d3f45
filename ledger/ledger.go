/*
Package ledger describes the blockchain the reimbursement claims are settled
on, as seen by the voucher subsystem: block headers, account balances and
submission of batched reimbursement calls.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/crypto"
	"github.com/learnearn/vouchers/types"
)

// MethodReimbursementHappened is the name of the event emitted for settled claim.
const (
	MethodReimbursementHappened = "ReimbursementHappened"
	MethodReimbursementFailed   = "ReimbursementFailed"
)

var ErrUnknownStatus = errors.New("unknown batch status")

type (
	Header struct {
		Number uint64      `json:"number,string"`
		Hash   types.Bytes `json:"hash,omitempty"`
	}

	HeaderReader interface {
		CurrentHeader(ctx context.Context) (*Header, error)
	}

	/*
		Client is the ledger node connection used by the scheduler and the
		voucher lifecycle.
	*/
	Client interface {
		HeaderReader
		/*
			WatchBalance calls "fn" with the free balance of the account every time it
			changes (and once with the current balance soon after subscribing).
			Returned func cancels the subscription, so does cancelling the ctx.
		*/
		WatchBalance(ctx context.Context, account types.PubKey, fn func(balance *uint256.Int)) (unsubscribe func(), err error)
		/*
			SubmitBatch signs the calls with "signer" and submits them as single
			force-batch transaction. Items of the batch succeed or fail independently.
			Returned channel delivers status updates of the transaction and is closed
			after terminal status or when ctx is cancelled.
		*/
		SubmitBatch(ctx context.Context, calls []*ReimbursementCall, signer crypto.Signer) (<-chan *BatchStatus, error)
	}

	Status int

	// Event is emitted by the ledger for an item of the batch.
	Event struct {
		Method         string       `json:"method"`
		Referee        types.PubKey `json:"referee"`
		SequenceNumber uint64       `json:"sequenceNumber,string"`
		Reason         string       `json:"reason,omitempty"`
	}

	BatchStatus struct {
		Status      Status   `json:"status"`
		BlockNumber uint64   `json:"blockNumber,string,omitempty"`
		Events      []*Event `json:"events,omitempty"`
		Error       string   `json:"error,omitempty"`
	}
)

const (
	StatusReady Status = iota
	StatusInBlock
	StatusFinalized
	StatusError
)

var statusNames = [...]string{"Ready", "InBlock", "Finalized", "Error"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, n := range statusNames {
		if strings.EqualFold(n, string(text)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownStatus, text)
}

// Included returns true when the transaction has been included into block.
func (s Status) Included() bool {
	return s == StatusInBlock || s == StatusFinalized
}

// Terminal returns true for statuses after which no more updates are expected by the submitter.
func (s Status) Terminal() bool {
	return s.Included() || s == StatusError
}

// Settled returns events of the status which confirm settlement of a claim.
func (bs *BatchStatus) Settled() []*Event {
	var settled []*Event
	for _, e := range bs.Events {
		if e.Method == MethodReimbursementHappened {
			settled = append(settled, e)
		}
	}
	return settled
}
