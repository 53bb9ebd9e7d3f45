package ledger

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/learnearn/vouchers/crypto"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/util"
)

type (
	// ReimbursementCall is single item of the batch transaction.
	ReimbursementCall struct {
		_              struct{} `cbor:",toarray"`
		SequenceNumber uint64
		Block          uint64
		BlockAllowed   uint64
		Referee        types.PubKey
		Worker         types.PubKey
		Employer       types.PubKey
		Stake          []byte // 32 byte big-endian
		ReceiptSig     types.Bytes
		WorkerSig      types.Bytes
	}

	batchPayload struct {
		_      struct{} `cbor:",toarray"`
		Sender types.PubKey
		Calls  []*ReimbursementCall
	}

	// SignedBatch is the force-batch transaction sent to the ledger.
	SignedBatch struct {
		_         struct{} `cbor:",toarray"`
		Payload   []byte
		Signature []byte
	}
)

func NewReimbursementCall(r *types.Reimbursement) *ReimbursementCall {
	return &ReimbursementCall{
		SequenceNumber: r.SequenceNumber,
		Block:          r.Block,
		BlockAllowed:   r.BlockAllowed,
		Referee:        r.Referee,
		Worker:         r.Worker,
		Employer:       r.Employer,
		Stake:          util.Uint256ToBytes(r.Stake),
		ReceiptSig:     r.ReceiptSig,
		WorkerSig:      r.WorkerSig,
	}
}

func (c *ReimbursementCall) Reimbursement() (*types.Reimbursement, error) {
	if len(c.Stake) != 32 {
		return nil, fmt.Errorf("%w: stake must be 32 bytes, got %d", types.ErrInvalidField, len(c.Stake))
	}
	return &types.Reimbursement{
		Referee:        c.Referee,
		Worker:         c.Worker,
		Employer:       c.Employer,
		SequenceNumber: c.SequenceNumber,
		Block:          c.Block,
		BlockAllowed:   c.BlockAllowed,
		Stake:          util.BytesToUint256(c.Stake),
		ReceiptSig:     c.ReceiptSig,
		WorkerSig:      c.WorkerSig,
	}, nil
}

/*
SignBatch encodes the calls with the public key of the signer as sender and
signs the encoded payload.
*/
func SignBatch(calls []*ReimbursementCall, signer crypto.Signer) (*SignedBatch, error) {
	if signer == nil {
		return nil, crypto.ErrSignerIsNil
	}
	if len(calls) == 0 {
		return nil, errors.New("batch is empty")
	}
	sender, err := crypto.PublicKeyOf(signer)
	if err != nil {
		return nil, fmt.Errorf("reading signer public key: %w", err)
	}
	payload, err := cbor.Marshal(batchPayload{Sender: sender, Calls: calls})
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	sig, err := signer.SignBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("signing batch: %w", err)
	}
	return &SignedBatch{Payload: payload, Signature: sig}, nil
}

/*
Open verifies the sender's signature and returns the sender and the calls of
the batch.
*/
func (sb *SignedBatch) Open() (types.PubKey, []*ReimbursementCall, error) {
	var p batchPayload
	if err := cbor.Unmarshal(sb.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decoding batch payload: %w", err)
	}
	if err := crypto.VerifyBytes(p.Sender, sb.Signature, sb.Payload); err != nil {
		return nil, nil, fmt.Errorf("verifying batch signature: %w", err)
	}
	return p.Sender, p.Calls, nil
}
