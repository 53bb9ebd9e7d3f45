/*
Package payload builds the canonical byte sequences referees and workers sign.

Every field is encoded with fixed width or a length prefix so that the
concatenation is unambiguous:
  - text fields: 4 byte big-endian length followed by the UTF-8 bytes;
  - sequence and block numbers: 8 byte big-endian;
  - amounts: 32 byte big-endian;
  - public keys (33 bytes), signatures (65 bytes) and genesis id (32 bytes)
    are copied as is after their length has been checked.

The same functions are used for signing and verification, any change of a
signed field invalidates the signature.
*/
package payload

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/crypto"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/util"
)

var ErrUnassignedSequence = errors.New("sequence number is not assigned")

type builder struct {
	buf bytes.Buffer
	err error
}

func (b *builder) text(s string) *builder {
	b.buf.Write(util.Uint32ToBytes(uint32(len(s))))
	b.buf.WriteString(s)
	return b
}

func (b *builder) uint64(v uint64) *builder {
	b.buf.Write(util.Uint64ToBytes(v))
	return b
}

func (b *builder) amount(v *uint256.Int) *builder {
	if v == nil && b.err == nil {
		b.err = fmt.Errorf("%w: amount is missing", types.ErrInvalidField)
	}
	b.buf.Write(util.Uint256ToBytes(v))
	return b
}

func (b *builder) fixed(name string, size int, v []byte) *builder {
	if len(v) != size && b.err == nil {
		b.err = fmt.Errorf("%w: %s must be %d bytes, got %d", types.ErrInvalidField, name, size, len(v))
	}
	b.buf.Write(v)
	return b
}

func (b *builder) bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.buf.Bytes(), nil
}

func sequence(n int64) (uint64, error) {
	if n < 0 {
		return 0, ErrUnassignedSequence
	}
	return uint64(n), nil
}

/*
Private returns the disclosing payload of the diploma, it includes the skill
content id and is signed by the referee as Diploma.PrivateSig.
*/
func Private(d *types.Diploma, genesis types.GenesisID) ([]byte, error) {
	seq, err := sequence(d.SequenceNumber)
	if err != nil {
		return nil, err
	}
	b := &builder{}
	return b.text(d.SkillContentID).
		fixed("genesis id", types.GenesisIDLength, genesis).
		uint64(seq).
		uint64(d.Block).
		fixed("referee key", types.PubKeyLength, d.Referee).
		fixed("worker key", types.PubKeyLength, d.Worker).
		amount(d.Stake).
		bytes()
}

/*
Receipt returns the non-disclosing payload of the diploma (no skill content
id), signed by the referee as Diploma.ReceiptSig.
*/
func Receipt(d *types.Diploma, genesis types.GenesisID) ([]byte, error) {
	seq, err := sequence(d.SequenceNumber)
	if err != nil {
		return nil, err
	}
	return receipt(genesis, seq, d.Block, d.Referee, d.Worker, d.Stake)
}

func receipt(genesis types.GenesisID, seq, block uint64, referee, worker types.PubKey, stake *uint256.Int) ([]byte, error) {
	b := &builder{}
	return b.fixed("genesis id", types.GenesisIDLength, genesis).
		uint64(seq).
		uint64(block).
		fixed("referee key", types.PubKeyLength, referee).
		fixed("worker key", types.PubKeyLength, worker).
		amount(stake).
		bytes()
}

// UsageRight returns the payload the worker signs to grant the employer challenge rights.
func UsageRight(u *types.UsageRight) ([]byte, error) {
	seq, err := sequence(u.SequenceNumber)
	if err != nil {
		return nil, err
	}
	return usageRight(seq, u.Block, u.BlockAllowed, u.Referee, u.Worker, u.Stake, u.ReceiptSig, u.Employer)
}

func usageRight(seq, block, blockAllowed uint64, referee, worker types.PubKey, stake *uint256.Int, receiptSig []byte, employer types.PubKey) ([]byte, error) {
	b := &builder{}
	return b.uint64(seq).
		uint64(block).
		uint64(blockAllowed).
		fixed("referee key", types.PubKeyLength, referee).
		fixed("worker key", types.PubKeyLength, worker).
		amount(stake).
		fixed("receipt signature", types.SignatureLength, receiptSig).
		fixed("employer key", types.PubKeyLength, employer).
		bytes()
}

/*
SignDiploma signs both payloads of the diploma with the referee's signer and
stores the signatures in the diploma.
*/
func SignDiploma(d *types.Diploma, genesis types.GenesisID, referee crypto.Signer) error {
	private, err := Private(d, genesis)
	if err != nil {
		return fmt.Errorf("building private payload: %w", err)
	}
	rcpt, err := Receipt(d, genesis)
	if err != nil {
		return fmt.Errorf("building receipt payload: %w", err)
	}
	privateSig, err := referee.SignBytes(private)
	if err != nil {
		return fmt.Errorf("signing private payload: %w", err)
	}
	receiptSig, err := referee.SignBytes(rcpt)
	if err != nil {
		return fmt.Errorf("signing receipt payload: %w", err)
	}
	d.PrivateSig = privateSig
	d.ReceiptSig = receiptSig
	return nil
}

// VerifyDiploma verifies both referee signatures of the diploma.
func VerifyDiploma(d *types.Diploma, genesis types.GenesisID) error {
	private, err := Private(d, genesis)
	if err != nil {
		return fmt.Errorf("building private payload: %w", err)
	}
	if err := crypto.VerifyBytes(d.Referee, d.PrivateSig, private); err != nil {
		return fmt.Errorf("private payload: %w", err)
	}
	return VerifyReceipt(d, genesis)
}

/*
VerifyReceipt verifies only the non-disclosing receipt signature, it can be
checked without knowing which skill the diploma attests.
*/
func VerifyReceipt(d *types.Diploma, genesis types.GenesisID) error {
	rcpt, err := Receipt(d, genesis)
	if err != nil {
		return fmt.Errorf("building receipt payload: %w", err)
	}
	if err := crypto.VerifyBytes(d.Referee, d.ReceiptSig, rcpt); err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	return nil
}

// SignUsageRight counter-signs the usage right with the worker's signer.
func SignUsageRight(u *types.UsageRight, worker crypto.Signer) error {
	data, err := UsageRight(u)
	if err != nil {
		return fmt.Errorf("building usage right payload: %w", err)
	}
	sig, err := worker.SignBytes(data)
	if err != nil {
		return fmt.Errorf("signing usage right payload: %w", err)
	}
	u.WorkerSig = sig
	return nil
}

/*
VerifyUsageRight verifies the referee's receipt signature and the worker's
counter signature of the usage right.
*/
func VerifyUsageRight(u *types.UsageRight, genesis types.GenesisID) error {
	if err := VerifyReceipt(&u.Diploma, genesis); err != nil {
		return err
	}
	data, err := UsageRight(u)
	if err != nil {
		return fmt.Errorf("building usage right payload: %w", err)
	}
	if err := crypto.VerifyBytes(u.Worker, u.WorkerSig, data); err != nil {
		return fmt.Errorf("worker counter signature: %w", err)
	}
	return nil
}

// VerifyReimbursement checks both signatures carried by the claim.
func VerifyReimbursement(r *types.Reimbursement, genesis types.GenesisID) error {
	rcpt, err := receipt(genesis, r.SequenceNumber, r.Block, r.Referee, r.Worker, r.Stake)
	if err != nil {
		return fmt.Errorf("building receipt payload: %w", err)
	}
	if err := crypto.VerifyBytes(r.Referee, r.ReceiptSig, rcpt); err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	data, err := usageRight(r.SequenceNumber, r.Block, r.BlockAllowed, r.Referee, r.Worker, r.Stake, r.ReceiptSig, r.Employer)
	if err != nil {
		return fmt.Errorf("building usage right payload: %w", err)
	}
	if err := crypto.VerifyBytes(r.Worker, r.WorkerSig, data); err != nil {
		return fmt.Errorf("worker counter signature: %w", err)
	}
	return nil
}
