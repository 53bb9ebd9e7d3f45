/*
Package wire implements the text format vouchers are exchanged in between
peers (QR codes, peer data channel).

A record is a comma separated list of fields, the first field is the record
kind tag:

	D,<skill>,<workerId>,<knowledgeId>,<seq>,<block>,<referee>,<worker>,<stake>,<privateSig>,<receiptSig>,<valid>,<reexamineCount>,<lastReexaminedAt>
	U,<diploma fields>,<employer>,<blockAllowed>,<workerSig>,<wasUsed>
	R,<referee>,<worker>,<employer>,<seq>,<block>,<blockAllowed>,<stake>,<receiptSig>,<workerSig>
	UB,<count>,<usage right fields>...

Text fields are query escaped, keys and signatures are 0x prefixed hex,
numbers and amounts are decimal.
*/
package wire

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/types"
)

const (
	KindDiploma       = "D"
	KindUsageRight    = "U"
	KindReimbursement = "R"
	KindUsageRights   = "UB"

	diplomaFields       = 13
	usageRightFields    = diplomaFields + 4
	reimbursementFields = 9

	separator = ","
)

var ErrMalformedVoucher = errors.New("malformed voucher")

// Kind returns the kind tag of the record.
func Kind(record string) (string, error) {
	kind, _, _ := strings.Cut(record, separator)
	switch kind {
	case KindDiploma, KindUsageRight, KindReimbursement, KindUsageRights:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown record kind %q", ErrMalformedVoucher, kind)
	}
}

func EncodeDiploma(d *types.Diploma) string {
	w := &writer{}
	w.str(KindDiploma)
	w.diploma(d)
	return w.String()
}

func DecodeDiploma(record string) (*types.Diploma, error) {
	r, err := newReader(record, KindDiploma, diplomaFields)
	if err != nil {
		return nil, err
	}
	d := &types.Diploma{}
	r.diploma(d)
	if r.err != nil {
		return nil, r.err
	}
	return d, nil
}

func EncodeUsageRight(u *types.UsageRight) string {
	w := &writer{}
	w.str(KindUsageRight)
	w.usageRight(u)
	return w.String()
}

func DecodeUsageRight(record string) (*types.UsageRight, error) {
	r, err := newReader(record, KindUsageRight, usageRightFields)
	if err != nil {
		return nil, err
	}
	u := &types.UsageRight{}
	r.usageRight(u)
	if r.err != nil {
		return nil, r.err
	}
	return u, nil
}

// EncodeUsageRights encodes batch of usage rights as single record.
func EncodeUsageRights(batch []*types.UsageRight) string {
	w := &writer{}
	w.str(KindUsageRights)
	w.int(int64(len(batch)))
	for _, u := range batch {
		w.usageRight(u)
	}
	return w.String()
}

/*
DecodeUsageRights decodes batch record of usage rights. Single usage right
record is accepted too and returned as batch of one.
*/
func DecodeUsageRights(record string) ([]*types.UsageRight, error) {
	if kind, _ := Kind(record); kind == KindUsageRight {
		u, err := DecodeUsageRight(record)
		if err != nil {
			return nil, err
		}
		return []*types.UsageRight{u}, nil
	}

	fields := strings.Split(record, separator)
	if fields[0] != KindUsageRights {
		return nil, fmt.Errorf("%w: expected record kind %q, got %q", ErrMalformedVoucher, KindUsageRights, fields[0])
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: batch size is missing", ErrMalformedVoucher)
	}
	count, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid batch size: %v", ErrMalformedVoucher, err)
	}
	if want := 2 + int(count)*usageRightFields; len(fields) != want {
		return nil, fmt.Errorf("%w: batch of %d usage rights must have %d fields, got %d", ErrMalformedVoucher, count, want, len(fields))
	}

	r := &reader{fields: fields, idx: 2}
	batch := make([]*types.UsageRight, count)
	for i := range batch {
		batch[i] = &types.UsageRight{}
		r.usageRight(batch[i])
	}
	if r.err != nil {
		return nil, r.err
	}
	return batch, nil
}

func EncodeReimbursement(c *types.Reimbursement) string {
	w := &writer{}
	w.str(KindReimbursement)
	w.bytes(c.Referee)
	w.bytes(c.Worker)
	w.bytes(c.Employer)
	w.uint(c.SequenceNumber)
	w.uint(c.Block)
	w.uint(c.BlockAllowed)
	w.amount(c.Stake)
	w.bytes(c.ReceiptSig)
	w.bytes(c.WorkerSig)
	return w.String()
}

func DecodeReimbursement(record string) (*types.Reimbursement, error) {
	r, err := newReader(record, KindReimbursement, reimbursementFields)
	if err != nil {
		return nil, err
	}
	c := &types.Reimbursement{
		Referee:        r.bytes("referee"),
		Worker:         r.bytes("worker"),
		Employer:       r.bytes("employer"),
		SequenceNumber: r.uint("sequence number"),
		Block:          r.uint("block"),
		BlockAllowed:   r.uint("allowed block"),
		Stake:          r.amount("stake"),
		ReceiptSig:     r.bytes("receipt signature"),
		WorkerSig:      r.bytes("worker signature"),
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

type writer struct {
	strings.Builder
}

func (w *writer) str(s string) {
	if w.Len() > 0 {
		w.WriteString(separator)
	}
	w.WriteString(s)
}

func (w *writer) text(s string) { w.str(url.QueryEscape(s)) }

func (w *writer) int(v int64) { w.str(strconv.FormatInt(v, 10)) }

func (w *writer) uint(v uint64) { w.str(strconv.FormatUint(v, 10)) }

func (w *writer) bool(v bool) { w.str(strconv.FormatBool(v)) }

func (w *writer) bytes(b []byte) {
	if len(b) == 0 {
		w.str("")
		return
	}
	w.str(hexutil.Encode(b))
}

func (w *writer) amount(v *uint256.Int) {
	if v == nil {
		w.str("")
		return
	}
	w.str(v.ToBig().String())
}

func (w *writer) diploma(d *types.Diploma) {
	w.text(d.SkillContentID)
	w.text(d.WorkerID)
	w.text(d.KnowledgeID)
	w.int(d.SequenceNumber)
	w.uint(d.Block)
	w.bytes(d.Referee)
	w.bytes(d.Worker)
	w.amount(d.Stake)
	w.bytes(d.PrivateSig)
	w.bytes(d.ReceiptSig)
	w.bool(d.Valid)
	w.uint(uint64(d.ReexamineCount))
	w.int(d.LastReexaminedAt)
}

func (w *writer) usageRight(u *types.UsageRight) {
	w.diploma(&u.Diploma)
	w.bytes(u.Employer)
	w.uint(u.BlockAllowed)
	w.bytes(u.WorkerSig)
	w.bool(u.WasUsed)
}

/*
reader consumes fields in order, the first error is sticky and all
subsequent reads return zero values.
*/
type reader struct {
	fields []string
	idx    int
	err    error
}

func newReader(record, kind string, fieldCnt int) (*reader, error) {
	fields := strings.Split(record, separator)
	if fields[0] != kind {
		return nil, fmt.Errorf("%w: expected record kind %q, got %q", ErrMalformedVoucher, kind, fields[0])
	}
	if len(fields)-1 != fieldCnt {
		return nil, fmt.Errorf("%w: record of kind %q must have %d fields, got %d", ErrMalformedVoucher, kind, fieldCnt, len(fields)-1)
	}
	return &reader{fields: fields, idx: 1}, nil
}

func (r *reader) next(name string, parse func(s string) error) {
	if r.err != nil {
		return
	}
	if r.idx >= len(r.fields) {
		r.err = fmt.Errorf("%w: field %s is missing", ErrMalformedVoucher, name)
		return
	}
	if err := parse(r.fields[r.idx]); err != nil {
		r.err = fmt.Errorf("%w: field %s (%d): %v", ErrMalformedVoucher, name, r.idx, err)
	}
	r.idx++
}

func (r *reader) text(name string) (v string) {
	r.next(name, func(s string) (err error) {
		v, err = url.QueryUnescape(s)
		return err
	})
	return v
}

func (r *reader) int(name string) (v int64) {
	r.next(name, func(s string) (err error) {
		v, err = strconv.ParseInt(s, 10, 64)
		return err
	})
	return v
}

func (r *reader) uint(name string) (v uint64) {
	r.next(name, func(s string) (err error) {
		v, err = strconv.ParseUint(s, 10, 64)
		return err
	})
	return v
}

func (r *reader) uint32(name string) (v uint32) {
	r.next(name, func(s string) error {
		n, err := strconv.ParseUint(s, 10, 32)
		v = uint32(n)
		return err
	})
	return v
}

func (r *reader) bool(name string) (v bool) {
	r.next(name, func(s string) (err error) {
		v, err = strconv.ParseBool(s)
		return err
	})
	return v
}

func (r *reader) bytes(name string) (v []byte) {
	r.next(name, func(s string) (err error) {
		if s == "" {
			return nil
		}
		v, err = hexutil.Decode(s)
		return err
	})
	return v
}

func (r *reader) amount(name string) (v *uint256.Int) {
	r.next(name, func(s string) error {
		if s == "" {
			return nil
		}
		var err error
		v, err = ParseAmount(s)
		return err
	})
	return v
}

func (r *reader) diploma(d *types.Diploma) {
	d.SkillContentID = r.text("skill content id")
	d.WorkerID = r.text("worker id")
	d.KnowledgeID = r.text("knowledge id")
	d.SequenceNumber = r.int("sequence number")
	d.Block = r.uint("block")
	d.Referee = r.bytes("referee")
	d.Worker = r.bytes("worker")
	d.Stake = r.amount("stake")
	d.PrivateSig = r.bytes("private signature")
	d.ReceiptSig = r.bytes("receipt signature")
	d.Valid = r.bool("valid")
	d.ReexamineCount = r.uint32("reexamine count")
	d.LastReexaminedAt = r.int("last reexamined at")
	if r.err == nil && d.SequenceNumber < types.UnassignedSequence {
		r.err = fmt.Errorf("%w: invalid sequence number %d", ErrMalformedVoucher, d.SequenceNumber)
	}
}

func (r *reader) usageRight(u *types.UsageRight) {
	r.diploma(&u.Diploma)
	u.Employer = r.bytes("employer")
	u.BlockAllowed = r.uint("allowed block")
	u.WorkerSig = r.bytes("worker signature")
	u.WasUsed = r.bool("was used")
}

/*
ParseAmount parses non-negative decimal integer which must fit into 256 bits.
*/
func ParseAmount(s string) (*uint256.Int, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative, got %s", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("amount %s does not fit into 256 bits", s)
	}
	return v, nil
}

// FormatAmount returns decimal representation of the amount, "0" for nil.
func FormatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.ToBig().String()
}
