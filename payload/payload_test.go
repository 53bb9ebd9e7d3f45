package payload

import (
	"bytes"
	"testing"

	"github.com/holiman/uint256"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/learnearn/vouchers/crypto"
	test "github.com/learnearn/vouchers/internal/testutils"
	testsig "github.com/learnearn/vouchers/internal/testutils/sig"
	"github.com/learnearn/vouchers/types"
)

func newDiploma(t *testing.T, seq int64, stake uint64) (*types.Diploma, *crypto.InMemorySecp256K1Signer, types.GenesisID) {
	t.Helper()
	referee, refereeKey := testsig.CreateSigner(t)
	_, workerKey := testsig.CreateSigner(t)
	genesis := types.GenesisID(test.RandomBytes(types.GenesisIDLength))
	d := &types.Diploma{
		SkillContentID: "QmSkill",
		WorkerID:       "worker-1",
		KnowledgeID:    "knowledge-1",
		SequenceNumber: seq,
		Block:          1000,
		Referee:        refereeKey,
		Worker:         workerKey,
		Stake:          uint256.NewInt(stake),
		Valid:          true,
	}
	require.NoError(t, SignDiploma(d, genesis, referee))
	return d, referee, genesis
}

func TestSignDiploma(t *testing.T) {
	d, _, genesis := newDiploma(t, 0, 100)
	require.NoError(t, d.IsValid())
	require.NoError(t, VerifyDiploma(d, genesis))
	require.NotEqual(t, d.PrivateSig, d.ReceiptSig)

	t.Run("other genesis", func(t *testing.T) {
		err := VerifyDiploma(d, test.RandomBytes(types.GenesisIDLength))
		require.ErrorIs(t, err, crypto.ErrInvalidSignature)
	})

	t.Run("receipt does not depend on skill", func(t *testing.T) {
		c := d.Clone()
		c.SkillContentID = "QmOtherSkill"
		require.NoError(t, VerifyReceipt(c, genesis))
		require.ErrorIs(t, VerifyDiploma(c, genesis), crypto.ErrInvalidSignature)
	})

	t.Run("unassigned sequence", func(t *testing.T) {
		c := d.Clone()
		c.SequenceNumber = types.UnassignedSequence
		_, err := Private(c, genesis)
		require.ErrorIs(t, err, ErrUnassignedSequence)
		_, err = Receipt(c, genesis)
		require.ErrorIs(t, err, ErrUnassignedSequence)
		signer, _ := testsig.CreateSigner(t)
		require.ErrorIs(t, SignDiploma(c, genesis, signer), ErrUnassignedSequence)
	})

	t.Run("invalid key length", func(t *testing.T) {
		c := d.Clone()
		c.Worker = c.Worker[1:]
		_, err := Receipt(c, genesis)
		require.ErrorIs(t, err, types.ErrInvalidField)
		require.ErrorContains(t, err, "worker key must be 33 bytes, got 32")
	})

	t.Run("missing stake", func(t *testing.T) {
		c := d.Clone()
		c.Stake = nil
		_, err := Private(c, genesis)
		require.ErrorIs(t, err, types.ErrInvalidField)
	})
}

func TestSignDiploma_FieldMutations(t *testing.T) {
	d, _, genesis := newDiploma(t, 5, 100)
	var mutations = []struct {
		name string
		f    func(d *types.Diploma)
	}{
		{"skill", func(d *types.Diploma) { d.SkillContentID += "x" }},
		{"sequence", func(d *types.Diploma) { d.SequenceNumber++ }},
		{"block", func(d *types.Diploma) { d.Block++ }},
		{"referee", func(d *types.Diploma) { d.Referee, d.Worker = d.Worker, d.Referee }},
		{"stake", func(d *types.Diploma) { d.Stake = uint256.NewInt(101) }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			c := d.Clone()
			tc.f(c)
			require.ErrorIs(t, VerifyDiploma(c, genesis), crypto.ErrInvalidSignature)
		})
	}

	// not signed fields
	c := d.Clone()
	c.WorkerID = "other"
	c.KnowledgeID = "other"
	c.Valid = false
	c.ReexamineCount = 3
	require.NoError(t, VerifyDiploma(c, genesis))
}

func TestText_LengthPrefix(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not produce the same bytes
	b1, err := (&builder{}).text("ab").text("c").bytes()
	require.NoError(t, err)
	b2, err := (&builder{}).text("a").text("bc").bytes()
	require.NoError(t, err)
	require.False(t, bytes.Equal(b1, b2))
	require.Equal(t, []byte{0, 0, 0, 2, 'a', 'b', 0, 0, 0, 1, 'c'}, b1)
}

func TestReceipt_Layout(t *testing.T) {
	d, _, genesis := newDiploma(t, 1, 0x0102)
	data, err := Receipt(d, genesis)
	require.NoError(t, err)
	require.Len(t, data, types.GenesisIDLength+8+8+2*types.PubKeyLength+32)
	require.EqualValues(t, genesis, data[:32])
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, data[32:40])
	require.Equal(t, []byte{1, 2}, data[len(data)-2:])
}

func TestSignUsageRight(t *testing.T) {
	d, _, genesis := newDiploma(t, 0, 100)
	worker, workerKey := testsig.CreateSigner(t)
	d.Worker = workerKey
	// re-sign as worker changed
	referee, refereeKey := testsig.CreateSigner(t)
	d.Referee = refereeKey
	require.NoError(t, SignDiploma(d, genesis, referee))

	_, employerKey := testsig.CreateSigner(t)
	u := &types.UsageRight{Diploma: *d.Clone(), Employer: employerKey, BlockAllowed: 900}
	require.NoError(t, SignUsageRight(u, worker))
	require.NoError(t, u.IsValid())
	require.NoError(t, VerifyUsageRight(u, genesis))
	require.NoError(t, VerifyReimbursement(types.NewReimbursement(u), genesis))

	t.Run("allowed block changed", func(t *testing.T) {
		c := u.Clone()
		c.BlockAllowed--
		require.ErrorIs(t, VerifyUsageRight(c, genesis), crypto.ErrInvalidSignature)
		require.ErrorIs(t, VerifyReimbursement(types.NewReimbursement(c), genesis), crypto.ErrInvalidSignature)
	})

	t.Run("employer changed", func(t *testing.T) {
		c := u.Clone()
		_, c.Employer = testsig.CreateSigner(t)
		require.ErrorContains(t, VerifyUsageRight(c, genesis), "worker counter signature")
	})

	t.Run("signed by someone else than worker", func(t *testing.T) {
		c := u.Clone()
		require.NoError(t, SignUsageRight(c, referee))
		require.ErrorIs(t, VerifyUsageRight(c, genesis), crypto.ErrInvalidSignature)
	})

	t.Run("was used is not signed", func(t *testing.T) {
		c := u.Clone()
		c.WasUsed = true
		require.NoError(t, VerifyUsageRight(c, genesis))
	})
}

func TestSignVerify_Property(t *testing.T) {
	signer, pub := testsig.CreateSigner(t)
	_, worker := testsig.CreateSigner(t)
	genesis := types.GenesisID(test.RandomBytes(types.GenesisIDLength))

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("signature verifies and any bit flip of payload breaks it", prop.ForAll(
		func(skill string, seq int64, block, stake uint64, bit int) bool {
			d := &types.Diploma{SkillContentID: skill, SequenceNumber: seq, Block: block, Referee: pub, Worker: worker, Stake: uint256.NewInt(stake)}
			if err := SignDiploma(d, genesis, signer); err != nil {
				return false
			}
			if err := VerifyDiploma(d, genesis); err != nil {
				return false
			}
			data, err := Private(d, genesis)
			if err != nil {
				return false
			}
			idx := bit % (len(data) * 8)
			data[idx/8] ^= 1 << (idx % 8)
			return crypto.VerifyBytes(pub, d.PrivateSig, data) != nil
		},
		gen.AlphaString(),
		gen.Int64Range(0, 1<<40),
		gen.UInt64(),
		gen.UInt64(),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}
