package wire

import (
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	test "github.com/learnearn/vouchers/internal/testutils"
	"github.com/learnearn/vouchers/types"
)

func randomDiploma() *types.Diploma {
	stake, _ := uint256.FromHex("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff01")
	return &types.Diploma{
		SkillContentID:   "Qm skill, with commas & stuff?",
		WorkerID:         "worker,1",
		KnowledgeID:      "äöü%",
		SequenceNumber:   42,
		Block:            1 << 40,
		Referee:          test.RandomBytes(types.PubKeyLength),
		Worker:           test.RandomBytes(types.PubKeyLength),
		Stake:            stake,
		PrivateSig:       test.RandomBytes(types.SignatureLength),
		ReceiptSig:       test.RandomBytes(types.SignatureLength),
		Valid:            true,
		ReexamineCount:   3,
		LastReexaminedAt: 1700000000123,
	}
}

func randomUsageRight() *types.UsageRight {
	return &types.UsageRight{
		Diploma:      *randomDiploma(),
		Employer:     test.RandomBytes(types.PubKeyLength),
		BlockAllowed: 1 << 39,
		WorkerSig:    test.RandomBytes(types.SignatureLength),
		WasUsed:      true,
	}
}

func TestDiploma_RoundTrip(t *testing.T) {
	d := randomDiploma()
	s := EncodeDiploma(d)
	require.True(t, strings.HasPrefix(s, "D,"))
	require.Len(t, strings.Split(s, ","), 1+diplomaFields)

	d2, err := DecodeDiploma(s)
	require.NoError(t, err)
	require.Equal(t, d, d2)
	require.Equal(t, s, EncodeDiploma(d2))

	kind, err := Kind(s)
	require.NoError(t, err)
	require.Equal(t, KindDiploma, kind)
}

func TestDiploma_Drafted(t *testing.T) {
	d := &types.Diploma{SkillContentID: "skill", SequenceNumber: types.UnassignedSequence, Stake: uint256.NewInt(0)}
	d2, err := DecodeDiploma(EncodeDiploma(d))
	require.NoError(t, err)
	require.Equal(t, d, d2)
	require.EqualValues(t, -1, d2.SequenceNumber)
}

func TestUsageRight_RoundTrip(t *testing.T) {
	u := randomUsageRight()
	s := EncodeUsageRight(u)
	require.Len(t, strings.Split(s, ","), 1+usageRightFields)
	u2, err := DecodeUsageRight(s)
	require.NoError(t, err)
	require.Equal(t, u, u2)

	// single record is accepted as batch
	batch, err := DecodeUsageRights(s)
	require.NoError(t, err)
	require.Equal(t, []*types.UsageRight{u}, batch)
}

func TestUsageRights_RoundTrip(t *testing.T) {
	batch := []*types.UsageRight{randomUsageRight(), randomUsageRight(), randomUsageRight()}
	s := EncodeUsageRights(batch)
	require.True(t, strings.HasPrefix(s, "UB,3,"))
	batch2, err := DecodeUsageRights(s)
	require.NoError(t, err)
	require.Equal(t, batch, batch2)

	empty, err := DecodeUsageRights(EncodeUsageRights(nil))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestReimbursement_RoundTrip(t *testing.T) {
	c := types.NewReimbursement(randomUsageRight())
	s := EncodeReimbursement(c)
	require.Len(t, strings.Split(s, ","), 1+reimbursementFields)
	c2, err := DecodeReimbursement(s)
	require.NoError(t, err)
	require.Equal(t, c, c2)
}

func TestDecode_Malformed(t *testing.T) {
	valid := EncodeDiploma(randomDiploma())
	fields := strings.Split(valid, ",")
	replace := func(idx int, v string) string {
		f := append([]string{}, fields...)
		f[idx] = v
		return strings.Join(f, ",")
	}

	var cases = []struct {
		name   string
		record string
		errMsg string
	}{
		{"empty", "", `expected record kind "D", got ""`},
		{"wrong kind", replace(0, "R"), `expected record kind "D", got "R"`},
		{"too few fields", strings.Join(fields[:len(fields)-1], ","), "must have 13 fields, got 12"},
		{"too many fields", valid + ",1", "must have 13 fields, got 14"},
		{"sequence not a number", replace(4, "x"), "field sequence number (4)"},
		{"sequence below unassigned", replace(4, "-2"), "invalid sequence number -2"},
		{"block negative", replace(5, "-1"), "field block (5)"},
		{"referee not hex", replace(6, "abc"), "field referee (6)"},
		{"stake fractional", replace(8, "1.5"), `invalid amount "1.5"`},
		{"stake negative", replace(8, "-1"), "amount must not be negative"},
		{"stake too big", replace(8, "115792089237316195423570985008687907853269984665640564039457584007913129639936"), "does not fit into 256 bits"},
		{"valid not bool", replace(11, "maybe"), "field valid (11)"},
		{"bad escape", replace(1, "%zz"), "field skill content id (1)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := DecodeDiploma(tc.record)
			require.ErrorIs(t, err, ErrMalformedVoucher)
			require.ErrorContains(t, err, tc.errMsg)
			require.Nil(t, d)
		})
	}
}

func TestDecodeUsageRights_Malformed(t *testing.T) {
	batch := EncodeUsageRights([]*types.UsageRight{randomUsageRight(), randomUsageRight()})

	_, err := DecodeUsageRights("UB")
	require.ErrorIs(t, err, ErrMalformedVoucher)
	require.ErrorContains(t, err, "batch size is missing")

	_, err = DecodeUsageRights(strings.Replace(batch, "UB,2,", "UB,3,", 1))
	require.ErrorIs(t, err, ErrMalformedVoucher)
	require.ErrorContains(t, err, "batch of 3 usage rights must have 53 fields, got 36")

	_, err = DecodeUsageRights(strings.Replace(batch, "UB,2,", "UB,x,", 1))
	require.ErrorContains(t, err, "invalid batch size")

	_, err = DecodeUsageRights(EncodeDiploma(randomDiploma()))
	require.ErrorIs(t, err, ErrMalformedVoucher)

	_, err = Kind("X,1,2")
	require.ErrorIs(t, err, ErrMalformedVoucher)
}

func TestAmount(t *testing.T) {
	v, err := ParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).SetAllOne(), v)
	require.Equal(t, "115792089237316195423570985008687907853269984665640564039457584007913129639935", FormatAmount(v))
	require.Equal(t, "0", FormatAmount(nil))

	_, err = ParseAmount("")
	require.Error(t, err)
}
