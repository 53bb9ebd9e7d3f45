package testvoucher

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/learnearn/vouchers/crypto"
	testsig "github.com/learnearn/vouchers/internal/testutils/sig"
	"github.com/learnearn/vouchers/payload"
	"github.com/learnearn/vouchers/types"
)

// Parties holds the keys of the referee, the worker and the employer.
type Parties struct {
	Referee     *crypto.InMemorySecp256K1Signer
	RefereeKey  types.PubKey
	Worker      *crypto.InMemorySecp256K1Signer
	WorkerKey   types.PubKey
	Employer    *crypto.InMemorySecp256K1Signer
	EmployerKey types.PubKey
}

func NewParties(t testing.TB) *Parties {
	t.Helper()
	p := &Parties{}
	p.Referee, p.RefereeKey = testsig.CreateSigner(t)
	p.Worker, p.WorkerKey = testsig.CreateSigner(t)
	p.Employer, p.EmployerKey = testsig.CreateSigner(t)
	return p
}

// Diploma returns diploma signed by the referee.
func (p *Parties) Diploma(t testing.TB, genesis types.GenesisID, seq int64, stake, block uint64) *types.Diploma {
	t.Helper()
	d := &types.Diploma{
		SkillContentID: "QmSkill",
		WorkerID:       "worker",
		KnowledgeID:    "knowledge",
		SequenceNumber: seq,
		Block:          block,
		Referee:        p.RefereeKey,
		Worker:         p.WorkerKey,
		Stake:          uint256.NewInt(stake),
		Valid:          true,
	}
	require.NoError(t, payload.SignDiploma(d, genesis, p.Referee))
	return d
}

// UsageRight returns usage right for the employer, counter-signed by the worker.
func (p *Parties) UsageRight(t testing.TB, genesis types.GenesisID, seq int64, stake, block, blockAllowed uint64) *types.UsageRight {
	t.Helper()
	u := &types.UsageRight{
		Diploma:      *p.Diploma(t, genesis, seq, stake, block),
		Employer:     p.EmployerKey,
		BlockAllowed: blockAllowed,
	}
	require.NoError(t, payload.SignUsageRight(u, p.Worker))
	return u
}

// Reimbursement returns valid claim of "stake" against the referee.
func (p *Parties) Reimbursement(t testing.TB, genesis types.GenesisID, seq int64, stake, blockAllowed uint64) *types.Reimbursement {
	t.Helper()
	return types.NewReimbursement(p.UsageRight(t, genesis, seq, stake, blockAllowed, blockAllowed))
}
