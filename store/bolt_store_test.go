package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	testutils "github.com/learnearn/vouchers/internal/testutils"
	testvoucher "github.com/learnearn/vouchers/internal/testutils/voucher"
	"github.com/learnearn/vouchers/types"
)

var genesis = types.GenesisID(testutils.RandomBytes(32))

func createTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), BoltStoreFileName))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestNewBoltStore_InvalidPath(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "missing", "dir", BoltStoreFileName))
	require.ErrorContains(t, err, "failed to open bolt DB")
	require.Nil(t, s)
}

func TestBoltStore_Diplomas(t *testing.T) {
	s := createTestStore(t)
	p := testvoucher.NewParties(t)

	d := p.Diploma(t, genesis, 0, 100, 50)
	require.NoError(t, s.PutDiploma(d))

	got, err := s.GetDiploma(d.ID())
	require.NoError(t, err)
	require.Equal(t, d, got)

	// update is stored under the same id
	d.Valid = false
	d.ReexamineCount = 2
	require.NoError(t, s.PutDiploma(d))
	got, err = s.GetDiploma(d.ID())
	require.NoError(t, err)
	require.False(t, got.Valid)
	require.EqualValues(t, 2, got.ReexamineCount)

	list, err := s.DiplomasByReferee(p.RefereeKey)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteDiploma(d.ID()))
	_, err = s.GetDiploma(d.ID())
	require.ErrorIs(t, err, ErrNotFound)
	list, err = s.DiplomasBySequence(p.RefereeKey, 0)
	require.NoError(t, err)
	require.Empty(t, list)

	// deleting again is not an error
	require.NoError(t, s.DeleteDiploma(d.ID()))
}

func TestBoltStore_PutDiploma_Unsigned(t *testing.T) {
	s := createTestStore(t)
	d := &types.Diploma{SequenceNumber: types.UnassignedSequence}
	require.ErrorIs(t, s.PutDiploma(d), ErrNotAssigned)
}

func TestBoltStore_DiplomasBySequence(t *testing.T) {
	s := createTestStore(t)
	p := testvoucher.NewParties(t)

	d1 := p.Diploma(t, genesis, 1, 10, 50)
	d2 := p.Diploma(t, genesis, 1, 20, 50) // same sequence number, different payload
	d3 := p.Diploma(t, genesis, 2, 30, 50)
	for _, d := range []*types.Diploma{d3, d1, d2} {
		require.NoError(t, s.PutDiploma(d))
	}

	list, err := s.DiplomasBySequence(p.RefereeKey, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.ElementsMatch(t, []*types.Diploma{d1, d2}, list)

	list, err = s.DiplomasBySequence(p.RefereeKey, 3)
	require.NoError(t, err)
	require.Empty(t, list)

	list, err = s.DiplomasBySequence(p.WorkerKey, 1)
	require.NoError(t, err)
	require.Empty(t, list)

	list, err = s.DiplomasByReferee(p.RefereeKey)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.EqualValues(t, 2, list[2].SequenceNumber)
}

func TestBoltStore_UsageRights(t *testing.T) {
	s := createTestStore(t)
	p := testvoucher.NewParties(t)

	_, err := s.GetUsageRight([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrNotFound)

	u := p.UsageRight(t, genesis, 0, 100, 50, 40)
	require.NoError(t, s.PutUsageRight(u))
	got, err := s.GetUsageRight(u.ID())
	require.NoError(t, err)
	require.Equal(t, u, got)

	u.WasUsed = true
	require.NoError(t, s.PutUsageRight(u))
	list, err := s.UsageRights()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].WasUsed)

	require.ErrorIs(t, s.PutUsageRight(&types.UsageRight{Diploma: types.Diploma{SequenceNumber: -1}}), ErrNotAssigned)
}

func TestBoltStore_Reimbursements(t *testing.T) {
	s := createTestStore(t)
	a := testvoucher.NewParties(t)
	b := testvoucher.NewParties(t)

	referees, err := s.Referees()
	require.NoError(t, err)
	require.Empty(t, referees)

	r1 := a.Reimbursement(t, genesis, 5, 30, 10)
	r2 := a.Reimbursement(t, genesis, 1, 80, 10)
	r3 := b.Reimbursement(t, genesis, 0, 10, 10)
	for _, r := range []*types.Reimbursement{r1, r2, r3} {
		require.NoError(t, s.PutReimbursement(r))
	}

	referees, err = s.Referees()
	require.NoError(t, err)
	require.Len(t, referees, 2)
	require.Negative(t, referees[0].Compare(referees[1]))

	list, err := s.Reimbursements(a.RefereeKey)
	require.NoError(t, err)
	require.Equal(t, []*types.Reimbursement{r2, r1}, list)

	got, err := s.GetReimbursement(a.RefereeKey, 5)
	require.NoError(t, err)
	require.Equal(t, r1, got)
	_, err = s.GetReimbursement(a.RefereeKey, 6)
	require.ErrorIs(t, err, ErrNotFound)

	deleted, err := s.DeleteReimbursement(a.RefereeKey, 5)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = s.DeleteReimbursement(a.RefereeKey, 5)
	require.NoError(t, err)
	require.False(t, deleted)

	// removing the last claim removes the referee
	deleted, err = s.DeleteReimbursement(b.RefereeKey, 0)
	require.NoError(t, err)
	require.True(t, deleted)
	referees, err = s.Referees()
	require.NoError(t, err)
	require.Equal(t, []types.PubKey{a.RefereeKey}, referees)

	require.ErrorIs(t, s.PutReimbursement(&types.Reimbursement{Referee: []byte{1}}), types.ErrInvalidField)
}

func TestBoltStore_Reopen(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), BoltStoreFileName)
	p := testvoucher.NewParties(t)
	r := p.Reimbursement(t, genesis, 3, 30, 10)

	s, err := NewBoltStore(dbFile)
	require.NoError(t, err)
	require.NoError(t, s.PutReimbursement(r))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dbFile)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.Reimbursements(p.RefereeKey)
	require.NoError(t, err)
	require.Equal(t, []*types.Reimbursement{r}, list)
}
