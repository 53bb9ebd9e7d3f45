package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/learnearn/vouchers/broker"
	"github.com/learnearn/vouchers/expiry"
	test "github.com/learnearn/vouchers/internal/testutils"
	testlogr "github.com/learnearn/vouchers/internal/testutils/logger"
	testsig "github.com/learnearn/vouchers/internal/testutils/sig"
	"github.com/learnearn/vouchers/keyvaluedb/memorydb"
	"github.com/learnearn/vouchers/ledger/memledger"
	"github.com/learnearn/vouchers/nonce"
	"github.com/learnearn/vouchers/store"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/voucher"
	"github.com/learnearn/vouchers/wire"
)

// claimStore queues claims straight into the store.
type claimStore struct{ st *store.BoltStore }

func (cs claimStore) Add(ctx context.Context, r *types.Reimbursement) error {
	return cs.st.PutReimbursement(r)
}

type node struct {
	pubKey types.PubKey
	store  *store.BoltStore
	router http.Handler
}

func newNode(t *testing.T, l *memledger.Ledger, metrics http.Handler) *node {
	t.Helper()
	signer, pk := testsig.CreateSigner(t)
	session, err := voucher.NewSession(signer, l.GenesisID())
	require.NoError(t, err)
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), store.BoltStoreFileName))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })
	nonces, err := nonce.NewRegistry(memorydb.New(), testlogr.New(t))
	require.NoError(t, err)
	est, err := expiry.NewEstimator(l, time.Second)
	require.NoError(t, err)
	cfg := voucher.Config{StakeValidity: 100 * time.Second, UsageRightValidity: 50 * time.Second}
	lc, err := voucher.New(session, cfg, st, nonces, est, claimStore{st: st}, testlogr.New(t))
	require.NoError(t, err)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	api, err := New(lc, st, st, broker.NewBroker(done), metrics, testlogr.New(t))
	require.NoError(t, err)
	return &node{pubKey: pk, store: st, router: api.Router()}
}

func (n *node) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	n.router.ServeHTTP(rec, req)
	return rec
}

func (n *node) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return n.do(t, method, path, string(b))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	require.Equal(t, code, rec.Code, "response body: %s", rec.Body.String())
}

func TestNew(t *testing.T) {
	l, err := memledger.New(test.RandomBytes(types.GenesisIDLength), testlogr.NOP())
	require.NoError(t, err)
	signer, _ := testsig.CreateSigner(t)
	session, err := voucher.NewSession(signer, l.GenesisID())
	require.NoError(t, err)
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), store.BoltStoreFileName))
	require.NoError(t, err)
	defer st.Close()
	nonces, err := nonce.NewRegistry(memorydb.New(), testlogr.NOP())
	require.NoError(t, err)
	est, err := expiry.NewEstimator(l, time.Second)
	require.NoError(t, err)
	lc, err := voucher.New(session, voucher.Config{}, st, nonces, est, claimStore{st: st}, testlogr.NOP())
	require.NoError(t, err)
	b := broker.NewBroker(nil)

	_, err = New(nil, st, st, b, nil, testlogr.NOP())
	require.EqualError(t, err, "voucher lifecycle is nil")
	_, err = New(lc, nil, st, b, nil, testlogr.NOP())
	require.EqualError(t, err, "voucher store is nil")
	_, err = New(lc, st, nil, b, nil, testlogr.NOP())
	require.EqualError(t, err, "claim store is nil")
	_, err = New(lc, st, st, nil, nil, testlogr.NOP())
	require.EqualError(t, err, "event streamer is nil")
}

func TestVoucherFlow(t *testing.T) {
	l, err := memledger.New(test.RandomBytes(types.GenesisIDLength), testlogr.New(t))
	require.NoError(t, err)
	referee := newNode(t, l, nil)
	worker := newNode(t, l, nil)
	employer := newNode(t, l, nil)

	// referee issues diploma to the worker
	rec := referee.doJSON(t, "POST", "/api/v1/issue", &IssueRequest{
		SkillContentID: "QmSkill",
		WorkerID:       "worker-1",
		KnowledgeID:    "knowledge-1",
		Worker:         worker.pubKey,
		Stake:          "1000",
	})
	requireStatus(t, rec, http.StatusCreated)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	issued := decode[VoucherResponse](t, rec)
	require.Equal(t, voucher.StateSigned, issued.State)
	d, err := wire.DecodeDiploma(issued.Record)
	require.NoError(t, err)
	require.EqualValues(t, issued.ID, d.ID())
	require.Equal(t, "1000", wire.FormatAmount(d.Stake))

	// worker accepts it
	rec = worker.do(t, "POST", "/api/v1/diplomas", issued.Record)
	requireStatus(t, rec, http.StatusCreated)
	accepted := decode[VoucherResponse](t, rec)
	require.Equal(t, issued.ID, accepted.ID)
	require.Equal(t, voucher.StateSigned, accepted.State)

	diplomaPath := "/api/v1/diplomas/" + hexutil.Encode(d.ID())
	rec = worker.do(t, "GET", diplomaPath, "")
	requireStatus(t, rec, http.StatusOK)
	require.Equal(t, issued.Record, decode[VoucherResponse](t, rec).Record)

	// worker derives usage right for the employer
	rec = worker.doJSON(t, "POST", diplomaPath+"/usage-rights", &DeriveRequest{Employer: employer.pubKey, WindowSeconds: 20})
	requireStatus(t, rec, http.StatusCreated)
	derived := decode[VoucherResponse](t, rec)
	require.Equal(t, voucher.StateDerived, derived.State)
	u, err := wire.DecodeUsageRight(derived.Record)
	require.NoError(t, err)
	require.EqualValues(t, 20, u.BlockAllowed)

	// employer accepts the diploma and the usage right
	requireStatus(t, employer.do(t, "POST", "/api/v1/diplomas", issued.Record), http.StatusCreated)
	rec = employer.do(t, "POST", "/api/v1/usage-rights", derived.Record)
	requireStatus(t, rec, http.StatusCreated)
	list := decode[[]*VoucherResponse](t, rec)
	require.Len(t, list, 1)
	require.EqualValues(t, u.ID(), list[0].ID)

	usageRightPath := "/api/v1/usage-rights/" + hexutil.Encode(u.ID())
	rec = employer.do(t, "GET", usageRightPath, "")
	requireStatus(t, rec, http.StatusOK)
	require.Equal(t, voucher.StateDerived, decode[VoucherResponse](t, rec).State)

	// failed reexamination queues the claim
	rec = employer.do(t, "POST", usageRightPath+"/reexamination", `{"passed":false}`)
	requireStatus(t, rec, http.StatusOK)
	outcome := decode[ReexaminationResponse](t, rec)
	require.Equal(t, voucher.StateInvalidated, outcome.State)
	claim, err := wire.DecodeReimbursement(outcome.Claim)
	require.NoError(t, err)
	require.Equal(t, referee.pubKey, claim.Referee)

	rec = employer.do(t, "POST", usageRightPath+"/reexamination", `{"passed":false}`)
	requireStatus(t, rec, http.StatusConflict)

	// used usage right posted again stays used
	requireStatus(t, employer.do(t, "POST", "/api/v1/usage-rights", derived.Record), http.StatusCreated)
	rec = employer.do(t, "POST", usageRightPath+"/reexamination", `{"passed":false}`)
	requireStatus(t, rec, http.StatusConflict)
	rec = employer.do(t, "GET", usageRightPath, "")
	requireStatus(t, rec, http.StatusOK)
	require.Equal(t, voucher.StateInvalidated, decode[VoucherResponse](t, rec).State)

	for _, path := range []string{"/api/v1/reimbursements", "/api/v1/reimbursements?referee=" + referee.pubKey.String()} {
		rec = employer.do(t, "GET", path, "")
		requireStatus(t, rec, http.StatusOK)
		claims := decode[ReimbursementsResponse](t, rec).Reimbursements
		require.Len(t, claims, 1)
		require.Equal(t, referee.pubKey, claims[0].Referee)
		require.EqualValues(t, 0, claims[0].SequenceNumber)
		require.Equal(t, "1000", claims[0].Stake)
		require.EqualValues(t, 20, claims[0].BlockAllowed)
		require.Equal(t, outcome.Claim, claims[0].Record)
	}

	rec = employer.do(t, "GET", "/api/v1/reimbursements?referee="+worker.pubKey.String(), "")
	requireStatus(t, rec, http.StatusOK)
	require.Empty(t, decode[ReimbursementsResponse](t, rec).Reimbursements)
}

func TestReexamination_Passed(t *testing.T) {
	l, err := memledger.New(test.RandomBytes(types.GenesisIDLength), testlogr.New(t))
	require.NoError(t, err)
	referee := newNode(t, l, nil)
	worker := newNode(t, l, nil)
	employer := newNode(t, l, nil)

	rec := referee.doJSON(t, "POST", "/api/v1/issue", &IssueRequest{SkillContentID: "s", WorkerID: "w", KnowledgeID: "k", Worker: worker.pubKey, Stake: "5"})
	requireStatus(t, rec, http.StatusCreated)
	issued := decode[VoucherResponse](t, rec)
	requireStatus(t, worker.do(t, "POST", "/api/v1/diplomas", issued.Record), http.StatusCreated)
	rec = worker.doJSON(t, "POST", fmt.Sprintf("/api/v1/diplomas/%s/usage-rights", issued.ID), &DeriveRequest{Employer: employer.pubKey})
	requireStatus(t, rec, http.StatusCreated)
	derived := decode[VoucherResponse](t, rec)
	requireStatus(t, employer.do(t, "POST", "/api/v1/diplomas", issued.Record), http.StatusCreated)
	requireStatus(t, employer.do(t, "POST", "/api/v1/usage-rights", derived.Record), http.StatusCreated)

	rec = employer.do(t, "POST", fmt.Sprintf("/api/v1/usage-rights/%s/reexamination", derived.ID), `{"passed":true}`)
	requireStatus(t, rec, http.StatusOK)
	outcome := decode[ReexaminationResponse](t, rec)
	require.Equal(t, voucher.StateValidated, outcome.State)
	require.Empty(t, outcome.Claim)

	// validated usage right can't be turned into a claim afterwards
	rec = employer.do(t, "POST", fmt.Sprintf("/api/v1/usage-rights/%s/reexamination", derived.ID), `{"passed":false}`)
	requireStatus(t, rec, http.StatusConflict)
	require.Contains(t, rec.Body.String(), voucher.ErrReexamined.Error())

	// accepting the same usage right again doesn't reset its status
	requireStatus(t, employer.do(t, "POST", "/api/v1/usage-rights", derived.Record), http.StatusCreated)
	rec = employer.do(t, "POST", fmt.Sprintf("/api/v1/usage-rights/%s/reexamination", derived.ID), `{"passed":false}`)
	requireStatus(t, rec, http.StatusConflict)

	rec = employer.do(t, "GET", "/api/v1/reimbursements", "")
	requireStatus(t, rec, http.StatusOK)
	require.Empty(t, decode[ReimbursementsResponse](t, rec).Reimbursements)
}

func TestErrors(t *testing.T) {
	l, err := memledger.New(test.RandomBytes(types.GenesisIDLength), testlogr.New(t))
	require.NoError(t, err)
	referee := newNode(t, l, nil)
	worker := newNode(t, l, nil)
	unknownID := hexutil.Encode(test.RandomBytes(32))

	rec := referee.doJSON(t, "POST", "/api/v1/issue", &IssueRequest{SkillContentID: "s", WorkerID: "w", KnowledgeID: "k", Worker: worker.pubKey, Stake: "5"})
	requireStatus(t, rec, http.StatusCreated)
	issued := decode[VoucherResponse](t, rec)

	tests := []struct {
		name   string
		node   *node
		method string
		path   string
		body   string
		code   int
		msg    string
	}{
		{name: "issue, invalid json", node: referee, method: "POST", path: "/api/v1/issue", body: "{", code: http.StatusBadRequest, msg: "failed to decode request body"},
		{name: "issue, invalid stake", node: referee, method: "POST", path: "/api/v1/issue", body: `{"stake":"-1"}`, code: http.StatusBadRequest, msg: `invalid parameter "stake"`},
		{name: "issue, missing worker", node: referee, method: "POST", path: "/api/v1/issue", body: `{"stake":"1"}`, code: http.StatusBadRequest},
		{name: "diploma, empty body", node: worker, method: "POST", path: "/api/v1/diplomas", body: " ", code: http.StatusBadRequest, msg: "request body is empty"},
		{name: "diploma, malformed", node: worker, method: "POST", path: "/api/v1/diplomas", body: "D,1,2", code: http.StatusBadRequest},
		{name: "diploma, short id", node: worker, method: "GET", path: "/api/v1/diplomas/0x0102", code: http.StatusBadRequest, msg: "id must be 32 bytes, got 2"},
		{name: "diploma, not hex", node: worker, method: "GET", path: "/api/v1/diplomas/zz", code: http.StatusBadRequest},
		{name: "diploma, unknown", node: worker, method: "GET", path: "/api/v1/diplomas/" + unknownID, code: http.StatusNotFound},
		{name: "derive, unknown diploma", node: worker, method: "POST", path: "/api/v1/diplomas/" + unknownID + "/usage-rights", body: fmt.Sprintf(`{"employer":%q}`, referee.pubKey), code: http.StatusNotFound},
		{name: "derive, not worker", node: referee, method: "POST", path: "/api/v1/diplomas/" + issued.ID.String() + "/usage-rights", body: fmt.Sprintf(`{"employer":%q}`, worker.pubKey), code: http.StatusForbidden},
		{name: "derive, window too big", node: referee, method: "POST", path: "/api/v1/diplomas/" + issued.ID.String() + "/usage-rights", body: `{"windowSeconds":"18446744073709551615"}`, code: http.StatusBadRequest, msg: `invalid parameter "windowSeconds"`},
		{name: "usage right, unknown", node: worker, method: "GET", path: "/api/v1/usage-rights/" + unknownID, code: http.StatusNotFound},
		{name: "usage right, malformed", node: worker, method: "POST", path: "/api/v1/usage-rights", body: "U,x", code: http.StatusBadRequest},
		{name: "reexamination, missing outcome", node: worker, method: "POST", path: "/api/v1/usage-rights/" + unknownID + "/reexamination", body: `{}`, code: http.StatusBadRequest, msg: `invalid parameter "passed"`},
		{name: "reexamination, unknown", node: worker, method: "POST", path: "/api/v1/usage-rights/" + unknownID + "/reexamination", body: `{"passed":true}`, code: http.StatusNotFound},
		{name: "reimbursements, invalid referee", node: worker, method: "GET", path: "/api/v1/reimbursements?referee=0x01", code: http.StatusBadRequest, msg: `invalid parameter "referee"`},
		{name: "events, invalid pubkey", node: worker, method: "GET", path: "/api/v1/events/0x01", code: http.StatusBadRequest, msg: `invalid parameter "pubkey"`},
		{name: "metrics, not enabled", node: worker, method: "GET", path: "/metrics", code: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := tc.node.do(t, tc.method, tc.path, tc.body)
			requireStatus(t, rec, tc.code)
			if tc.msg != "" {
				require.Contains(t, rec.Body.String(), tc.msg)
			}
		})
	}
}

func TestDeleteDiploma(t *testing.T) {
	l, err := memledger.New(test.RandomBytes(types.GenesisIDLength), testlogr.New(t))
	require.NoError(t, err)
	referee := newNode(t, l, nil)
	worker := newNode(t, l, nil)

	rec := referee.doJSON(t, "POST", "/api/v1/issue", &IssueRequest{SkillContentID: "s", WorkerID: "w", KnowledgeID: "k", Worker: worker.pubKey, Stake: "5"})
	requireStatus(t, rec, http.StatusCreated)
	path := "/api/v1/diplomas/" + decode[VoucherResponse](t, rec).ID.String()

	requireStatus(t, referee.do(t, "GET", path, ""), http.StatusOK)
	requireStatus(t, referee.do(t, "DELETE", path, ""), http.StatusNoContent)
	requireStatus(t, referee.do(t, "GET", path, ""), http.StatusNotFound)
	// deleting again is not an error
	requireStatus(t, referee.do(t, "DELETE", path, ""), http.StatusNoContent)
}

func TestMetricsHandler(t *testing.T) {
	l, err := memledger.New(test.RandomBytes(types.GenesisIDLength), testlogr.New(t))
	require.NoError(t, err)
	n := newNode(t, l, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "claims_pending 0\n")
	}))

	rec := n.do(t, "GET", "/metrics", "")
	requireStatus(t, rec, http.StatusOK)
	require.Equal(t, "claims_pending 0\n", rec.Body.String())
}

func TestCORS(t *testing.T) {
	l, err := memledger.New(test.RandomBytes(types.GenesisIDLength), testlogr.New(t))
	require.NoError(t, err)
	n := newNode(t, l, nil)

	req := httptest.NewRequest("GET", "/api/v1/reimbursements", &bytes.Buffer{})
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	n.router.ServeHTTP(rec, req)
	requireStatus(t, rec, http.StatusOK)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
