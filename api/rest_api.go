/*
Package api exposes the voucher subsystem of the local account over HTTP:
accepting vouchers received from peers in wire format, issuing and deriving
vouchers, reexamination outcomes, pending claims and the notification
stream of the account.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/broker"
	"github.com/learnearn/vouchers/crypto"
	sdk "github.com/learnearn/vouchers/internal/rest"
	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/store"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/voucher"
	"github.com/learnearn/vouchers/wire"
)

const (
	paramID      = "id"
	paramPubKey  = "pubkey"
	paramReferee = "referee"

	maxBodySize = 64 * 1024
	idLength    = 32
)

type (
	Lifecycle interface {
		Draft(skillContentID, workerID, knowledgeID string, worker types.PubKey, stake *uint256.Int) (*types.Diploma, error)
		Issue(ctx context.Context, d *types.Diploma) error
		Accept(ctx context.Context, d *types.Diploma) error
		Derive(ctx context.Context, diplomaID []byte, employer types.PubKey, window time.Duration) (*types.UsageRight, error)
		AcceptUsageRight(ctx context.Context, u *types.UsageRight) error
		Reexamine(ctx context.Context, usageRightID []byte, passed bool) (*types.Reimbursement, error)
		State(ctx context.Context, usageRightID []byte) (voucher.State, error)
		DiplomaState(ctx context.Context, diplomaID []byte) (voucher.State, error)
		DeleteDiploma(ctx context.Context, diplomaID []byte) error
	}

	Store interface {
		GetDiploma(id []byte) (*types.Diploma, error)
		GetUsageRight(id []byte) (*types.UsageRight, error)
		Reimbursements(referee types.PubKey) ([]*types.Reimbursement, error)
		Referees() ([]types.PubKey, error)
	}

	EventStreamer interface {
		StreamSSE(ctx context.Context, owner types.PubKey, w http.ResponseWriter) error
	}

	RestAPI struct {
		lifecycle Lifecycle
		claims    Store
		vouchers  Store
		events    EventStreamer
		metrics   http.Handler
		rw        *sdk.ResponseWriter
		log       *slog.Logger
	}

	VoucherResponse struct {
		ID     types.Bytes   `json:"id"`
		State  voucher.State `json:"state"`
		Record string        `json:"record"`
	}

	IssueRequest struct {
		SkillContentID string       `json:"skillContentId"`
		WorkerID       string       `json:"workerId"`
		KnowledgeID    string       `json:"knowledgeId"`
		Worker         types.PubKey `json:"worker"`
		Stake          string       `json:"stake"`
	}

	DeriveRequest struct {
		Employer types.PubKey `json:"employer"`
		// challenge window in seconds, default window when zero
		WindowSeconds uint64 `json:"windowSeconds,string,omitempty"`
	}

	ReexaminationRequest struct {
		Passed *bool `json:"passed"`
	}

	ReexaminationResponse struct {
		State voucher.State `json:"state"`
		Claim string        `json:"claim,omitempty"`
	}

	ReimbursementResponse struct {
		Referee        types.PubKey `json:"referee"`
		SequenceNumber uint64       `json:"sequenceNumber,string"`
		Stake          string       `json:"stake"`
		BlockAllowed   uint64       `json:"blockAllowed,string"`
		Record         string       `json:"record"`
	}

	ReimbursementsResponse struct {
		Reimbursements []*ReimbursementResponse `json:"reimbursements"`
	}
)

/*
New returns REST API of the lifecycle. "vouchers" is the store of the
lifecycle, "claims" the store of the reimbursement scheduler (they may be
the same). Metrics handler is optional.
*/
func New(lifecycle Lifecycle, vouchers, claims Store, events EventStreamer, metrics http.Handler, log *slog.Logger) (*RestAPI, error) {
	switch {
	case lifecycle == nil:
		return nil, errors.New("voucher lifecycle is nil")
	case vouchers == nil:
		return nil, errors.New("voucher store is nil")
	case claims == nil:
		return nil, errors.New("claim store is nil")
	case events == nil:
		return nil, errors.New("event streamer is nil")
	}
	return &RestAPI{
		lifecycle: lifecycle,
		vouchers:  vouchers,
		claims:    claims,
		events:    events,
		metrics:   metrics,
		log:       log,
		rw: &sdk.ResponseWriter{LogErr: func(err error) {
			log.Error("voucher REST API response", logger.Error(err))
		}},
	}, nil
}

func (api *RestAPI) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	apiRouter := router.PathPrefix("/api").Subrouter()
	// content-type needs to be explicitly allowed, otherwise the CORS filter is not applied
	apiRouter.Use(handlers.CORS(handlers.AllowedHeaders([]string{sdk.ContentType})))

	apiV1 := apiRouter.PathPrefix("/v1").Subrouter()
	apiV1.HandleFunc("/issue", api.issueFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/diplomas", api.postDiplomaFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/diplomas/{id}", api.getDiplomaFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/diplomas/{id}", api.deleteDiplomaFunc).Methods("DELETE", "OPTIONS")
	apiV1.HandleFunc("/diplomas/{id}/usage-rights", api.deriveFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/usage-rights", api.postUsageRightsFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/usage-rights/{id}", api.getUsageRightFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/usage-rights/{id}/reexamination", api.reexamineFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/reimbursements", api.reimbursementsFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/events/{pubkey}", api.eventsFunc).Methods("GET", "OPTIONS")

	if api.metrics != nil {
		router.Handle("/metrics", api.metrics).Methods("GET")
	}
	return router
}

func (api *RestAPI) issueFunc(w http.ResponseWriter, r *http.Request) {
	req := &IssueRequest{}
	if err := decodeJSON(w, r, req); err != nil {
		api.rw.ErrorResponse(w, http.StatusBadRequest, err)
		return
	}
	stake, err := wire.ParseAmount(req.Stake)
	if err != nil {
		api.rw.InvalidParamResponse(w, "stake", err)
		return
	}
	d, err := api.lifecycle.Draft(req.SkillContentID, req.WorkerID, req.KnowledgeID, req.Worker, stake)
	if err != nil {
		api.writeError(w, err)
		return
	}
	if err := api.lifecycle.Issue(r.Context(), d); err != nil {
		api.writeError(w, err)
		return
	}
	api.rw.WriteStatusResponse(w, http.StatusCreated, &VoucherResponse{ID: d.ID(), State: voucher.StateSigned, Record: wire.EncodeDiploma(d)})
}

func (api *RestAPI) postDiplomaFunc(w http.ResponseWriter, r *http.Request) {
	record, err := readRecord(w, r)
	if err != nil {
		api.rw.ErrorResponse(w, http.StatusBadRequest, err)
		return
	}
	d, err := wire.DecodeDiploma(record)
	if err != nil {
		api.writeError(w, err)
		return
	}
	if err := api.lifecycle.Accept(r.Context(), d); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeDiploma(w, r, d.ID(), http.StatusCreated)
}

func (api *RestAPI) getDiplomaFunc(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)[paramID])
	if err != nil {
		api.rw.InvalidParamResponse(w, paramID, err)
		return
	}
	api.writeDiploma(w, r, id, http.StatusOK)
}

func (api *RestAPI) writeDiploma(w http.ResponseWriter, r *http.Request, id []byte, code int) {
	d, err := api.vouchers.GetDiploma(id)
	if err != nil {
		api.writeError(w, err)
		return
	}
	state, err := api.lifecycle.DiplomaState(r.Context(), id)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.rw.WriteStatusResponse(w, code, &VoucherResponse{ID: id, State: state, Record: wire.EncodeDiploma(d)})
}

func (api *RestAPI) deleteDiplomaFunc(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)[paramID])
	if err != nil {
		api.rw.InvalidParamResponse(w, paramID, err)
		return
	}
	if err := api.lifecycle.DeleteDiploma(r.Context(), id); err != nil {
		api.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *RestAPI) deriveFunc(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)[paramID])
	if err != nil {
		api.rw.InvalidParamResponse(w, paramID, err)
		return
	}
	req := &DeriveRequest{}
	if err := decodeJSON(w, r, req); err != nil {
		api.rw.ErrorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.WindowSeconds > uint64(math.MaxInt64/int64(time.Second)) {
		api.rw.InvalidParamResponse(w, "windowSeconds", fmt.Errorf("value %d is too big", req.WindowSeconds))
		return
	}
	u, err := api.lifecycle.Derive(r.Context(), id, req.Employer, time.Duration(req.WindowSeconds)*time.Second)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.rw.WriteStatusResponse(w, http.StatusCreated, &VoucherResponse{ID: u.ID(), State: voucher.StateDerived, Record: wire.EncodeUsageRight(u)})
}

/*
postUsageRightsFunc accepts single usage right or a batch of them, usage
rights of the batch are accepted in order until the first failure.
*/
func (api *RestAPI) postUsageRightsFunc(w http.ResponseWriter, r *http.Request) {
	record, err := readRecord(w, r)
	if err != nil {
		api.rw.ErrorResponse(w, http.StatusBadRequest, err)
		return
	}
	batch, err := wire.DecodeUsageRights(record)
	if err != nil {
		api.writeError(w, err)
		return
	}
	resp := make([]*VoucherResponse, 0, len(batch))
	for i, u := range batch {
		if err := api.lifecycle.AcceptUsageRight(r.Context(), u); err != nil {
			api.writeError(w, fmt.Errorf("usage right %d: %w", i, err))
			return
		}
		resp = append(resp, &VoucherResponse{ID: u.ID(), State: voucher.StateDerived, Record: wire.EncodeUsageRight(u)})
	}
	api.rw.WriteStatusResponse(w, http.StatusCreated, resp)
}

func (api *RestAPI) getUsageRightFunc(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)[paramID])
	if err != nil {
		api.rw.InvalidParamResponse(w, paramID, err)
		return
	}
	u, err := api.vouchers.GetUsageRight(id)
	if err != nil {
		api.writeError(w, err)
		return
	}
	state, err := api.lifecycle.State(r.Context(), id)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.rw.WriteResponse(w, &VoucherResponse{ID: id, State: state, Record: wire.EncodeUsageRight(u)})
}

func (api *RestAPI) reexamineFunc(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)[paramID])
	if err != nil {
		api.rw.InvalidParamResponse(w, paramID, err)
		return
	}
	req := &ReexaminationRequest{}
	if err := decodeJSON(w, r, req); err != nil {
		api.rw.ErrorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Passed == nil {
		api.rw.InvalidParamResponse(w, "passed", errors.New("parameter is required"))
		return
	}

	claim, err := api.lifecycle.Reexamine(r.Context(), id, *req.Passed)
	if err != nil {
		api.writeError(w, err)
		return
	}
	resp := &ReexaminationResponse{State: voucher.StateValidated}
	if claim != nil {
		resp.State = voucher.StateInvalidated
		resp.Claim = wire.EncodeReimbursement(claim)
	}
	api.rw.WriteResponse(w, resp)
}

func (api *RestAPI) reimbursementsFunc(w http.ResponseWriter, r *http.Request) {
	referee, err := sdk.ParsePubKey(r.URL.Query().Get(paramReferee), false)
	if err != nil {
		api.rw.InvalidParamResponse(w, paramReferee, err)
		return
	}
	referees := []types.PubKey{referee}
	if referee == nil {
		if referees, err = api.claims.Referees(); err != nil {
			api.writeError(w, err)
			return
		}
	}

	resp := &ReimbursementsResponse{Reimbursements: []*ReimbursementResponse{}}
	for _, referee := range referees {
		claims, err := api.claims.Reimbursements(referee)
		if err != nil {
			api.writeError(w, err)
			return
		}
		for _, c := range claims {
			resp.Reimbursements = append(resp.Reimbursements, &ReimbursementResponse{
				Referee:        c.Referee,
				SequenceNumber: c.SequenceNumber,
				Stake:          wire.FormatAmount(c.Stake),
				BlockAllowed:   c.BlockAllowed,
				Record:         wire.EncodeReimbursement(c),
			})
		}
	}
	api.rw.WriteResponse(w, resp)
}

func (api *RestAPI) eventsFunc(w http.ResponseWriter, r *http.Request) {
	pk, err := sdk.ParsePubKey(mux.Vars(r)[paramPubKey], true)
	if err != nil {
		api.rw.InvalidParamResponse(w, paramPubKey, err)
		return
	}
	if err := api.events.StreamSSE(r.Context(), pk, w); err != nil {
		if errors.Is(err, broker.ErrTooManySubscriptions) {
			api.rw.ErrorResponse(w, http.StatusTooManyRequests, err)
			return
		}
		api.log.Error("event stream", logger.Error(err), logger.PubKey(pk))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func (api *RestAPI) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.rw.ErrorResponse(w, http.StatusNotFound, err)
	case errors.Is(err, wire.ErrMalformedVoucher),
		errors.Is(err, types.ErrInvalidField),
		errors.Is(err, crypto.ErrInvalidSignature):
		api.rw.ErrorResponse(w, http.StatusBadRequest, err)
	case errors.Is(err, voucher.ErrNotReferee),
		errors.Is(err, voucher.ErrNotWorker),
		errors.Is(err, voucher.ErrNotEmployer):
		api.rw.ErrorResponse(w, http.StatusForbidden, err)
	case errors.Is(err, voucher.ErrAlreadyUsed),
		errors.Is(err, voucher.ErrReexamined),
		errors.Is(err, voucher.ErrWindowClosed),
		errors.Is(err, voucher.ErrInvalidated),
		errors.Is(err, voucher.ErrNotDraft):
		api.rw.ErrorResponse(w, http.StatusConflict, err)
	default:
		api.rw.WriteErrorResponse(w, err)
	}
}

// readRecord reads wire format record from the request body.
func readRecord(w http.ResponseWriter, r *http.Request) (string, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("reading request body: %w", err)
	}
	record := strings.TrimSpace(string(b))
	if record == "" {
		return "", errors.New("request body is empty")
	}
	return record, nil
}

func parseID(s string) ([]byte, error) {
	id, err := hexutil.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(id) != idLength {
		return nil, fmt.Errorf("id must be %d bytes, got %d", idLength, len(id))
	}
	return id, nil
}
