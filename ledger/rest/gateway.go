package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	sdk "github.com/learnearn/vouchers/internal/rest"
	"github.com/learnearn/vouchers/ledger"
	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/wire"
)

const (
	HeaderPath   = "api/v1/header"
	BalancesPath = "api/v1/balances"
	BatchesPath  = "api/v1/batches"

	eventBalance = "balance"
	eventStatus  = "status"

	paramPubKey = "pubkey"
)

type (
	// Backend is the ledger exposed by the Gateway.
	Backend interface {
		ledger.HeaderReader
		Balance(account types.PubKey) *uint256.Int
		WatchBalance(ctx context.Context, account types.PubKey, fn func(balance *uint256.Int)) (func(), error)
		SubmitSigned(ctx context.Context, batch *ledger.SignedBatch) (<-chan *ledger.BatchStatus, error)
	}

	/*
		Gateway exposes ledger over HTTP: JSON header and balance queries,
		balance changes and batch statuses as server-sent event streams.
	*/
	Gateway struct {
		backend Backend
		rw      *sdk.ResponseWriter
		log     *slog.Logger
	}

	BalanceResponse struct {
		Balance string `json:"balance"`
	}
)

func NewGateway(backend Backend, log *slog.Logger) (*Gateway, error) {
	if backend == nil {
		return nil, errors.New("ledger backend is nil")
	}
	return &Gateway{
		backend: backend,
		log:     log,
		rw: &sdk.ResponseWriter{LogErr: func(err error) {
			log.Error("ledger gateway response", logger.Error(err))
		}},
	}, nil
}

func (g *Gateway) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(handlers.CORS(handlers.AllowedHeaders([]string{sdk.ContentType})))

	apiV1 := apiRouter.PathPrefix("/v1").Subrouter()
	apiV1.HandleFunc("/header", g.headerFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/balances/{pubkey}", g.balanceFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/balances/{pubkey}/events", g.balanceEventsFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/batches", g.postBatchFunc).Methods("POST", "OPTIONS")
	return router
}

func (g *Gateway) headerFunc(w http.ResponseWriter, r *http.Request) {
	hdr, err := g.backend.CurrentHeader(r.Context())
	if err != nil {
		g.rw.WriteErrorResponse(w, err)
		return
	}
	g.rw.WriteResponse(w, hdr)
}

func (g *Gateway) balanceFunc(w http.ResponseWriter, r *http.Request) {
	pk, err := sdk.ParsePubKey(mux.Vars(r)[paramPubKey], true)
	if err != nil {
		g.rw.InvalidParamResponse(w, paramPubKey, err)
		return
	}
	g.rw.WriteResponse(w, &BalanceResponse{Balance: wire.FormatAmount(g.backend.Balance(pk))})
}

func (g *Gateway) balanceEventsFunc(w http.ResponseWriter, r *http.Request) {
	pk, err := sdk.ParsePubKey(mux.Vars(r)[paramPubKey], true)
	if err != nil {
		g.rw.InvalidParamResponse(w, paramPubKey, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.rw.ErrorResponse(w, http.StatusInternalServerError, errors.New("streaming is not supported"))
		return
	}

	// holds only the latest balance, older values are dropped
	balances := make(chan *uint256.Int, 1)
	unsubscribe, err := g.backend.WatchBalance(r.Context(), pk, func(balance *uint256.Int) {
		for {
			select {
			case balances <- balance:
				return
			default:
				select {
				case <-balances:
				default:
				}
			}
		}
	})
	if err != nil {
		g.rw.WriteErrorResponse(w, fmt.Errorf("subscribing to balance changes: %w", err))
		return
	}
	defer unsubscribe()

	w.Header().Set(sdk.ContentType, sdk.EventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-balances:
			if err := g.writeEvent(w, eventBalance, &BalanceResponse{Balance: wire.FormatAmount(b)}); err != nil {
				g.log.Debug("writing balance event", logger.Error(err), logger.PubKey(pk))
				return
			}
			flusher.Flush()
		}
	}
}

func (g *Gateway) postBatchFunc(w http.ResponseWriter, r *http.Request) {
	batch := &ledger.SignedBatch{}
	if err := cbor.NewDecoder(r.Body).Decode(batch); err != nil {
		g.rw.ErrorResponse(w, http.StatusBadRequest, fmt.Errorf("failed to decode request body: %w", err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.rw.ErrorResponse(w, http.StatusInternalServerError, errors.New("streaming is not supported"))
		return
	}
	statuses, err := g.backend.SubmitSigned(r.Context(), batch)
	if err != nil {
		g.rw.ErrorResponse(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set(sdk.ContentType, sdk.EventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case s, ok := <-statuses:
			if !ok {
				return
			}
			if err := g.writeEvent(w, eventStatus, s); err != nil {
				g.log.Debug("writing batch status event", logger.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (g *Gateway) writeEvent(w http.ResponseWriter, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	return sdk.WriteSSE(w, event, string(b))
}
