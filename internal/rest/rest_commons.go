package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/learnearn/vouchers/types"
)

const (
	ContentType     = "Content-Type"
	ApplicationJson = "application/json"
	ApplicationCbor = "application/cbor"
	EventStream     = "text/event-stream"
)

type (
	ErrorResponse struct {
		Message string `json:"message"`
	}

	// ResponseWriter writes JSON responses, encoding and internal errors are passed to LogErr.
	ResponseWriter struct {
		LogErr func(err error)
	}
)

var ErrRecordNotFound = errors.New("not found")

func (rw *ResponseWriter) logError(err error) {
	if rw.LogErr != nil {
		rw.LogErr(err)
	}
}

// WriteResponse writes "data" as JSON with status 200.
func (rw *ResponseWriter) WriteResponse(w http.ResponseWriter, data any) {
	rw.WriteStatusResponse(w, http.StatusOK, data)
}

func (rw *ResponseWriter) WriteStatusResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set(ContentType, ApplicationJson)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		rw.logError(fmt.Errorf("encoding response as json: %w", err))
	}
}

// WriteErrorResponse responds with 404 to ErrRecordNotFound and with 500 (logging the error) to anything else.
func (rw *ResponseWriter) WriteErrorResponse(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrRecordNotFound) {
		rw.ErrorResponse(w, http.StatusNotFound, err)
		return
	}
	rw.logError(err)
	rw.ErrorResponse(w, http.StatusInternalServerError, err)
}

func (rw *ResponseWriter) InvalidParamResponse(w http.ResponseWriter, name string, err error) {
	rw.ErrorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid parameter %q: %w", name, err))
}

func (rw *ResponseWriter) ErrorResponse(w http.ResponseWriter, code int, err error) {
	rw.WriteStatusResponse(w, code, ErrorResponse{Message: err.Error()})
}

// ParsePubKey decodes hex encoded public key of the path or query parameter.
func ParsePubKey(pubkey string, required bool) (types.PubKey, error) {
	if pubkey == "" {
		if required {
			return nil, errors.New("parameter is required")
		}
		return nil, nil
	}
	return types.DecodePubKeyHex(pubkey)
}
