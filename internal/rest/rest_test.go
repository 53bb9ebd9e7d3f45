package rest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadSSE(t *testing.T) {
	stream := ": comment\n" +
		"event: ping\n\n" +
		"event: balance\ndata: {\"balance\":\"10\"}\n\n" +
		"data: line1\ndata: line2\nid: 7\n\n" +
		"event: status\ndata:no-space\n\n" +
		"event: incomplete\ndata: x"

	type ev struct{ event, data string }
	var got []ev
	err := ReadSSE(strings.NewReader(stream), func(event, data string) error {
		got = append(got, ev{event, data})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []ev{
		{"balance", `{"balance":"10"}`},
		{"message", "line1\nline2"},
		{"status", "no-space"},
	}, got)

	expErr := errors.New("stop")
	err = ReadSSE(strings.NewReader(stream), func(event, data string) error { return expErr })
	require.ErrorIs(t, err, expErr)
}

func TestWriteSSE(t *testing.T) {
	sb := &strings.Builder{}
	require.NoError(t, WriteSSE(sb, "status", `{"status":"Ready"}`))
	var data string
	require.NoError(t, ReadSSE(strings.NewReader(sb.String()), func(event, d string) error {
		require.Equal(t, "status", event)
		data = d
		return nil
	}))
	require.Equal(t, `{"status":"Ready"}`, data)
}

func TestResponseWriter(t *testing.T) {
	var logged []error
	rw := &ResponseWriter{LogErr: func(err error) { logged = append(logged, err) }}

	w := httptest.NewRecorder()
	rw.WriteErrorResponse(w, fmt.Errorf("diploma: %w", ErrRecordNotFound))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"message":"diploma: not found"}`, w.Body.String())
	require.Empty(t, logged)

	w = httptest.NewRecorder()
	rw.WriteErrorResponse(w, errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, logged, 1)

	w = httptest.NewRecorder()
	rw.InvalidParamResponse(w, "referee", errors.New("bad"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"message":"invalid parameter \"referee\": bad"}`, w.Body.String())

	w = httptest.NewRecorder()
	rw.WriteStatusResponse(w, http.StatusCreated, map[string]string{"record": "D,1"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, ApplicationJson, w.Header().Get(ContentType))
	require.JSONEq(t, `{"record":"D,1"}`, w.Body.String())
}

func TestParsePubKey(t *testing.T) {
	pk, err := ParsePubKey("", false)
	require.NoError(t, err)
	require.Nil(t, pk)

	_, err = ParsePubKey("", true)
	require.EqualError(t, err, "parameter is required")

	_, err = ParsePubKey("0x01", true)
	require.EqualError(t, err, "must be 68 characters long (including 0x prefix), got 4 characters starting 0x01")

	pk, err = ParsePubKey("0x"+strings.Repeat("02", 33), true)
	require.NoError(t, err)
	require.Len(t, pk, 33)
}
