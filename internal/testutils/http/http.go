package testhttp

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

/*
DoGetJson returns nil when the request fails, otherwise the response with
the body decoded into "response".
*/
func DoGetJson(t testing.TB, url string, response any) *http.Response {
	httpRes, err := http.Get(url) // #nosec G107
	if err != nil {
		t.Logf("GET %s: %v", url, err)
		return nil
	}
	defer func() {
		_ = httpRes.Body.Close()
	}()
	resBytes, err := io.ReadAll(httpRes.Body)
	require.NoError(t, err)
	t.Logf("GET %s response: %s", url, resBytes)
	if httpRes.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(resBytes, response))
	}
	return httpRes
}

func DoPostJson(t testing.TB, url string, req any, res any) *http.Response {
	reqBodyBytes, err := json.Marshal(req)
	require.NoError(t, err)
	httpRes, err := http.Post(url, "application/json", bytes.NewBuffer(reqBodyBytes)) // #nosec G107
	require.NoError(t, err)
	defer func() {
		_ = httpRes.Body.Close()
	}()
	resBytes, err := io.ReadAll(httpRes.Body)
	require.NoError(t, err)
	t.Logf("POST %s response: %s", url, resBytes)
	require.NoError(t, json.Unmarshal(resBytes, res))
	return httpRes
}
