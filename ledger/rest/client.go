/*
Package rest implements ledger.Client talking to the ledger node through its
HTTP gateway, and the gateway itself (used to expose in-process ledger).
*/
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/crypto"
	sdk "github.com/learnearn/vouchers/internal/rest"
	"github.com/learnearn/vouchers/ledger"
	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/wire"
)

const defaultScheme = "http://"

type Client struct {
	BaseUrl *url.URL
	// used for simple request-response calls
	HttpClient http.Client
	// used for event streams, must not have timeout
	StreamClient http.Client
	// delay before reconnecting dropped balance stream
	RetryDelay time.Duration

	headerURL   *url.URL
	balancesURL *url.URL
	batchesURL  *url.URL
	log         *slog.Logger
}

var _ ledger.Client = (*Client)(nil)

func New(baseUrl string, log *slog.Logger) (*Client, error) {
	if !strings.HasPrefix(baseUrl, "http://") && !strings.HasPrefix(baseUrl, "https://") {
		baseUrl = defaultScheme + baseUrl
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("error parsing ledger client base URL (%s): %w", baseUrl, err)
	}
	return &Client{
		BaseUrl:     u,
		HttpClient:  http.Client{Timeout: time.Minute},
		RetryDelay:  time.Second,
		headerURL:   u.JoinPath(HeaderPath),
		balancesURL: u.JoinPath(BalancesPath),
		batchesURL:  u.JoinPath(BatchesPath),
		log:         log,
	}, nil
}

func (c *Client) CurrentHeader(ctx context.Context) (*ledger.Header, error) {
	hdr := &ledger.Header{}
	if err := c.get(ctx, c.headerURL, hdr); err != nil {
		return nil, fmt.Errorf("request CurrentHeader failed: %w", err)
	}
	return hdr, nil
}

func (c *Client) Balance(ctx context.Context, account types.PubKey) (*uint256.Int, error) {
	var resp BalanceResponse
	if err := c.get(ctx, c.balancesURL.JoinPath(account.String()), &resp); err != nil {
		return nil, fmt.Errorf("request Balance failed: %w", err)
	}
	return wire.ParseAmount(resp.Balance)
}

func (c *Client) get(ctx context.Context, u *url.URL, data any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", sdk.ApplicationJson)
	rsp, err := c.HttpClient.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return responseError(rsp)
	}
	if err := json.NewDecoder(rsp.Body).Decode(data); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

/*
WatchBalance keeps balance event stream of the account open until ctx is
cancelled or unsubscribe is called. Dropped stream is reconnected after
RetryDelay.
*/
func (c *Client) WatchBalance(ctx context.Context, account types.PubKey, fn func(balance *uint256.Int)) (func(), error) {
	if err := account.IsValid(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("callback func is nil")
	}

	ctx, cancel := context.WithCancel(ctx)
	u := c.balancesURL.JoinPath(account.String(), "events")
	go func() {
		for {
			err := c.streamEvents(ctx, http.MethodGet, u, nil, func(event, data string) error {
				if event != eventBalance {
					return nil
				}
				var resp BalanceResponse
				if err := json.Unmarshal([]byte(data), &resp); err != nil {
					return fmt.Errorf("decoding balance event: %w", err)
				}
				balance, err := wire.ParseAmount(resp.Balance)
				if err != nil {
					return fmt.Errorf("decoding balance event: %w", err)
				}
				fn(balance)
				return nil
			})
			if ctx.Err() != nil {
				return
			}
			c.log.WarnContext(ctx, "balance stream dropped, reconnecting", logger.Error(err), logger.PubKey(account))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.RetryDelay):
			}
		}
	}()
	return cancel, nil
}

/*
SubmitBatch posts the signed batch to the gateway. Gateway responds with
event stream of the batch statuses which is delivered through the returned
channel. Channel is closed when the stream ends, after terminal status or
when ctx is cancelled.
*/
func (c *Client) SubmitBatch(ctx context.Context, calls []*ledger.ReimbursementCall, signer crypto.Signer) (<-chan *ledger.BatchStatus, error) {
	batch, err := ledger.SignBatch(calls, signer)
	if err != nil {
		return nil, fmt.Errorf("signing batch: %w", err)
	}
	b, err := cbor.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	rsp, err := c.openStream(ctx, http.MethodPost, c.batchesURL, b)
	if err != nil {
		return nil, fmt.Errorf("failed to submit batch: %w", err)
	}

	statuses := make(chan *ledger.BatchStatus, 3)
	go func() {
		defer close(statuses)
		defer rsp.Body.Close()
		err := sdk.ReadSSE(rsp.Body, func(event, data string) error {
			if event != eventStatus {
				return nil
			}
			s := &ledger.BatchStatus{}
			if err := json.Unmarshal([]byte(data), s); err != nil {
				return fmt.Errorf("decoding batch status: %w", err)
			}
			select {
			case statuses <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
			if s.Status.Terminal() && s.Status != ledger.StatusInBlock {
				return io.EOF
			}
			return nil
		})
		if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
			c.log.WarnContext(ctx, "reading batch status stream", logger.Error(err))
		}
	}()
	return statuses, nil
}

func (c *Client) streamEvents(ctx context.Context, method string, u *url.URL, body []byte, fn func(event, data string) error) error {
	rsp, err := c.openStream(ctx, method, u, body)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	if err := sdk.ReadSSE(rsp.Body, fn); err != nil {
		return err
	}
	return errors.New("event stream closed by server")
}

func (c *Client) openStream(ctx context.Context, method string, u *url.URL, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", sdk.EventStream)
	if body != nil {
		req.Header.Set(sdk.ContentType, sdk.ApplicationCbor)
	}
	rsp, err := c.StreamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if rsp.StatusCode != http.StatusOK {
		defer rsp.Body.Close()
		return nil, responseError(rsp)
	}
	return rsp, nil
}

func responseError(rsp *http.Response) error {
	var er sdk.ErrorResponse
	if err := json.NewDecoder(rsp.Body).Decode(&er); err == nil && er.Message != "" {
		return fmt.Errorf("unexpected response status %s: %s", rsp.Status, er.Message)
	}
	return fmt.Errorf("unexpected response status %s", rsp.Status)
}
