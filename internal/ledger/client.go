package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tonkeeper/tongo"
	"github.com/valyala/fasthttp"
)

// ErrUnavailable marks a transient failure talking to the indexer.
var ErrUnavailable = errors.New("ledger unavailable")

// Transfer is an incoming payment observed on the receiving account.
// Amount is in nanotons.
type Transfer struct {
	Hash        string
	Amount      int64
	Comment     string
	Source      string
	Destination string
	Time        time.Time
}

// Client reads recent transactions from a toncenter v2 compatible API.
type Client struct {
	http    *fasthttp.Client
	baseURL string
	apiKey  string
	timeout time.Duration
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		http:    &fasthttp.Client{Name: "paygate"},
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
	}
}

type txResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Result []struct {
		Utime         int64 `json:"utime"`
		TransactionID struct {
			Lt   string `json:"lt"`
			Hash string `json:"hash"`
		} `json:"transaction_id"`
		InMsg struct {
			Source      string `json:"source"`
			Destination string `json:"destination"`
			Value       string `json:"value"`
			Message     string `json:"message"`
		} `json:"in_msg"`
	} `json:"result"`
}

// RecentTransfers returns up to limit incoming transfers to account, newest first.
func (c *Client) RecentTransfers(ctx context.Context, account tongo.AccountID, limit int) ([]Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("address", account.ToRaw())
	q.Set("limit", strconv.Itoa(limit))
	q.Set("archival", "true")

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/getTransactions?" + q.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}

	var body txResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if !body.OK {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, body.Error)
	}

	transfers := make([]Transfer, 0, len(body.Result))
	for _, tx := range body.Result {
		// External or outgoing-only transactions have no incoming value.
		if tx.InMsg.Source == "" {
			continue
		}
		amount, err := strconv.ParseInt(tx.InMsg.Value, 10, 64)
		if err != nil || amount <= 0 {
			continue
		}
		transfers = append(transfers, Transfer{
			Hash:        tx.TransactionID.Hash,
			Amount:      amount,
			Comment:     tx.InMsg.Message,
			Source:      tx.InMsg.Source,
			Destination: tx.InMsg.Destination,
			Time:        time.Unix(tx.Utime, 0).UTC(),
		})
	}
	return transfers, nil
}

// SameAccount reports whether two address strings in any supported form
// denote the same account.
func SameAccount(a tongo.AccountID, addr string) bool {
	other, err := tongo.ParseAccountID(addr)
	if err != nil {
		return false
	}
	return a.ToRaw() == other.ToRaw()
}
