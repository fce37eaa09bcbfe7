package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pointbrew/internal/model"
	"pointbrew/internal/service"
)

// Client talks to the ledger HTTP API. Only the ledger's own request
// validation errors are final; every other failure, including answers that
// do not parse, comes back wrapped in service.ErrTransient so callers can
// queue and retry.
type Client struct {
	baseURL string
	hc      *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (c *Client) SubmitToken(ctx context.Context, accountID, raw string) (*model.RedemptionOutcome, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, service.ErrInvalidAccount
	}
	body, err := json.Marshal(submitRequest{Token: raw})
	if err != nil {
		return nil, err
	}
	var out model.RedemptionOutcome
	path := "/v1/accounts/" + url.PathEscape(accountID) + "/redemptions"
	if err := c.do(ctx, http.MethodPost, path, body, &out, http.StatusOK, http.StatusUnprocessableEntity); err != nil {
		return nil, err
	}
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("%w: answer for %s carried no decision", service.ErrTransient, path)
	}
	return &out, nil
}

func (c *Client) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var acc model.Account
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID), nil, &acc, http.StatusOK); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *Client) AccountHistory(ctx context.Context, accountID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	return c.history(ctx, "/v1/accounts/"+url.PathEscape(accountID)+"/transactions", q)
}

func (c *Client) TransactionsBetween(ctx context.Context, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	return c.history(ctx, "/v1/transactions", q)
}

func (c *Client) history(ctx context.Context, path string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	params := url.Values{}
	if !q.From.IsZero() {
		params.Set("from", q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, dst any, accept ...int) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", service.ErrTransient, err)
	}
	defer resp.Body.Close()

	for _, code := range accept {
		if resp.StatusCode == code {
			// A proxy or captive portal can answer 200 with its own page.
			if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
				return fmt.Errorf("%w: decode %s response: %v", service.ErrTransient, path, err)
			}
			return nil
		}
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&apiErr)
	switch {
	case resp.StatusCode == http.StatusBadRequest && apiErr.Error == "missing_account_id":
		return service.ErrInvalidAccount
	case resp.StatusCode == http.StatusBadRequest && requestErrors[apiErr.Error]:
		return fmt.Errorf("%w: %s %s: %s", service.ErrInvalidRequest, method, path, apiErr.Error)
	default:
		return fmt.Errorf("%w: %s %s answered %d %s", service.ErrTransient, method, path, resp.StatusCode, apiErr.Error)
	}
}

// requestErrors are the 400 codes the ledger handler itself sends.
var requestErrors = map[string]bool{
	"invalid_json":    true,
	"missing_token":   true,
	"invalid_request": true,
	"invalid_from":    true,
	"invalid_to":      true,
	"invalid_limit":   true,
	"invalid_range":   true,
}
