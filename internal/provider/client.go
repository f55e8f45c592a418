package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/faults"
)

// HTTPClient talks to the aggregation provider's REST API. It does no
// throttling or caching of its own; the Facade owns both.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// NewHTTPClient builds a provider client. timeout bounds each request.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log.Named("provider"),
	}
}

// Ping checks the service API key against the provider's auth endpoint.
// No user token is involved.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "", "/v1/ping", nil)
}

func (c *HTTPClient) GetAccounts(ctx context.Context, token string) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.get(ctx, token, "/v1/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

func (c *HTTPClient) GetTransactions(ctx context.Context, token string, from, to time.Time, accountIDs []string) ([]Transaction, error) {
	q := url.Values{}
	q.Set("from", from.Format("2006-01-02"))
	q.Set("to", to.Format("2006-01-02"))
	if len(accountIDs) > 0 {
		q.Set("account_ids", strings.Join(accountIDs, ","))
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.get(ctx, token, "/v1/transactions", q, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

func (c *HTTPClient) GetHoldings(ctx context.Context, token string, accountIDs []string) ([]Holding, error) {
	q := url.Values{}
	if len(accountIDs) > 0 {
		q.Set("account_ids", strings.Join(accountIDs, ","))
	}
	var out struct {
		Holdings []Holding `json:"holdings"`
	}
	if err := c.get(ctx, token, "/v1/holdings", q, &out); err != nil {
		return nil, err
	}
	return out.Holdings, nil
}

func (c *HTTPClient) RefreshAccount(ctx context.Context, token, accountID string) (RefreshStatus, error) {
	var out RefreshStatus
	path := "/v1/accounts/" + url.PathEscape(accountID) + "/refresh"
	if err := c.do(ctx, http.MethodPost, token, path, &out); err != nil {
		return RefreshStatus{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetRefreshStatus(ctx context.Context, token, accountID string) (RefreshStatus, error) {
	var out RefreshStatus
	path := "/v1/accounts/" + url.PathEscape(accountID) + "/refresh"
	if err := c.get(ctx, token, path, nil, &out); err != nil {
		return RefreshStatus{}, err
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, token, path string, q url.Values, out interface{}) error {
	if len(q) > 0 {
		path = path + "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, token, path, out)
}

func (c *HTTPClient) do(ctx context.Context, method, token, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return faults.Wrap(faults.KindTerminal, "provider.request", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures (timeouts, refused connections) are
		// transient by definition.
		return faults.Wrap(faults.KindTransient, "provider."+method+path, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, method+" "+path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Wrap(faults.KindTransient, "provider.decode", errors.Wrap(err, "decoding provider response"))
	}
	return nil
}

// checkStatus maps HTTP status codes onto the error taxonomy.
func (c *HTTPClient) checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Now().Add(time.Minute)
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Now().Add(time.Duration(secs) * time.Second)
			}
		}
		return faults.Capacity(op, retryAfter, "provider rate limit exceeded")
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound:
		return faults.New(faults.KindTerminal, op, c.readError(resp))
	case resp.StatusCode >= 500:
		return faults.New(faults.KindTransient, op, c.readError(resp))
	default:
		return faults.New(faults.KindUnknown, op, c.readError(resp))
	}
}

func (c *HTTPClient) readError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Sprintf("provider returned %d: %s", resp.StatusCode, msg)
}
