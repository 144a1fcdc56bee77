package billing

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSize = 4 << 20 // 4 MiB

// HTTPClient talks to the billing authority's REST surface.
type HTTPClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewHTTPClient creates an authority client for the given base URL.
// Request deadlines come from the caller's context, so the underlying
// http.Client carries no global timeout of its own.
func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// CurrentEntitlements implements Authority.
func (c *HTTPClient) CurrentEntitlements(ctx context.Context) ([]Transaction, error) {
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.getJSON(ctx, "current_entitlements", "/v1/entitlements", &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// RenewalStatus implements Authority.
func (c *HTTPClient) RenewalStatus(ctx context.Context, originalID string) (*bool, error) {
	var out struct {
		WillAutoRenew *bool `json:"will_auto_renew"`
	}
	path := "/v1/subscriptions/" + url.PathEscape(originalID) + "/renewal"
	if err := c.getJSON(ctx, "renewal_status", path, &out); err != nil {
		return nil, err
	}
	return out.WillAutoRenew, nil
}

// TransactionHistory implements Authority.
func (c *HTTPClient) TransactionHistory(ctx context.Context, cursor string) (HistoryPage, error) {
	path := "/v1/transactions"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var page HistoryPage
	if err := c.getJSON(ctx, "transaction_history", path, &page); err != nil {
		return HistoryPage{}, err
	}
	return page, nil
}

// Purchase implements Authority.
func (c *HTTPClient) Purchase(ctx context.Context, productID string) (Transaction, error) {
	body, _ := json.Marshal(map[string]string{"product_id": productID})
	var txn Transaction
	if err := c.doJSON(ctx, "purchase", http.MethodPost, "/v1/purchase", body, &txn); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// FinishTransaction implements Authority.
func (c *HTTPClient) FinishTransaction(ctx context.Context, transactionID string) error {
	path := "/v1/transactions/" + url.PathEscape(transactionID) + "/finish"
	return c.doJSON(ctx, "finish_transaction", http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) getJSON(ctx context.Context, op, path string, out any) error {
	return c.doJSON(ctx, op, http.MethodGet, path, nil, out)
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &AuthorityError{Op: op, Code: CodeInternal, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return classifyTransport(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(op, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &AuthorityError{Op: op, Code: CodeInternal, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// classifyTransport maps a request-level failure to an authority error.
func classifyTransport(op string, err error) *AuthorityError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AuthorityError{Op: op, Code: CodeTimeout, Retryable: true, Err: err}
	case errors.Is(err, context.Canceled):
		return &AuthorityError{Op: op, Code: CodeUserCancelled, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &AuthorityError{Op: op, Code: CodeTimeout, Retryable: true, Err: err}
	}
	return &AuthorityError{Op: op, Code: CodeNetwork, Retryable: true, Err: err}
}

// classifyStatus maps an HTTP error status to an authority error. The body
// may carry {"error": "..."} with a human-oriented detail string.
func classifyStatus(op string, status int, body []byte) *AuthorityError {
	detail := ""
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		detail = payload.Error
	}
	var wrapped error
	if detail != "" {
		wrapped = errors.New(detail)
	}

	switch {
	case status == http.StatusPaymentRequired:
		return &AuthorityError{Op: op, Code: CodePaymentDeclined, StatusCode: status, Err: wrapped}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &AuthorityError{Op: op, Code: CodeProductUnavailable, StatusCode: status, Err: wrapped}
	case status == http.StatusConflict:
		return &AuthorityError{Op: op, Code: CodeUserCancelled, StatusCode: status, Err: wrapped}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthorityError{Op: op, Code: CodeVerification, StatusCode: status, Err: wrapped}
	case status == http.StatusTooManyRequests || status >= 500:
		return &AuthorityError{Op: op, Code: CodeNetwork, StatusCode: status, Retryable: true, Err: wrapped}
	default:
		return &AuthorityError{Op: op, Code: CodeInternal, StatusCode: status, Err: wrapped}
	}
}
