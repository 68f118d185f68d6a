// Package ledger talks to the Ledgerbook accounting REST API. It does
// transport, encoding, and error-shape normalization only; retry and
// taxonomy classification live in the execution wrapper above it.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// APIError is a non-2xx response from the accounting API, with the
// provider's error code and message extracted when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("API returned %d: %s", e.StatusCode, e.Message)
}

// TransportError wraps a network-level failure (timeout, connection
// refused, DNS) that never produced an HTTP response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client talks to the Ledgerbook REST API. The access token is supplied
// per call; the client holds no credential state.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the given base URL.
// If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// sanitizeBody truncates and sanitizes a response body for inclusion in
// error messages. Limits to 256 bytes and replaces non-printable
// characters to prevent log injection.
func sanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// Do sends an authenticated request and returns the raw response body.
// Non-2xx responses become *APIError, network failures *TransportError.
// path may carry its own query string; query (when non-nil) is merged in.
func (c *Client) Do(ctx context.Context, token, method, path string, query url.Values, body []byte) ([]byte, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("building request URL for %s: %w", path, err)
	}

	if query != nil {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", path, err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("sending %s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("reading response from %s: %w", path, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiErrorFrom(resp, respBody)
	}

	return respBody, nil
}

// apiErrorFrom extracts the provider's structured error from a non-2xx
// response. Ledgerbook nests errors as {"error":{"code","message"}};
// some proxies in front of it return a flat {"message"} instead.
func apiErrorFrom(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	if gjson.ValidBytes(body) {
		apiErr.Code = gjson.GetBytes(body, "error.code").String()

		if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
			apiErr.Message = msg.String()
		} else if msg := gjson.GetBytes(body, "message"); msg.Exists() {
			apiErr.Message = msg.String()
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = sanitizeBody(body)
	}

	return apiErr
}

// parseRetryAfter handles both forms of the header: delta-seconds and
// an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}

// get performs an authenticated GET and decodes the response.
func (c *Client) get(ctx context.Context, token, path string, query url.Values, result any) error {
	body, err := c.Do(ctx, token, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}

	return nil
}

// postJSON performs an authenticated POST with a JSON payload.
func (c *Client) postJSON(ctx context.Context, token, path string, payload, result any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling request body for %s: %w", path, err)
	}

	body, err := c.Do(ctx, token, http.MethodPost, path, nil, raw)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}

	return nil
}

// GetCompany returns the authenticated organization.
func (c *Client) GetCompany(ctx context.Context, token string) (*Company, error) {
	var company Company
	if err := c.get(ctx, token, "/company", nil, &company); err != nil {
		return nil, err
	}

	return &company, nil
}

// ListContacts returns one page of contacts matching the query.
func (c *Client) ListContacts(ctx context.Context, token string, q ContactsQuery) (*ContactsPage, error) {
	params := url.Values{}

	if q.Search != "" {
		params.Set("search", q.Search)
	}

	if q.Type != "" {
		params.Set("type", q.Type)
	}

	if q.IncludeArchived {
		params.Set("include_archived", "true")
	}

	addPaging(params, q.Page, q.PageSize)

	var page ContactsPage
	if err := c.get(ctx, token, "/contacts", params, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

// GetContact returns a single contact by ID.
func (c *Client) GetContact(ctx context.Context, token, id string) (*Contact, error) {
	var contact Contact
	if err := c.get(ctx, token, "/contacts/"+url.PathEscape(id), nil, &contact); err != nil {
		return nil, err
	}

	return &contact, nil
}

// CreateContact creates a contact and returns the stored record.
func (c *Client) CreateContact(ctx context.Context, token string, payload ContactCreate) (*Contact, error) {
	var contact Contact
	if err := c.postJSON(ctx, token, "/contacts", payload, &contact); err != nil {
		return nil, err
	}

	return &contact, nil
}

// DeleteContact removes a contact.
func (c *Client) DeleteContact(ctx context.Context, token, id string) error {
	_, err := c.Do(ctx, token, http.MethodDelete, "/contacts/"+url.PathEscape(id), nil, nil)
	return err
}

// ListInvoices returns one page of invoices matching the query.
func (c *Client) ListInvoices(ctx context.Context, token string, q InvoicesQuery) (*InvoicesPage, error) {
	params := url.Values{}

	if q.Status != "" {
		params.Set("status", q.Status)
	}

	if q.ContactID != "" {
		params.Set("contact_id", q.ContactID)
	}

	if q.DateFrom != "" {
		params.Set("date_from", q.DateFrom)
	}

	if q.DateTo != "" {
		params.Set("date_to", q.DateTo)
	}

	addPaging(params, q.Page, q.PageSize)

	var page InvoicesPage
	if err := c.get(ctx, token, "/invoices", params, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

// GetInvoice returns a single invoice by ID, including line items.
func (c *Client) GetInvoice(ctx context.Context, token, id string) (*Invoice, error) {
	var invoice Invoice
	if err := c.get(ctx, token, "/invoices/"+url.PathEscape(id), nil, &invoice); err != nil {
		return nil, err
	}

	return &invoice, nil
}

// CreateInvoice creates a draft invoice and returns the stored record.
func (c *Client) CreateInvoice(ctx context.Context, token string, payload InvoiceCreate) (*Invoice, error) {
	var invoice Invoice
	if err := c.postJSON(ctx, token, "/invoices", payload, &invoice); err != nil {
		return nil, err
	}

	return &invoice, nil
}

// DeleteInvoice removes an invoice. The provider only permits this for
// drafts; anything else comes back as a conflict.
func (c *Client) DeleteInvoice(ctx context.Context, token, id string) error {
	_, err := c.Do(ctx, token, http.MethodDelete, "/invoices/"+url.PathEscape(id), nil, nil)
	return err
}

func addPaging(params url.Values, page, pageSize int) {
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}

	if pageSize > 0 {
		params.Set("page_size", strconv.Itoa(pageSize))
	}
}
