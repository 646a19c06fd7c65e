// Package client talks to the lending API over HTTP for operator tooling.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"

	"lendingdesk/internal/calendar"
	"lendingdesk/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError is a non-2xx response decoded from the API's error body.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreakerSettings replaces the default breaker policy.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Client) { c.breaker = gobreaker.NewCircuitBreaker(withSuccessRule(st)) }
}

// New returns a client for the API at baseURL authenticating with token.
// After three consecutive server-side failures the breaker opens for
// thirty seconds and calls fail fast with gobreaker.ErrOpenState.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(withSuccessRule(gobreaker.Settings{
			Name:    "lending-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// withSuccessRule keeps client errors (4xx) from counting against the API.
func withSuccessRule(st gobreaker.Settings) gobreaker.Settings {
	st.IsSuccessful = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Status < http.StatusInternalServerError
		}
		return err == nil
	}
	return st
}

func (c *Client) Summary(ctx context.Context) (*circulation.Summary, error) {
	var s circulation.Summary
	if err := c.do(ctx, http.MethodGet, "/reports/summary", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Overdue lists overdue transactions as of the given day, or today when
// asOf is zero.
func (c *Client) Overdue(ctx context.Context, asOf time.Time) ([]circulation.OverdueEntry, error) {
	path := "/reports/overdue"
	if !asOf.IsZero() {
		path += "?" + url.Values{"asOf": {calendar.Format(asOf)}}.Encode()
	}

	var out []circulation.OverdueEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UnpaidFines(ctx context.Context) ([]circulation.TransactionView, error) {
	var out []circulation.TransactionView
	if err := c.do(ctx, http.MethodGet, "/reports/fines", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PayFine(ctx context.Context, id uuid.UUID) (*circulation.Transaction, error) {
	var t circulation.Transaction
	if err := c.do(ctx, http.MethodPut, "/transactions/"+id.String()+"/payfine", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Login exchanges credentials for a bearer token and uses it from then on.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
