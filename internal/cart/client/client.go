// Package client is the storefront's CartStore backed by the cart HTTP API.
package client

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

	"cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
	id "cartkeep/pkg/domain"
	"cartkeep/pkg/platform/circuit"
	"cartkeep/pkg/platform/httputil"
)

const (
	headerCartSession = "X-Cart-Session"
	defaultTimeout    = 5 * time.Second
	maxErrorBody      = 4 << 10
)

// StatusError carries the status and error body of a failed response. It
// unwraps to ErrRemoteRejected for 4xx and ErrRemoteUnreachable for 5xx.
type StatusError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *StatusError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("cart backend returned %d %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("cart backend returned %d %s", e.StatusCode, e.Code)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 {
		return models.ErrRemoteUnreachable
	}
	return models.ErrRemoteRejected
}

// Client calls the cart API over HTTP. Every call is bounded by the client
// timeout and guarded by a circuit breaker that fails fast while the backend
// is down.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	breaker    *circuit.Breaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

var _ ports.CartStore = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New builds a client for the cart API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https")
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		breaker:    circuit.New("cart-backend"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Read(ctx context.Context, owner models.Owner) (*models.Cart, error) {
	return c.call(ctx, http.MethodGet, "/cart", nil, owner, owner)
}

func (c *Client) AddLine(ctx context.Context, owner models.Owner, ref id.ProductRef, qty int) (*models.Cart, error) {
	body := models.AddLineRequest{ProductRef: ref.String(), Quantity: qty}
	return c.call(ctx, http.MethodPost, "/cart/lines", body, owner, owner)
}

func (c *Client) SetLineQuantity(ctx context.Context, owner models.Owner, ref id.ProductRef, qty int) (*models.Cart, error) {
	body := models.SetQuantityRequest{Quantity: &qty}
	return c.call(ctx, http.MethodPut, linePath(ref), body, owner, owner)
}

func (c *Client) RemoveLine(ctx context.Context, owner models.Owner, ref id.ProductRef) (*models.Cart, error) {
	return c.call(ctx, http.MethodDelete, linePath(ref), nil, owner, owner)
}

func (c *Client) Clear(ctx context.Context, owner models.Owner) (*models.Cart, error) {
	return c.call(ctx, http.MethodDelete, "/cart", nil, owner, owner)
}

// Merge sends both the guest session and the account credential; the
// returned cart belongs to target.
func (c *Client) Merge(ctx context.Context, source, target models.Owner) (*models.Cart, error) {
	if !source.IsGuest() || !target.IsAccount() {
		return nil, fmt.Errorf("%w: merge needs a guest source and an account target", models.ErrRemoteRejected)
	}
	return c.call(ctx, http.MethodPost, "/cart/merge", nil, target, source, target)
}

func linePath(ref id.ProductRef) string {
	return "/cart/lines/" + url.PathEscape(ref.String())
}

// call performs one request addressed to owners and decodes the cart of
// resultOwner.
func (c *Client) call(ctx context.Context, method, path string, body any, resultOwner models.Owner, owners ...models.Owner) (*models.Cart, error) {
	req, err := c.newRequest(ctx, method, path, body, owners...)
	if err != nil {
		return nil, err
	}

	if !c.breaker.Allow() {
		c.metrics.SetRemoteBreakerOpen(true)
		return nil, fmt.Errorf("%w: circuit open", models.ErrRemoteUnreachable)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.recordFailure(ctx, method, path)
		}
		return nil, fmt.Errorf("%w: %w", models.ErrRemoteUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.recordFailure(ctx, method, path)
		return nil, readStatusError(resp)
	}
	// The backend answered, even if it refused the call.
	c.recordSuccess()

	if resp.StatusCode >= 400 {
		return nil, readStatusError(resp)
	}

	var decoded models.CartResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", models.ErrRemoteUnreachable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: decode cart: %w", models.ErrRemoteRejected, err)
	}
	cart, err := decoded.ToCart(resultOwner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrRemoteRejected, err)
	}
	return cart, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, owners ...models.Owner) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	for _, owner := range owners {
		switch {
		case owner.IsGuest():
			req.Header.Set(headerCartSession, owner.SessionToken().String())
		case owner.IsAccount():
			if owner.Credential() == "" {
				return nil, fmt.Errorf("%w: account owner has no credential", models.ErrRemoteRejected)
			}
			req.Header.Set("Authorization", "Bearer "+owner.Credential())
		default:
			return nil, fmt.Errorf("%w: cart owner is not set", models.ErrRemoteRejected)
		}
	}
	return req, nil
}

func (c *Client) recordFailure(ctx context.Context, method, path string) {
	_, change := c.breaker.RecordFailure()
	if change.Opened {
		c.logger.WarnContext(ctx, "cart backend circuit opened", "method", method, "path", path)
		c.metrics.SetRemoteBreakerOpen(true)
	}
}

func (c *Client) recordSuccess() {
	_, change := c.breaker.RecordSuccess()
	if change.Closed {
		c.logger.Info("cart backend circuit closed")
		c.metrics.SetRemoteBreakerOpen(false)
	}
}

func readStatusError(resp *http.Response) error {
	statusErr := &StatusError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body httputil.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		statusErr.Code = body.Error
		statusErr.Description = body.ErrorDescription
	}
	return statusErr
}
