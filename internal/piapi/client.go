package piapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrDecode = errors.New("failed to decode processor response")

// StatusError is returned for any non-2xx answer, body included so the
// caller can log exactly what the processor said.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() (s string) {
	return fmt.Sprintf("unexpected processor status %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	// Base URL including the version prefix
	// Example: https://api.minepi.com/v2
	Url string
	// Server key, sent as "Key <key>" on payment endpoints
	Key string
	// HTTP Client to use
	Client *http.Client
}

type Client struct {
	config Config
}

func New(config Config) (c *Client) {
	if config.Client == nil {
		config.Client = http.DefaultClient
	}
	return &Client{config: config}
}

const maxBodyBytes = 1 << 20

func (c *Client) do(ctx context.Context, method, path, auth string, in, out any) (err error) {
	var body io.Reader
	if in != nil {
		contents, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(contents)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.Url+path, body)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.config.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach processor: %w", err)
	}
	defer res.Body.Close()

	contents, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: res.StatusCode, Body: string(contents)}
	}

	err = json.Unmarshal(contents, out)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDecode, string(contents))
	}
	return nil
}

func (c *Client) keyAuth() (auth string) {
	return "Key " + c.config.Key
}

// Payment fetches the authoritative state of a payment by reference.
func (c *Client) Payment(ctx context.Context, id string) (payment Payment, err error) {
	err = c.do(ctx, http.MethodGet, "/payments/"+id, c.keyAuth(), nil, &payment)
	if err != nil {
		return payment, fmt.Errorf("failed to fetch payment %s: %w", id, err)
	}
	return payment, nil
}

// CreatePayment registers a new app-to-user payment at the processor.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (payment Payment, err error) {
	err = c.do(ctx, http.MethodPost, "/payments", c.keyAuth(), &req, &payment)
	if err != nil {
		return payment, fmt.Errorf("failed to create payment: %w", err)
	}
	return payment, nil
}

// ApprovePayment acknowledges a pending payment server side. Approval is
// a processor-flow step, never a substitute for verification.
func (c *Client) ApprovePayment(ctx context.Context, id string) (payment Payment, err error) {
	err = c.do(ctx, http.MethodPost, "/payments/"+id+"/approve", c.keyAuth(), struct{}{}, &payment)
	if err != nil {
		return payment, fmt.Errorf("failed to approve payment %s: %w", id, err)
	}
	return payment, nil
}

// Me resolves the user behind an access token.
func (c *Client) Me(ctx context.Context, accessToken string) (user User, err error) {
	err = c.do(ctx, http.MethodGet, "/me", "Bearer "+accessToken, nil, &user)
	if err != nil {
		return user, fmt.Errorf("failed to fetch user: %w", err)
	}
	return user, nil
}
