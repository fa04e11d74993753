package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SimelweN/rebooked-orders/internal/order/domain"
)

const DefaultBaseURL = "https://api.paystack.co"

// Client is the hosted-payment gateway adapter. It opens checkout
// sessions and verifies references; all lifecycle decisions stay with
// the engine.
type Client struct {
	log     *slog.Logger
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(log *slog.Logger, baseURL, secretKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		log:     log,
		baseURL: baseURL,
		secret:  secretKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type initializeRequest struct {
	Email     string            `json:"email"`
	Amount    int64             `json:"amount"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type initializeResponse struct {
	Status bool `json:"status"`
	Data   struct {
		AuthorizationURL string `json:"authorization_url"`
	} `json:"data"`
	Message string `json:"message"`
}

type verifyResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *Client) InitializeSession(ctx context.Context, buyerEmail string, amountCents int64, reference string, metadata map[string]string) (string, error) {
	body, err := json.Marshal(initializeRequest{
		Email:     buyerEmail,
		Amount:    amountCents,
		Reference: reference,
		Metadata:  metadata,
	})
	if err != nil {
		return "", err
	}

	var resp initializeResponse
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return "", err
	}
	if !resp.Status || resp.Data.AuthorizationURL == "" {
		return "", fmt.Errorf("gateway rejected session: %s", resp.Message)
	}
	return resp.Data.AuthorizationURL, nil
}

func (c *Client) Confirm(ctx context.Context, reference string) (domain.PaymentConfirmation, error) {
	var resp verifyResponse
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &resp); err != nil {
		return domain.PaymentConfirmation{}, err
	}
	if !resp.Status {
		return domain.PaymentConfirmation{}, fmt.Errorf("gateway verify failed: %s", resp.Message)
	}
	return domain.PaymentConfirmation{
		Paid:        resp.Data.Status == "success",
		AmountCents: resp.Data.Amount,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway unavailable: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
