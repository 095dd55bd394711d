package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tierrewards/ledger/internal/models"
)

type CreateSessionRequest struct {
	UserID    int64             `json:"user_id"`
	Network   models.Network    `json:"network"`
	Amount    decimal.Decimal   `json:"amount"`
	AmountUSD decimal.Decimal   `json:"amount_usd"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PaymentSession is a gateway-issued deposit address.
type PaymentSession struct {
	SessionID string    `json:"session_id"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStatus is the gateway's view of a deposit.
type SessionStatus struct {
	Status        models.PaymentStatus `json:"status"`
	Confirmations int                  `json:"confirmations"`
	TxHash        string               `json:"tx_hash"`
	ReceivedUSD   decimal.Decimal      `json:"received_amount_usd"`
}

// PaymentGateway is the external crypto payment microservice.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*PaymentSession, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	CancelSession(ctx context.Context, sessionID string) error
	IsAvailable(ctx context.Context) bool
}

// HTTPPaymentGateway talks to the gateway's REST API.
type HTTPPaymentGateway struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewHTTPPaymentGateway(baseURL, apiKey string, timeout time.Duration) *HTTPPaymentGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPaymentGateway{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (g *HTTPPaymentGateway) CreateSession(ctx context.Context, req CreateSessionRequest) (*PaymentSession, error) {
	var session PaymentSession
	if err := g.do(ctx, http.MethodPost, "/api/sessions", req, &session); err != nil {
		return nil, err
	}
	if session.SessionID == "" || session.Address == "" {
		return nil, UpstreamError(nil, "payment gateway returned an incomplete session")
	}
	return &session, nil
}

func (g *HTTPPaymentGateway) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var raw struct {
		Status        string          `json:"status"`
		Confirmations int             `json:"confirmations"`
		TxHash        string          `json:"tx_hash"`
		ReceivedUSD   decimal.Decimal `json:"received_amount_usd"`
	}
	if err := g.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &raw); err != nil {
		return nil, err
	}
	status, ok := models.ParsePaymentStatus(strings.ToLower(raw.Status))
	if !ok {
		return nil, UpstreamError(nil, "payment gateway returned unknown status %q", raw.Status)
	}
	return &SessionStatus{
		Status:        status,
		Confirmations: raw.Confirmations,
		TxHash:        raw.TxHash,
		ReceivedUSD:   raw.ReceivedUSD,
	}, nil
}

func (g *HTTPPaymentGateway) CancelSession(ctx context.Context, sessionID string) error {
	return g.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, nil)
}

func (g *HTTPPaymentGateway) IsAvailable(ctx context.Context) bool {
	return g.do(ctx, http.MethodGet, "/health", nil, nil) == nil
}

func (g *HTTPPaymentGateway) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return UpstreamError(err, "payment gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return NotFoundError("payment session not found")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return UpstreamError(fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)), "payment gateway request failed")
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return UpstreamError(err, "decode payment gateway response")
	}
	return nil
}
