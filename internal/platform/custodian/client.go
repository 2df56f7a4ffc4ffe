// Package custodian is the HTTP client for the escrow custodian and the
// parser for the callbacks it sends back.
package custodian

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
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmatch/internal/crypto"
	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Config holds the custodian endpoint and credentials.
type Config struct {
	BaseURL string
	Timeout time.Duration
	ChainID int64
	Breaker BreakerConfig
}

// Client implements domain.Custodian. Every instruction is signed with the
// custody key and the request carries HMAC headers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	auth       *crypto.HMACAuth
	breaker    *Breaker
	nonce      atomic.Uint64
	now        func() time.Time
}

// NewClient creates a custodian client.
func NewClient(cfg Config, signer *crypto.Signer, auth *crypto.HMACAuth, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		auth:       auth,
		breaker:    NewBreaker(cfg.Breaker, logger.With(slog.String("component", "custodian"))),
		now:        time.Now,
	}
	c.nonce.Store(uint64(time.Now().UnixNano()))
	return c
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

type instructionRequest struct {
	crypto.Instruction
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type fundingResponse struct {
	CustodyRef string `json:"custodyRef"`
}

// RequestFunding asks the custodian to lock amount of asset for tradeID.
func (c *Client) RequestFunding(ctx context.Context, tradeID string, amount decimal.Decimal, asset string) (string, error) {
	body, err := c.do(ctx, "/v1/escrows", crypto.Instruction{
		Action:  "fund",
		TradeID: tradeID,
		Asset:   asset,
		Amount:  amount.String(),
	})
	if err != nil {
		return "", fmt.Errorf("custodian: fund %s: %w", tradeID, err)
	}

	var resp fundingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("custodian: fund %s: decode: %w", tradeID, err)
	}
	if resp.CustodyRef == "" {
		return "", fmt.Errorf("custodian: fund %s: empty custody ref", tradeID)
	}
	return resp.CustodyRef, nil
}

// RequestRelease asks the custodian to pay the escrow out to the buyer.
func (c *Client) RequestRelease(ctx context.Context, tradeID, custodyRef string) error {
	_, err := c.do(ctx, "/v1/escrows/"+url.PathEscape(custodyRef)+"/release", crypto.Instruction{
		Action:     "release",
		TradeID:    tradeID,
		CustodyRef: custodyRef,
	})
	if err != nil {
		return fmt.Errorf("custodian: release %s: %w", tradeID, err)
	}
	return nil
}

// RequestRefund asks the custodian to return the escrow to the seller.
func (c *Client) RequestRefund(ctx context.Context, tradeID, custodyRef string) error {
	_, err := c.do(ctx, "/v1/escrows/"+url.PathEscape(custodyRef)+"/refund", crypto.Instruction{
		Action:     "refund",
		TradeID:    tradeID,
		CustodyRef: custodyRef,
	})
	if err != nil {
		return fmt.Errorf("custodian: refund %s: %w", tradeID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, in crypto.Instruction) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	now := c.now()
	in.Nonce = c.nonce.Add(1)
	in.Timestamp = now.Unix()
	sig, err := c.signer.SignInstruction(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}

	payload, err := json.Marshal(instructionRequest{
		Instruction: in,
		Signer:      c.signer.Address().Hex(),
		Signature:   sig,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.auth.Headers(http.MethodPost, path, payload, now) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.breaker.Failure()
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.Failure()
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.Failure()
	} else {
		c.breaker.Success()
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. A 409 or 422
// is a final rejection; everything else unexpected is retryable.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrCustodyRejected, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}

var _ domain.Custodian = (*Client)(nil)
