package custodian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/crypto"
	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var testAuth = &crypto.HMACAuth{Key: "desk-1", Secret: "s3cret"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, url string, breaker BreakerConfig) *Client {
	t.Helper()
	signer, err := crypto.NewSigner(testKey, 1)
	require.NoError(t, err)
	return NewClient(Config{BaseURL: url, ChainID: 1, Breaker: breaker}, signer, testAuth, quietLogger())
}

func TestRequestFunding_SignsAndAuthenticates(t *testing.T) {
	var got instructionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrows", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		err := testAuth.Verify(r.Header.Get(crypto.HeaderSignature), r.Header.Get(crypto.HeaderTimestamp),
			r.Method, r.URL.Path, body, time.Now(), time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, "desk-1", r.Header.Get(crypto.HeaderKey))
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"custodyRef":"esc-42"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, DefaultBreakerConfig())
	ref, err := c.RequestFunding(context.Background(), "t-1", decimal.RequireFromString("250.5"), "USDT")
	require.NoError(t, err)
	assert.Equal(t, "esc-42", ref)

	assert.Equal(t, "fund", got.Action)
	assert.Equal(t, "250.5", got.Amount)
	addr, err := crypto.RecoverInstructionSigner(1, got.Instruction, got.Signature)
	require.NoError(t, err)
	assert.Equal(t, c.signer.Address(), addr)
	assert.Equal(t, addr.Hex(), got.Signer)
}

func TestRequestRelease_UsesCustodyRefPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, DefaultBreakerConfig())
	require.NoError(t, c.RequestRelease(context.Background(), "t-1", "esc-42"))
	assert.Equal(t, "/v1/escrows/esc-42/release", path)

	require.NoError(t, c.RequestRefund(context.Background(), "t-1", "esc-42"))
	assert.Equal(t, "/v1/escrows/esc-42/refund", path)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnprocessableEntity, domain.ErrCustodyRejected},
		{http.StatusConflict, domain.ErrCustodyRejected},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "no", tt.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, DefaultBreakerConfig())
			err := c.RequestRelease(context.Background(), "t-1", "esc-1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})
	for i := 0; i < 2; i++ {
		err := c.RequestRefund(context.Background(), "t-1", "esc-1")
		require.Error(t, err)
		assert.False(t, errors.Is(err, domain.ErrCustodyRejected))
	}
	assert.Equal(t, StateOpen, c.Breaker().State())

	err := c.RequestRefund(context.Background(), "t-1", "esc-1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second}, quietLogger())
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	b.Failure()
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.Success()
	assert.Equal(t, StateClosed, b.State())
}

func signedCallback(t *testing.T, body string, now time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/custody/callback", bytes.NewBufferString(body))
	for k, v := range testAuth.Headers(http.MethodPost, "/v1/custody/callback", []byte(body), now) {
		req.Header.Set(k, v)
	}
	return req
}

func TestCallbackParser(t *testing.T) {
	txRef := "0x" + string(bytes.Repeat([]byte("ab"), 32))
	now := time.Now()
	p := NewCallbackParser(testAuth, time.Minute)

	t.Run("valid funded", func(t *testing.T) {
		cb, err := p.Parse(signedCallback(t,
			`{"kind":"FUNDED","tradeId":"t-1","custodyRef":"esc-1","txRef":"`+txRef+`"}`, now))
		require.NoError(t, err)
		assert.Equal(t, domain.CallbackFunded, cb.Kind)
		assert.Equal(t, "t-1", cb.TradeID)
		assert.Equal(t, txRef, cb.TxRef)
		assert.False(t, cb.ReceivedAt.IsZero())
	})

	t.Run("rejected needs no tx ref", func(t *testing.T) {
		cb, err := p.Parse(signedCallback(t,
			`{"kind":"REJECTED","tradeId":"t-1","reason":"sanctioned"}`, now))
		require.NoError(t, err)
		assert.Equal(t, "sanctioned", cb.Reason)
	})

	t.Run("bad signature", func(t *testing.T) {
		req := signedCallback(t, `{"kind":"FUNDED","tradeId":"t-1"}`, now)
		req.Header.Set(crypto.HeaderSignature, "00")
		_, err := p.Parse(req)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		_, err := p.Parse(signedCallback(t, `{"kind":"REJECTED","tradeId":"t-1"}`, now.Add(-time.Hour)))
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("malformed tx ref", func(t *testing.T) {
		_, err := p.Parse(signedCallback(t,
			`{"kind":"RELEASED","tradeId":"t-1","txRef":"nope"}`, now))
		assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := p.Parse(signedCallback(t, `{"kind":"LOST","tradeId":"t-1"}`, now))
		assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	})
}
