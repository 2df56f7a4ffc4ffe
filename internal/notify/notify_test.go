package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

type captureSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return "capture" }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier([]Sender{s}, []string{EventPairHalted}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), EventDisputeOpened, "ignored", ""))
	require.NoError(t, n.Notify(context.Background(), EventPairHalted, "kept", ""))
	assert.Equal(t, []string{"kept"}, s.titles)
}

func TestNotifier_JoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &captureSender{}
	n := NewNotifier([]Sender{&captureSender{err: boom}, ok}, nil, quietLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, ok.titles, 1, "a failing sender does not stop the rest")
}

func TestEventSink_MapsOperatorEvents(t *testing.T) {
	s := &captureSender{}
	sink := NewEventSink(NewNotifier([]Sender{s}, nil, quietLogger()))
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, domain.PairHalted{Pair: "USDT-NGN", Reason: "commit unknown"}))
	require.NoError(t, sink.Publish(ctx, domain.SettlementTransition{
		TradeID: "t-1", From: domain.TradeStateCreated, To: domain.TradeStateCancelled,
		Reason: domain.CancelReasonCustodyRejected,
	}))
	require.NoError(t, sink.Publish(ctx, domain.SettlementTransition{
		TradeID: "t-2", From: domain.TradeStateFunding, To: domain.TradeStatePaymentPending,
	}))
	require.NoError(t, sink.Publish(ctx, domain.BookChanged{Pair: "USDT-NGN"}))

	assert.Equal(t, []string{"Matching halted on USDT-NGN", "Trade t-1 cancelled"}, s.titles)
}

func TestTelegramSender_PostsMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "Halted", "USDT-NGN"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Halted*\nUSDT-NGN", got["text"])
}

func TestDiscordSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "unexpected status 429")
}
