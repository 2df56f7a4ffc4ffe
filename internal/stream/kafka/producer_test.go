package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func newTestProducer(w messageWriter) *Producer {
	return &Producer{writer: w, marketTopic: "p2p.market", settlementTopic: "p2p.settlement"}
}

func TestPublish_RoutesByEventKind(t *testing.T) {
	w := &recordingWriter{}
	p := newTestProducer(w)
	now := time.Now().UTC()

	require.NoError(t, p.Publish(context.Background(), domain.BookChanged{Pair: "USDT-NGN", At: now}))
	require.NoError(t, p.Publish(context.Background(), domain.SettlementTransition{
		TradeID: "t-1", From: domain.TradeStateCreated, To: domain.TradeStateFunding, At: now,
	}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "p2p.market", w.msgs[0].Topic)
	assert.Equal(t, "USDT-NGN", string(w.msgs[0].Key))
	assert.Equal(t, "p2p.settlement", w.msgs[1].Topic)
	assert.Equal(t, "t-1", string(w.msgs[1].Key))

	ev, err := domain.UnmarshalEvent(w.msgs[1].Value)
	require.NoError(t, err)
	assert.Equal(t, domain.EventSettlementTransition, ev.Kind())
}

func TestPublish_WrapsWriterError(t *testing.T) {
	p := newTestProducer(&recordingWriter{err: errors.New("broker down")})
	err := p.Publish(context.Background(), domain.PairHalted{Pair: "BTC-KES"})
	assert.ErrorContains(t, err, "broker down")
}
