package pubsub

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	JobID int64 `json:"job_id"`
}

func TestJSONHandlerDecodesAndDelegates(t *testing.T) {
	var got payload
	h := JSONHandler(func(_ context.Context, p payload) error {
		got = p
		return nil
	})

	err := h(context.Background(), amqp.Delivery{Body: []byte(`{"job_id":42}`)})

	require.NoError(t, err)
	assert.Equal(t, int64(42), got.JobID)
}

func TestJSONHandlerMarksUndecodableAsPermanent(t *testing.T) {
	called := false
	h := JSONHandler(func(_ context.Context, _ payload) error {
		called = true
		return nil
	})

	err := h(context.Background(), amqp.Delivery{Body: []byte(`{not json`)})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.False(t, called)
}

func TestJSONHandlerPropagatesHandlerError(t *testing.T) {
	want := errors.New("downstream unavailable")
	h := JSONHandler(func(_ context.Context, _ payload) error {
		return want
	})

	err := h(context.Background(), amqp.Delivery{Body: []byte(`{}`)})

	assert.ErrorIs(t, err, want)
	assert.NotErrorIs(t, err, ErrPermanent)
}
