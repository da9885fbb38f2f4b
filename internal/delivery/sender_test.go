package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script drives a fake transport: the first failuresLeft sends return
// a transient error, the rest succeed.
type script struct {
	failuresLeft int
	dials        int
	sends        int
	tos          []string
	raws         [][]byte
	closes       int
}

func (s *script) dial(_ context.Context) (Transport, error) {
	s.dials++
	return &scriptedTransport{s: s}, nil
}

type scriptedTransport struct{ s *script }

func (t *scriptedTransport) Send(_, to string, raw []byte) error {
	t.s.sends++
	if t.s.failuresLeft > 0 {
		t.s.failuresLeft--
		return errors.New("451 try again later")
	}
	t.s.tos = append(t.s.tos, to)
	t.s.raws = append(t.s.raws, raw)
	return nil
}

func (t *scriptedTransport) Close() error {
	t.s.closes++
	return nil
}

func newTestSender(sc *script) *Sender {
	return NewSender(Config{
		Host:       "smtp.openfarm.test",
		Port:       465,
		SenderName: "OpenFarm Support",
		Account:    "support@openfarm.test",
		Credential: "secret",
		RetryBase:  time.Millisecond,
		Dial:       sc.dial,
	}, slog.New(slog.NewTextHandler(testWriter{}, nil)))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSendSucceedsAfterTransientFailures(t *testing.T) {
	sc := &script{failuresLeft: 2}
	s := newTestSender(sc)

	res, err := s.Send(context.Background(), Request{
		To:       "customer@example.com",
		Subject:  "Re: Print question",
		HTMLBody: "<p>hello</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 3, sc.sends)
	assert.True(t, strings.HasSuffix(res.MessageID, "@openfarm.test"))
	assert.NotEmpty(t, res.ConversationToken)
}

func TestSendExhaustsRetries(t *testing.T) {
	sc := &script{failuresLeft: 10}
	s := newTestSender(sc)

	res, err := s.Send(context.Background(), Request{
		To:       "customer@example.com",
		Subject:  "hi",
		HTMLBody: "x",
	})
	require.Error(t, err)
	assert.Nil(t, res)
	// 1 initial attempt + 3 retries, cap reached.
	assert.Equal(t, 4, sc.sends)
	assert.Contains(t, err.Error(), "after 3 retries")
}

func TestSendRejectsMalformedAddressWithoutRetry(t *testing.T) {
	sc := &script{}
	s := newTestSender(sc)

	_, err := s.Send(context.Background(), Request{To: "not an address", Subject: "x", HTMLBody: "x"})
	require.Error(t, err)
	assert.Zero(t, sc.dials, "permanent failure must not touch the transport")
}

func TestSendReusesConnection(t *testing.T) {
	sc := &script{}
	s := newTestSender(sc)

	for i := 0; i < 3; i++ {
		_, err := s.Send(context.Background(), Request{
			To: "customer@example.com", Subject: "x", HTMLBody: "x",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sc.dials, "healthy connection is reused across calls")
}

func TestSendReconnectsAfterFailure(t *testing.T) {
	sc := &script{failuresLeft: 1}
	s := newTestSender(sc)

	_, err := s.Send(context.Background(), Request{
		To: "customer@example.com", Subject: "x", HTMLBody: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sc.dials, "failed connection is dropped and redialed")
	assert.Equal(t, 1, sc.closes)
}

func TestSendWritesThreadingHeaders(t *testing.T) {
	sc := &script{}
	s := newTestSender(sc)

	res, err := s.Send(context.Background(), Request{
		To:          "customer@example.com",
		Subject:     "Re: Print question",
		HTMLBody:    "<p>hello &amp; welcome</p>",
		InReplyTo:   "<parent@example.com>",
		References:  []string{"<root@example.com>", "<parent@example.com>"},
		ParentToken: RootToken(time.Unix(1_700_000_000, 0)),
	})
	require.NoError(t, err)
	require.Len(t, sc.raws, 1)

	raw := string(sc.raws[0])
	assert.Contains(t, raw, "Message-ID: "+res.MessageID)
	assert.Contains(t, raw, "In-Reply-To: parent@example.com")
	assert.Contains(t, raw, "References: root@example.com parent@example.com")
	assert.Contains(t, raw, "Thread-Index: "+res.ConversationToken)
	assert.Contains(t, raw, "multipart/alternative")
	// Derived plain-text part alongside the HTML part.
	assert.Contains(t, raw, "hello & welcome")
	assert.Contains(t, raw, "<p>hello &amp; welcome</p>")
}

func TestSendCancelledDuringBackoff(t *testing.T) {
	sc := &script{failuresLeft: 10}
	s := NewSender(Config{
		Account:   "support@openfarm.test",
		RetryBase: time.Hour,
		Dial:      sc.dial,
	}, slog.New(slog.NewTextHandler(testWriter{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Send(ctx, Request{To: "customer@example.com", Subject: "x", HTMLBody: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, sc.sends, "cancellation stops further attempts")
}
