package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/mail"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenFarm-oss/MailboxService/internal/htmltext"
)

// Request describes one outbound email. InReplyTo, References and
// ParentToken are optional and seed the threading headers.
type Request struct {
	To          string
	Subject     string
	HTMLBody    string
	InReplyTo   string
	References  []string
	ParentToken string
}

// Result reports a completed send: the protocol message id and
// conversation token to persist for future threading, plus the retry
// count and per-phase timing.
type Result struct {
	MessageID         string
	ConversationToken string
	Retries           int
	ConnectTime       time.Duration
	SendTime          time.Duration
	Elapsed           time.Duration
}

// Channel is the outbound mail contract the rest of the pipeline
// depends on.
type Channel interface {
	Send(ctx context.Context, req Request) (*Result, error)
}

// Transport is one authenticated SMTP session. Implementations are not
// safe for concurrent use; the Sender serializes access.
type Transport interface {
	Send(from, to string, raw []byte) error
	Close() error
}

// Config configures the Sender. Dial is injectable for tests; when nil
// an implicit-TLS SMTP transport is used.
type Config struct {
	Host       string
	Port       int
	SenderName string
	Account    string
	Credential string

	MaxRetries int           // transient retries per call, default 3
	RetryBase  time.Duration // first backoff delay, default 2s, doubles
	Dial       func(ctx context.Context) (Transport, error)
}

// Sender owns the single long-lived outbound connection. A mutex
// serializes every authenticate/send sequence system-wide; the raw
// connection is never exposed to callers.
type Sender struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	conn Transport
}

// NewSender creates the delivery channel.
func NewSender(cfg Config, logger *slog.Logger) *Sender {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	s := &Sender{cfg: cfg, log: logger}
	if s.cfg.Dial == nil {
		s.cfg.Dial = s.dialSMTP
	}
	return s
}

// Send delivers one message, retrying transient transport failures
// with exponential backoff. On success the returned identifiers are
// the ones to persist; on failure nothing was sent. Exactly one
// structured completion record is emitted per call.
func (s *Sender) Send(ctx context.Context, req Request) (*Result, error) {
	const op = "delivery.Send"
	start := time.Now()
	log := s.log.With("op", op, slog.String("to", req.To), slog.String("subject", req.Subject))

	if _, err := mail.ParseAddress(req.To); err != nil {
		log.Error("delivery rejected",
			slog.String("class", "invalid_address"),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("invalid recipient %q: %w", req.To, err)
	}

	// The protocol id exists before any network I/O so failures can
	// still be correlated.
	msgID := uuid.NewString() + "@" + accountDomain(s.cfg.Account)
	th := BuildThreading(start, req.InReplyTo, req.References, req.ParentToken)
	raw := buildMessage(s.cfg, msgID, req, th)

	var (
		connectDur, sendDur time.Duration
		err                 error
		retries             int
	)
	backoff := s.cfg.RetryBase
	for {
		connectDur, sendDur, err = s.attempt(ctx, req.To, raw)
		if err == nil || retries >= s.cfg.MaxRetries {
			break
		}
		if werr := sleepCtx(ctx, backoff); werr != nil {
			err = fmt.Errorf("retry wait: %w", werr)
			break
		}
		backoff *= 2
		retries++
	}

	total := time.Since(start)
	if err != nil {
		log.Error("delivery failed",
			slog.Int("retries", retries),
			slog.String("class", "transport"),
			slog.Duration("connect", connectDur),
			slog.Duration("send", sendDur),
			slog.Duration("total", total),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("sending to %s after %d retries: %w", req.To, retries, err)
	}

	log.Info("delivered",
		slog.Int("retries", retries),
		slog.Duration("connect", connectDur),
		slog.Duration("send", sendDur),
		slog.Duration("total", total),
	)
	return &Result{
		MessageID:         msgID,
		ConversationToken: th.ConversationToken,
		Retries:           retries,
		ConnectTime:       connectDur,
		SendTime:          sendDur,
		Elapsed:           total,
	}, nil
}

// attempt runs one connect+send sequence under the lock. The transport
// is reused when already connected; any failure drops it so the next
// attempt reconnects fresh.
func (s *Sender) attempt(ctx context.Context, to string, raw []byte) (connect, send time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		t0 := time.Now()
		conn, derr := s.cfg.Dial(ctx)
		connect = time.Since(t0)
		if derr != nil {
			return connect, 0, fmt.Errorf("connect: %w", derr)
		}
		s.conn = conn
	}

	t0 := time.Now()
	err = s.conn.Send(s.cfg.Account, to, raw)
	send = time.Since(t0)
	if err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return connect, send, fmt.Errorf("send: %w", err)
	}
	return connect, send, nil
}

// Close drops the pooled connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Sender) dialSMTP(_ context.Context) (Transport, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("TLS dial %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	auth := smtp.PlainAuth("", s.cfg.Account, s.cfg.Credential, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		client.Close()
		return nil, fmt.Errorf("smtp auth: %w", err)
	}
	return &smtpTransport{client: client}, nil
}

type smtpTransport struct {
	client *smtp.Client
}

func (t *smtpTransport) Send(from, to string, raw []byte) error {
	if err := t.client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := t.client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := t.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing body: %w", err)
	}
	return nil
}

func (t *smtpTransport) Close() error {
	if err := t.client.Quit(); err != nil {
		return t.client.Close()
	}
	return nil
}

// buildMessage renders the full RFC 2822 message with threading
// headers and a dual-part body (derived plain text plus the supplied
// HTML).
func buildMessage(cfg Config, msgID string, req Request, th Threading) []byte {
	boundary := "=_part_" + uuid.NewString()

	var b strings.Builder
	writeHeader := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}

	writeHeader("From", fmt.Sprintf("%s <%s>", cfg.SenderName, cfg.Account))
	writeHeader("To", req.To)
	writeHeader("Subject", req.Subject)
	writeHeader("Date", time.Now().Format(time.RFC1123Z))
	writeHeader("Message-ID", msgID)
	if th.InReplyTo != "" {
		writeHeader("In-Reply-To", th.InReplyTo)
	}
	if len(th.References) > 0 {
		writeHeader("References", th.ReferencesHeader())
	}
	writeHeader("Thread-Index", th.ConversationToken)
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(htmltext.Strip(req.HTMLBody))
	b.WriteString("\r\n--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(req.HTMLBody)
	b.WriteString("\r\n--" + boundary + "--\r\n")

	return []byte(b.String())
}

func accountDomain(account string) string {
	if i := strings.LastIndex(account, "@"); i >= 0 && i < len(account)-1 {
		return account[i+1:]
	}
	return "localhost"
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
