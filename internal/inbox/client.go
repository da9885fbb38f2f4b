package inbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

// Session is one authenticated, selected IMAP connection covering a
// single poll cycle.
type Session interface {
	ListUnseen(ctx context.Context) ([]uint32, error)
	Fetch(ctx context.Context, uid uint32) (*Inbound, error)
	// MarkSeen is best effort: the caller records a failure but never
	// escalates it, since an unmarked message simply reappears on the
	// next poll and writes are idempotent.
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// Config holds the inbox transport settings for Dial.
type Config struct {
	Host       string
	Port       int
	Account    string
	Credential string
	Mailbox    string
}

// Dial connects over implicit TLS, authenticates, and selects the
// mailbox read-write (required to mark messages seen).
func Dial(_ context.Context, cfg Config) (Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}
	if err := client.Login(cfg.Account, cfg.Credential).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("IMAP login for %s: %w", cfg.Account, err)
	}
	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	return &imapSession{client: client}, nil
}

type imapSession struct {
	client *imapclient.Client
}

func (s *imapSession) ListUnseen(_ context.Context) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching unseen: %w", err)
	}
	var uids []uint32
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *imapSession) Fetch(_ context.Context, uid uint32) (*Inbound, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("message UID %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("collecting UID %d: %w", uid, err)
	}

	in := &Inbound{UID: uid}
	if buf.Envelope != nil {
		in.Subject = buf.Envelope.Subject
		in.Received = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			in.Sender = buf.Envelope.From[0].Addr()
		}
		in.MessageID = strings.Trim(buf.Envelope.MessageID, "<>")
	}

	raw := buf.FindBodySection(bodySection)
	if raw != nil {
		parseBody(raw, in)
	}

	if err := fetchCmd.Close(); err != nil {
		return in, fmt.Errorf("closing fetch: %w", err)
	}
	finishInbound(in)
	return in, nil
}

func (s *imapSession) MarkSeen(_ context.Context, uid uint32) error {
	return s.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
}

func (s *imapSession) Close() error {
	return s.client.Logout().Wait()
}

// parseBody extracts headers and the cleaned text body from the raw
// RFC 2822 message.
func parseBody(raw []byte, in *Inbound) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		in.Body = strings.TrimSpace(string(raw))
		return
	}
	defer mr.Close()

	if in.MessageID == "" {
		if id, err := mr.Header.MessageID(); err == nil {
			in.MessageID = id
		}
	}
	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		in.InReplyTo = ids[0]
	}
	in.ConversationToken = strings.TrimSpace(mr.Header.Get("Thread-Index"))

	var textBody, htmlBody string
	attachments := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, rerr := io.ReadAll(part.Body)
			if rerr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}
		case *mail.AttachmentHeader:
			attachments++
		}
	}
	in.Body = CleanBody(textBody, htmlBody, attachments)
}

// finishInbound applies the derived fields shared by every transport.
func finishInbound(in *Inbound) {
	if strings.TrimSpace(in.Subject) == "" {
		in.Subject = DefaultSubject
	}
	in.JobID = ExtractJobNumber(in.Subject)
	in.IsReply = in.InReplyTo != "" || IsReplySubject(in.Subject)
}
