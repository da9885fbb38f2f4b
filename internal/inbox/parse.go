// Package inbox polls the support mailbox over IMAP and feeds each
// unseen message through thread resolution and the auto-reply engine.
package inbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/OpenFarm-oss/MailboxService/internal/htmltext"
)

// DefaultSubject replaces a blank inbound subject.
const DefaultSubject = "(no subject)"

// Inbound is the extracted metadata of one unseen inbox message.
type Inbound struct {
	UID               uint32
	Sender            string
	Subject           string
	Body              string
	MessageID         string
	InReplyTo         string
	ConversationToken string
	JobID             *int64
	IsReply           bool
	Received          time.Time
}

var (
	jobNumberPattern = regexp.MustCompile(`(?i)(?:job\s*#?|#)\s*(\d+)`)
	subjectPrefixes  = regexp.MustCompile(`(?i)^(re|fwd?|aw)\s*:\s*`)
	replyPrefix      = regexp.MustCompile(`(?i)^re\s*:`)
)

// ExtractJobNumber pulls a best-effort linked job id out of a subject
// line, e.g. "Job #42 stuck" or "question about #42".
func ExtractJobNumber(subject string) *int64 {
	m := jobNumberPattern.FindStringSubmatch(subject)
	if m == nil {
		return nil
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// NormalizeSubject strips reply/forward prefixes and case so the same
// conversation keys to the same thread.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		next := subjectPrefixes.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = strings.TrimSpace(next)
	}
	return strings.ToLower(s)
}

// IsReplySubject reports whether the subject carries a reply prefix.
func IsReplySubject(subject string) bool {
	return replyPrefix.MatchString(strings.TrimSpace(subject))
}

// IsNoReplyAddress flags automated senders that must never receive an
// auto-reply.
func IsNoReplyAddress(addr string) bool {
	lower := strings.ToLower(addr)
	return strings.Contains(lower, "no-reply") || strings.Contains(lower, "noreply")
}

// CleanBody picks the plain-text body, falls back to stripped HTML,
// and appends an attachment note instead of the attachments
// themselves.
func CleanBody(textBody, htmlBody string, attachments int) string {
	body := strings.TrimSpace(textBody)
	if body == "" && htmlBody != "" {
		body = htmltext.Strip(htmlBody)
	}
	if attachments > 0 {
		note := fmt.Sprintf("[This message contained %d attachment(s); attachments are not stored.]", attachments)
		if body == "" {
			body = note
		} else {
			body += "\n\n" + note
		}
	}
	return body
}
