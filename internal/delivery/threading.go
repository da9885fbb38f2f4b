// Package delivery owns the outbound mail path: threading headers and
// the single pooled, retrying SMTP connection.
package delivery

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/OpenFarm-oss/MailboxService/internal/model"
)

// Threading carries the conversation-continuity values attached to one
// outbound message. InReplyTo and References serve RFC 2822 clients;
// ConversationToken serves the client family that groups by a single
// sortable per-thread token instead.
type Threading struct {
	InReplyTo         string
	References        []string
	ConversationToken string
}

// BuildThreading derives the headers for a reply. parentID is the
// protocol message id of the message being answered; references is the
// full ancestor chain when known (falls back to the single parent);
// parentToken is the parent's conversation token, empty for a new root.
func BuildThreading(now time.Time, parentID string, references []string, parentToken string) Threading {
	th := Threading{
		InReplyTo: TrimMessageID(parentID),
	}
	for _, ref := range references {
		if id := TrimMessageID(ref); id != "" {
			th.References = append(th.References, id)
		}
	}
	if len(th.References) == 0 && th.InReplyTo != "" {
		th.References = []string{th.InReplyTo}
	}
	if parentToken == "" {
		th.ConversationToken = RootToken(now)
	} else {
		th.ConversationToken = ChildToken(parentToken, now)
	}
	return th
}

// SeedFromMessages derives the threading seed for the next reply in a
// thread: every message carrying a protocol id contributes to the
// reference chain in creation order, the newest one becomes the
// In-Reply-To parent, and its conversation token (when present) is the
// parent token.
func SeedFromMessages(msgs []model.Message) (parentID string, references []string, parentToken string) {
	for _, m := range msgs {
		if m.ProtocolMessageID == "" {
			continue
		}
		references = append(references, m.ProtocolMessageID)
		parentID = m.ProtocolMessageID
		if m.ConversationToken != "" {
			parentToken = m.ConversationToken
		}
	}
	return parentID, references, parentToken
}

// TrimMessageID strips angle brackets and surrounding space from a
// protocol message identifier.
func TrimMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// ReferencesHeader renders the chain space-separated, oldest first.
func (t Threading) ReferencesHeader() string {
	return strings.Join(t.References, " ")
}

// RootToken mints a fresh conversation token for a new thread root:
// hex of the 8-byte big-endian unix-nano timestamp plus 8 random
// bytes. Tokens minted later always sort after earlier ones, and the
// random suffix keeps concurrent roots distinct.
func RootToken(now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixNano()))
	_, _ = rand.Read(buf[8:])
	return hex.EncodeToString(buf[:])
}

// ChildToken derives a reply token that preserves the parent's root
// and appends one ordered extension: 4 bytes of elapsed unix seconds
// and 4 random bytes, hex encoded. The parent stays a strict prefix,
// so every child sorts after its parent under byte-wise comparison,
// and the random tail keeps sibling replies from colliding.
func ChildToken(parent string, now time.Time) string {
	if parent == "" {
		return RootToken(now)
	}
	var ext [8]byte
	binary.BigEndian.PutUint32(ext[:4], uint32(now.Unix()))
	_, _ = rand.Read(ext[4:])
	return parent + "." + hex.EncodeToString(ext[:])
}
