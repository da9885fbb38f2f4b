// Package repository defines the persistence surface consumed by the
// mailbox pipeline and its Postgres implementation. The pipeline only
// ever talks to these interfaces; storage itself is owned elsewhere.
package repository

import (
	"context"
	"errors"

	"github.com/OpenFarm-oss/MailboxService/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ThreadKey identifies the conversation an inbound message belongs to.
// Resolution precedence is JobID, then SubjectKey, then Sender.
type ThreadKey struct {
	JobID      *int64
	SubjectKey string
	Sender     string
}

// Threads resolves and mutates conversation threads.
type Threads interface {
	// FindOrCreate returns the existing thread for key, or creates an
	// unresolved one. Calling it twice with the same key yields the
	// same thread.
	FindOrCreate(ctx context.Context, key ThreadKey) (*model.Thread, error)
	Get(ctx context.Context, id int64) (*model.Thread, error)
	SetStatus(ctx context.Context, id int64, status model.ThreadStatus) error
}

// Messages appends and lists messages within a thread.
type Messages interface {
	// Append persists m and fills in its ID and CreatedAt. Appending a
	// message whose ProtocolMessageID already exists is a no-op that
	// returns the stored row, keeping redelivery idempotent.
	Append(ctx context.Context, m *model.Message) error
	// ListByThread returns all messages of a thread ordered by creation.
	ListByThread(ctx context.Context, threadID int64) ([]model.Message, error)
}

// Rules reads and administers auto-reply rules. The pipeline only
// calls ListEnabled; the CRUD operations serve the admin surface.
type Rules interface {
	ListEnabled(ctx context.Context) ([]model.AutoReplyRule, error)
	Create(ctx context.Context, r *model.AutoReplyRule) error
	Update(ctx context.Context, r *model.AutoReplyRule) error
	Delete(ctx context.Context, id int64) error
}

// Jobs exposes the one print-job lookup the notification worker needs.
type Jobs interface {
	// RecipientAddress returns the primary email address of the job's
	// owner, or ErrNotFound when the job has no resolvable recipient.
	RecipientAddress(ctx context.Context, jobID int64) (string, error)
}
