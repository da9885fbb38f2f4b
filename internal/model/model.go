// Package model holds the persistent entities shared by the mailbox
// pipeline: conversation threads, messages and auto-reply rules.
package model

import "time"

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	// ThreadUnresolved means the counterpart is waiting on an operator.
	ThreadUnresolved ThreadStatus = "unresolved"
	// ThreadActive means an operator replied or marked the thread resolved.
	ThreadActive ThreadStatus = "active"
	// ThreadArchived threads are kept for history and never deleted.
	ThreadArchived ThreadStatus = "archived"
)

// SenderKind classifies who authored a message within a thread.
type SenderKind string

const (
	SenderUser     SenderKind = "user"
	SenderOperator SenderKind = "operator"
	SenderSystem   SenderKind = "system"
)

// MessageStatus is the delivery state of a single message.
type MessageStatus string

const (
	MessageReceived MessageStatus = "received"
	MessageSent     MessageStatus = "sent"
)

// Thread groups all messages of one ongoing conversation.
// A thread is created lazily the first time an inbound message cannot
// be matched to an existing one, keyed by job id, normalized subject
// or sender address, in that order.
type Thread struct {
	ID            int64        `db:"id"`
	JobID         *int64       `db:"job_id"`
	UserID        *int64       `db:"user_id"`
	SubjectKey    string       `db:"subject_key"`
	SenderAddress string       `db:"sender_address"`
	Status        ThreadStatus `db:"status"`
	CreatedAt     time.Time    `db:"created_at"`
}

// Message is one email inside a thread. ProtocolMessageID is the
// globally unique RFC 2822 Message-ID (without angle brackets);
// ConversationToken is the vendor conversation-index value. Both are
// empty for messages that never carried them.
type Message struct {
	ID                int64         `db:"id"`
	ThreadID          int64         `db:"thread_id"`
	Sender            SenderKind    `db:"sender"`
	Subject           string        `db:"subject"`
	Body              string        `db:"body"`
	Status            MessageStatus `db:"status"`
	ProtocolMessageID string        `db:"protocol_message_id"`
	ConversationToken string        `db:"conversation_token"`
	CreatedAt         time.Time     `db:"created_at"`
}

// RuleKind selects how an auto-reply rule is evaluated.
type RuleKind string

const (
	// RuleOutOfOffice matches on its date range alone.
	RuleOutOfOffice RuleKind = "out_of_office"
	// RuleTimeWindow matches on weekday bitmask plus an optional
	// time-of-day window.
	RuleTimeWindow RuleKind = "time_window"
)

// Weekdays is a day-of-week bitmask. Bit n corresponds to
// time.Weekday(n), so Sunday is bit 0.
type Weekdays uint8

// WeekdayBit returns the single-bit flag for d.
func WeekdayBit(d time.Weekday) Weekdays { return 1 << uint(d) }

// Has reports whether the mask includes the given weekday.
func (w Weekdays) Has(d time.Weekday) bool { return w&WeekdayBit(d) != 0 }

const (
	WeekdaysAll      Weekdays = 0x7f
	WeekdaysWorkweek          = Weekdays(1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday)
	WeekdaysWeekend           = Weekdays(1<<time.Saturday | 1<<time.Sunday)
)

// TimeOfDay is a local wall-clock time expressed as minutes since
// midnight, range [0, 1439].
type TimeOfDay int

// TimeOfDayOf converts a timestamp to its local time-of-day.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// AutoReplyRule is an administrator-configured condition paired with
// reply text. Rules are read-only to the pipeline; lower Priority wins
// and ties break on the lower ID.
type AutoReplyRule struct {
	ID        int64      `db:"id"`
	Label     string     `db:"label"`
	Kind      RuleKind   `db:"kind"`
	Enabled   bool       `db:"enabled"`
	Priority  int        `db:"priority"`
	StartDate *time.Time `db:"start_date"`
	EndDate   *time.Time `db:"end_date"`
	Days      Weekdays   `db:"days"`
	StartTime *TimeOfDay `db:"start_time"`
	EndTime   *TimeOfDay `db:"end_time"`
	Body      string     `db:"body"`
}
