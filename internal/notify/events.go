// Package notify reacts to job-lifecycle and operator events from the
// broker and sends the matching templated notifications.
package notify

import (
	"time"

	"github.com/OpenFarm-oss/MailboxService/internal/templates"
)

// Queue names, one durable queue per event kind.
const (
	QueueJobAccepted        = "MailboxJobAccepted"
	QueueJobApproved        = "MailboxJobApproved"
	QueueJobPaid            = "MailboxJobPaid"
	QueueJobPrintingStarted = "MailboxJobPrintingStarted"
	QueueJobCompleted       = "MailboxJobCompleted"
	QueueJobRejected        = "MailboxJobRejected"
	QueueOperatorReply      = "MailboxOperatorReply"
)

// Meta carries event identity and correlation, serialized alongside
// every payload.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope is the wire format of every event on the mailbox queues.
type Envelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// JobEvent is the payload of every job-lifecycle queue. Reason is only
// set for rejections.
type JobEvent struct {
	JobID  int64  `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// OperatorReply is the payload of the operator-reply queue: an answer
// written by an operator elsewhere in the system, to be delivered by
// this worker.
type OperatorReply struct {
	ThreadID   int64  `json:"thread_id"`
	OperatorID int64  `json:"operator_id"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
}

// jobKind binds one lifecycle queue to its template and event type.
type jobKind struct {
	queue     string
	template  string
	eventType string
}

var jobKinds = []jobKind{
	{QueueJobAccepted, templates.JobAccepted, "job.accepted"},
	{QueueJobApproved, templates.JobApproved, "job.approved"},
	{QueueJobPaid, templates.JobPaid, "job.paid"},
	{QueueJobPrintingStarted, templates.JobPrintingStarted, "job.printing_started"},
	{QueueJobCompleted, templates.JobCompleted, "job.completed"},
	{QueueJobRejected, templates.JobRejected, "job.rejected"},
}

// subjects shown to the recipient per event kind.
var jobSubjects = map[string]string{
	QueueJobAccepted:        "Your print job was accepted",
	QueueJobApproved:        "Your print job was approved",
	QueueJobPaid:            "Payment received for your print job",
	QueueJobPrintingStarted: "Your print job is now printing",
	QueueJobCompleted:       "Your print job is complete",
	QueueJobRejected:        "Your print job was rejected",
}
