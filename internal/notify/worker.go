package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/OpenFarm-oss/MailboxService/internal/autoreply"
	"github.com/OpenFarm-oss/MailboxService/internal/delivery"
	"github.com/OpenFarm-oss/MailboxService/internal/model"
	"github.com/OpenFarm-oss/MailboxService/internal/pubsub"
	"github.com/OpenFarm-oss/MailboxService/internal/repository"
	"github.com/OpenFarm-oss/MailboxService/internal/templates"
)

// Broker is the queue surface the worker consumes from and publishes
// to; *pubsub.Client satisfies it.
type Broker interface {
	Consume(ctx context.Context, queue string, handler pubsub.Handler) error
	PublishJSON(ctx context.Context, queue string, messageID string, v any) error
}

// Worker subscribes to the job-lifecycle and operator-reply queues and
// turns each event into templated outbound mail. Permanent conditions
// are acknowledged and dropped; transient ones are left for
// redelivery.
type Worker struct {
	broker   Broker
	jobs     repository.Jobs
	threads  repository.Threads
	messages repository.Messages
	tmpl     *templates.Store
	sender   delivery.Channel
	log      *slog.Logger
}

func NewWorker(
	broker Broker,
	jobs repository.Jobs,
	threads repository.Threads,
	messages repository.Messages,
	tmpl *templates.Store,
	sender delivery.Channel,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		broker:   broker,
		jobs:     jobs,
		threads:  threads,
		messages: messages,
		tmpl:     tmpl,
		sender:   sender,
		log:      logger,
	}
}

// Start registers one consumer per queue. Handlers on different queues
// run concurrently; the shared delivery channel serializes the actual
// sends.
func (w *Worker) Start(ctx context.Context) error {
	for _, kind := range jobKinds {
		handler := pubsub.JSONHandler(func(ctx context.Context, env Envelope[JobEvent]) error {
			return w.handleJobEvent(ctx, kind, env)
		})
		if err := w.broker.Consume(ctx, kind.queue, handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", kind.queue, err)
		}
	}
	operator := pubsub.JSONHandler(func(ctx context.Context, env Envelope[OperatorReply]) error {
		return w.handleOperatorReply(ctx, env)
	})
	if err := w.broker.Consume(ctx, QueueOperatorReply, operator); err != nil {
		return fmt.Errorf("subscribing to %s: %w", QueueOperatorReply, err)
	}
	return nil
}

// EnqueueOperatorReply is the publish point the rest of the system
// uses to hand an operator's answer to this worker.
func (w *Worker) EnqueueOperatorReply(ctx context.Context, reply OperatorReply) error {
	env := Envelope[OperatorReply]{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: "mailbox-service",
			Time:     time.Now().UTC(),
			Type:     "mailbox.operator_reply.v1",
		},
		Data: reply,
	}
	return w.broker.PublishJSON(ctx, QueueOperatorReply, env.Meta.ID, env)
}

// handleJobEvent notifies the job owner about one lifecycle event.
func (w *Worker) handleJobEvent(ctx context.Context, kind jobKind, env Envelope[JobEvent]) error {
	log := w.log.With("op", "notify.job", slog.String("type", kind.eventType), slog.Int64("job", env.Data.JobID))

	recipient, err := w.jobs.RecipientAddress(ctx, env.Data.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// No address will appear on redelivery either.
			log.Warn("no resolvable recipient, dropping event")
			return fmt.Errorf("%w: job %d has no recipient", pubsub.ErrPermanent, env.Data.JobID)
		}
		return fmt.Errorf("resolving recipient: %w", err)
	}

	body, err := w.tmpl.Render(kind.template, map[string]string{
		"[JOB_ID]": strconv.FormatInt(env.Data.JobID, 10),
		"[REASON]": env.Data.Reason,
	})
	if err != nil {
		return fmt.Errorf("%w: rendering %s: %v", pubsub.ErrPermanent, kind.template, err)
	}

	if _, err := w.sender.Send(ctx, delivery.Request{
		To:       recipient,
		Subject:  jobSubjects[kind.queue],
		HTMLBody: body,
	}); err != nil {
		// May be transient: leave unacknowledged for redelivery.
		return fmt.Errorf("sending notification: %w", err)
	}
	log.Info("notification sent", slog.String("to", recipient))
	return nil
}

// handleOperatorReply delivers an operator's answer into its
// conversation thread with full threading headers, persists it, and
// marks the thread as actively handled.
func (w *Worker) handleOperatorReply(ctx context.Context, env Envelope[OperatorReply]) error {
	log := w.log.With("op", "notify.operator_reply", slog.Int64("thread", env.Data.ThreadID))

	thread, err := w.threads.Get(ctx, env.Data.ThreadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: thread %d not found", pubsub.ErrPermanent, env.Data.ThreadID)
		}
		return fmt.Errorf("loading thread: %w", err)
	}

	recipient, err := w.replyRecipient(ctx, thread)
	if err != nil {
		return err
	}

	msgs, err := w.messages.ListByThread(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("listing thread messages: %w", err)
	}
	parentID, references, parentToken := delivery.SeedFromMessages(msgs)

	subject := env.Data.Subject
	if subject == "" {
		subject = latestSubject(msgs)
	}
	subject = autoreply.ReplySubject(subject)

	body, err := w.tmpl.Render(templates.OperatorReply, map[string]string{
		"[MESSAGE_BODY]": env.Data.Body,
	})
	if err != nil {
		return fmt.Errorf("%w: rendering operator reply: %v", pubsub.ErrPermanent, err)
	}

	res, err := w.sender.Send(ctx, delivery.Request{
		To:          recipient,
		Subject:     subject,
		HTMLBody:    body,
		InReplyTo:   parentID,
		References:  references,
		ParentToken: parentToken,
	})
	if err != nil {
		return fmt.Errorf("sending operator reply: %w", err)
	}

	// Same partial-failure policy as the auto-reply path: the mail is
	// out, so persistence problems are recorded, not escalated.
	sent := model.Message{
		ThreadID:          thread.ID,
		Sender:            model.SenderOperator,
		Subject:           subject,
		Body:              body,
		Status:            model.MessageSent,
		ProtocolMessageID: res.MessageID,
		ConversationToken: res.ConversationToken,
	}
	if perr := w.messages.Append(ctx, &sent); perr != nil {
		log.Warn("operator reply sent but not persisted", slog.Any("error", perr))
		return nil
	}
	if serr := w.threads.SetStatus(ctx, thread.ID, model.ThreadActive); serr != nil {
		log.Warn("thread status not updated", slog.Any("error", serr))
	}
	log.Info("operator reply delivered", slog.String("to", recipient))
	return nil
}

// replyRecipient resolves who receives an operator reply: the job
// owner when the thread is linked to a job, else the thread's original
// sender.
func (w *Worker) replyRecipient(ctx context.Context, thread *model.Thread) (string, error) {
	if thread.JobID != nil {
		addr, err := w.jobs.RecipientAddress(ctx, *thread.JobID)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("resolving job recipient: %w", err)
		}
	}
	if thread.SenderAddress != "" {
		return thread.SenderAddress, nil
	}
	return "", fmt.Errorf("%w: thread %d has no recipient", pubsub.ErrPermanent, thread.ID)
}

func latestSubject(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Subject != "" {
			return msgs[i].Subject
		}
	}
	return "Your support request"
}
