package autoreply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/OpenFarm-oss/MailboxService/internal/delivery"
	"github.com/OpenFarm-oss/MailboxService/internal/model"
	"github.com/OpenFarm-oss/MailboxService/internal/repository"
	"github.com/OpenFarm-oss/MailboxService/internal/templates"
)

// Outcome is the terminal state of one auto-reply attempt.
type Outcome string

const (
	OutcomeNoMatch      Outcome = "no_match"
	OutcomeSkippedEmpty Outcome = "skipped_empty_content"
	OutcomeRenderFailed Outcome = "render_failed"
	OutcomeSendFailed   Outcome = "send_failed"
	OutcomeSent         Outcome = "sent"
	OutcomeFailed       Outcome = "failed"
)

// ReplyResult reports what the engine did for one inbound message.
// Persisted is false when the reply left the system but recording it
// failed; that is intentionally not an error.
type ReplyResult struct {
	Outcome   Outcome
	RuleID    int64
	MessageID string
	Persisted bool
}

// Engine evaluates auto-reply rules against an inbound message and
// sends the matching reply through the delivery channel.
type Engine struct {
	rules    repository.Rules
	threads  repository.Threads
	messages repository.Messages
	tmpl     *templates.Store
	sender   delivery.Channel
	loc      *time.Location
	log      *slog.Logger

	now func() time.Time
}

func NewEngine(
	rules repository.Rules,
	threads repository.Threads,
	messages repository.Messages,
	tmpl *templates.Store,
	sender delivery.Channel,
	loc *time.Location,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		rules:    rules,
		threads:  threads,
		messages: messages,
		tmpl:     tmpl,
		sender:   sender,
		loc:      loc,
		log:      logger,
		now:      time.Now,
	}
}

// Reply runs the decision state machine for one inbound message that
// was already persisted into thread. recipient is the inbound sender's
// address. The returned error is non-nil for every outcome that is a
// failure rather than a decision (render_failed, send_failed, failed).
func (e *Engine) Reply(ctx context.Context, thread *model.Thread, inbound model.Message, recipient string) (ReplyResult, error) {
	const op = "autoreply.Reply"
	log := e.log.With("op", op, slog.Int64("thread", thread.ID))

	rules, err := e.rules.ListEnabled(ctx)
	if err != nil {
		return ReplyResult{Outcome: OutcomeFailed}, fmt.Errorf("loading rules: %w", err)
	}

	rule := Select(rules, e.now(), e.loc)
	if rule == nil {
		return ReplyResult{Outcome: OutcomeNoMatch}, nil
	}
	if strings.TrimSpace(rule.Body) == "" {
		log.Warn("matched rule has empty body", slog.Int64("rule", rule.ID))
		return ReplyResult{Outcome: OutcomeSkippedEmpty, RuleID: rule.ID}, nil
	}

	body, err := e.tmpl.Render(templates.AutoReply, map[string]string{
		"[MESSAGE_BODY]": rule.Body,
	})
	if err != nil {
		return ReplyResult{Outcome: OutcomeRenderFailed, RuleID: rule.ID},
			fmt.Errorf("rendering auto-reply: %w", err)
	}

	parentID, references, parentToken, err := e.threadingSeed(ctx, thread.ID)
	if err != nil {
		return ReplyResult{Outcome: OutcomeFailed, RuleID: rule.ID}, err
	}

	res, err := e.sender.Send(ctx, delivery.Request{
		To:          recipient,
		Subject:     ReplySubject(inbound.Subject),
		HTMLBody:    body,
		InReplyTo:   parentID,
		References:  references,
		ParentToken: parentToken,
	})
	if err != nil {
		return ReplyResult{Outcome: OutcomeSendFailed, RuleID: rule.ID},
			fmt.Errorf("sending auto-reply: %w", err)
	}

	out := ReplyResult{
		Outcome:   OutcomeSent,
		RuleID:    rule.ID,
		MessageID: res.MessageID,
		Persisted: true,
	}

	// The email already left the system; a persistence failure here is
	// recorded, never escalated.
	sent := model.Message{
		ThreadID:          thread.ID,
		Sender:            model.SenderSystem,
		Subject:           ReplySubject(inbound.Subject),
		Body:              body,
		Status:            model.MessageSent,
		ProtocolMessageID: res.MessageID,
		ConversationToken: res.ConversationToken,
	}
	if perr := e.messages.Append(ctx, &sent); perr != nil {
		log.Warn("auto-reply sent but not persisted", slog.Any("error", perr))
		out.Persisted = false
		return out, nil
	}
	// An automated reply does not count as resolution.
	if serr := e.threads.SetStatus(ctx, thread.ID, model.ThreadUnresolved); serr != nil {
		log.Warn("thread status not updated", slog.Any("error", serr))
	}
	return out, nil
}

// threadingSeed loads the thread history and derives the parent and
// reference chain for the next reply.
func (e *Engine) threadingSeed(ctx context.Context, threadID int64) (parentID string, references []string, parentToken string, err error) {
	msgs, err := e.messages.ListByThread(ctx, threadID)
	if err != nil {
		return "", nil, "", fmt.Errorf("listing thread messages: %w", err)
	}
	parentID, references, parentToken = delivery.SeedFromMessages(msgs)
	return parentID, references, parentToken, nil
}

// ReplySubject prefixes a subject with "Re: " exactly once.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
