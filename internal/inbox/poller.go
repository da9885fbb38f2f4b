package inbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/OpenFarm-oss/MailboxService/internal/autoreply"
	"github.com/OpenFarm-oss/MailboxService/internal/model"
	"github.com/OpenFarm-oss/MailboxService/internal/repository"
)

// Replier is the auto-reply surface the poller invokes per inbound
// message.
type Replier interface {
	Reply(ctx context.Context, thread *model.Thread, inbound model.Message, recipient string) (autoreply.ReplyResult, error)
}

type itemOutcome string

const (
	itemProcessed itemOutcome = "processed"
	itemSkipped   itemOutcome = "skipped"
	itemFailed    itemOutcome = "failed"
)

// Poller is the inbox control loop: one cycle connects, lists unseen
// messages, processes them sequentially with per-item failure
// isolation, and disconnects. Cycles never overlap.
type Poller struct {
	dial        func(ctx context.Context) (Session, error)
	threads     repository.Threads
	messages    repository.Messages
	replier     Replier
	interval    time.Duration
	selfAddress string
	log         *slog.Logger
}

func NewPoller(
	dial func(ctx context.Context) (Session, error),
	threads repository.Threads,
	messages repository.Messages,
	replier Replier,
	interval time.Duration,
	selfAddress string,
	logger *slog.Logger,
) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		dial:        dial,
		threads:     threads,
		messages:    messages,
		replier:     replier,
		interval:    interval,
		selfAddress: selfAddress,
		log:         logger,
	}
}

// Run polls until ctx is cancelled. A connect or list failure aborts
// only the current cycle; the next tick reconnects fresh.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs one poll iteration and emits a single summary record.
func (p *Poller) cycle(ctx context.Context) {
	const op = "inbox.cycle"
	log := p.log.With("op", op)
	start := time.Now()

	sess, err := p.dial(ctx)
	if err != nil {
		log.Error("poll cycle aborted", slog.String("phase", "connect"), slog.Any("error", err))
		return
	}
	defer func() { _ = sess.Close() }()

	uids, err := sess.ListUnseen(ctx)
	if err != nil {
		log.Error("poll cycle aborted", slog.String("phase", "list"), slog.Any("error", err))
		return
	}
	if len(uids) == 0 {
		log.Debug("no unseen messages", slog.Duration("took", time.Since(start)))
		return
	}

	var succeeded, failed, skipped int
	for _, uid := range uids {
		// Observe shutdown between items; in-flight work finishes.
		if ctx.Err() != nil {
			break
		}
		switch p.processItem(ctx, sess, uid) {
		case itemProcessed:
			succeeded++
		case itemSkipped:
			skipped++
		case itemFailed:
			failed++
		}
	}

	log.Info("poll cycle complete",
		slog.Int("unseen", len(uids)),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
		slog.Duration("took", time.Since(start)),
	)
}

// processItem handles one unseen message; any failure is contained to
// this item.
func (p *Poller) processItem(ctx context.Context, sess Session, uid uint32) itemOutcome {
	log := p.log.With("op", "inbox.item", slog.Uint64("uid", uint64(uid)))

	in, err := sess.Fetch(ctx, uid)
	if err != nil {
		log.Error("fetch failed", slog.Any("error", err))
		return itemFailed
	}

	if in.Sender == "" {
		// Unusable sender: skip, but still mark seen so it does not
		// come back every cycle.
		log.Warn("skipping message without sender address")
		p.markSeen(ctx, sess, uid, log)
		return itemSkipped
	}

	thread, err := p.threads.FindOrCreate(ctx, repository.ThreadKey{
		JobID:      in.JobID,
		SubjectKey: NormalizeSubject(in.Subject),
		Sender:     in.Sender,
	})
	if err != nil {
		log.Error("thread resolution failed", slog.Any("error", err))
		return itemFailed
	}

	msg := model.Message{
		ThreadID:          thread.ID,
		Sender:            model.SenderUser,
		Subject:           in.Subject,
		Body:              in.Body,
		Status:            model.MessageReceived,
		ProtocolMessageID: in.MessageID,
		ConversationToken: in.ConversationToken,
	}
	if err := p.messages.Append(ctx, &msg); err != nil {
		log.Error("message persistence failed", slog.Int64("thread", thread.ID), slog.Any("error", err))
		return itemFailed
	}
	if err := p.threads.SetStatus(ctx, thread.ID, model.ThreadUnresolved); err != nil {
		log.Warn("thread status not updated", slog.Int64("thread", thread.ID), slog.Any("error", err))
	}

	replyOutcome := p.maybeAutoReply(ctx, thread, msg, in.Sender, log)
	p.markSeen(ctx, sess, uid, log)

	log.Info("message processed",
		slog.Int64("thread", thread.ID),
		slog.String("sender", in.Sender),
		slog.Bool("reply", in.IsReply),
		slog.Time("received", in.Received),
		slog.String("autoreply", replyOutcome),
	)
	return itemProcessed
}

// maybeAutoReply triggers the decision engine unless the sender is the
// system itself or an automated no-reply address.
func (p *Poller) maybeAutoReply(ctx context.Context, thread *model.Thread, msg model.Message, sender string, log *slog.Logger) string {
	switch {
	case sender == p.selfAddress:
		return "skipped_self"
	case IsNoReplyAddress(sender):
		return "skipped_noreply"
	}
	res, err := p.replier.Reply(ctx, thread, msg, sender)
	if err != nil {
		log.Warn("auto-reply failed", slog.String("outcome", string(res.Outcome)), slog.Any("error", err))
	}
	return string(res.Outcome)
}

// markSeen records the explicit best-effort result of flagging the
// source message.
func (p *Poller) markSeen(ctx context.Context, sess Session, uid uint32, log *slog.Logger) {
	if err := sess.MarkSeen(ctx, uid); err != nil {
		log.Warn("mark seen", slog.String("result", "best_effort_failed"), slog.Any("error", err))
		return
	}
	log.Debug("mark seen", slog.String("result", "ok"))
}
