package inbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenFarm-oss/MailboxService/internal/autoreply"
	"github.com/OpenFarm-oss/MailboxService/internal/delivery"
	"github.com/OpenFarm-oss/MailboxService/internal/model"
	"github.com/OpenFarm-oss/MailboxService/internal/repository"
	"github.com/OpenFarm-oss/MailboxService/internal/templates"
)

type fakeSession struct {
	unseen      []uint32
	msgs        map[uint32]*Inbound
	fetchErr    map[uint32]error
	markSeenErr map[uint32]error
	listErr     error
	seen        []uint32
	closed      bool
}

func (f *fakeSession) ListUnseen(context.Context) ([]uint32, error) {
	return f.unseen, f.listErr
}

func (f *fakeSession) Fetch(_ context.Context, uid uint32) (*Inbound, error) {
	if err := f.fetchErr[uid]; err != nil {
		return nil, err
	}
	return f.msgs[uid], nil
}

func (f *fakeSession) MarkSeen(_ context.Context, uid uint32) error {
	if err := f.markSeenErr[uid]; err != nil {
		return err
	}
	f.seen = append(f.seen, uid)
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) dial(context.Context) (Session, error) { return f, nil }

type fakeChannel struct {
	requests []delivery.Request
}

func (f *fakeChannel) Send(_ context.Context, req delivery.Request) (*delivery.Result, error) {
	f.requests = append(f.requests, req)
	return &delivery.Result{
		MessageID:         fmt.Sprintf("reply-%d@openfarm.test", len(f.requests)),
		ConversationToken: delivery.RootToken(time.Now()),
	}, nil
}

type fakeReplier struct {
	recipients []string
	res        autoreply.ReplyResult
	err        error
}

func (f *fakeReplier) Reply(_ context.Context, _ *model.Thread, _ model.Message, recipient string) (autoreply.ReplyResult, error) {
	f.recipients = append(f.recipients, recipient)
	return f.res, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, nil))
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func inboundMessage(uid uint32) *Inbound {
	return &Inbound{
		UID:       uid,
		Sender:    "customer@example.com",
		Subject:   "Print question",
		Body:      "My print failed, can you help?",
		MessageID: fmt.Sprintf("inbound-%d@example.com", uid),
	}
}

// realEngine wires the actual decision engine over in-memory repos.
func realEngine(t *testing.T, mem *repository.Memory, ch delivery.Channel) *autoreply.Engine {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, templates.AutoReply+".html"),
		[]byte("<p>[MESSAGE_BODY]</p>"), 0o644)
	require.NoError(t, err)
	return autoreply.NewEngine(mem, mem, mem, templates.New(dir), ch, time.UTC, quietLogger())
}

func alwaysRule() model.AutoReplyRule {
	return model.AutoReplyRule{
		Kind:    model.RuleTimeWindow,
		Enabled: true,
		Days:    model.WeekdaysAll,
		Body:    "We received your message.",
	}
}

func TestPollerEndToEndAutoReply(t *testing.T) {
	mem := repository.NewMemory()
	mem.SeedRule(alwaysRule())
	ch := &fakeChannel{}
	sess := &fakeSession{
		unseen: []uint32{7},
		msgs:   map[uint32]*Inbound{7: inboundMessage(7)},
	}

	p := NewPoller(sess.dial, mem, mem, realEngine(t, mem, ch), time.Minute, "support@openfarm.test", quietLogger())
	p.cycle(context.Background())

	// Thread created and both messages persisted.
	th, err := mem.FindOrCreate(context.Background(), repository.ThreadKey{
		SubjectKey: "print question", Sender: "customer@example.com",
	})
	require.NoError(t, err)
	msgs, err := mem.ListByThread(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.SenderUser, msgs[0].Sender)
	assert.Equal(t, model.SenderSystem, msgs[1].Sender)
	assert.NotEmpty(t, msgs[1].ProtocolMessageID)

	// Exactly one outbound reply with the threaded subject.
	require.Len(t, ch.requests, 1)
	assert.Equal(t, "Re: Print question", ch.requests[0].Subject)
	assert.Equal(t, "inbound-7@example.com", ch.requests[0].InReplyTo)

	assert.Equal(t, []uint32{7}, sess.seen)
	assert.True(t, sess.closed)
}

func TestPollerNoMatchPersistsWithoutSending(t *testing.T) {
	mem := repository.NewMemory()
	// Rule that can never match: no weekday bits set.
	r := alwaysRule()
	r.Days = 0
	mem.SeedRule(r)
	ch := &fakeChannel{}
	sess := &fakeSession{
		unseen: []uint32{7},
		msgs:   map[uint32]*Inbound{7: inboundMessage(7)},
	}

	p := NewPoller(sess.dial, mem, mem, realEngine(t, mem, ch), time.Minute, "support@openfarm.test", quietLogger())
	p.cycle(context.Background())

	th, err := mem.FindOrCreate(context.Background(), repository.ThreadKey{
		SubjectKey: "print question", Sender: "customer@example.com",
	})
	require.NoError(t, err)
	msgs, err := mem.ListByThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "inbound persisted, no reply appended")
	assert.Empty(t, ch.requests, "zero outbound sends on no_match")
	assert.Equal(t, []uint32{7}, sess.seen)
}

func TestPollerSkipsMessageWithoutSender(t *testing.T) {
	mem := repository.NewMemory()
	rep := &fakeReplier{}
	in := inboundMessage(3)
	in.Sender = ""
	sess := &fakeSession{unseen: []uint32{3}, msgs: map[uint32]*Inbound{3: in}}

	p := NewPoller(sess.dial, mem, mem, rep, time.Minute, "support@openfarm.test", quietLogger())
	p.cycle(context.Background())

	assert.Empty(t, rep.recipients)
	assert.Equal(t, []uint32{3}, sess.seen, "unusable message is still marked seen")
	_, err := mem.Get(context.Background(), 1)
	assert.ErrorIs(t, err, repository.ErrNotFound, "no thread created")
}

func TestPollerSkipsAutoReplyForNoReplySenders(t *testing.T) {
	mem := repository.NewMemory()
	rep := &fakeReplier{}

	noreply := inboundMessage(1)
	noreply.Sender = "noreply@shop.example"
	self := inboundMessage(2)
	self.Sender = "support@openfarm.test"
	self.MessageID = "inbound-self@example.com"

	sess := &fakeSession{
		unseen: []uint32{1, 2},
		msgs:   map[uint32]*Inbound{1: noreply, 2: self},
	}
	p := NewPoller(sess.dial, mem, mem, rep, time.Minute, "support@openfarm.test", quietLogger())
	p.cycle(context.Background())

	assert.Empty(t, rep.recipients, "no auto-reply for self or no-reply senders")
	msgs, err := mem.ListByThread(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "message is still persisted")
	assert.ElementsMatch(t, []uint32{1, 2}, sess.seen)
}

func TestPollerIsolatesItemFailures(t *testing.T) {
	mem := repository.NewMemory()
	rep := &fakeReplier{}
	sess := &fakeSession{
		unseen:   []uint32{1, 2},
		msgs:     map[uint32]*Inbound{2: inboundMessage(2)},
		fetchErr: map[uint32]error{1: errors.New("boom")},
	}

	p := NewPoller(sess.dial, mem, mem, rep, time.Minute, "support@openfarm.test", quietLogger())
	p.cycle(context.Background())

	assert.Equal(t, []string{"customer@example.com"}, rep.recipients,
		"second item processed despite first failing")
	assert.Equal(t, []uint32{2}, sess.seen, "failed item not marked seen, will retry next poll")
}

func TestPollerMarkSeenFailureIsBestEffort(t *testing.T) {
	mem := repository.NewMemory()
	rep := &fakeReplier{}
	sess := &fakeSession{
		unseen:      []uint32{5},
		msgs:        map[uint32]*Inbound{5: inboundMessage(5)},
		markSeenErr: map[uint32]error{5: errors.New("flag store failed")},
	}

	p := NewPoller(sess.dial, mem, mem, rep, time.Minute, "support@openfarm.test", quietLogger())
	p.cycle(context.Background())

	assert.Len(t, rep.recipients, 1, "item still fully processed")
	msgs, err := mem.ListByThread(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPollerThreadResolutionPrecedence(t *testing.T) {
	mem := repository.NewMemory()
	rep := &fakeReplier{}

	withJob := inboundMessage(1)
	withJob.Subject = "Job #42 is stuck"
	withJob.JobID = ExtractJobNumber(withJob.Subject)

	followUp := inboundMessage(2)
	followUp.Subject = "Re: Job #42 is stuck"
	followUp.JobID = ExtractJobNumber(followUp.Subject)
	followUp.MessageID = "inbound-2b@example.com"

	sess := &fakeSession{
		unseen: []uint32{1, 2},
		msgs:   map[uint32]*Inbound{1: withJob, 2: followUp},
	}
	p := NewPoller(sess.dial, mem, mem, rep, time.Minute, "support@openfarm.test", quietLogger())
	p.cycle(context.Background())

	jobID := int64(42)
	th, err := mem.FindOrCreate(context.Background(), repository.ThreadKey{JobID: &jobID})
	require.NoError(t, err)
	require.NotNil(t, th.JobID)
	assert.EqualValues(t, 42, *th.JobID)

	msgs, err := mem.ListByThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "both messages resolve to the same job thread")
}

func TestPollerRecordsReplyClassification(t *testing.T) {
	mem := repository.NewMemory()
	rep := &fakeReplier{}
	in := inboundMessage(4)
	in.Subject = "Re: Print question"
	in.InReplyTo = "inbound-1@example.com"
	in.IsReply = true
	in.Received = time.Date(2026, time.March, 3, 9, 30, 0, 0, time.UTC)
	sess := &fakeSession{unseen: []uint32{4}, msgs: map[uint32]*Inbound{4: in}}

	var buf bytes.Buffer
	p := NewPoller(sess.dial, mem, mem, rep, time.Minute, "support@openfarm.test",
		slog.New(slog.NewTextHandler(&buf, nil)))
	p.cycle(context.Background())

	out := buf.String()
	assert.Contains(t, out, "reply=true", "item record carries the reply classification")
	assert.Contains(t, out, "received=2026-03-03", "item record carries the receive time")
}

func TestPollerCycleAbortsOnListFailure(t *testing.T) {
	rep := &fakeReplier{}
	sess := &fakeSession{listErr: errors.New("inbox gone")}
	mem := repository.NewMemory()

	p := NewPoller(sess.dial, mem, mem, rep, time.Minute, "support@openfarm.test", quietLogger())
	p.cycle(context.Background())

	assert.Empty(t, rep.recipients)
	assert.True(t, sess.closed, "session closed even on abort")
}
