package repository

import (
	"context"
	"sync"
	"time"

	"github.com/OpenFarm-oss/MailboxService/internal/model"
)

// Memory is an in-memory implementation of every repository interface.
// It backs unit tests and local runs without Postgres; semantics match
// the Store implementation, including idempotent thread resolution and
// message appends.
type Memory struct {
	mu         sync.Mutex
	threads    []*model.Thread
	messages   []model.Message
	rules      []model.AutoReplyRule
	recipients map[int64]string

	nextThread  int64
	nextMessage int64
	nextRule    int64
}

func NewMemory() *Memory {
	return &Memory{recipients: make(map[int64]string)}
}

// SetRecipient registers a job owner's address for RecipientAddress.
func (m *Memory) SetRecipient(jobID int64, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[jobID] = email
}

// SeedRule installs a rule directly, assigning an id when unset.
func (m *Memory) SeedRule(r model.AutoReplyRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		m.nextRule++
		r.ID = m.nextRule
	}
	m.rules = append(m.rules, r)
}

func (m *Memory) FindOrCreate(_ context.Context, key ThreadKey) (*model.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, th := range m.threads {
		switch {
		case key.JobID != nil:
			if th.JobID != nil && *th.JobID == *key.JobID {
				return cloneThread(th), nil
			}
		case key.SubjectKey != "":
			if th.SubjectKey == key.SubjectKey {
				return cloneThread(th), nil
			}
		default:
			if th.SenderAddress == key.Sender {
				return cloneThread(th), nil
			}
		}
	}
	m.nextThread++
	th := &model.Thread{
		ID:            m.nextThread,
		JobID:         key.JobID,
		SubjectKey:    key.SubjectKey,
		SenderAddress: key.Sender,
		Status:        model.ThreadUnresolved,
		CreatedAt:     time.Now(),
	}
	m.threads = append(m.threads, th)
	return cloneThread(th), nil
}

func (m *Memory) Get(_ context.Context, id int64) (*model.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, th := range m.threads {
		if th.ID == id {
			return cloneThread(th), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SetStatus(_ context.Context, id int64, status model.ThreadStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, th := range m.threads {
		if th.ID == id {
			th.Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Append(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ProtocolMessageID != "" {
		for _, existing := range m.messages {
			if existing.ProtocolMessageID == msg.ProtocolMessageID {
				*msg = existing
				return nil
			}
		}
	}
	m.nextMessage++
	msg.ID = m.nextMessage
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *Memory) ListByThread(_ context.Context, threadID int64) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) ListEnabled(_ context.Context) ([]model.AutoReplyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AutoReplyRule
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Create(_ context.Context, r *model.AutoReplyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRule++
	r.ID = m.nextRule
	m.rules = append(m.rules, *r)
	return nil
}

func (m *Memory) Update(_ context.Context, r *model.AutoReplyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == r.ID {
			m.rules[i] = *r
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) RecipientAddress(_ context.Context, jobID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email, ok := m.recipients[jobID]
	if !ok || email == "" {
		return "", ErrNotFound
	}
	return email, nil
}

func cloneThread(th *model.Thread) *model.Thread {
	c := *th
	return &c
}
