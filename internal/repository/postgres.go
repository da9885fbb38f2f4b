package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/OpenFarm-oss/MailboxService/internal/model"
)

// Store implements all repository interfaces on a shared Postgres
// connection pool.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// --- Threads ---

func (s *Store) FindOrCreate(ctx context.Context, key ThreadKey) (*model.Thread, error) {
	th, err := s.findByKey(ctx, key)
	if err == nil {
		return th, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var created model.Thread
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO threads (job_id, subject_key, sender_address, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		key.JobID, key.SubjectKey, key.Sender, model.ThreadUnresolved,
	).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		// Concurrent create for the same key: fall back to the winner.
		if th, ferr := s.findByKey(ctx, key); ferr == nil {
			return th, nil
		}
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	created.JobID = key.JobID
	created.SubjectKey = key.SubjectKey
	created.SenderAddress = key.Sender
	created.Status = model.ThreadUnresolved
	return &created, nil
}

// findByKey looks a thread up by the strongest key component present:
// job id, else normalized subject, else sender address.
func (s *Store) findByKey(ctx context.Context, key ThreadKey) (*model.Thread, error) {
	var (
		th    model.Thread
		query string
		arg   any
	)
	switch {
	case key.JobID != nil:
		query, arg = `SELECT * FROM threads WHERE job_id = $1 ORDER BY id LIMIT 1`, *key.JobID
	case key.SubjectKey != "":
		query, arg = `SELECT * FROM threads WHERE subject_key = $1 ORDER BY id LIMIT 1`, key.SubjectKey
	default:
		query, arg = `SELECT * FROM threads WHERE sender_address = $1 ORDER BY id LIMIT 1`, key.Sender
	}
	if err := s.db.GetContext(ctx, &th, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finding thread: %w", err)
	}
	return &th, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*model.Thread, error) {
	var th model.Thread
	if err := s.db.GetContext(ctx, &th, `SELECT * FROM threads WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading thread %d: %w", id, err)
	}
	return &th, nil
}

func (s *Store) SetStatus(ctx context.Context, id int64, status model.ThreadStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("updating thread %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

// Append inserts one message. Redelivery of the same email must not
// duplicate the row, so inserts are idempotent on the protocol id; the
// arbiter is the partial unique index
// messages_protocol_message_id_key ON messages (protocol_message_id)
// WHERE protocol_message_id <> '', which leaves id-less messages free
// to repeat.
func (s *Store) Append(ctx context.Context, m *model.Message) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO messages
			(thread_id, sender, subject, body, status, protocol_message_id, conversation_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (protocol_message_id) WHERE protocol_message_id <> '' DO NOTHING
		RETURNING id, created_at`,
		m.ThreadID, m.Sender, m.Subject, m.Body, m.Status, m.ProtocolMessageID, m.ConversationToken,
	).Scan(&m.ID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the id is already persisted, hand back that row.
		return s.db.GetContext(ctx, m,
			`SELECT * FROM messages WHERE protocol_message_id = $1`, m.ProtocolMessageID)
	}
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (s *Store) ListByThread(ctx context.Context, threadID int64) ([]model.Message, error) {
	var out []model.Message
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM messages WHERE thread_id = $1 ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing thread %d messages: %w", threadID, err)
	}
	return out, nil
}

// --- Rules ---

func (s *Store) ListEnabled(ctx context.Context) ([]model.AutoReplyRule, error) {
	var out []model.AutoReplyRule
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM auto_reply_rules WHERE enabled ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled rules: %w", err)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, r *model.AutoReplyRule) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO auto_reply_rules
			(label, kind, enabled, priority, start_date, end_date, days, start_time, end_time, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		r.Label, r.Kind, r.Enabled, r.Priority, r.StartDate, r.EndDate, r.Days, r.StartTime, r.EndTime, r.Body,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("creating rule: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, r *model.AutoReplyRule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auto_reply_rules SET
			label = $1, kind = $2, enabled = $3, priority = $4,
			start_date = $5, end_date = $6, days = $7, start_time = $8, end_time = $9, body = $10
		WHERE id = $11`,
		r.Label, r.Kind, r.Enabled, r.Priority, r.StartDate, r.EndDate, r.Days, r.StartTime, r.EndTime, r.Body, r.ID)
	if err != nil {
		return fmt.Errorf("updating rule %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auto_reply_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

func (s *Store) RecipientAddress(ctx context.Context, jobID int64) (string, error) {
	var email sql.NullString
	err := s.db.GetContext(ctx, &email, `
		SELECT u.email FROM print_jobs j
		JOIN users u ON u.id = j.user_id
		WHERE j.id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolving job %d recipient: %w", jobID, err)
	}
	if !email.Valid || email.String == "" {
		return "", ErrNotFound
	}
	return email.String, nil
}
