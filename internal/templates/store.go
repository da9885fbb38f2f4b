// Package templates loads notification bodies from disk and performs
// literal bracketed-placeholder substitution (e.g. [JOB_ID]).
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Template names used by the pipeline. The list is static on purpose:
// Validate checks every one of them at startup so a missing file fails
// fast instead of surfacing on the first matching event.
const (
	AutoReply          = "auto_reply"
	JobAccepted        = "job_accepted"
	JobApproved        = "job_approved"
	JobPaid            = "job_paid"
	JobPrintingStarted = "job_printing_started"
	JobCompleted       = "job_completed"
	JobRejected        = "job_rejected"
	OperatorReply      = "operator_reply"
)

// Required lists every template the service refuses to start without.
var Required = []string{
	AutoReply,
	JobAccepted,
	JobApproved,
	JobPaid,
	JobPrintingStarted,
	JobCompleted,
	JobRejected,
	OperatorReply,
}

// Store reads template files from one directory and caches them.
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]string
}

// New creates a store rooted at dir. Templates are <name>.html files.
func New(dir string) *Store {
	return &Store{dir: dir, cache: make(map[string]string)}
}

// Validate loads every required template, failing on the first one
// that is missing or unreadable.
func (s *Store) Validate() error {
	for _, name := range Required {
		if _, err := s.load(name); err != nil {
			return fmt.Errorf("required template %q: %w", name, err)
		}
	}
	return nil
}

// Render returns the template body with every key of subs replaced
// verbatim. Keys carry their brackets, e.g. subs["[JOB_ID]"] = "42".
func (s *Store) Render(name string, subs map[string]string) (string, error) {
	body, err := s.load(name)
	if err != nil {
		return "", err
	}
	for token, value := range subs {
		body = strings.ReplaceAll(body, token, value)
	}
	return body, nil
}

func (s *Store) load(name string) (string, error) {
	s.mu.RLock()
	body, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return body, nil
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, name+".html"))
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[name] = string(raw)
	s.mu.Unlock()
	return string(raw), nil
}
