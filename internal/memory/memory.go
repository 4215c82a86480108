// Package memory maintains bounded conversational context: a rolling
// session of recent utterances plus an archive of past sessions. Overflow is
// never an error; the oldest entries are trimmed.
package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Speaker labels for utterances.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Utterance is one finalized line of the conversation.
type Utterance struct {
	Speaker    string
	Text       string
	Timestamp  time.Time
	Importance float64
}

// Session is a bounded window of utterances.
type Session struct {
	ID         string
	StartedAt  time.Time
	Utterances []Utterance
}

// Memory holds the current session and an archive of past ones. All methods
// are safe for concurrent use; no operation performs I/O under the lock.
type Memory struct {
	maxRecent   int
	maxArchived int

	mu       sync.Mutex
	current  Session
	archive  []Session
	clock    func() time.Time
	onRotate func(Session)
}

func New(maxRecent, maxArchived int) *Memory {
	if maxRecent <= 0 {
		maxRecent = 50
	}
	if maxArchived <= 0 {
		maxArchived = 10
	}
	m := &Memory{
		maxRecent:   maxRecent,
		maxArchived: maxArchived,
		clock:       time.Now,
	}
	m.current = m.newSession()
	return m
}

// OnRotate registers a callback invoked with each archived session when
// StartNewSession rotates. The callback runs outside the memory lock so it
// may persist the session without blocking readers.
func (m *Memory) OnRotate(fn func(Session)) {
	m.mu.Lock()
	m.onRotate = fn
	m.mu.Unlock()
}

func (m *Memory) newSession() Session {
	return Session{ID: uuid.NewString(), StartedAt: m.clock()}
}

// SessionID returns the id of the active session.
func (m *Memory) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.ID
}

// AddUserMessage appends a user utterance, trimming to the recent cap.
func (m *Memory) AddUserMessage(text string) {
	m.append(Utterance{Speaker: SpeakerUser, Text: text, Importance: 1})
}

// AddAssistantResponse appends an assistant utterance, trimming to the
// recent cap.
func (m *Memory) AddAssistantResponse(text string) {
	m.append(Utterance{Speaker: SpeakerAssistant, Text: text, Importance: 1})
}

func (m *Memory) append(u Utterance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Timestamp = m.clock()
	m.current.Utterances = append(m.current.Utterances, u)
	if overflow := len(m.current.Utterances) - m.maxRecent; overflow > 0 {
		m.current.Utterances = m.current.Utterances[overflow:]
	}
}

// RecentMessages returns the last limit utterances in chronological order.
// A non-positive limit returns the whole window.
func (m *Memory) RecentMessages(limit int) []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.current.Utterances)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Utterance, n)
	copy(out, m.current.Utterances[len(m.current.Utterances)-n:])
	return out
}

// ContextForPrompt formats up to max recent utterances as labeled lines
// ("User: ...", "Assistant: ...") for inclusion in a model prompt.
func (m *Memory) ContextForPrompt(max int) string {
	recent := m.RecentMessages(max)
	if len(recent) == 0 {
		return ""
	}
	var b strings.Builder
	for _, u := range recent {
		label := "User"
		if u.Speaker == SpeakerAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, u.Text)
	}
	return b.String()
}

// StartNewSession archives the current session and begins an empty one,
// returning the id of the fresh session. The archive is trimmed to its cap,
// oldest evicted first. Empty sessions are not archived.
func (m *Memory) StartNewSession() string {
	m.mu.Lock()
	archived := m.current
	rotate := m.onRotate
	if len(archived.Utterances) > 0 {
		m.archive = append(m.archive, archived)
		if overflow := len(m.archive) - m.maxArchived; overflow > 0 {
			m.archive = m.archive[overflow:]
		}
	}
	m.current = m.newSession()
	id := m.current.ID
	m.mu.Unlock()

	if rotate != nil && len(archived.Utterances) > 0 {
		rotate(archived)
	}
	return id
}

// ArchivedSessions returns a copy of the archive, oldest first.
func (m *Memory) ArchivedSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, len(m.archive))
	copy(out, m.archive)
	return out
}
