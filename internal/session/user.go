package session

import (
	"strings"
	"sync"
	"time"
)

// DefaultWindowSize is the bounded number of recent turns kept per user.
const DefaultWindowSize = 5

// Turn is one (user prompt, assistant response) pair.
type Turn struct {
	Prompt   string
	Response string
}

// UserSession is one user's live state inside a shared thread. It is owned by
// exactly one TutoringSession and never shared across threads.
//
// turnMu serializes whole turns (including the LLM call) so a user's second
// message waits for their first, without blocking other users. mu guards only
// the quick state below and is never held across a blocking call.
type UserSession struct {
	UserID    string
	Username  string
	ThreadID  string
	StartTime time.Time

	turnMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	active       bool
	window       []Turn
	capacity     int
}

func NewUserSession(userID, username, threadID string, capacity int) *UserSession {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	now := time.Now().UTC()
	return &UserSession{
		UserID:       userID,
		Username:     username,
		ThreadID:     threadID,
		StartTime:    now,
		lastActivity: now,
		active:       true,
		capacity:     capacity,
	}
}

// ContextWindow returns up to capacity most-recent turns, oldest first.
func (u *UserSession) ContextWindow() []Turn {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Turn, len(u.window))
	copy(out, u.window)
	return out
}

// RecordTurn appends a completed turn, evicting the oldest past capacity, and
// refreshes last activity.
func (u *UserSession) RecordTurn(prompt, response string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.window = append(u.window, Turn{Prompt: prompt, Response: response})
	if len(u.window) > u.capacity {
		u.window = u.window[len(u.window)-u.capacity:]
	}
	u.lastActivity = time.Now().UTC()
}

// SeedWindow replaces the window with turns reloaded from the durable
// conversation log (resume path). Only the most recent capacity turns stick.
func (u *UserSession) SeedWindow(turns []Turn) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(turns) > u.capacity {
		turns = turns[len(turns)-u.capacity:]
	}
	u.window = append([]Turn(nil), turns...)
}

func (u *UserSession) LastActivity() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastActivity
}

func (u *UserSession) Touch() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastActivity = time.Now().UTC()
}

func (u *UserSession) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

func (u *UserSession) Deactivate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active = false
}

// BuildPrompt composes the window (oldest first, alternating User/Assistant
// lines) with the new message. With an empty window the message is returned
// verbatim.
func (u *UserSession) BuildPrompt(message string) string {
	window := u.ContextWindow()
	if len(window) == 0 {
		return message
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, t := range window {
		b.WriteString("User: ")
		b.WriteString(t.Prompt)
		b.WriteByte('\n')
		b.WriteString("Assistant: ")
		b.WriteString(t.Response)
		b.WriteByte('\n')
	}
	b.WriteString("\nUser: ")
	b.WriteString(message)
	return b.String()
}
