// Package session implements the in-memory side of the tutoring lifecycle:
// per-user sessions, the per-thread TutoringSession container, the process-
// wide registry, and the inactivity monitor over durable records.
//
// LOCK ORDERING: Registry.mu before TutoringSession.mu before UserSession.mu.
// Never acquire in the opposite direction.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schrodylab/schrody/internal/llm"
	"github.com/schrodylab/schrody/internal/platform"
)

// Messenger is the slice of the platform gateway a TutoringSession needs.
type Messenger interface {
	SendMessage(ctx context.Context, channelID, text string) (string, error)
	SendEmbed(ctx context.Context, channelID string, embed platform.Embed) (string, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// Recorder is the slice of the durable store a TutoringSession needs.
type Recorder interface {
	TouchActivity(ctx context.Context, userID, threadID string) error
	EndSession(ctx context.Context, userID, threadID string) error
	AppendConversation(ctx context.Context, userID, role, message string) error
}

// Sender identifies the author of an inbound message.
type Sender struct {
	ID       string
	Username string
}

// Deps carries the collaborators a TutoringSession calls out to.
type Deps struct {
	LLM        llm.Provider
	Messenger  Messenger
	Recorder   Recorder
	Log        zerolog.Logger
	WindowSize int
	// UserTimeout bounds how stale a held UserSession may be before the
	// opportunistic cleanup in ProcessMessage evicts it.
	UserTimeout time.Duration
}

// TutoringSession owns the set of UserSessions bound to one thread and routes
// inbound messages to the right one. Its liveness is derived from its
// children: zero active users makes it eligible for registry removal.
type TutoringSession struct {
	Thread    platform.Thread
	StartTime time.Time

	deps Deps

	mu     sync.Mutex
	active bool
	users  map[string]*UserSession
}

func NewTutoringSession(thread platform.Thread, deps Deps) *TutoringSession {
	if deps.WindowSize <= 0 {
		deps.WindowSize = DefaultWindowSize
	}
	if deps.UserTimeout <= 0 {
		deps.UserTimeout = 30 * time.Minute
	}
	return &TutoringSession{
		Thread:    thread,
		StartTime: time.Now().UTC(),
		deps:      deps,
		active:    true,
		users:     make(map[string]*UserSession),
	}
}

func (t *TutoringSession) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// AddUser returns the sender's existing UserSession or lazily creates one.
// Idempotent: a second call with the same user returns the same instance and
// does not reset its context window.
func (t *TutoringSession) AddUser(s Sender) *UserSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addUserLocked(s)
}

func (t *TutoringSession) addUserLocked(s Sender) *UserSession {
	if us, ok := t.users[s.ID]; ok {
		return us
	}
	us := NewUserSession(s.ID, s.Username, t.Thread.ID, t.deps.WindowSize)
	t.users[s.ID] = us
	return us
}

func (t *TutoringSession) GetUserSession(userID string) (*UserSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	us, ok := t.users[userID]
	return us, ok
}

func (t *TutoringSession) UserCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// ActiveUsers returns the identities of currently active users.
func (t *TutoringSession) ActiveUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.users))
	for id, us := range t.users {
		if us.Active() {
			out = append(out, id)
		}
	}
	return out
}

// RemoveInactiveUsers deletes every held UserSession idle past the timeout.
// A missing timestamp counts as inactive: cleanup fails open.
func (t *TutoringSession) RemoveInactiveUsers(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeInactiveLocked(timeout)
}

func (t *TutoringSession) removeInactiveLocked(timeout time.Duration) {
	now := time.Now().UTC()
	for id, us := range t.users {
		last := us.LastActivity()
		if last.IsZero() {
			t.deps.Log.Warn().Str("user_id", id).Str("thread_id", t.Thread.ID).
				Msg("user session missing activity timestamp, evicting")
			delete(t.users, id)
			continue
		}
		if now.Sub(last) > timeout {
			delete(t.users, id)
		}
	}
}

// evict drops a user's in-memory session without touching durable state; the
// monitor calls this after it has already closed the record.
func (t *TutoringSession) evict(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, userID)
}

// ProcessMessage runs one tutoring turn for the sender. The LLM call happens
// outside every lock except the sender's own turn lock, which preserves
// per-user ordering without blocking other users or threads.
func (t *TutoringSession) ProcessMessage(ctx context.Context, s Sender, text string) error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		t.send(ctx, "❌ This session has ended. Start a new one with `/start_session`.")
		return nil
	}
	t.removeInactiveLocked(t.deps.UserTimeout)
	us := t.addUserLocked(s)
	t.mu.Unlock()

	if !us.Active() {
		t.send(ctx, fmt.Sprintf("❌ <@%s>, your session in this thread is no longer active. Use `/resume_session` to rejoin.", s.ID))
		return nil
	}

	us.turnMu.Lock()
	defer us.turnMu.Unlock()

	// Refresh durable activity and re-arm the notice stages. Not fatal if it
	// fails; the turn still runs.
	if err := t.deps.Recorder.TouchActivity(ctx, s.ID, t.Thread.ID); err != nil {
		t.deps.Log.Warn().Err(err).Str("user_id", s.ID).Msg("activity refresh failed")
	}
	us.Touch()

	prompt := us.BuildPrompt(text)

	thinkingID, err := t.deps.Messenger.SendMessage(ctx, t.Thread.ID, "🤔 Schrody is thinking...")
	if err != nil {
		t.deps.Log.Warn().Err(err).Str("thread_id", t.Thread.ID).Msg("thinking notice failed")
		thinkingID = ""
	}

	response, genErr := t.deps.LLM.Generate(ctx, llm.TutorPrompt(prompt))

	if thinkingID != "" {
		_ = t.deps.Messenger.DeleteMessage(ctx, t.Thread.ID, thinkingID)
	}

	if genErr != nil {
		// The attempted turn is not recorded anywhere.
		t.deps.Log.Error().Err(genErr).Str("user_id", s.ID).Msg("generation failed")
		t.send(ctx, "❌ Sorry, I encountered an error while processing your request. Please try again.")
		return genErr
	}

	if err := t.deps.Recorder.AppendConversation(ctx, s.ID, "user", text); err != nil {
		t.deps.Log.Warn().Err(err).Msg("append user turn failed")
	}
	if err := t.deps.Recorder.AppendConversation(ctx, s.ID, "assistant", response); err != nil {
		t.deps.Log.Warn().Err(err).Msg("append assistant turn failed")
	}
	us.RecordTurn(text, response)

	t.deliver(ctx, s, response)
	return nil
}

// deliver sends the response attributed to the sender, chunked to the
// platform's message budget.
func (t *TutoringSession) deliver(ctx context.Context, s Sender, response string) {
	full := fmt.Sprintf("<@%s> %s", s.ID, response)
	for _, chunk := range platform.SplitMessage(full) {
		if _, err := t.deps.Messenger.SendMessage(ctx, t.Thread.ID, chunk); err != nil {
			t.deps.Log.Warn().Err(err).Str("thread_id", t.Thread.ID).Msg("response delivery failed")
			return
		}
	}
}

func (t *TutoringSession) send(ctx context.Context, text string) {
	if _, err := t.deps.Messenger.SendMessage(ctx, t.Thread.ID, text); err != nil {
		t.deps.Log.Warn().Err(err).Str("thread_id", t.Thread.ID).Msg("notice send failed")
	}
}

// EndUserSession closes one user's session: durable end first, then the
// in-memory removal and the thread notice, so a failed notice can never leave
// the record inconsistent. Returns false when the user held no session here.
func (t *TutoringSession) EndUserSession(ctx context.Context, s Sender) (bool, error) {
	t.mu.Lock()
	us, ok := t.users[s.ID]
	t.mu.Unlock()
	if !ok {
		t.send(ctx, fmt.Sprintf("❌ <@%s>, you don't have an active session in this thread.", s.ID))
		return false, nil
	}

	if err := t.deps.Recorder.EndSession(ctx, s.ID, t.Thread.ID); err != nil {
		return false, err
	}

	us.Deactivate()
	t.evict(s.ID)

	t.send(ctx, fmt.Sprintf("✅ <@%s>, your tutoring session has ended. Please provide feedback with `/feedback <1-5>`.", s.ID))
	return true, nil
}

// EndSession ends every held user session, leaves the user map empty, and
// emits one aggregate notice naming all affected users.
func (t *TutoringSession) EndSession(ctx context.Context) error {
	t.mu.Lock()
	t.active = false
	users := make([]*UserSession, 0, len(t.users))
	for _, us := range t.users {
		users = append(users, us)
	}
	t.users = make(map[string]*UserSession)
	t.mu.Unlock()

	var firstErr error
	names := make([]string, 0, len(users))
	for _, us := range users {
		if err := t.deps.Recorder.EndSession(ctx, us.UserID, t.Thread.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.deps.Log.Warn().Err(err).Str("user_id", us.UserID).Msg("durable end failed")
		}
		us.Deactivate()
		names = append(names, "<@"+us.UserID+">")
	}

	if len(names) > 0 {
		t.send(ctx, fmt.Sprintf("✅ This tutoring session has ended for %s. Please provide feedback with `/feedback <1-5>`.",
			strings.Join(names, ", ")))
	}
	return firstErr
}
