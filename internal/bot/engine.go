// Package bot implements the user-facing tutoring surface: session start,
// ask, end, resume, feedback, and the thread message listener. All entry
// points funnel into the same processing path via Inbound values.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/schrodylab/schrody/internal/llm"
	"github.com/schrodylab/schrody/internal/platform"
	"github.com/schrodylab/schrody/internal/session"
	"github.com/schrodylab/schrody/internal/store"
)

// Limiter is the short-lived shared state the engine consults: ask cooldowns
// and join-prompt dedup. A nil Limiter disables both.
type Limiter interface {
	AllowAsk(ctx context.Context, userID string, cooldown time.Duration) (bool, error)
	MarkJoinPrompted(ctx context.Context, threadID, userID string, ttl time.Duration) (bool, error)
	ClearJoinPrompt(ctx context.Context, threadID, userID string) error
}

type Config struct {
	GuildID       string
	WindowSize    int
	UserTimeout   time.Duration
	AskCooldown   time.Duration
	JoinPromptTTL time.Duration
}

type Engine struct {
	repo     *store.Repo
	registry *session.Registry
	gateway  platform.Gateway
	provider llm.Provider
	limiter  Limiter
	cfg      Config
	log      zerolog.Logger
}

func NewEngine(repo *store.Repo, registry *session.Registry, gateway platform.Gateway, provider llm.Provider, limiter Limiter, cfg Config, log zerolog.Logger) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = session.DefaultWindowSize
	}
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = 30 * time.Minute
	}
	if cfg.AskCooldown <= 0 {
		cfg.AskCooldown = 3 * time.Second
	}
	if cfg.JoinPromptTTL <= 0 {
		cfg.JoinPromptTTL = time.Hour
	}
	return &Engine{
		repo:     repo,
		registry: registry,
		gateway:  gateway,
		provider: provider,
		limiter:  limiter,
		cfg:      cfg,
		log:      log,
	}
}

// threadName is the canonical thread key: guild id + user id, applied
// uniformly for creation and lookup.
func (e *Engine) threadName(guildID, userID string) string {
	if guildID == "" {
		guildID = "dm"
	}
	return fmt.Sprintf("schrody-%s-%s", guildID, userID)
}

func (e *Engine) newSession(thread platform.Thread) *session.TutoringSession {
	return session.NewTutoringSession(thread, session.Deps{
		LLM:         e.provider,
		Messenger:   e.gateway,
		Recorder:    e.repo,
		Log:         e.log,
		WindowSize:  e.cfg.WindowSize,
		UserTimeout: e.cfg.UserTimeout,
	})
}

func (e *Engine) say(ctx context.Context, channelID, text string) {
	if _, err := e.gateway.SendMessage(ctx, channelID, text); err != nil {
		e.log.Warn().Err(err).Str("channel_id", channelID).Msg("reply send failed")
	}
}

// resolveName fills in a missing sender name from the platform; relayed
// events do not always carry one. Lookup failure leaves the name empty.
func (e *Engine) resolveName(ctx context.Context, in *Inbound) {
	if in.SenderName != "" {
		return
	}
	u, err := e.gateway.FetchUser(ctx, in.SenderID)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", in.SenderID).Msg("user fetch failed")
		return
	}
	in.SenderName = u.Username
}

// StartSession creates a fresh thread and durable record for the sender.
// Rejected when the user already holds an active session anywhere.
func (e *Engine) StartSession(ctx context.Context, in Inbound) error {
	e.resolveName(ctx, &in)
	if err := e.repo.EnsureUser(ctx, in.SenderID, in.SenderName); err != nil {
		e.log.Warn().Err(err).Str("user_id", in.SenderID).Msg("user upsert failed")
	}

	existing, err := e.repo.FindActiveSession(ctx, in.SenderID, "")
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if existing != nil {
		e.say(ctx, in.ChannelID, fmt.Sprintf("❌ <@%s>, you already have an active session with Schrody! Use `/ask` to continue or `/resume_session` to get back to your thread.", in.SenderID))
		return nil
	}

	// Starting fresh discards the previous conversation context.
	if err := e.repo.ClearConversation(ctx, in.SenderID); err != nil {
		e.log.Warn().Err(err).Str("user_id", in.SenderID).Msg("conversation clear failed")
	}

	thread, err := e.gateway.CreateThread(ctx, in.ChannelID, e.threadName(in.GuildID, in.SenderID))
	if err != nil {
		e.say(ctx, in.ChannelID, "❌ I couldn't create a tutoring thread here. Please try again in a regular channel.")
		return err
	}

	rec := &store.SessionRecord{
		UserID:   in.SenderID,
		Username: in.SenderName,
		ThreadID: thread.ID,
	}
	if err := e.repo.StartSession(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateActiveSession) {
			e.say(ctx, in.ChannelID, fmt.Sprintf("❌ <@%s>, you already have an active session with Schrody!", in.SenderID))
			return nil
		}
		return err
	}

	ts := e.registry.GetOrCreate(thread.ID, func() *session.TutoringSession { return e.newSession(*thread) })
	ts.AddUser(session.Sender{ID: in.SenderID, Username: in.SenderName})

	if err := e.gateway.AddThreadMember(ctx, thread.ID, in.SenderID); err != nil {
		e.log.Warn().Err(err).Str("thread_id", thread.ID).Msg("thread member add failed")
	}

	e.say(ctx, thread.ID, fmt.Sprintf("📚 <@%s>, Schrody is here to assist you! Ask me anything.", in.SenderID))
	e.say(ctx, in.ChannelID, fmt.Sprintf("📚 Tutoring session started, <@%s>! I'll assist you in the thread I created.", in.SenderID))
	return nil
}

// Ask runs one tutoring turn for a user with an active session, wherever the
// command was invoked.
func (e *Engine) Ask(ctx context.Context, in Inbound) error {
	rec, err := e.repo.FindActiveSession(ctx, in.SenderID, "")
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.sendNoSessionEmbed(ctx, in.ChannelID)
		return nil
	}
	if err != nil {
		return err
	}

	if !e.allowAsk(ctx, in.SenderID) {
		e.say(ctx, in.ChannelID, fmt.Sprintf("⏳ <@%s>, one question at a time please, give me a moment.", in.SenderID))
		return nil
	}

	return e.runTurn(ctx, rec, in)
}

// HandleThreadMessage is the listener path: plain messages inside tutoring
// threads are answered like /ask; non-participants get pointed at
// /start_session once per dedup window.
func (e *Engine) HandleThreadMessage(ctx context.Context, in Inbound) error {
	rec, err := e.repo.FindActiveSession(ctx, in.SenderID, in.ChannelID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if rec != nil {
		return e.runTurn(ctx, rec, in)
	}

	// No active record in this thread. Only react inside known tutoring
	// threads; anything else is not ours.
	if _, ok := e.registry.Get(in.ChannelID); !ok {
		return nil
	}

	if e.limiter != nil {
		first, err := e.limiter.MarkJoinPrompted(ctx, in.ChannelID, in.SenderID, e.cfg.JoinPromptTTL)
		if err != nil {
			e.log.Warn().Err(err).Msg("join prompt dedup failed")
			return nil
		}
		if !first {
			return nil
		}
	}
	e.sendExpiredEmbed(ctx, in.ChannelID, in.SenderID)
	return nil
}

// runTurn resolves (rebuilding after a restart if needed) the in-memory
// session for a durable record and processes one message through it.
func (e *Engine) runTurn(ctx context.Context, rec *store.SessionRecord, in Inbound) error {
	ts := e.registry.GetOrCreate(rec.ThreadID, func() *session.TutoringSession {
		return e.newSession(platform.Thread{ID: rec.ThreadID, Name: e.threadName(in.GuildID, rec.UserID)})
	})

	sender := session.Sender{ID: in.SenderID, Username: in.SenderName}
	if _, ok := ts.GetUserSession(in.SenderID); !ok {
		us := ts.AddUser(sender)
		e.seedWindow(ctx, us)
	}

	return ts.ProcessMessage(ctx, sender, in.Text)
}

// seedWindow reloads a freshly (re)constructed user session's context window
// from the durable conversation log.
func (e *Engine) seedWindow(ctx context.Context, us *session.UserSession) {
	entries, err := e.repo.RecentConversation(ctx, us.UserID, 2*e.cfg.WindowSize)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", us.UserID).Msg("context reload failed")
		return
	}
	us.SeedWindow(turnsFromEntries(entries))
}

// turnsFromEntries pairs alternating user/assistant entries into turns.
// Unpaired prompts (e.g. the log ends mid-turn) are dropped.
func turnsFromEntries(entries []store.ConversationEntry) []session.Turn {
	var turns []session.Turn
	var pending *string
	for _, entry := range entries {
		switch entry.Role {
		case store.RoleUser:
			msg := entry.Message
			pending = &msg
		case store.RoleAssistant:
			if pending != nil {
				turns = append(turns, session.Turn{Prompt: *pending, Response: entry.Message})
				pending = nil
			}
		}
	}
	return turns
}

func (e *Engine) allowAsk(ctx context.Context, userID string) bool {
	if e.limiter == nil {
		return true
	}
	allowed, err := e.limiter.AllowAsk(ctx, userID, e.cfg.AskCooldown)
	if err != nil {
		// Cooldown storage being down must not block tutoring.
		e.log.Warn().Err(err).Msg("ask cooldown check failed")
		return true
	}
	return allowed
}

// EndSession ends the sender's session: durable close first, then in-memory
// teardown and the confirmation message.
func (e *Engine) EndSession(ctx context.Context, in Inbound) error {
	rec, err := e.repo.FindActiveSession(ctx, in.SenderID, "")
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.say(ctx, in.ChannelID, fmt.Sprintf("❌ <@%s>, you don't have an active session to end. Use `/start_session` to begin one!", in.SenderID))
		return nil
	}
	if err != nil {
		return err
	}

	// The in-memory user session may already be gone (swept for inactivity,
	// or the process restarted) while the durable record is still active, so
	// the durable close must not depend on the registry path succeeding.
	ended := false
	if ts, ok := e.registry.Get(rec.ThreadID); ok {
		if _, present := ts.GetUserSession(in.SenderID); present {
			var endErr error
			ended, endErr = ts.EndUserSession(ctx, session.Sender{ID: in.SenderID, Username: in.SenderName})
			if endErr != nil {
				return endErr
			}
		}
		if ts.UserCount() == 0 {
			e.registry.Remove(rec.ThreadID)
		}
	}
	if !ended {
		if err := e.repo.EndSession(ctx, in.SenderID, rec.ThreadID); err != nil {
			return err
		}
	}

	if e.limiter != nil {
		_ = e.limiter.ClearJoinPrompt(ctx, rec.ThreadID, in.SenderID)
	}

	e.say(ctx, in.ChannelID, fmt.Sprintf("📌 Your session has ended, <@%s>. Please rate your experience with `/feedback <1-5>`.", in.SenderID))
	return nil
}

// Resume reconnects the sender to their most recent session, reactivating
// the record and the thread when either went dormant. It is idempotent for a
// session that is already live.
func (e *Engine) Resume(ctx context.Context, in Inbound) error {
	if active, err := e.repo.FindActiveSession(ctx, in.SenderID, ""); err == nil {
		if _, ok := e.registry.LookupUser(active.ThreadID, in.SenderID); ok {
			e.say(ctx, in.ChannelID, fmt.Sprintf("✅ <@%s>, your session is already active! Head to your thread and keep asking.", in.SenderID))
			return nil
		}
		return e.rejoin(ctx, in, active)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	rec, err := e.repo.FindLatestSession(ctx, in.SenderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.say(ctx, in.ChannelID, fmt.Sprintf("❌ <@%s>, I couldn't find a previous session to resume. Use `/start_session` to begin one!", in.SenderID))
		return nil
	}
	if err != nil {
		return err
	}
	return e.rejoin(ctx, in, rec)
}

// rejoin reattaches the sender to the given record: locate or recreate the
// thread, reactivate the durable row, and rebuild in-memory state.
func (e *Engine) rejoin(ctx context.Context, in Inbound, rec *store.SessionRecord) error {
	thread := e.locateThread(ctx, in, rec)
	if thread == nil {
		created, err := e.gateway.CreateThread(ctx, in.ChannelID, e.threadName(in.GuildID, in.SenderID))
		if err != nil {
			e.say(ctx, in.ChannelID, "❌ I couldn't recreate your tutoring thread. Please try `/start_session` instead.")
			return err
		}
		thread = created
	}

	if !rec.Active {
		if err := e.repo.ReactivateSession(ctx, rec.SessionID); err != nil {
			return err
		}
	}
	if thread.ID != rec.ThreadID {
		if err := e.repo.UpdateSessionThread(ctx, rec.SessionID, thread.ID); err != nil {
			return err
		}
	}
	if err := e.repo.TouchActivity(ctx, in.SenderID, thread.ID); err != nil {
		e.log.Warn().Err(err).Str("user_id", in.SenderID).Msg("activity touch failed")
	}

	ts := e.registry.GetOrCreate(thread.ID, func() *session.TutoringSession { return e.newSession(*thread) })
	us := ts.AddUser(session.Sender{ID: in.SenderID, Username: in.SenderName})
	if len(us.ContextWindow()) == 0 {
		e.seedWindow(ctx, us)
	}

	if err := e.gateway.AddThreadMember(ctx, thread.ID, in.SenderID); err != nil {
		e.log.Warn().Err(err).Str("thread_id", thread.ID).Msg("thread member add failed")
	}

	e.say(ctx, thread.ID, fmt.Sprintf("🔄 Welcome back, <@%s>! Your tutoring session has been resumed. Pick up right where we left off.", in.SenderID))
	e.say(ctx, in.ChannelID, fmt.Sprintf("🔄 Session resumed, <@%s>! I'll see you in your thread.", in.SenderID))
	return nil
}

// locateThread finds an existing thread for the record: the registry first,
// then the guild's active threads, then this channel's archived threads
// (unarchiving on a hit). Lookup failures degrade to "not found" so resume
// can fall back to creating a new thread.
func (e *Engine) locateThread(ctx context.Context, in Inbound, rec *store.SessionRecord) *platform.Thread {
	if ts, ok := e.registry.Get(rec.ThreadID); ok {
		th := ts.Thread
		return &th
	}

	name := e.threadName(in.GuildID, in.SenderID)
	guildID := in.GuildID
	if guildID == "" {
		guildID = e.cfg.GuildID
	}

	active, err := e.gateway.ListActiveThreads(ctx, guildID)
	if err != nil {
		e.log.Warn().Err(err).Msg("active thread listing failed")
	}
	for i := range active {
		if active[i].ID == rec.ThreadID || active[i].Name == name {
			return &active[i]
		}
	}

	archived, err := e.gateway.ListArchivedThreads(ctx, in.ChannelID)
	if err != nil {
		e.log.Warn().Err(err).Msg("archived thread listing failed")
	}
	for i := range archived {
		if archived[i].ID != rec.ThreadID && archived[i].Name != name {
			continue
		}
		if err := e.gateway.UnarchiveThread(ctx, archived[i].ID); err != nil {
			e.log.Warn().Err(err).Str("thread_id", archived[i].ID).Msg("unarchive failed")
			return nil
		}
		archived[i].Archived = false
		return &archived[i]
	}
	return nil
}

// Feedback records a 1-5 rating.
func (e *Engine) Feedback(ctx context.Context, in Inbound, rating int) error {
	if rating < 1 || rating > 5 {
		e.say(ctx, in.ChannelID, "❌ Please provide a rating between 1 and 5.")
		return nil
	}
	if err := e.repo.LogFeedback(ctx, in.SenderID, rating); err != nil {
		e.say(ctx, in.ChannelID, "❌ Sorry, I couldn't record your feedback. Please try again.")
		return err
	}
	e.say(ctx, in.ChannelID, "✅ Thanks for your feedback!")
	return nil
}

// PendingFeedback lists users who ended a session without rating it.
func (e *Engine) PendingFeedback(ctx context.Context, in Inbound) error {
	recs, err := e.repo.PendingFeedback(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		e.say(ctx, in.ChannelID, "✅ Everyone has submitted feedback!")
		return nil
	}

	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		names = append(names, rec.Username)
	}
	e.say(ctx, in.ChannelID, fmt.Sprintf("🚨 Users who haven't submitted feedback:\n```%s```", strings.Join(names, "\n")))
	return nil
}

func (e *Engine) sendNoSessionEmbed(ctx context.Context, channelID string) {
	_, err := e.gateway.SendEmbed(ctx, channelID, platform.Embed{
		Title:       "❌ No Active Session",
		Description: "You don't have an active tutoring session.",
		Color:       0xE74C3C,
		Fields: []platform.EmbedField{
			{
				Name:  "💡 What you can do:",
				Value: "1️⃣ **Try resuming:** Use `/resume_session` if you had a previous session\n2️⃣ **Start fresh:** Use `/start_session` to begin a new conversation",
			},
		},
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("no-session embed failed")
	}
}

func (e *Engine) sendExpiredEmbed(ctx context.Context, channelID, userID string) {
	_, err := e.gateway.SendEmbed(ctx, channelID, platform.Embed{
		Title:       "❌ Session Expired",
		Description: fmt.Sprintf("<@%s>, your tutoring session has expired or you haven't joined this one.", userID),
		Color:       0xE67E22,
		Fields: []platform.EmbedField{
			{
				Name:  "💡 What you can do:",
				Value: "1️⃣ **Try resuming:** Use `/resume_session` to reconnect to your previous session\n2️⃣ **Start fresh:** Use `/start_session` to begin a new conversation",
			},
		},
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("expired embed failed")
	}
}
