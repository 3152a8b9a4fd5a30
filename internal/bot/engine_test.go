package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/schrodylab/schrody/internal/platform"
	"github.com/schrodylab/schrody/internal/session"
	"github.com/schrodylab/schrody/internal/store"
)

type fakeGateway struct {
	mu         sync.Mutex
	sent       []string // "channel:text"
	embeds     []string // "channel:title"
	dms        []string
	deleted    []string
	members    []string // "thread:user"
	threads    []platform.Thread
	archived   []platform.Thread
	nextID     int
	failCreate bool
}

func (g *fakeGateway) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.sent = append(g.sent, channelID+":"+text)
	return fmt.Sprintf("m%d", g.nextID), nil
}

func (g *fakeGateway) SendEmbed(ctx context.Context, channelID string, embed platform.Embed) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.embeds = append(g.embeds, channelID+":"+embed.Title)
	return fmt.Sprintf("m%d", g.nextID), nil
}

func (g *fakeGateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, messageID)
	return nil
}

func (g *fakeGateway) SendDM(ctx context.Context, userID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dms = append(g.dms, userID+":"+text)
	return nil
}

func (g *fakeGateway) SendDMEmbed(ctx context.Context, userID string, embed platform.Embed) error {
	return g.SendDM(ctx, userID, embed.Title)
}

func (g *fakeGateway) CreateThread(ctx context.Context, parentChannelID, name string) (*platform.Thread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreate {
		return nil, platform.ErrForbidden
	}
	g.nextID++
	th := platform.Thread{ID: fmt.Sprintf("th%d", g.nextID), Name: name, ParentID: parentChannelID}
	g.threads = append(g.threads, th)
	return &th, nil
}

func (g *fakeGateway) ListActiveThreads(ctx context.Context, guildID string) ([]platform.Thread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]platform.Thread(nil), g.threads...), nil
}

func (g *fakeGateway) ListArchivedThreads(ctx context.Context, channelID string) ([]platform.Thread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]platform.Thread(nil), g.archived...), nil
}

func (g *fakeGateway) UnarchiveThread(ctx context.Context, threadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.archived {
		if g.archived[i].ID == threadID {
			th := g.archived[i]
			th.Archived = false
			g.threads = append(g.threads, th)
			g.archived = append(g.archived[:i], g.archived[i+1:]...)
			return nil
		}
	}
	return platform.ErrNotFound
}

func (g *fakeGateway) AddThreadMember(ctx context.Context, threadID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, threadID+":"+userID)
	return nil
}

func (g *fakeGateway) FetchUser(ctx context.Context, userID string) (*platform.User, error) {
	return &platform.User{ID: userID, Username: "user-" + userID}, nil
}

func (g *fakeGateway) texts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func (g *fakeGateway) lastText() string {
	s := g.texts()
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

type stubProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	last  string
}

func (p *stubProvider) Generate(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = prompt
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func newTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.NewRepo(db)
}

func newTestEngine(t *testing.T, prov *stubProvider) (*Engine, *fakeGateway, *store.Repo, *session.Registry) {
	t.Helper()
	repo := newTestRepo(t)
	gw := &fakeGateway{}
	reg := session.NewRegistry(30*time.Minute, zerolog.Nop())
	eng := NewEngine(repo, reg, gw, prov, nil, Config{
		GuildID:     "g1",
		WindowSize:  5,
		UserTimeout: 30 * time.Minute,
	}, zerolog.Nop())
	return eng, gw, repo, reg
}

func inbound(userID, channelID, text string) Inbound {
	return Inbound{SenderID: userID, SenderName: "user-" + userID, ChannelID: channelID, GuildID: "g1", Text: text}
}

func TestStartSessionCreatesThreadAndRecord(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, reg := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec, err := repo.FindActiveSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("expected active record: %v", err)
	}
	if rec.ThreadID == "" {
		t.Fatalf("record missing thread id")
	}
	if _, ok := reg.LookupUser(rec.ThreadID, "u1"); !ok {
		t.Fatalf("expected in-memory user session")
	}
	if len(gw.threads) != 1 || gw.threads[0].Name != "schrody-g1-u1" {
		t.Fatalf("unexpected thread: %+v", gw.threads)
	}

	var welcomed bool
	for _, s := range gw.texts() {
		if strings.HasPrefix(s, rec.ThreadID+":") && strings.Contains(s, "<@u1>") {
			welcomed = true
		}
	}
	if !welcomed {
		t.Fatalf("expected welcome in thread, got %v", gw.texts())
	}
}

func TestStartSessionResolvesMissingName(t *testing.T) {
	ctx := context.Background()
	eng, _, repo, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	in := Inbound{SenderID: "u1", ChannelID: "c1", GuildID: "g1"}
	if err := eng.StartSession(ctx, in); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec, err := repo.FindActiveSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if rec.Username != "user-u1" {
		t.Fatalf("expected name resolved from platform, got %q", rec.Username)
	}
}

func TestStartSessionRejectsSecondActive(t *testing.T) {
	ctx := context.Background()
	eng, gw, _, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("second start must not error: %v", err)
	}

	if len(gw.threads) != 1 {
		t.Fatalf("second start must not create a thread, got %d", len(gw.threads))
	}
	if !strings.Contains(gw.lastText(), "already have an active session") {
		t.Fatalf("expected rejection notice, got %q", gw.lastText())
	}
}

func TestStartSessionThreadCreateFailure(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, _ := newTestEngine(t, &stubProvider{reply: "ok"})
	gw.failCreate = true

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err == nil {
		t.Fatalf("expected error surfaced when thread creation fails")
	}
	if _, err := repo.FindActiveSession(ctx, "u1", ""); err == nil {
		t.Fatalf("no record may exist without a thread")
	}
	if !strings.Contains(gw.lastText(), "couldn't create") {
		t.Fatalf("expected user-visible failure notice, got %q", gw.lastText())
	}
}

func TestStartSessionClearsOldConversation(t *testing.T) {
	ctx := context.Background()
	eng, _, repo, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := repo.AppendConversation(ctx, "u1", store.RoleUser, "old question"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}

	entries, err := repo.RecentConversation(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh start must clear prior conversation, got %v", entries)
	}
}

func TestAskWithoutSessionSendsGuidance(t *testing.T) {
	ctx := context.Background()
	eng, gw, _, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.Ask(ctx, inbound("u1", "c1", "2+2")); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(gw.embeds) != 1 || !strings.Contains(gw.embeds[0], "No Active Session") {
		t.Fatalf("expected no-session embed, got %v", gw.embeds)
	}
}

func TestAskRunsTurnAndPersists(t *testing.T) {
	ctx := context.Background()
	prov := &stubProvider{reply: "4"}
	eng, gw, repo, _ := newTestEngine(t, prov)

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := eng.Ask(ctx, inbound("u1", "c1", "2+2")); err != nil {
		t.Fatalf("ask: %v", err)
	}

	entries, err := repo.RecentConversation(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 || entries[0].Role != store.RoleUser || entries[1].Role != store.RoleAssistant {
		t.Fatalf("unexpected conversation log: %+v", entries)
	}
	if !strings.Contains(gw.lastText(), "<@u1>") || !strings.Contains(gw.lastText(), "4") {
		t.Fatalf("reply not delivered: %q", gw.lastText())
	}
}

func TestAskAfterRestartRebuildsSessionWithContext(t *testing.T) {
	ctx := context.Background()
	prov := &stubProvider{reply: "a2"}
	eng, _, repo, reg := newTestEngine(t, prov)

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := repo.AppendConversation(ctx, "u1", store.RoleUser, "q1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := repo.AppendConversation(ctx, "u1", store.RoleAssistant, "a1"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Simulate a process restart: in-memory state is gone, the durable
	// record survives.
	rec, err := repo.FindActiveSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	reg.Remove(rec.ThreadID)

	if err := eng.Ask(ctx, inbound("u1", "c1", "q2")); err != nil {
		t.Fatalf("ask: %v", err)
	}

	if !strings.Contains(prov.last, "Previous conversation") || !strings.Contains(prov.last, "q1") {
		t.Fatalf("rebuilt session must carry prior context, prompt=%q", prov.last)
	}
	if _, ok := reg.LookupUser(rec.ThreadID, "u1"); !ok {
		t.Fatalf("expected in-memory session rebuilt")
	}
}

func TestThreadMessageFromParticipant(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, _ := newTestEngine(t, &stubProvider{reply: "sure"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")

	in := inbound("u1", rec.ThreadID, "help me")
	if err := eng.HandleThreadMessage(ctx, in); err != nil {
		t.Fatalf("thread message: %v", err)
	}
	if !strings.Contains(gw.lastText(), "sure") {
		t.Fatalf("expected answer in thread, got %q", gw.lastText())
	}
}

func TestThreadMessageFromStrangerPrompts(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")

	if err := eng.HandleThreadMessage(ctx, inbound("u2", rec.ThreadID, "me too")); err != nil {
		t.Fatalf("thread message: %v", err)
	}
	if len(gw.embeds) != 1 || !strings.Contains(gw.embeds[0], "Session Expired") {
		t.Fatalf("expected expired/join prompt, got %v", gw.embeds)
	}
}

type fakeLimiter struct {
	mu       sync.Mutex
	prompted map[string]bool
}

func (f *fakeLimiter) AllowAsk(ctx context.Context, userID string, cooldown time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeLimiter) MarkJoinPrompted(ctx context.Context, threadID, userID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prompted == nil {
		f.prompted = map[string]bool{}
	}
	key := threadID + ":" + userID
	if f.prompted[key] {
		return false, nil
	}
	f.prompted[key] = true
	return true, nil
}

func (f *fakeLimiter) ClearJoinPrompt(ctx context.Context, threadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prompted, threadID+":"+userID)
	return nil
}

func TestStrangerPromptDeduplicated(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, _ := newTestEngine(t, &stubProvider{reply: "ok"})
	eng.limiter = &fakeLimiter{}

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")

	for i := 0; i < 3; i++ {
		if err := eng.HandleThreadMessage(ctx, inbound("u2", rec.ThreadID, "me too")); err != nil {
			t.Fatalf("thread message: %v", err)
		}
	}
	if len(gw.embeds) != 1 {
		t.Fatalf("repeat messages must not re-prompt, got %v", gw.embeds)
	}
}

func TestThreadMessageOutsideKnownThreadsIgnored(t *testing.T) {
	ctx := context.Background()
	eng, gw, _, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.HandleThreadMessage(ctx, inbound("u1", "random-channel", "hi")); err != nil {
		t.Fatalf("thread message: %v", err)
	}
	if len(gw.texts()) != 0 || len(gw.embeds) != 0 {
		t.Fatalf("messages outside tutoring threads must be ignored")
	}
}

func TestEndSessionFlow(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, reg := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")

	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, err := repo.FindActiveSession(ctx, "u1", ""); err == nil {
		t.Fatalf("expected no active record after end")
	}
	if _, ok := reg.Get(rec.ThreadID); ok {
		t.Fatalf("expected empty session dropped from registry")
	}
	if !strings.Contains(gw.lastText(), "/feedback") {
		t.Fatalf("expected feedback prompt, got %q", gw.lastText())
	}
}

func TestEndSessionWithoutActive(t *testing.T) {
	ctx := context.Background()
	eng, gw, _, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !strings.Contains(gw.lastText(), "don't have an active session") {
		t.Fatalf("expected guidance, got %q", gw.lastText())
	}
}

func TestEndSessionDurableOnly(t *testing.T) {
	ctx := context.Background()
	eng, _, repo, reg := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")
	reg.Remove(rec.ThreadID) // restart: durable record only

	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := repo.FindActiveSession(ctx, "u1", ""); err == nil {
		t.Fatalf("durable-only end must close the record")
	}
}

func TestEndSessionAfterUserSwept(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, reg := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")

	// The thread session survives but the user's in-memory session was
	// evicted by the inactivity sweep.
	reg.EvictUser(rec.ThreadID, "u1")

	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, err := repo.FindActiveSession(ctx, "u1", ""); err == nil {
		t.Fatalf("durable record must be closed even without an in-memory user session")
	}
	if !strings.Contains(gw.lastText(), "Your session has ended") {
		t.Fatalf("expected close confirmation, got %q", gw.lastText())
	}

	// A fresh start must now succeed instead of reporting a live session.
	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := repo.FindActiveSession(ctx, "u1", ""); err != nil {
		t.Fatalf("expected new active record after restart: %v", err)
	}
}

func TestResumeReactivatesEndedSession(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, reg := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")
	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}

	if err := eng.Resume(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("resume: %v", err)
	}

	again, err := repo.FindActiveSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("expected active record after resume: %v", err)
	}
	if again.SessionID != rec.SessionID {
		t.Fatalf("resume must reactivate the same record, got %s want %s", again.SessionID, rec.SessionID)
	}
	if _, ok := reg.LookupUser(again.ThreadID, "u1"); !ok {
		t.Fatalf("expected in-memory session rebuilt")
	}
	var welcomedBack bool
	for _, s := range gw.texts() {
		if strings.Contains(s, "Welcome back") {
			welcomedBack = true
		}
	}
	if !welcomedBack {
		t.Fatalf("expected welcome-back notice, got %v", gw.texts())
	}
}

func TestResumeUnarchivesThread(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, reg := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")
	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Thread fell out of the active list and got archived.
	gw.mu.Lock()
	gw.archived = gw.threads
	gw.threads = nil
	gw.mu.Unlock()

	if err := eng.Resume(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("resume: %v", err)
	}

	gw.mu.Lock()
	liveThreads := len(gw.threads)
	archivedThreads := len(gw.archived)
	gw.mu.Unlock()
	if liveThreads != 1 || archivedThreads != 0 {
		t.Fatalf("expected thread unarchived, live=%d archived=%d", liveThreads, archivedThreads)
	}

	again, _ := repo.FindActiveSession(ctx, "u1", "")
	if again.ThreadID != rec.ThreadID {
		t.Fatalf("unarchived resume must keep the thread id")
	}
	if _, ok := reg.Get(rec.ThreadID); !ok {
		t.Fatalf("expected session registered under original thread")
	}
}

func TestResumeRecreatesLostThread(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ := repo.FindActiveSession(ctx, "u1", "")
	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Thread is gone entirely (deleted on the platform).
	gw.mu.Lock()
	gw.threads = nil
	gw.archived = nil
	gw.mu.Unlock()

	if err := eng.Resume(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("resume: %v", err)
	}

	again, err := repo.FindActiveSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("expected active record: %v", err)
	}
	if again.ThreadID == rec.ThreadID {
		t.Fatalf("expected a fresh thread id after recreation")
	}
}

func TestResumeWithNoHistory(t *testing.T) {
	ctx := context.Background()
	eng, gw, _, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.Resume(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !strings.Contains(gw.lastText(), "couldn't find a previous session") {
		t.Fatalf("expected no-history notice, got %q", gw.lastText())
	}
}

func TestResumeAlreadyActiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, gw, _, reg := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := reg.Len()

	if err := eng.Resume(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if reg.Len() != before {
		t.Fatalf("idempotent resume must not create sessions")
	}
	if !strings.Contains(gw.lastText(), "already active") {
		t.Fatalf("expected already-active notice, got %q", gw.lastText())
	}
}

func TestFeedbackValidation(t *testing.T) {
	ctx := context.Background()
	eng, gw, repo, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}

	if err := eng.Feedback(ctx, inbound("u1", "c1", ""), 6); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if !strings.Contains(gw.lastText(), "between 1 and 5") {
		t.Fatalf("expected validation notice, got %q", gw.lastText())
	}

	if err := eng.Feedback(ctx, inbound("u1", "c1", ""), 5); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	pending, err := repo.PendingFeedback(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("rated session must leave the pending list, got %v", pending)
	}
}

func TestPendingFeedbackSummary(t *testing.T) {
	ctx := context.Background()
	eng, gw, _, _ := newTestEngine(t, &stubProvider{reply: "ok"})

	if err := eng.PendingFeedback(ctx, inbound("admin", "c1", "")); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(gw.lastText(), "Everyone has submitted feedback") {
		t.Fatalf("expected all-clear, got %q", gw.lastText())
	}

	if err := eng.StartSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := eng.EndSession(ctx, inbound("u1", "c1", "")); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := eng.PendingFeedback(ctx, inbound("admin", "c1", "")); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(gw.lastText(), "user-u1") {
		t.Fatalf("expected u1 listed, got %q", gw.lastText())
	}
}

func TestTurnsFromEntriesPairsRoles(t *testing.T) {
	entries := []store.ConversationEntry{
		{Role: store.RoleUser, Message: "q1"},
		{Role: store.RoleAssistant, Message: "a1"},
		{Role: store.RoleUser, Message: "q2"},
	}
	turns := turnsFromEntries(entries)
	if len(turns) != 1 || turns[0].Prompt != "q1" || turns[0].Response != "a1" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
}
