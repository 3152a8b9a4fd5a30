package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrDuplicateActiveSession is returned by StartSession when the (user,
// thread) pair already has an active record. At most one active record per
// pair may exist at any time.
var ErrDuplicateActiveSession = errors.New("store: user already has an active session")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// AutoMigrate creates/updates the schema for every durable record type.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionRecord{}, &ConversationEntry{}, &FeedbackEntry{}, &User{})
}

// EnsureUser upserts the platform account mirror.
func (r *Repo) EnsureUser(ctx context.Context, discordID, username string) error {
	var u User
	err := r.db.WithContext(ctx).Where("discord_id = ?", discordID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(&User{DiscordID: discordID, Username: username}).Error
	}
	if err != nil {
		return err
	}
	if u.Username != username {
		return r.db.WithContext(ctx).Model(&u).Update("username", username).Error
	}
	return nil
}

// StartSession inserts a new active record, rejecting the insert when the
// user already holds one anywhere. This is the enforcement point for the
// active-record invariant. The check-then-insert has no DB-level guard:
// two simultaneous starts for the same user can both pass the check, so
// callers must not issue concurrent starts for one user.
func (r *Repo) StartSession(ctx context.Context, rec *SessionRecord) error {
	existing, err := r.FindActiveSession(ctx, rec.UserID, "")
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if existing != nil {
		return ErrDuplicateActiveSession
	}

	now := time.Now().UTC()
	if rec.SessionID == "" {
		rec.SessionID = NewSessionID()
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = now
	}
	if rec.LastActivity.IsZero() {
		rec.LastActivity = now
	}
	rec.Active = true
	return r.db.WithContext(ctx).Create(rec).Error
}

// FindActiveSession returns the user's active record, optionally narrowed to
// one thread. Absence is gorm.ErrRecordNotFound.
func (r *Repo) FindActiveSession(ctx context.Context, userID, threadID string) (*SessionRecord, error) {
	q := r.db.WithContext(ctx).Where("user_id = ? AND active = ?", userID, true)
	if threadID != "" {
		q = q.Where("thread_id = ?", threadID)
	}
	var rec SessionRecord
	if err := q.First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindLatestSession returns the user's most recent record regardless of state.
func (r *Repo) FindLatestSession(ctx context.Context, userID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_time DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindActiveSessions returns every active record, for the inactivity sweep.
func (r *Repo) FindActiveSessions(ctx context.Context) ([]SessionRecord, error) {
	var recs []SessionRecord
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// TouchActivity refreshes last_activity and re-arms both notice stages. Runs
// on every inbound message; last-writer-wins is fine because each write owns
// exactly these fields.
func (r *Repo) TouchActivity(ctx context.Context, userID, threadID string) error {
	q := r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("user_id = ? AND active = ?", userID, true)
	if threadID != "" {
		q = q.Where("thread_id = ?", threadID)
	}
	return q.Updates(map[string]any{
		"last_activity":        time.Now().UTC(),
		"thread_reminder_sent": false,
		"dm_warning_sent":      false,
	}).Error
}

// EndSession closes the user's active record(s), optionally narrowed to one
// thread. Safe to call when none is active.
func (r *Repo) EndSession(ctx context.Context, userID, threadID string) error {
	q := r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("user_id = ? AND active = ?", userID, true)
	if threadID != "" {
		q = q.Where("thread_id = ?", threadID)
	}
	now := time.Now().UTC()
	return q.Updates(map[string]any{
		"active":   false,
		"end_time": now,
	}).Error
}

// ReactivateSession flips a closed record back to active for the resume path.
// Callers must have verified the user has no other active record.
func (r *Repo) ReactivateSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"active":        true,
			"end_time":      nil,
			"last_activity": time.Now().UTC(),
		}).Error
}

// UpdateSessionThread rebinds a record to a (new) thread, used when resume has
// to create a fresh thread.
func (r *Repo) UpdateSessionThread(ctx context.Context, sessionID, threadID string) error {
	return r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Update("thread_id", threadID).Error
}

// MarkThreadReminderSent and MarkDMWarningSent each write only the field they
// own, so monitor writes and activity refreshes may interleave freely.
func (r *Repo) MarkThreadReminderSent(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("user_id = ? AND active = ?", userID, true).
		Update("thread_reminder_sent", true).Error
}

func (r *Repo) MarkDMWarningSent(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("user_id = ? AND active = ?", userID, true).
		Update("dm_warning_sent", true).Error
}

func (r *Repo) AppendConversation(ctx context.Context, userID, role, message string) error {
	return r.db.WithContext(ctx).Create(&ConversationEntry{
		UserID:  userID,
		Role:    role,
		Message: message,
	}).Error
}

// RecentConversation returns the user's most recent entries, oldest first.
func (r *Repo) RecentConversation(ctx context.Context, userID string, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var entries []ConversationEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (r *Repo) ClearConversation(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&ConversationEntry{}).Error
}

// LogFeedback stores the rating and marks the user's sessions as rated.
func (r *Repo) LogFeedback(ctx context.Context, userID string, rating int) error {
	if err := r.db.WithContext(ctx).Create(&FeedbackEntry{UserID: userID, Rating: rating}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("user_id = ? AND feedback_given = ?", userID, false).
		Update("feedback_given", true).Error
}

// PendingFeedback lists ended sessions whose users never rated them.
func (r *Repo) PendingFeedback(ctx context.Context) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := r.db.WithContext(ctx).
		Where("active = ? AND feedback_given = ?", false, false).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *Repo) MarkFeedbackReminded(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Update("feedback_reminded", true).Error
}

// Stats is the ops-API snapshot of collection sizes.
type Stats struct {
	Users          int64 `json:"users"`
	Sessions       int64 `json:"sessions"`
	ActiveSessions int64 `json:"active_sessions"`
	Conversations  int64 `json:"conversations"`
	Feedback       int64 `json:"feedback"`
}

func (r *Repo) CollectStats(ctx context.Context) (*Stats, error) {
	var s Stats
	db := r.db.WithContext(ctx)
	if err := db.Model(&User{}).Count(&s.Users).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&SessionRecord{}).Count(&s.Sessions).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&SessionRecord{}).Where("active = ?", true).Count(&s.ActiveSessions).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&ConversationEntry{}).Count(&s.Conversations).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&FeedbackEntry{}).Count(&s.Feedback).Error; err != nil {
		return nil, err
	}
	return &s, nil
}
