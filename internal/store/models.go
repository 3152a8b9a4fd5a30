package store

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionRecord is the durable lifecycle state of one tutoring session. It is
// never physically deleted; closed sessions are kept for feedback tracking and
// resume.
type SessionRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`

	UserID   string `gorm:"type:varchar(32);not null;index:idx_session_user_thread,priority:1" json:"user_id"`
	Username string `gorm:"type:varchar(64);not null" json:"username"`
	ThreadID string `gorm:"type:varchar(32);index:idx_session_user_thread,priority:2" json:"thread_id"`

	StartTime    time.Time  `json:"start_time"`
	LastActivity time.Time  `json:"last_activity"`
	EndTime      *time.Time `json:"end_time,omitempty"`

	Active             bool `gorm:"index;not null" json:"active"`
	ThreadReminderSent bool `gorm:"not null" json:"thread_reminder_sent"`
	DMWarningSent      bool `gorm:"not null" json:"dm_warning_sent"`
	FeedbackGiven      bool `gorm:"not null" json:"feedback_given"`
	FeedbackReminded   bool `gorm:"not null" json:"-"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (SessionRecord) TableName() string { return "sessions" }

// ConversationEntry is one append-only turn half (a user prompt or an
// assistant reply). Entries are only appended or bulk-deleted on an explicit
// context clear; insertion order is the retrieval order.
type ConversationEntry struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"type:varchar(32);index;not null" json:"user_id"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (ConversationEntry) TableName() string { return "conversations" }

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type FeedbackEntry struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"type:varchar(32);index;not null" json:"user_id"`
	Rating    int       `gorm:"not null" json:"rating"`
	CreatedAt time.Time `json:"created_at"`
}

func (FeedbackEntry) TableName() string { return "feedback" }

// User mirrors the platform account so pending-feedback listings can show
// usernames without a platform round trip.
type User struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DiscordID string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"discord_id"`
	Username  string    `gorm:"type:varchar(64);not null" json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// NewSessionID allocates a lexically sortable session record id.
func NewSessionID() string {
	return ulid.Make().String()
}
