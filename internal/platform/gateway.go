// Package platform wraps the messaging-platform REST surface the bot consumes.
// Callers treat it as a capability set (send, create thread, fetch user);
// transport errors degrade to ErrNotFound / ErrForbidden so call sites can
// skip the action instead of crashing.
package platform

import "context"

// Embed is the rich-content form of an outbound message.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// Thread is a handle to a scoped sub-channel where one tutoring conversation
// lives.
type Thread struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
	Archived bool   `json:"-"`
}

// User is a platform account handle.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Gateway is the capability surface consumed from the chat platform.
type Gateway interface {
	// SendMessage posts text to a channel or thread and returns the created
	// message id (used to delete transient "thinking" notices).
	SendMessage(ctx context.Context, channelID, text string) (messageID string, err error)
	SendEmbed(ctx context.Context, channelID string, embed Embed) (messageID string, err error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	SendDM(ctx context.Context, userID, text string) error
	SendDMEmbed(ctx context.Context, userID string, embed Embed) error

	CreateThread(ctx context.Context, parentChannelID, name string) (*Thread, error)
	ListActiveThreads(ctx context.Context, guildID string) ([]Thread, error)
	ListArchivedThreads(ctx context.Context, channelID string) ([]Thread, error)
	UnarchiveThread(ctx context.Context, threadID string) error
	AddThreadMember(ctx context.Context, threadID, userID string) error

	FetchUser(ctx context.Context, userID string) (*User, error)
}
