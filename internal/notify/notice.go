// Package notify is the durable outbox for background notices (inactivity
// warnings, session closures, feedback reminders). The durable state change
// always happens before a notice is published, so a delivery failure can
// never leave a session record inconsistent; delivery is retried by the
// notifier worker via the retry queue.
package notify

import (
	"github.com/schrodylab/schrody/internal/platform"
)

type Kind string

const (
	// KindDM is delivered to the user's direct channel.
	KindDM Kind = "dm"
	// KindThread is delivered into a thread or channel.
	KindThread Kind = "thread"
)

// Notice is one queued outbound notification.
type Notice struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	TargetID string          `json:"target_id"` // user id for dm, channel id for thread
	Text     string          `json:"text,omitempty"`
	Embed    *platform.Embed `json:"embed,omitempty"`
}
