package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/schrodylab/schrody/internal/notify"
	"github.com/schrodylab/schrody/internal/store"
)

// FeedbackStore is the slice of the durable store the reminder loop needs.
type FeedbackStore interface {
	PendingFeedback(ctx context.Context) ([]store.SessionRecord, error)
	MarkFeedbackReminded(ctx context.Context, sessionID string) error
}

// FeedbackReminder nudges users who ended a session without rating it.
// Each session produces at most one reminder.
type FeedbackReminder struct {
	store    FeedbackStore
	queue    NoticeQueue
	interval time.Duration
	log      zerolog.Logger

	running atomic.Bool
}

func NewFeedbackReminder(st FeedbackStore, queue NoticeQueue, interval time.Duration, log zerolog.Logger) *FeedbackReminder {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &FeedbackReminder{store: st, queue: queue, interval: interval, log: log}
}

func (f *FeedbackReminder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

func (f *FeedbackReminder) Tick(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		f.log.Warn().Msg("previous feedback sweep still running, skipping tick")
		return
	}
	defer f.running.Store(false)

	recs, err := f.store.PendingFeedback(ctx)
	if err != nil {
		f.log.Error().Err(err).Msg("loading pending feedback failed")
		return
	}

	for _, rec := range recs {
		if rec.FeedbackReminded {
			continue
		}
		// Mark before publishing so a delivery retry can never double-remind
		// from this loop.
		if err := f.store.MarkFeedbackReminded(ctx, rec.SessionID); err != nil {
			f.log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("marking reminder failed, skipping")
			continue
		}
		err := f.queue.Publish(ctx, notify.Notice{
			Kind:     notify.KindDM,
			TargetID: rec.UserID,
			Text:     "🔔 Reminder: Schrody is waiting for your feedback! Please use `/feedback <1-5>`.",
		})
		if err != nil {
			f.log.Warn().Err(err).Str("user_id", rec.UserID).Msg("feedback reminder publish failed")
		}
	}
}
