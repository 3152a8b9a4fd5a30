package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/schrodylab/schrody/internal/notify"
	"github.com/schrodylab/schrody/internal/platform"
	"github.com/schrodylab/schrody/internal/store"
)

// MonitorStore is the slice of the durable store the monitor drives.
type MonitorStore interface {
	FindActiveSessions(ctx context.Context) ([]store.SessionRecord, error)
	EndSession(ctx context.Context, userID, threadID string) error
	MarkThreadReminderSent(ctx context.Context, userID string) error
	MarkDMWarningSent(ctx context.Context, userID string) error
}

// NoticeQueue publishes background notices to the durable outbox.
type NoticeQueue interface {
	Publish(ctx context.Context, n notify.Notice) error
}

// MonitorConfig carries the idle thresholds. Thresholds are measured from
// last true activity, never from an earlier notice.
type MonitorConfig struct {
	ReminderAfter time.Duration // thread reminder
	WarnAfter     time.Duration // direct warning
	CloseAfter    time.Duration // auto-close
	Interval      time.Duration // tick period
}

// Monitor periodically evaluates every active durable record against the idle
// thresholds and drives reminder -> warning -> close transitions. It never
// raises to its caller, and a tick never overlaps itself.
type Monitor struct {
	store    MonitorStore
	registry *Registry
	queue    NoticeQueue
	cfg      MonitorConfig
	log      zerolog.Logger

	running atomic.Bool
	now     func() time.Time
}

func NewMonitor(st MonitorStore, reg *Registry, queue NoticeQueue, cfg MonitorConfig, log zerolog.Logger) *Monitor {
	if cfg.ReminderAfter <= 0 {
		cfg.ReminderAfter = 5 * time.Minute
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = 15 * time.Minute
	}
	if cfg.CloseAfter <= 0 {
		cfg.CloseAfter = 30 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Monitor{
		store:    st,
		registry: reg,
		queue:    queue,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one sweep. If the previous tick is still running the new one is
// skipped, never run concurrently with itself.
func (m *Monitor) Tick(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.log.Warn().Msg("previous inactivity sweep still running, skipping tick")
		return
	}
	defer m.running.Store(false)

	recs, err := m.store.FindActiveSessions(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("loading active sessions failed")
		return
	}

	for _, rec := range recs {
		if err := m.evaluate(ctx, rec); err != nil {
			// One bad record must not abort the sweep.
			m.log.Warn().Err(err).Str("user_id", rec.UserID).Str("session_id", rec.SessionID).
				Msg("inactivity transition failed, continuing")
		}
	}

	m.registry.SweepInactive()
}

// evaluate applies the most severe transition the record qualifies for. A
// record that skipped straight past the close threshold (monitor was paused)
// closes directly without re-sending earlier-stage notices.
func (m *Monitor) evaluate(ctx context.Context, rec store.SessionRecord) error {
	last := rec.LastActivity
	if last.IsZero() {
		last = rec.StartTime
	}
	// No usable timestamp at all: assume inactive and close.
	elapsed := m.cfg.CloseAfter
	if !last.IsZero() {
		elapsed = m.now().Sub(last)
	}

	switch {
	case elapsed >= m.cfg.CloseAfter:
		return m.close(ctx, rec)
	case elapsed >= m.cfg.WarnAfter && !rec.DMWarningSent:
		return m.warn(ctx, rec)
	case elapsed >= m.cfg.ReminderAfter && !rec.ThreadReminderSent:
		return m.remind(ctx, rec)
	}
	return nil
}

func (m *Monitor) close(ctx context.Context, rec store.SessionRecord) error {
	// Durable close first; the notice may fail without consequence.
	if err := m.store.EndSession(ctx, rec.UserID, rec.ThreadID); err != nil {
		return err
	}
	m.registry.EvictUser(rec.ThreadID, rec.UserID)

	// Directly to the user: the thread relation may already be gone.
	err := m.queue.Publish(ctx, notify.Notice{
		Kind:     notify.KindDM,
		TargetID: rec.UserID,
		Text:     "⏳ Your tutoring session has ended due to inactivity. Please provide feedback with `/feedback <1-5>`.",
	})
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", rec.UserID).Msg("close notice publish failed")
	}
	m.log.Info().Str("user_id", rec.UserID).Str("session_id", rec.SessionID).Msg("session closed for inactivity")
	return nil
}

func (m *Monitor) warn(ctx context.Context, rec store.SessionRecord) error {
	if err := m.store.MarkDMWarningSent(ctx, rec.UserID); err != nil {
		return err
	}

	closeIn := int((m.cfg.CloseAfter - m.cfg.WarnAfter).Minutes())
	return m.queue.Publish(ctx, notify.Notice{
		Kind:     notify.KindDM,
		TargetID: rec.UserID,
		Embed: &platform.Embed{
			Title:       "⚠️ Inactivity Warning",
			Description: fmt.Sprintf("Your tutoring session will close in %d minutes due to inactivity.", closeIn),
			Color:       0xE67E22,
			Fields: []platform.EmbedField{
				{Name: "💡 Keep your session active:", Value: "Send a message in your session thread to continue learning!"},
			},
		},
	})
}

func (m *Monitor) remind(ctx context.Context, rec store.SessionRecord) error {
	// A reminder only makes sense while the user is held in memory; with no
	// live session there is nothing to remind.
	if _, ok := m.registry.LookupUser(rec.ThreadID, rec.UserID); !ok {
		return nil
	}

	if err := m.store.MarkThreadReminderSent(ctx, rec.UserID); err != nil {
		return err
	}

	closeIn := int((m.cfg.CloseAfter - m.cfg.ReminderAfter).Minutes())
	return m.queue.Publish(ctx, notify.Notice{
		Kind:     notify.KindThread,
		TargetID: rec.ThreadID,
		Embed: &platform.Embed{
			Title:       "💤 Are you still there?",
			Description: fmt.Sprintf("<@%s>, you've been inactive for a while.", rec.UserID),
			Color:       0xF1C40F,
			Fields: []platform.EmbedField{
				{Name: "⏰ Session will close in:", Value: fmt.Sprintf("%d minutes if no activity is detected", closeIn)},
				{Name: "💬 To continue:", Value: "Just send any message or question to keep your session active!"},
			},
		},
	})
}
