package presence

import (
	"context"
	"log/slog"
	"time"

	"chat-gateway/internal/scheduler"
)

// Store persists presence records with a TTL so they self-heal after a
// gateway restart.
type Store interface {
	SetOnline(ctx context.Context, userID string, ttl time.Duration) error
	SetOffline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string, ttl time.Duration) error
}

// Manager tracks online/offline per user. The offline transition is
// debounced: it is scheduled after a grace window and re-checks the live
// connection count at fire time, so a quick reconnect never flaps presence.
type Manager struct {
	store     Store
	sched     *scheduler.Scheduler
	liveConns func(userID string) int
	ttl       time.Duration
	grace     time.Duration
	log       *slog.Logger
}

func NewManager(store Store, sched *scheduler.Scheduler, liveConns func(userID string) int, ttl, grace time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		sched:     sched,
		liveConns: liveConns,
		ttl:       ttl,
		grace:     grace,
		log:       log,
	}
}

func offlineKey(userID string) string {
	return "presence-offline:" + userID
}

// Connected marks the user online. Always safe to call, and cancels any
// pending grace-delayed offline task for the user.
func (m *Manager) Connected(ctx context.Context, userID string) error {
	if m.sched.Cancel(offlineKey(userID)) {
		m.log.Debug("Cancelled pending offline transition", "userID", userID)
	}
	return m.store.SetOnline(ctx, userID, m.ttl)
}

// Disconnected schedules the offline transition after the grace window. If
// another connection for the user appears before the task fires, the
// re-check skips the transition.
func (m *Manager) Disconnected(userID string) {
	m.sched.Schedule(offlineKey(userID), m.grace, func() {
		if m.liveConns(userID) > 0 {
			m.log.Debug("User reconnected within grace window, staying online", "userID", userID)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.store.SetOffline(ctx, userID); err != nil {
			m.log.Error("Failed to set user offline", "userID", userID, "error", err)
			return
		}
		m.log.Info("User went offline", "userID", userID)
	})
}

// Refresh extends the online record's TTL, called on heartbeat.
func (m *Manager) Refresh(ctx context.Context, userID string) error {
	return m.store.Refresh(ctx, userID, m.ttl)
}
