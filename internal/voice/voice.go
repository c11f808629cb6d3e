package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrNotInVoice = errors.New("user not in voice channel")

// Participant is one member of a voice channel roster.
type Participant struct {
	UserID     string    `json:"user_id"`
	Handle     string    `json:"handle"`
	SelfMute   bool      `json:"self_mute"`
	SelfDeaf   bool      `json:"self_deaf"`
	ServerMute bool      `json:"server_mute"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Event is a roster change broadcast to channel subscribers.
type Event struct {
	Action      string      `json:"action"` // "join", "leave" or "update"
	ChannelID   string      `json:"channel_id"`
	Participant Participant `json:"participant"`
}

// Store persists rosters and the user→channel reverse pointer with TTLs.
type Store interface {
	// Participant returns nil without error when the user is not in the roster.
	Participant(ctx context.Context, channelID, userID string) (*Participant, error)
	Roster(ctx context.Context, channelID string) ([]Participant, error)
	Upsert(ctx context.Context, channelID string, p Participant, ttl time.Duration) error
	Remove(ctx context.Context, channelID, userID string) error
	// UserChannel returns "" when the user has no current voice channel.
	UserChannel(ctx context.Context, userID string) (string, error)
	SetUserChannel(ctx context.Context, userID, channelID string, ttl time.Duration) error
	// ClearUserChannel removes the pointer only if it still references channelID.
	ClearUserChannel(ctx context.Context, userID, channelID string) error
	Refresh(ctx context.Context, channelID, userID string, ttl time.Duration) error
}

// Broadcaster delivers roster events to the channel's subscribers.
// excludeConnID suppresses the echo to the connection that caused the event.
type Broadcaster interface {
	VoiceEvent(channelID string, ev Event, excludeConnID string)
}

// Manager owns the per-user voice state machine: NotInVoice ⇄ InVoice(channel),
// never more than one channel at a time.
type Manager struct {
	store       Store
	bc          Broadcaster
	ttl         time.Duration
	rejoinGrace time.Duration
	log         *slog.Logger
}

func NewManager(store Store, bc Broadcaster, ttl, rejoinGrace time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		store:       store,
		bc:          bc,
		ttl:         ttl,
		rejoinGrace: rejoinGrace,
		log:         log,
	}
}

// Join places the user in the channel's roster. If the reverse pointer
// references a different channel the user is first removed from it, with the
// leave broadcast emitted strictly before the join broadcast.
func (m *Manager) Join(ctx context.Context, channelID, userID, handle string, selfMute, selfDeaf bool, excludeConnID string) error {
	current, err := m.store.UserChannel(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve current voice channel: %w", err)
	}
	if current != "" && current != channelID {
		if err := m.Leave(ctx, current, userID); err != nil {
			m.log.Error("Implicit leave before join failed",
				"userID", userID, "from", current, "to", channelID, "error", err)
		}
	}

	p := Participant{
		UserID:   userID,
		Handle:   handle,
		SelfMute: selfMute,
		SelfDeaf: selfDeaf,
		JoinedAt: time.Now(),
	}

	if err := m.store.Upsert(ctx, channelID, p, m.ttl); err != nil {
		return fmt.Errorf("store voice participant: %w", err)
	}
	if err := m.store.SetUserChannel(ctx, userID, channelID, m.ttl); err != nil {
		return fmt.Errorf("store voice pointer: %w", err)
	}

	m.bc.VoiceEvent(channelID, Event{Action: "join", ChannelID: channelID, Participant: p}, excludeConnID)
	m.log.Info("User joined voice channel", "userID", userID, "channelID", channelID)
	return nil
}

// Leave removes the user from the roster and clears the reverse pointer only
// if it still references this channel, so a join that raced ahead during an
// awaited call is never clobbered.
func (m *Manager) Leave(ctx context.Context, channelID, userID string) error {
	p, err := m.store.Participant(ctx, channelID, userID)
	if err != nil {
		return fmt.Errorf("load voice participant: %w", err)
	}
	if p == nil {
		return ErrNotInVoice
	}

	if err := m.store.Remove(ctx, channelID, userID); err != nil {
		return fmt.Errorf("remove voice participant: %w", err)
	}
	if err := m.store.ClearUserChannel(ctx, userID, channelID); err != nil {
		m.log.Error("Failed to clear voice pointer", "userID", userID, "channelID", channelID, "error", err)
	}

	m.bc.VoiceEvent(channelID, Event{Action: "leave", ChannelID: channelID, Participant: *p}, "")
	m.log.Info("User left voice channel", "userID", userID, "channelID", channelID)
	return nil
}

// Update mutates mute/deafen flags. A no-op when the user is not in the
// roster.
func (m *Manager) Update(ctx context.Context, channelID, userID string, selfMute, selfDeaf bool) error {
	p, err := m.store.Participant(ctx, channelID, userID)
	if err != nil {
		return fmt.Errorf("load voice participant: %w", err)
	}
	if p == nil {
		return nil
	}

	p.SelfMute = selfMute
	p.SelfDeaf = selfDeaf
	if err := m.store.Upsert(ctx, channelID, *p, m.ttl); err != nil {
		return fmt.Errorf("store voice participant: %w", err)
	}

	m.bc.VoiceEvent(channelID, Event{Action: "update", ChannelID: channelID, Participant: *p}, "")
	return nil
}

// CleanupDisconnect removes the user from any roster a closed connection may
// have left them in. Candidates come from both the connection's last-known
// subscriptions and the reverse pointer, which may be more current. Entries
// younger than the rejoin grace are skipped: the user has almost certainly
// rejoined through a new connection racing this cleanup. Per-channel failures
// never abort the sweep; they are joined and returned for the caller to log.
func (m *Manager) CleanupDisconnect(ctx context.Context, userID string, subscribed []string) error {
	candidates := make(map[string]struct{}, len(subscribed)+1)
	for _, channelID := range subscribed {
		candidates[channelID] = struct{}{}
	}

	var errs []error
	if current, err := m.store.UserChannel(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("resolve voice pointer: %w", err))
	} else if current != "" {
		candidates[current] = struct{}{}
	}

	for channelID := range candidates {
		p, err := m.store.Participant(ctx, channelID, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup %s: %w", channelID, err))
			continue
		}
		if p == nil {
			continue
		}
		if time.Since(p.JoinedAt) < m.rejoinGrace {
			m.log.Debug("Skipping voice cleanup, entry within rejoin grace",
				"userID", userID, "channelID", channelID)
			continue
		}
		if err := m.Leave(ctx, channelID, userID); err != nil && !errors.Is(err, ErrNotInVoice) {
			errs = append(errs, fmt.Errorf("leave %s: %w", channelID, err))
		}
	}
	return errors.Join(errs...)
}

// Refresh extends the roster entry's and pointer's TTL, called on heartbeat.
func (m *Manager) Refresh(ctx context.Context, userID string) error {
	channelID, err := m.store.UserChannel(ctx, userID)
	if err != nil {
		return err
	}
	if channelID == "" {
		return nil
	}
	return m.store.Refresh(ctx, channelID, userID, m.ttl)
}
