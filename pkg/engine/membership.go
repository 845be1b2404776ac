package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Membership tracks live engine instances through heartbeats persisted
// in the service registry. An instance that misses heartbeats for the
// grace period is considered dead, marked DOWN, and eventually purged
// after the retention window.
type Membership struct {
	store      ServiceRegistry
	instanceID string
	hostname   string

	interval  time.Duration
	grace     time.Duration
	retention time.Duration

	logger zerolog.Logger

	// onChange is invoked with the new sorted live view whenever it
	// differs from the previous tick's view.
	onChange func(live []string)

	lastView []string
}

// MembershipConfig configures the membership service.
type MembershipConfig struct {
	InstanceID string
	Hostname   string

	// HeartbeatInterval is how often this instance refreshes its
	// record. Default 5s.
	HeartbeatInterval time.Duration

	// GracePeriod is how long a record may go without a heartbeat
	// before the instance is presumed dead. Default 2x the heartbeat
	// interval.
	GracePeriod time.Duration

	// Retention is how long DOWN records are kept before purging.
	// Default 24h.
	Retention time.Duration
}

// NewMembership creates the membership service.
func NewMembership(store ServiceRegistry, cfg MembershipConfig, logger zerolog.Logger, onChange func([]string)) *Membership {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * cfg.HeartbeatInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Membership{
		store:      store,
		instanceID: cfg.InstanceID,
		hostname:   cfg.Hostname,
		interval:   cfg.HeartbeatInterval,
		grace:      cfg.GracePeriod,
		retention:  cfg.Retention,
		logger:     logger.With().Str("component", "membership").Logger(),
		onChange:   onChange,
	}
}

// Run heartbeats until the context is cancelled. It fires the change
// callback once at startup with the initial view.
func (m *Membership) Run(ctx context.Context) error {
	if err := m.tick(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				// Heartbeat failures are transient store errors more
				// often than not; keep going and let liveness decide.
				m.logger.Warn().Err(err).Msg("membership tick failed")
			}
		}
	}
}

// tick refreshes this instance's record, recomputes the live view and
// notifies on change.
func (m *Membership) tick(ctx context.Context) error {
	if err := m.store.Heartbeat(ctx, m.instanceID, m.hostname); err != nil {
		return err
	}

	live, err := m.refreshView(ctx)
	if err != nil {
		return err
	}

	if _, err := m.store.PurgeEngines(ctx, m.retention); err != nil {
		m.logger.Warn().Err(err).Msg("purging dead engine records failed")
	}

	if !equalViews(m.lastView, live) {
		m.logger.Info().Strs("live", live).Msg("membership view changed")
		m.lastView = live
		if m.onChange != nil {
			m.onChange(live)
		}
	}
	return nil
}

// refreshView lists records, marks overdue instances DOWN and returns
// the sorted live instance IDs.
func (m *Membership) refreshView(ctx context.Context) ([]string, error) {
	records, err := m.store.ListEngines(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var live []string
	for _, r := range records {
		if now.Sub(r.LastHeartbeat) > m.grace {
			if r.Status != EngineStatusDown {
				m.logger.Warn().Str("engine", r.ID).Msg("engine missed heartbeats, marking DOWN")
				if err := m.store.MarkEngineDown(ctx, r.ID); err != nil {
					m.logger.Warn().Err(err).Str("engine", r.ID).Msg("marking engine DOWN failed")
				}
			}
			continue
		}
		if r.Status == EngineStatusUp {
			live = append(live, r.ID)
		}
	}
	sort.Strings(live)
	return live, nil
}

// LiveInstances returns the current live view without side effects on
// other records.
func (m *Membership) LiveInstances(ctx context.Context) ([]string, error) {
	records, err := m.store.ListEngines(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var live []string
	for _, r := range records {
		if r.Status == EngineStatusUp && now.Sub(r.LastHeartbeat) <= m.grace {
			live = append(live, r.ID)
		}
	}
	sort.Strings(live)
	return live, nil
}

// IsAlive reports whether the given instance has heartbeated within
// the grace period.
func (m *Membership) IsAlive(ctx context.Context, instanceID string) (bool, error) {
	records, err := m.store.ListEngines(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, r := range records {
		if r.ID == instanceID {
			return r.Status == EngineStatusUp && now.Sub(r.LastHeartbeat) <= m.grace, nil
		}
	}
	return false, nil
}

// InstanceID returns this instance's identifier.
func (m *Membership) InstanceID() string {
	return m.instanceID
}

func equalViews(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
