// Package session manages the set of engagement sessions tracked by the
// process. Each session owns an engagement.Driver; the manager persists
// snapshots and hands completions to a claim.Claimer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/engage/internal/claim"
	"github.com/goodtune/engage/internal/engagement"
	"github.com/goodtune/engage/internal/metrics"
	"github.com/goodtune/engage/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultThresholdSeconds is used when neither the caller nor the
	// configuration supplies a threshold.
	DefaultThresholdSeconds = 30

	// DefaultInactivityTimeout is how long a session may go without events
	// before it is discarded.
	DefaultInactivityTimeout = 10 * time.Minute

	// DefaultCleanupInterval is how often inactive sessions are swept.
	DefaultCleanupInterval = 1 * time.Minute

	// claimTimeout bounds one completion hand-off, including retries.
	claimTimeout = 2 * time.Minute

	// persistTimeout bounds a snapshot write.
	persistTimeout = 5 * time.Second
)

// ErrSessionNotFound is returned for tokens the manager is not tracking.
var ErrSessionNotFound = errors.New("session: not found")

var errManagerClosed = errors.New("session manager is closed")

// Config holds manager configuration
type Config struct {
	DefaultThreshold  int64
	TickInterval      time.Duration
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	Clock             engagement.Clock
}

// Manager tracks engagement sessions by token
type Manager struct {
	store             storage.Store
	verified          *verifiedTokens
	claimer           claim.Claimer
	clock             engagement.Clock
	defaultThreshold  int64
	tickInterval      time.Duration
	inactivityTimeout time.Duration
	logger            zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	// starting collapses concurrent Starts of one token while the store
	// lookup runs outside mu.
	starting singleflight.Group

	claimWG     sync.WaitGroup
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewManager creates a session manager and starts its cleanup loop.
func NewManager(store storage.Store, claimer claim.Claimer, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = DefaultThresholdSeconds
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = engagement.DefaultTickInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = engagement.SystemClock
	}
	if claimer == nil {
		claimer = claim.NopClaimer{Logger: logger}
	}

	m := &Manager{
		store:             store,
		verified:          newVerifiedTokens(store.Verifications()),
		claimer:           claimer,
		clock:             cfg.Clock,
		defaultThreshold:  cfg.DefaultThreshold,
		tickInterval:      cfg.TickInterval,
		inactivityTimeout: cfg.InactivityTimeout,
		logger:            logger.With().Str("component", "session-manager").Logger(),
		sessions:          make(map[string]*session),
		stopCleanup:       make(chan struct{}),
		cleanupDone:       make(chan struct{}),
	}

	go m.cleanupLoop(cfg.CleanupInterval)

	return m
}

// DefaultThreshold returns the threshold applied when a caller supplies none.
func (m *Manager) DefaultThreshold() int64 {
	return m.defaultThreshold
}

// Verifications returns the verification store as seen by this manager: the
// durable store plus completions whose durable write failed.
func (m *Manager) Verifications() storage.VerificationStore {
	return m.verified
}

// Start begins tracking a session. Starting a token that is already tracked
// returns the existing session unchanged.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (Info, error) {
	token := opts.SessionToken
	if token == "" {
		token = uuid.NewString()
	}
	threshold := opts.ThresholdSeconds
	if threshold == 0 {
		threshold = m.defaultThreshold
	}

	if info, ok, err := m.lookup(token); ok || err != nil {
		return info, err
	}

	v, err, _ := m.starting.Do(token, func() (interface{}, error) {
		return m.start(ctx, token, threshold, opts.PageVisible)
	})
	if err != nil {
		return Info{}, err
	}
	return v.(Info), nil
}

// lookup returns the tracked session for token, if any.
func (m *Manager) lookup(token string) (Info, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Info{}, false, errManagerClosed
	}
	if existing, ok := m.sessions[token]; ok {
		return existing.info(), true, nil
	}
	return Info{}, false, nil
}

// start builds and registers a new session. Store calls happen outside mu;
// the starting group guarantees no other start of token runs concurrently.
func (m *Manager) start(ctx context.Context, token string, threshold int64, pageVisible bool) (Info, error) {
	// A Start that finished between lookup and Do already registered token
	if info, ok, err := m.lookup(token); ok || err != nil {
		return info, err
	}

	timer, err := engagement.New(ctx, m.verified, engagement.Config{
		SessionToken:     token,
		ThresholdSeconds: threshold,
		PageVisible:      pageVisible,
	}, m.logger)
	if err != nil {
		return Info{}, err
	}

	now := m.clock.Now()
	s := &session{
		startedAt:    now,
		lastActivity: now,
		// A token that was verified before never claims again
		claimed: timer.State().Completed,
	}
	s.driver = engagement.NewDriver(timer, engagement.DriverConfig{
		Clock:    m.clock,
		Interval: m.tickInterval,
		OnTick:   m.tickHandler(token),
	}, m.logger)

	info := s.info()
	m.persist(ctx, info, true)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.driver.Stop()
		m.persist(ctx, info, false)
		return Info{}, errManagerClosed
	}
	if existing, ok := m.sessions[token]; ok {
		m.mu.Unlock()
		s.driver.Stop()
		return existing.info(), nil
	}
	m.sessions[token] = s
	metrics.ActiveSessions.Inc()
	m.mu.Unlock()

	m.logger.Info().
		Str("session_token", token).
		Int64("threshold_seconds", threshold).
		Bool("completed", info.Completed).
		Msg("Started engagement session")

	return info, nil
}

// SetPlaying records a play/pause event for token.
func (m *Manager) SetPlaying(token string, playing bool) (Info, error) {
	return m.update(token, func(d *engagement.Driver) { d.SetPlaying(playing) })
}

// SetPageVisible records a visibility change for token.
func (m *Manager) SetPageVisible(token string, visible bool) (Info, error) {
	return m.update(token, func(d *engagement.Driver) { d.SetPageVisible(visible) })
}

func (m *Manager) update(token string, apply func(*engagement.Driver)) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, token)
	}

	s.lastActivity = m.clock.Now()
	apply(s.driver)

	return s.info(), nil
}

// Get returns the current state of token.
func (m *Manager) Get(token string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[token]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, token)
	}
	return s.info(), nil
}

// List returns every tracked session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].SessionToken < infos[j].SessionToken
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// End stops tracking token and stores its final snapshot as inactive.
func (m *Manager) End(ctx context.Context, token string) (Info, error) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	m.mu.Unlock()

	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, token)
	}

	info := m.finish(ctx, s)

	m.logger.Info().
		Str("session_token", token).
		Int64("accumulated_seconds", info.AccumulatedSeconds).
		Bool("completed", info.Completed).
		Msg("Ended engagement session")

	return info, nil
}

// Recover marks snapshots left active by a previous process as inactive.
// Their clocks died with that process, so they cannot resume.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stale, err := m.store.Sessions().ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	recovered := 0
	for _, snap := range stale {
		if _, tracked := m.sessions[snap.SessionToken]; tracked {
			continue
		}
		snap.Active = false
		snap.Playing = false
		if err := m.store.Sessions().UpsertSession(ctx, snap); err != nil {
			metrics.StoreErrors.WithLabelValues("upsert_session").Inc()
			return recovered, fmt.Errorf("deactivate session %s: %w", snap.SessionToken, err)
		}
		recovered++
	}

	if recovered > 0 {
		m.logger.Info().Int("sessions", recovered).Msg("Deactivated sessions left over from previous run")
	}
	return recovered, nil
}

// Close ends every session, stops the cleanup loop and waits for pending
// claims to finish.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCleanup)
		<-m.cleanupDone

		m.mu.Lock()
		m.closed = true
		remaining := m.sessions
		m.sessions = make(map[string]*session)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		for _, s := range remaining {
			m.finish(ctx, s)
		}

		m.claimWG.Wait()
		m.logger.Info().Int("sessions", len(remaining)).Msg("Session manager closed")
	})
}

// finish stops the driver and persists the final snapshot. The session must
// already be removed from the map; Stop waits for an in-flight tick whose
// handler takes m.mu.
func (m *Manager) finish(ctx context.Context, s *session) Info {
	s.driver.Stop()
	metrics.ActiveSessions.Dec()

	info := s.info()
	m.persist(ctx, info, false)
	return info
}

// tickHandler returns the driver callback for token.
func (m *Manager) tickHandler(token string) func(engagement.State, engagement.TickResult) {
	return func(state engagement.State, result engagement.TickResult) {
		m.mu.Lock()
		s, ok := m.sessions[token]
		if !ok {
			m.mu.Unlock()
			return
		}

		// Counted ticks are activity; a session mid-watch is never swept.
		s.lastActivity = m.clock.Now()

		if !result.JustCompleted || s.claimed {
			m.mu.Unlock()
			return
		}
		s.claimed = true
		info := Info{
			State:        state,
			StartedAt:    s.startedAt,
			LastActivity: s.lastActivity,
		}
		m.claimWG.Add(1)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		m.persist(ctx, info, true)
		cancel()

		go m.dispatchClaim(claim.Completion{
			SessionToken:       state.SessionToken,
			AccumulatedSeconds: state.AccumulatedSeconds,
			ThresholdSeconds:   state.ThresholdSeconds,
			CompletedAt:        info.LastActivity,
		})
	}
}

func (m *Manager) dispatchClaim(completion claim.Completion) {
	defer m.claimWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()

	if err := m.claimer.Claim(ctx, completion); err != nil {
		m.logger.Error().
			Err(err).
			Str("session_token", completion.SessionToken).
			Msg("Failed to claim completion")
	}
}

func (m *Manager) persist(ctx context.Context, info Info, active bool) {
	err := m.store.Sessions().UpsertSession(ctx, storage.EngagementSession{
		SessionToken:       info.SessionToken,
		ThresholdSeconds:   info.ThresholdSeconds,
		AccumulatedSeconds: info.AccumulatedSeconds,
		Playing:            info.Playing,
		PageVisible:        info.PageVisible,
		Completed:          info.Completed,
		StartedAt:          info.StartedAt,
		LastActivity:       info.LastActivity,
		Active:             active,
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("upsert_session").Inc()
		m.logger.Error().Err(err).Str("session_token", info.SessionToken).Msg("Failed to save session snapshot")
	}
}

// cleanupLoop periodically discards sessions that have gone quiet.
func (m *Manager) cleanupLoop(interval time.Duration) {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.cleanupInactive()
		}
	}
}

// cleanupInactive ends sessions with no activity for the inactivity timeout.
func (m *Manager) cleanupInactive() int {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*session
	for token, s := range m.sessions {
		if now.Sub(s.lastActivity) > m.inactivityTimeout {
			expired = append(expired, s)
			delete(m.sessions, token)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	for _, s := range expired {
		info := m.finish(ctx, s)
		m.logger.Debug().
			Str("session_token", info.SessionToken).
			Dur("inactive", now.Sub(info.LastActivity)).
			Msg("Cleaned up inactive session")
	}

	return len(expired)
}
