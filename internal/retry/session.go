// Package retry owns the bounded retry session for one page context: it
// consumes failure signals from the detector and a generation-success signal,
// and decides whether to re-submit the captured prompt, wait, or terminate.
package retry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/detect"
)

// Outcome is the terminal result of a session.
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExhausted Outcome = "exhausted"
)

// Default settings, used when the settings source is unavailable.
const (
	DefaultMaxRetries            = 5
	DefaultRetryCooldown         = 3 * time.Second
	DefaultRateLimitWait         = 60 * time.Second
	DefaultRapidFailureThreshold = 10 * time.Second
)

// Settings is the read-only snapshot of retry knobs. It is re-read on every
// transition; the source may change values between reads.
type Settings struct {
	MaxRetries            int
	RetryCooldown         time.Duration
	RateLimitWait         time.Duration
	RapidFailureThreshold time.Duration
}

// DefaultSettings returns the fixed fallback settings.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries:            DefaultMaxRetries,
		RetryCooldown:         DefaultRetryCooldown,
		RateLimitWait:         DefaultRateLimitWait,
		RapidFailureThreshold: DefaultRapidFailureThreshold,
	}
}

// SettingsSource provides the current settings snapshot. Implementations
// must be safe for concurrent use.
type SettingsSource interface {
	Snapshot() (Settings, error)
}

// SettingsFunc adapts a function to a SettingsSource.
type SettingsFunc func() (Settings, error)

// Snapshot implements SettingsSource.
func (f SettingsFunc) Snapshot() (Settings, error) { return f() }

// Submitter writes the captured prompt back to the page and re-submits the
// generation request. Restore reports failure instead of erroring hard; a
// missing input is a normal condition mid-navigation.
type Submitter interface {
	Restore(text string) bool
	Submit() error
}

// Session is the retry state for one post. Mutated only by the Manager.
type Session struct {
	PostID         string    `json:"post_id"`
	Active         bool      `json:"active"`
	AttemptsUsed   int       `json:"attempts_used"`
	MaxAttempts    int       `json:"max_attempts"`
	LastOutcome    Outcome   `json:"last_outcome"`
	CapturedPrompt string    `json:"-"`
	LastAttempt    time.Time `json:"last_attempt,omitempty"` // zero = no attempt yet
	StartedAt      time.Time `json:"started_at,omitempty"`
	RapidFailures  int       `json:"rapid_failures"`
}

// Debug is the read-only introspection snapshot consumed by external test
// harnesses and the bridge debug endpoint.
type Debug struct {
	Active          bool    `json:"active"`
	PostID          string  `json:"post_id,omitempty"`
	AttemptsUsed    int     `json:"attempts_used"`
	MaxAttempts     int     `json:"max_attempts"`
	RetryPermitted  bool    `json:"retry_permitted"`
	CooldownPending bool    `json:"cooldown_pending"`
	LastOutcome     Outcome `json:"last_outcome"`
	RapidFailures   int     `json:"rapid_failures"`
}

// Report describes a finalized session, delivered to the report hook on
// every terminal transition.
type Report struct {
	PostID       string    `json:"post_id"`
	Outcome      Outcome   `json:"outcome"`
	AttemptsUsed int       `json:"attempts_used"`
	Reason       string    `json:"reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// ErrSessionActive is returned by Start when a session is already active for
// a different post and has not been cancelled first.
var ErrSessionActive = errors.New("retry session already active for another post")

// Manager drives exactly one Session per page context. All transitions are
// serialized; terminal state is externally observable the moment the
// triggering call returns.
type Manager struct {
	mu       sync.Mutex
	logger   *slog.Logger
	settings SettingsSource
	report   func(Report)

	sess Session
	io   Submitter
	gen  uint64 // bumped on every restart/terminal transition

	// attemptPending is true while a restore/submit page round trip is in
	// flight. The cooldown gate alone cannot cover that window: LastAttempt
	// only advances after the round trip, and signals keep arriving on
	// timer goroutines meanwhile.
	attemptPending bool

	now func() time.Time
}

// NewManager creates an idle Manager. The report hook may be nil; it is
// invoked synchronously after each terminal transition, outside the state
// lock.
func NewManager(settings SettingsSource, report func(Report), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		settings: settings,
		report:   report,
		sess:     Session{LastOutcome: OutcomeNone},
		now:      time.Now,
	}
}

// snapshotSettings reads the current settings, falling back to defaults when
// the source is unavailable.
func (m *Manager) snapshotSettings() Settings {
	if m.settings == nil {
		return DefaultSettings()
	}
	s, err := m.settings.Snapshot()
	if err != nil {
		m.logger.Warn("settings source unavailable, using defaults", "error", err)
		return DefaultSettings()
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.RetryCooldown <= 0 {
		s.RetryCooldown = DefaultRetryCooldown
	}
	if s.RateLimitWait <= 0 {
		s.RateLimitWait = DefaultRateLimitWait
	}
	if s.RapidFailureThreshold <= 0 {
		s.RapidFailureThreshold = DefaultRapidFailureThreshold
	}
	return s
}

// Start begins a session for postID with the captured prompt. A session
// already active for a different post must be cancelled first; starting over
// it is a logged no-op returning ErrSessionActive. Starting after a terminal
// outcome reinitializes all fields.
func (m *Manager) Start(postID, capturedPrompt string, io Submitter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.Active {
		m.logger.Warn("start ignored: session already active",
			"active_post", m.sess.PostID, "requested_post", postID)
		return ErrSessionActive
	}

	s := m.snapshotSettings()
	m.gen++
	m.sess = Session{
		PostID:         postID,
		Active:         true,
		MaxAttempts:    s.MaxRetries,
		LastOutcome:    OutcomeNone,
		CapturedPrompt: capturedPrompt,
		StartedAt:      m.now(),
	}
	m.io = io
	m.logger.Info("retry session started",
		"post_id", postID, "max_attempts", s.MaxRetries, "prompt_len", len(capturedPrompt))
	return nil
}

// OnSuccess handles the generation-success signal: active -> succeeded.
func (m *Manager) OnSuccess() {
	m.finalize(OutcomeSuccess, "generation complete")
}

// OnRateLimit handles a rate-limit signal: immediate, unconditional
// cancellation regardless of cooldown state or attempts remaining. Further
// automated retries would worsen throttling, so the policy is fail-fast.
func (m *Manager) OnRateLimit(sig detect.Signal) {
	m.finalize(OutcomeCancelled, "rate limited")
}

// OnNavigationAway cancels the session when the page moved to a different
// post, guarding against cross-post prompt corruption.
func (m *Manager) OnNavigationAway(newPostID string) {
	m.mu.Lock()
	if !m.sess.Active || newPostID == m.sess.PostID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.finalize(OutcomeCancelled, "navigated away")
}

// Cancel handles explicit external cancellation.
func (m *Manager) Cancel() {
	m.finalize(OutcomeCancelled, "cancelled")
}

// OnModeration handles a moderation rejection: if the budget allows and the
// cooldown has elapsed, the captured prompt is re-submitted. Signals inside
// the cooldown window are dropped; a fresh edge-triggered signal after the
// window is required to retry.
func (m *Manager) OnModeration(sig detect.Signal) {
	m.mu.Lock()

	if !m.sess.Active {
		m.mu.Unlock()
		m.logger.Debug("moderation signal dropped: no active session")
		return
	}

	if m.attemptPending {
		m.logger.Debug("moderation signal dropped: attempt in flight", "post_id", m.sess.PostID)
		m.mu.Unlock()
		return
	}

	s := m.snapshotSettings()
	now := m.now()

	// Budget already spent: terminal.
	if m.sess.AttemptsUsed >= m.sess.MaxAttempts {
		m.mu.Unlock()
		m.finalize(OutcomeExhausted, "retry budget exhausted")
		return
	}

	// Cooldown gate: at most one honored attempt per cooldown window.
	if !m.sess.LastAttempt.IsZero() && now.Sub(m.sess.LastAttempt) < s.RetryCooldown {
		m.logger.Debug("moderation signal dropped: within cooldown",
			"post_id", m.sess.PostID,
			"since_last_attempt", now.Sub(m.sess.LastAttempt),
			"cooldown", s.RetryCooldown)
		m.mu.Unlock()
		return
	}

	// Rejections arriving faster than the site could plausibly have
	// processed an attempt are tracked for external visibility. Counted
	// below, only once the attempt is actually honored; a skipped attempt
	// is not a failure of anything.
	rapid := !m.sess.LastAttempt.IsZero() && now.Sub(m.sess.LastAttempt) < s.RapidFailureThreshold

	// A capture failure is unrelated to the site's rejection: skip the
	// attempt without burning budget or advancing the cooldown clock.
	if m.sess.CapturedPrompt == "" {
		m.mu.Unlock()
		m.logger.Warn("retry skipped: no captured prompt", "post_id", m.sess.PostID)
		return
	}
	io := m.io
	if io == nil {
		m.mu.Unlock()
		m.logger.Warn("retry skipped: no submitter attached", "post_id", m.sess.PostID)
		return
	}

	prompt := m.sess.CapturedPrompt
	postID := m.sess.PostID
	gen := m.gen
	m.attemptPending = true
	m.mu.Unlock()

	// Prompt restore talks to the page; done outside the lock.
	if !io.Restore(prompt) {
		m.clearPending()
		m.logger.Warn("retry skipped: prompt restore failed", "post_id", postID)
		return
	}
	if err := io.Submit(); err != nil {
		m.clearPending()
		m.logger.Warn("retry skipped: submit failed", "post_id", postID, "error", err)
		return
	}

	m.mu.Lock()
	m.attemptPending = false
	// The session may have been cancelled or restarted while the page
	// round-trip was in flight; a stale attempt must not mutate it.
	if gen != m.gen || !m.sess.Active {
		m.mu.Unlock()
		m.logger.Debug("attempt result discarded: session superseded", "post_id", postID)
		return
	}

	if rapid {
		m.sess.RapidFailures++
		m.logger.Warn("rapid moderation failure",
			"post_id", postID,
			"rapid_failures", m.sess.RapidFailures)
	}
	m.sess.AttemptsUsed++
	m.sess.LastAttempt = m.now()
	m.logger.Info("retry attempt submitted",
		"post_id", postID,
		"attempts_used", m.sess.AttemptsUsed,
		"max_attempts", m.sess.MaxAttempts)

	var rep *Report
	if m.sess.AttemptsUsed >= m.sess.MaxAttempts {
		r := m.finalizeLocked(OutcomeExhausted, "retry budget exhausted")
		rep = &r
	}
	m.mu.Unlock()

	if rep != nil && m.report != nil {
		m.report(*rep)
	}
}

func (m *Manager) clearPending() {
	m.mu.Lock()
	m.attemptPending = false
	m.mu.Unlock()
}

// finalize moves an active session to a terminal outcome. Idle calls are
// logged no-ops. The terminal state is visible to other goroutines before
// the report hook runs.
func (m *Manager) finalize(outcome Outcome, reason string) {
	m.mu.Lock()
	if !m.sess.Active {
		m.mu.Unlock()
		m.logger.Debug("signal dropped: no active session", "outcome", outcome, "reason", reason)
		return
	}
	rep := m.finalizeLocked(outcome, reason)
	m.mu.Unlock()

	if m.report != nil {
		m.report(rep)
	}
}

// finalizeLocked performs the terminal transition under the lock and returns
// the report. Outcome transitions are monotonic: after this, no signal
// mutates the session until Start is called again.
func (m *Manager) finalizeLocked(outcome Outcome, reason string) Report {
	m.gen++
	m.sess.Active = false
	m.sess.LastOutcome = outcome

	rep := Report{
		PostID:       m.sess.PostID,
		Outcome:      outcome,
		AttemptsUsed: m.sess.AttemptsUsed,
		Reason:       reason,
		StartedAt:    m.sess.StartedAt,
		EndedAt:      m.now(),
	}
	m.io = nil
	m.logger.Info("retry session finalized",
		"post_id", rep.PostID, "outcome", outcome, "attempts_used", rep.AttemptsUsed, "reason", reason)
	return rep
}

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Debug returns the read-only introspection snapshot: whether a retry would
// currently be honored, and whether the cooldown window is still open.
func (m *Manager) Debug() Debug {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.snapshotSettings()
	now := m.now()
	cooldownPending := m.sess.Active &&
		!m.sess.LastAttempt.IsZero() &&
		now.Sub(m.sess.LastAttempt) < s.RetryCooldown

	return Debug{
		Active:          m.sess.Active,
		PostID:          m.sess.PostID,
		AttemptsUsed:    m.sess.AttemptsUsed,
		MaxAttempts:     m.sess.MaxAttempts,
		RetryPermitted:  m.sess.Active && m.sess.AttemptsUsed < m.sess.MaxAttempts && !cooldownPending,
		CooldownPending: cooldownPending,
		LastOutcome:     m.sess.LastOutcome,
		RapidFailures:   m.sess.RapidFailures,
	}
}
