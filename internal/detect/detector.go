// Package detect classifies failure signals from page text. It implements an
// edge-triggered, debounced detector over a sampled boolean per marker kind:
// a signal fires once per contiguous presence period of its marker, after a
// short settle window, and never repeats while the marker stays present.
package detect

import (
	"log/slog"
	"sync"
	"time"
)

// Kind classifies a detected failure signal.
type Kind string

const (
	// KindModeration is a content-moderation rejection.
	KindModeration Kind = "moderation"
	// KindRateLimit is a rate-limiting notice.
	KindRateLimit Kind = "rate_limit"
)

// Signal is a transient failure classification event. It is consumed at most
// once by the active retry session.
type Signal struct {
	Kind        Kind      `json:"kind"`
	DetectedAt  time.Time `json:"detected_at"`
	Marker      string    `json:"marker"`
	WaitSeconds int       `json:"wait_seconds,omitempty"` // rate-limit only, 0 when unknown
}

// Default timing values.
const (
	DefaultDebounce = 100 * time.Millisecond
	// DefaultRateLimitHold pins the rate-limit presence flag after a fire
	// so no second signal escapes while the cooldown is pending.
	DefaultRateLimitHold = 60 * time.Second
)

// Config configures a Detector.
type Config struct {
	Markers       MarkerSet
	Debounce      time.Duration
	RateLimitHold time.Duration
}

// DefaultConfig returns a Config with default markers and timing.
func DefaultConfig() Config {
	return Config{
		Markers:       DefaultMarkers(),
		Debounce:      DefaultDebounce,
		RateLimitHold: DefaultRateLimitHold,
	}
}

// edgePhase is the sampled lifecycle of one marker kind.
type edgePhase int

const (
	phaseAbsent     edgePhase = iota
	phaseDebouncing           // rising edge seen, settle window pending
	phasePresent              // signal fired, marker still present
	phaseHeld                 // rate-limit fired, presence pinned until hold elapses
)

type edgeAction int

const (
	actionNone edgeAction = iota
	actionSchedule
	actionCancel
)

// nextPhase is the pure edge-detector transition over a sampled boolean.
// Scheduling and cancellation of the settle timer are returned as actions so
// the function stays independent of timer delivery.
func nextPhase(cur edgePhase, present bool) (edgePhase, edgeAction) {
	switch cur {
	case phaseAbsent:
		if present {
			return phaseDebouncing, actionSchedule
		}
	case phaseDebouncing:
		if !present {
			// Transient flash: the marker vanished before the settle
			// window elapsed, so the pending fire is abandoned.
			return phaseAbsent, actionCancel
		}
	case phasePresent:
		if !present {
			return phaseAbsent, actionNone
		}
	case phaseHeld:
		// Pinned: falling edges are ignored until the hold timer clears.
		return phaseHeld, actionNone
	}
	return cur, actionNone
}

// timer is the stoppable handle the detector keeps for its pending windows.
type timer interface {
	Stop() bool
}

type realTimer struct{ *time.Timer }

func (t realTimer) Stop() bool { return t.Timer.Stop() }

// Detector observes page-text samples and emits at most one Signal per
// contiguous marker presence period. All state is instance-scoped; multiple
// page contexts can run isolated instances.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	emit   func(Signal)
	logger *slog.Logger

	attached bool
	gen      uint64 // bumped on Detach/Reset so stale timers no-op

	phase         map[Kind]edgePhase
	pending       map[Kind]timer
	pendingMarker map[Kind]string
	pendingWait   int // parsed wait for the pending rate-limit fire
	hold          timer

	// Injectable for tests.
	now      func() time.Time
	newTimer func(d time.Duration, fn func()) timer
}

// New creates a detached Detector that delivers signals to emit.
func New(cfg Config, emit func(Signal), logger *slog.Logger) *Detector {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RateLimitHold <= 0 {
		cfg.RateLimitHold = DefaultRateLimitHold
	}
	if len(cfg.Markers.Moderation) == 0 && len(cfg.Markers.RateLimit) == 0 {
		cfg.Markers = DefaultMarkers()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:           cfg,
		emit:          emit,
		logger:        logger,
		phase:         make(map[Kind]edgePhase),
		pending:       make(map[Kind]timer),
		pendingMarker: make(map[Kind]string),
		now:           time.Now,
		newTimer: func(d time.Duration, fn func()) timer {
			return realTimer{time.AfterFunc(d, fn)}
		},
	}
}

// SetConfig replaces the marker lists and windows, clearing in-flight
// presence state so the next sample is judged against the new markers.
func (d *Detector) SetConfig(cfg Config) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RateLimitHold <= 0 {
		cfg.RateLimitHold = DefaultRateLimitHold
	}
	if len(cfg.Markers.Moderation) == 0 && len(cfg.Markers.RateLimit) == 0 {
		cfg.Markers = DefaultMarkers()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.resetLocked()
}

// Attach starts the detector. Samples observed before Attach are ignored.
func (d *Detector) Attach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached = true
}

// Detach stops the detector and cancels all pending timers. No signal is
// delivered after Detach returns.
func (d *Detector) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached = false
	d.resetLocked()
}

// Reset clears presence state and pending timers but stays attached. Called
// on page navigation, when the observed root is replaced wholesale.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Detector) resetLocked() {
	d.gen++
	for k, t := range d.pending {
		t.Stop()
		delete(d.pending, k)
	}
	if d.hold != nil {
		d.hold.Stop()
		d.hold = nil
	}
	d.phase = make(map[Kind]edgePhase)
	d.pendingMarker = make(map[Kind]string)
	d.pendingWait = 0
}

// Observe samples the rendered text of the observed root. It is called for
// every mutation batch; bursts that settle to the same state collapse into a
// single decision via the settle window.
func (d *Detector) Observe(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached {
		return
	}
	d.observeKind(KindModeration, match(text, d.cfg.Markers.Moderation), 0)

	wait := 0
	rl := match(text, d.cfg.Markers.RateLimit)
	if rl != "" {
		wait = ParseWaitSeconds(text)
	}
	d.observeKind(KindRateLimit, rl, wait)
}

func (d *Detector) observeKind(kind Kind, marker string, wait int) {
	present := marker != ""
	next, action := nextPhase(d.phase[kind], present)
	d.phase[kind] = next

	switch action {
	case actionSchedule:
		gen := d.gen
		d.pendingMarker[kind] = marker
		if kind == KindRateLimit {
			d.pendingWait = wait
		}
		d.pending[kind] = d.newTimer(d.cfg.Debounce, func() {
			d.settle(kind, gen)
		})
	case actionCancel:
		if t, ok := d.pending[kind]; ok {
			t.Stop()
			delete(d.pending, kind)
		}
		delete(d.pendingMarker, kind)
	case actionNone:
		// Refresh the matched marker while the settle window is open so
		// the fired signal carries the latest text.
		if next == phaseDebouncing {
			d.pendingMarker[kind] = marker
			if kind == KindRateLimit && wait > 0 {
				d.pendingWait = wait
			}
		}
	}
}

// settle fires after the debounce window. A stale generation means the
// detector was reset or detached since scheduling; the fire is discarded.
func (d *Detector) settle(kind Kind, gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.attached || d.phase[kind] != phaseDebouncing {
		d.mu.Unlock()
		return
	}
	delete(d.pending, kind)

	sig := Signal{
		Kind:       kind,
		DetectedAt: d.now(),
		Marker:     d.pendingMarker[kind],
	}
	delete(d.pendingMarker, kind)

	if kind == KindRateLimit {
		sig.WaitSeconds = d.pendingWait
		d.pendingWait = 0
		d.phase[kind] = phaseHeld
		d.scheduleHoldLocked(sig.WaitSeconds)
	} else {
		d.phase[kind] = phasePresent
	}
	emit := d.emit
	d.mu.Unlock()

	d.logger.Debug("failure signal detected", "kind", kind, "marker", sig.Marker, "wait_seconds", sig.WaitSeconds)
	if emit != nil {
		emit(sig)
	}
}

// scheduleHoldLocked pins the rate-limit presence flag for the hold window.
// The parsed wait from the page text takes precedence over the configured
// hold when it is longer.
func (d *Detector) scheduleHoldLocked(waitSeconds int) {
	hold := d.cfg.RateLimitHold
	if parsed := time.Duration(waitSeconds) * time.Second; parsed > hold {
		hold = parsed
	}
	gen := d.gen
	d.hold = d.newTimer(hold, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if gen != d.gen {
			return
		}
		d.hold = nil
		if d.phase[KindRateLimit] == phaseHeld {
			d.phase[KindRateLimit] = phaseAbsent
		}
	})
}

// Present reports whether the marker for kind is currently considered
// present (fired and not yet cleared). Exposed for external validation.
func (d *Detector) Present(kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase[kind] == phasePresent || d.phase[kind] == phaseHeld
}

// Pending reports whether a settle window for kind is open.
func (d *Detector) Pending(kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase[kind] == phaseDebouncing
}
