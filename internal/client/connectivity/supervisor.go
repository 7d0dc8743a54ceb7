// Package connectivity tracks whether the server is reachable. The sync
// engine consults it before every phase; transitions back online trigger an
// immediate cycle instead of waiting for the next poll.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State of the link, as observed through the heartbeat.
type State int

const (
	Online   State = iota
	Offline        // heartbeats failing — pushes suppressed
	Probing        // offline long enough to test recovery
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Probing:
		return "probing"
	default:
		return "unknown"
	}
}

// Prober is the heartbeat check, typically API.Health.
type Prober func(ctx context.Context) error

// Config holds tunable parameters.
type Config struct {
	Interval         time.Duration // heartbeat period while online (default: 30s)
	FailureThreshold int           // consecutive failures to declare offline (default: 2)
	OfflineTimeout   time.Duration // how long to wait offline before probing (default: 15s)
}

func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		FailureThreshold: 2,
		OfflineTimeout:   15 * time.Second,
	}
}

// Supervisor runs the heartbeat loop and publishes transitions.
// OnOnline fires exactly once per offline→online transition.
type Supervisor struct {
	probe    Prober
	cfg      Config
	onOnline func()

	mu                sync.Mutex
	state             State
	failureCount      int
	reconnectAttempts int
	lastFailureTime   time.Time
}

func NewSupervisor(probe Prober, cfg Config, onOnline func()) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = 15 * time.Second
	}
	return &Supervisor{probe: probe, cfg: cfg, onOnline: onOnline, state: Online}
}

// State returns the current link state (safe for concurrent reads).
// Offline auto-transitions to Probing once the offline timeout elapses.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Offline && time.Since(s.lastFailureTime) >= s.cfg.OfflineTimeout {
		s.state = Probing
	}
	return s.state
}

// IsOnline reports whether the engine should attempt network work right now.
func (s *Supervisor) IsOnline() bool { return s.State() == Online }

// ReconnectAttempts returns how many probes have failed since going offline.
func (s *Supervisor) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// Run executes the heartbeat loop until ctx is cancelled. While offline the
// probe cadence follows the offline timeout rather than the online interval,
// so recovery is noticed quickly without hammering a dead link.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.check(ctx)
	for {
		var wait <-chan time.Time = ticker.C
		if s.State() != Online {
			wait = time.After(s.cfg.OfflineTimeout)
		}
		select {
		case <-ctx.Done():
			return
		case <-wait:
			s.check(ctx)
		}
	}
}

// ReportFailure lets the engine feed sync-cycle network errors into the same
// state machine, so a failed push flips the link offline without waiting for
// the next heartbeat.
func (s *Supervisor) ReportFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure()
}

func (s *Supervisor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := s.probe(probeCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.onFailure()
		return
	}
	s.onSuccess()
}

// onFailure records a failed heartbeat (must be called under lock).
func (s *Supervisor) onFailure() {
	s.failureCount++
	s.lastFailureTime = time.Now()

	switch s.state {
	case Online:
		if s.failureCount >= s.cfg.FailureThreshold {
			s.state = Offline
			s.reconnectAttempts = 0
			log.Warn().Msg("connectivity: link down, entering offline mode")
		}
	case Probing:
		// Probe failed — back to offline, count the attempt
		s.state = Offline
		s.reconnectAttempts++
	}
}

// onSuccess records a healthy heartbeat (must be called under lock).
func (s *Supervisor) onSuccess() {
	wasDown := s.state != Online
	attempts := s.reconnectAttempts
	s.state = Online
	s.failureCount = 0
	s.reconnectAttempts = 0

	if wasDown {
		log.Info().Int("reconnect_attempts", attempts).Msg("connectivity: link restored")
		if s.onOnline != nil {
			// Fire outside the lock: the callback triggers a sync cycle and
			// may call back into State().
			go s.onOnline()
		}
	}
}
