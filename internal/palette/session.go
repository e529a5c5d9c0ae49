// Package palette implements the Node-Palette Streamer (spec.md §4.4): a
// per-session fan-out of K parallel LLM calls whose outputs are merged,
// de-duplicated, and relayed to the client as an ordered SSE stream.
package palette

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/diagramflow/core/internal/domain"
)

// Session is one client's node-palette conversation. It lives only in the
// memory of the owning process (spec.md §4.4: "lost if that process dies
// ... re-open is permitted and begins a new session"); there is no
// cross-process replication.
type Session struct {
	ID           domain.PaletteSessionID
	UserID       domain.UserID
	DiagramTopic string
	DiagramKind  string

	mu               sync.Mutex
	stage            string
	stageData        map[string]string
	stageEpoch       int64
	lockedStages     map[string]struct{}
	alreadySuggested map[string]struct{}
	lastActivity     time.Time
	cancel           context.CancelFunc
}

// NewSession creates a fresh session at the given initial stage.
func NewSession(id domain.PaletteSessionID, userID domain.UserID, diagramTopic, diagramKind, initialStage string, now time.Time) *Session {
	return &Session{
		ID:               id,
		UserID:           userID,
		DiagramTopic:     diagramTopic,
		DiagramKind:      diagramKind,
		stage:            initialStage,
		stageData:        make(map[string]string),
		lockedStages:     make(map[string]struct{}),
		alreadySuggested: make(map[string]struct{}),
		lastActivity:     now,
	}
}

// normalizeNode trims and lowercases a candidate node string — the
// normalization spec.md §4.4 requires before checking alreadySuggested.
func normalizeNode(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Stage returns the session's current stage and the epoch that request
// must be tagged with: any node arriving for a different epoch is stale.
func (s *Session) Stage() (stage string, stageData map[string]string, epoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dataCopy := make(map[string]string, len(s.stageData))
	for k, v := range s.stageData {
		dataCopy[k] = v
	}
	return s.stage, dataCopy, s.stageEpoch
}

// CurrentEpoch reports the live stage epoch without copying stage data —
// used by the merge engine's hot path to check a node against staleness.
func (s *Session) CurrentEpoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageEpoch
}

// AdvanceStage locks the current stage (its contents may no longer be
// regenerated) and transitions to newStage, bumping the epoch so any
// node produced by a request against the prior stage is recognized as
// stale (spec.md §4.4.3: "stage-counter prevents late-arriving nodes...
// from leaking into the new stage's stream").
func (s *Session) AdvanceStage(newStage string, newStageData map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockedStages[s.stage] = struct{}{}
	s.stage = newStage
	s.stageData = newStageData
	s.stageEpoch++
}

// IsStageLocked reports whether stage may no longer be regenerated.
func (s *Session) IsStageLocked(stage string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, locked := s.lockedStages[stage]
	return locked
}

// TryAdd normalizes candidate and, if not already suggested, records it
// and returns (normalized, true). Otherwise returns ("", false).
func (s *Session) TryAdd(candidate string) (string, bool) {
	norm := normalizeNode(candidate)
	if norm == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alreadySuggested[norm]; exists {
		return "", false
	}
	s.alreadySuggested[norm] = struct{}{}
	return norm, true
}

// Touch records activity against the session's idle-expiry clock.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// SetCancel installs the cancellation function for the session's current
// in-flight batch, replacing (and implicitly not calling) any prior one —
// a session only ever has one batch running at a time.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Cancel triggers the session's cancellation token, fulfilling spec.md
// §4.4.2's "client's HTTP disconnect or explicit close message triggers
// the session's cancellation token". Safe to call with no batch running.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Manager owns the in-memory registry of active sessions, keyed by
// session id, and sweeps out sessions idle past the expiry grace period
// (spec.md §4.4.2: "kept for a short grace period ... after idle-expiry
// the session is discarded").
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	clock      domain.Clock
	idleExpiry time.Duration
}

// NewManager creates a Manager. idleExpiry defaults to
// domain.PaletteIdleExpiry when zero.
func NewManager(clock domain.Clock, idleExpiry time.Duration) *Manager {
	if idleExpiry <= 0 {
		idleExpiry = domain.PaletteIdleExpiry
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		clock:      clock,
		idleExpiry: idleExpiry,
	}
}

// Open registers a new session, replacing any existing session under the
// same id (a client that reopens mid-expiry gets the fresh session it
// asked for).
func (m *Manager) Open(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID.String()] = s
}

// Get looks up a session by id. The "within idle-expiry, reconnect
// resumes the existing session" decision (SPEC_FULL.md §9 #2) lives here:
// a session past its idle expiry is treated as absent even though Sweep
// may not have run yet.
func (m *Manager) Get(id domain.PaletteSessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id.String()]
	if !ok {
		return nil, false
	}
	if s.idleSince(m.clock.Now()) > m.idleExpiry {
		delete(m.sessions, id.String())
		return nil, false
	}
	return s, true
}

// Sweep removes all sessions idle past the expiry grace period. Intended
// to run periodically from a background goroutine in the composition
// root, not from the request path.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	removed := 0
	for id, s := range m.sessions {
		if s.idleSince(now) > m.idleExpiry {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Count reports the number of live sessions, for metrics/diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
