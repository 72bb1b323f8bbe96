package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/hurricanerix/loom/internal/logging"
)

const (
	// SessionInactivityTimeout is how long a session can be inactive before cleanup.
	SessionInactivityTimeout = 24 * time.Hour

	// SessionCleanupInterval is how often to run cleanup.
	SessionCleanupInterval = 1 * time.Hour

	// MaxSessions is the maximum number of sessions before LRU eviction.
	MaxSessions = 100
)

// Factory builds the workspace for a new session id.
type Factory func(sessionID string) *Workspace

type sessionInfo struct {
	workspace    *Workspace
	lastActivity time.Time
}

// Sessions maps session ids to workspaces.
//
// Sessions inactive for SessionInactivityTimeout are closed by a
// background goroutine. When MaxSessions is reached the least recently
// used session is closed to make room.
type Sessions struct {
	factory Factory
	logger  *logging.Logger
	now     func() time.Time

	mu            sync.RWMutex
	sessions      map[string]*sessionInfo
	cancelCleanup context.CancelFunc
	cleanupDone   chan struct{}
}

// NewSessions creates an empty registry and starts its cleanup loop.
func NewSessions(factory Factory, logger *logging.Logger) *Sessions {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sessions{
		factory:       factory,
		logger:        logging.OrDiscard(logger),
		now:           time.Now,
		sessions:      make(map[string]*sessionInfo),
		cancelCleanup: cancel,
		cleanupDone:   make(chan struct{}),
	}
	go s.cleanupLoop(ctx)
	return s
}

// GetOrCreate returns the workspace for sessionID, creating it on first
// use, and marks the session active.
func (s *Sessions) GetOrCreate(sessionID string) *Workspace {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.sessions[sessionID]; ok {
		info.lastActivity = now
		return info.workspace
	}

	if len(s.sessions) >= MaxSessions {
		s.evictLRU()
	}

	ws := s.factory(sessionID)
	s.sessions[sessionID] = &sessionInfo{workspace: ws, lastActivity: now}
	s.logger.Debug("Created workspace for session %s (total: %d)", sessionID, len(s.sessions))
	return ws
}

// Get returns the workspace for sessionID, or nil.
func (s *Sessions) Get(sessionID string) *Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.sessions[sessionID]; ok {
		return info.workspace
	}
	return nil
}

// Delete closes and removes a session. Unknown ids are ignored.
func (s *Sessions) Delete(sessionID string) {
	s.mu.Lock()
	info, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if ok {
		info.workspace.Close()
	}
}

// Count returns the number of sessions.
func (s *Sessions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops the cleanup loop and closes every workspace.
func (s *Sessions) Shutdown() {
	if s.cancelCleanup != nil {
		s.cancelCleanup()
		<-s.cleanupDone
	}

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*sessionInfo)
	s.mu.Unlock()

	for _, info := range sessions {
		info.workspace.Close()
	}
}

func (s *Sessions) cleanupLoop(ctx context.Context) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(SessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupInactive()
		}
	}
}

func (s *Sessions) cleanupInactive() {
	now := s.now()
	var stale []*Workspace

	s.mu.Lock()
	for id, info := range s.sessions {
		if now.Sub(info.lastActivity) > SessionInactivityTimeout {
			delete(s.sessions, id)
			stale = append(stale, info.workspace)
		}
	}
	total := len(s.sessions)
	s.mu.Unlock()

	for _, ws := range stale {
		ws.Close()
	}
	if len(stale) > 0 {
		s.logger.Info("Cleaned up %d inactive sessions (total: %d)", len(stale), total)
	}
}

// evictLRU must be called with s.mu held for writing.
func (s *Sessions) evictLRU() {
	var oldestID string
	var oldestTime time.Time

	for id, info := range s.sessions {
		if oldestID == "" || info.lastActivity.Before(oldestTime) {
			oldestID = id
			oldestTime = info.lastActivity
		}
	}

	if oldestID != "" {
		info := s.sessions[oldestID]
		delete(s.sessions, oldestID)
		go info.workspace.Close()
		s.logger.Info("Evicted least recently used session %s", oldestID)
	}
}
