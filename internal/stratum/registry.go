package stratum

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/djkazic/ckpool-go/internal/metrics"
	"github.com/djkazic/ckpool-go/internal/work"
	"github.com/djkazic/ckpool-go/pkg/util"

	"go.uber.org/zap"
)

// SessionRegistry is the process-wide authoritative set of live Stratum
// sessions. It owns session_id assignment (and therefore extranonce1
// uniqueness, per invariant I1: a monotonic counter trivially never repeats
// for the life of the process) and fans broadcast Jobs out to every
// Authorized session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64

	currentMu sync.RWMutex
	current   *work.JobData

	logger *zap.Logger
}

func NewSessionRegistry(logger *zap.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[uint64]*Session),
		logger:   logger,
	}
}

func (r *SessionRegistry) nextSessionID() uint64 {
	return r.nextID.Add(1)
}

func (r *SessionRegistry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()
	metrics.MinersConnected.Set(float64(count))
}

func (r *SessionRegistry) remove(id uint64) {
	r.mu.Lock()
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()
	metrics.MinersConnected.Set(float64(count))
}

// Count returns the number of currently-tracked sessions (any state).
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) currentJob() *work.JobData {
	r.currentMu.RLock()
	defer r.currentMu.RUnlock()
	return r.current
}

// broadcast fans job out to every Authorized session as a mining.notify,
// each bound to that session's own payout script. A freshly-subscribed
// session that authorizes after this call picks up the job directly in
// handleAuthorize, so no session ever waits for the next broadcast for its
// first job.
func (r *SessionRegistry) broadcast(job *work.JobData) {
	r.currentMu.Lock()
	r.current = job
	r.currentMu.Unlock()

	if compact, err := strconv.ParseUint(job.NBits, 16, 32); err == nil {
		target := util.CompactToTarget(uint32(compact))
		metrics.NetworkDifficulty.Set(util.TargetToDifficulty(target, util.Diff1Target))
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.IsAuthorized() {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.sendJob(job)
	}
	metrics.AuthorizedMiners.Set(float64(len(targets)))
}

// broadcastDifficulty pushes a mining.set_difficulty to every session
// authorized at call time, used when the pool's configured initial
// difficulty changes (e.g. config reload).
func (r *SessionRegistry) broadcastDifficulty(diff float64) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.IsAuthorized() {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.mu.Lock()
		s.difficulty = diff
		s.mu.Unlock()
		s.sendSetDifficulty()
	}
}

// Shutdown issues a courteous client.reconnect to every live session and
// waits for each to either flush it and close or hit drain, whichever comes
// first. Sessions are shut down concurrently so the total wait is bounded by
// drain regardless of how many miners are connected.
func (r *SessionRegistry) Shutdown(drain time.Duration) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.shutdown(drain)
		}(s)
	}
	wg.Wait()
}

// RegistryStats is a point-in-time snapshot for metrics/observability.
type RegistryStats struct {
	TotalSessions      int
	AuthorizedSessions int
}

func (r *SessionRegistry) snapshotStats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{TotalSessions: len(r.sessions)}
	for _, s := range r.sessions {
		if s.IsAuthorized() {
			stats.AuthorizedSessions++
		}
	}
	return stats
}
