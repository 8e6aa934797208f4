// Package registry tracks live worker sessions. Unlike the durable store,
// the registry is pure process memory: a worker that never authenticates
// again after a restart simply has no entry, and nothing here survives a
// coordinator restart. The scheduler reads only this package when looking
// for somewhere to dispatch a job.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

type Status string

const (
	Idle    Status = "idle"
	Busy    Status = "busy"
	Offline Status = "offline"
)

// Session is one worker's live state as seen by the coordinator. Conn is
// an opaque handle (the *session.WorkerConn in package session) the
// scheduler uses to hand off an assignment; the registry itself never
// touches it beyond storing and returning it.
type Session struct {
	ID           string
	Owner        string
	Capabilities gridxapi.Capabilities
	Status       Status
	RunningJobs  int
	LastSeen     time.Time
	Conn         any
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Register(id, owner string, caps gridxapi.Capabilities, conn any) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{
		ID:           id,
		Owner:        owner,
		Capabilities: caps,
		Status:       Idle,
		LastSeen:     time.Now().UTC(),
		Conn:         conn,
	}
	r.sessions[id] = s
	return s
}

func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Touch refreshes a session's last-seen time from a heartbeat. It does not
// let the heartbeat's self-reported status or running-job count overwrite
// the dispatch-owned busy accounting that MarkBusy/MarkIdle maintain — the
// one exception is a session whose status is Offline, which a heartbeat
// moves back to Idle, since a heartbeat arriving at all means the
// connection is back. (The stale sweep removes sessions rather than
// marking them Offline.)
func (r *Registry) Touch(id string, reportedStatus Status, _ int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.LastSeen = time.Now().UTC()
	if s.Status == Offline && reportedStatus != Offline {
		s.Status = Idle
	}
	return true
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// MarkBusy flips a session to busy if it was idle, returning false if the
// session vanished or was no longer idle (another dispatch pass beat us
// to it, or it went offline between selection and assignment).
func (r *Registry) MarkBusy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != Idle {
		return false
	}
	s.Status = Busy
	s.RunningJobs++
	return true
}

func (r *Registry) MarkIdle(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.RunningJobs > 0 {
		s.RunningJobs--
	}
	if s.RunningJobs == 0 {
		s.Status = Idle
	}
}

// PickIdle returns the longest-idle worker session whose capabilities
// satisfy the requested limits, breaking ties by earliest LastSeen so the
// same worker is not starved by newer arrivals.
func (r *Registry) PickIdle(limits gridxapi.Limits, needAccelerator bool, language string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Session
	for _, s := range r.sessions {
		if s.Status != Idle {
			continue
		}
		if !s.Capabilities.Satisfies(limits, needAccelerator) {
			continue
		}
		if !supportsLanguage(s.Capabilities.Languages, language) {
			continue
		}
		if best == nil || s.LastSeen.Before(best.LastSeen) {
			best = s
		}
	}
	if best == nil {
		return Session{}, false
	}
	return *best, true
}

func supportsLanguage(langs []string, want string) bool {
	if len(langs) == 0 {
		return true
	}
	for _, l := range langs {
		if l == want {
			return true
		}
	}
	return false
}

// StaleSince returns the IDs of sessions whose LastSeen is older than cut,
// for the stale-worker sweep to deregister.
func (r *Registry) StaleSince(cut time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0)
	for id, s := range r.sessions {
		if s.LastSeen.Before(cut) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
