package supervisor

import (
	"sync"
	"time"

	"github.com/onnwee/live-tender/backend/encoder"
	"github.com/onnwee/live-tender/backend/sched"
)

// session is one supervised encode task. All fields are guarded by the
// registry mutex; at most one live process handle exists per session id.
type session struct {
	id           string
	owner        string
	source       string
	remote       bool
	loop         bool
	settings     encoder.Settings
	light        *encoder.LightProfile
	destinations []string

	keepAlive    bool
	manualStop   bool
	restarting   bool
	restartCount int
	restartTask  *sched.Task

	proc      Process
	pid       int
	startTime time.Time
}

// StreamStatus is the externally visible snapshot of a session.
type StreamStatus struct {
	SessionID    string    `json:"sessionId"`
	Owner        string    `json:"owner,omitempty"`
	Running      bool      `json:"running"`
	Restarting   bool      `json:"restarting"`
	RestartCount int       `json:"restartCount"`
	PID          int       `json:"pid,omitempty"`
	StartTime    time.Time `json:"startTime"`
	Destinations []string  `json:"destinations"`
}

// Registry is the single source of truth mapping session ids to state.
// It is an owned object passed to the supervisor and the start/stop entry
// points, never a package global.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

func (r *Registry) get(id string) *session {
	return r.sessions[id]
}

func (r *Registry) put(s *session) {
	r.sessions[s.id] = s
}

func (r *Registry) remove(id string) {
	delete(r.sessions, id)
}

// len reports tracked sessions; callers must hold the registry mutex.
func (r *Registry) len() int { return len(r.sessions) }

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the status of every tracked session.
func (r *Registry) Snapshot() []StreamStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StreamStatus, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, statusOf(s))
	}
	return out
}

func statusOf(s *session) StreamStatus {
	dests := make([]string, len(s.destinations))
	copy(dests, s.destinations)
	return StreamStatus{
		SessionID:    s.id,
		Owner:        s.owner,
		Running:      s.proc != nil,
		Restarting:   s.restarting,
		RestartCount: s.restartCount,
		PID:          s.pid,
		StartTime:    s.startTime,
		Destinations: dests,
	}
}
